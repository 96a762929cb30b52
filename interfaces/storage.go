package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// HashValue is one acceptable digest of a reference value.
type HashValue struct {
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

// ReferenceValue is a named set of known-good digests with an expiry.
type ReferenceValue struct {
	Version    string      `json:"version"`
	Name       string      `json:"name"`
	Expiration time.Time   `json:"expiration"`
	HashValues []HashValue `json:"hash-value"`
}

// Expired reports whether the reference value is no longer valid at now.
// A zero Expiration never expires.
func (rv *ReferenceValue) Expired(now time.Time) bool {
	return !rv.Expiration.IsZero() && !now.Before(rv.Expiration)
}

// Digests returns the digest strings in stored order.
func (rv *ReferenceValue) Digests() []string {
	out := make([]string, 0, len(rv.HashValues))
	for _, hv := range rv.HashValues {
		out = append(out, hv.Value)
	}
	return out
}

// ReferenceValueProvider is the reference value adapter consumed by the evaluation pipeline.
type ReferenceValueProvider interface {
	// Lookup returns the acceptable digests for a normalized claim key.
	// Returns an empty slice when there is no data, ErrReferenceStoreUnavailable
	// only on backend failure.
	Lookup(ctx context.Context, key string) ([]string, error)

	// Ingest verifies a provenance message and records the reference values it asserts.
	// Fails with ErrInvalidProvenance or ErrReferenceStoreUnavailable.
	Ingest(ctx context.Context, message string) error
}

// ReferenceValueStore persists reference values by name.
type ReferenceValueStore interface {
	// Get returns the stored reference value, or (nil, nil) if there is none.
	Get(ctx context.Context, name string) (*ReferenceValue, error)

	// Set creates or replaces the reference value with rv.Name.
	Set(ctx context.Context, rv ReferenceValue) error

	// Delete removes the named reference value. Deleting an absent value is not an error.
	Delete(ctx context.Context, name string) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string
}

// StoreLocation represents URI for a reference value storage backend.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewStoreLocation creates a new storage location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "sqlite", "redis", "s3", "vault":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
var ErrInvalidLocationURI = errors.New("invalid storage location URI")
