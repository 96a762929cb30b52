package storage

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/attestation-service/interfaces"
)

// StoreFactory creates reference value stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates a store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - process memory, lost on restart
//   - file:// - one JSON document per reference value
//   - sqlite:// - a table in a local sqlite database
//   - redis:// - JSON values under a key prefix
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.ReferenceValueStore, error) {
	loc, err := interfaces.NewStoreLocation(locationURI)
	if err != nil {
		return nil, err
	}

	sf.log.Debug("Creating reference value store", slog.String("scheme", loc.Scheme))

	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return sf.createFileStore(loc)
	case "sqlite":
		return sf.createSQLiteStore(loc)
	case "redis":
		return sf.createRedisStore(loc)
	case "s3":
		return sf.createS3Store(loc)
	case "vault":
		return sf.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a replicated store from several location URIs.
// A single URI yields that store directly.
func (sf *StoreFactory) CreateMultiStore(locationURIs []string) (interfaces.ReferenceValueStore, error) {
	stores := make([]interfaces.ReferenceValueStore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		store, err := sf.StoreFor(uri)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", uri, err)
		}
		stores = append(stores, store)
	}

	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("%w: no store locations configured", interfaces.ErrInvalidLocationURI)
	case 1:
		return stores[0], nil
	default:
		return NewMultiStore(stores, sf.log), nil
	}
}

// filePath joins host and path so both file:///abs and file://./rel work.
func filePath(loc interfaces.StoreLocation) string {
	if loc.Host == "" {
		return loc.Path
	}
	return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
}

// createFileStore handles file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.ReferenceValueStore, error) {
	path := filePath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileStore(path, sf.log)
}

// createSQLiteStore handles sqlite:///path/to/rvps.db
func (sf *StoreFactory) createSQLiteStore(loc interfaces.StoreLocation) (interfaces.ReferenceValueStore, error) {
	path := filePath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in sqlite URI: %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return OpenSQLiteStore(path, sf.log)
}

// createRedisStore handles redis://[:password@]host:port/db?prefix=rvps
func (sf *StoreFactory) createRedisStore(loc interfaces.StoreLocation) (interfaces.ReferenceValueStore, error) {
	db := 0
	if dbStr := strings.Trim(loc.Path, "/"); dbStr != "" {
		parsed, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid redis database %q", interfaces.ErrInvalidLocationURI, dbStr)
		}
		db = parsed
	}

	opts := &redis.Options{
		Addr: loc.Host,
		DB:   db,
	}
	if loc.User != nil {
		opts.Username = loc.User.Username()
		opts.Password, _ = loc.User.Password()
	}

	return NewRedisStore(redis.NewClient(opts), loc.GetParam("prefix"), sf.log), nil
}

// createS3Store handles s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.ReferenceValueStore, error) {
	opts := S3Options{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 URI", interfaces.ErrInvalidLocationURI)
	}
	if loc.User != nil {
		opts.AccessKey = loc.User.Username()
		opts.SecretKey, _ = loc.User.Password()
		sf.log.Debug("Using embedded S3 credentials")
	}

	return NewS3Store(opts, sf.log)
}

// createVaultStore handles vault://host:port/mount/path?token=...&tls=true
func (sf *StoreFactory) createVaultStore(loc interfaces.StoreLocation) (interfaces.ReferenceValueStore, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: missing mount in vault URI", interfaces.ErrInvalidLocationURI)
	}
	mount := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "http"
	if loc.GetParamBool("tls") {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	return NewVaultStore(address, mount, dataPath, loc.GetParam("token"), sf.log)
}
