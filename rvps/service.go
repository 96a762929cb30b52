// Package rvps implements the reference value provider: it verifies signed
// provenance, stores the reference values it asserts, and serves digest
// lookups to the evaluation pipeline.
package rvps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/attestation-service/interfaces"
)

// Service implements interfaces.ReferenceValueProvider over a ReferenceValueStore.
type Service struct {
	store      interfaces.ReferenceValueStore
	extractors map[string]Extractor
	log        *slog.Logger
	now        func() time.Time
}

// Options selects which extractors the service accepts.
type Options struct {
	// AllowSample enables the unauthenticated sample extractor.
	AllowSample bool
	// TrustedKeys verify jws provenance. The jws extractor is always registered.
	TrustedKeys []string
}

// NewService creates a provider with the extractors named in opts.
func NewService(store interfaces.ReferenceValueStore, opts Options, log *slog.Logger) (*Service, error) {
	keys, err := LoadTrustedKeys(opts.TrustedKeys)
	if err != nil {
		return nil, err
	}

	extractors := map[string]Extractor{
		JWSExtractorType: NewJWSExtractor(keys),
	}
	if opts.AllowSample {
		log.Warn("Sample provenance extractor enabled, reference values are not authenticated")
		extractors[SampleExtractorType] = NewSampleExtractor()
	}

	return NewServiceWithExtractors(store, extractors, log), nil
}

// NewServiceWithExtractors creates a provider with an explicit extractor set.
func NewServiceWithExtractors(store interfaces.ReferenceValueStore, extractors map[string]Extractor, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		extractors: extractors,
		log:        log,
		now:        time.Now,
	}
}

// Lookup returns the digests of the named reference value. Missing and
// expired values yield an empty slice.
func (s *Service) Lookup(ctx context.Context, key string) ([]string, error) {
	rv, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, asUnavailable(err)
	}

	if rv == nil {
		return []string{}, nil
	}
	if rv.Expired(s.now()) {
		s.log.Debug("Ignoring expired reference value", "name", key, "expiration", rv.Expiration)
		return []string{}, nil
	}

	return rv.Digests(), nil
}

// Ingest verifies a provenance message and records every reference value it asserts.
func (s *Service) Ingest(ctx context.Context, message string) error {
	var msg Message
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return fmt.Errorf("%w: invalid provenance message: %v", interfaces.ErrInvalidProvenance, err)
	}

	if msg.Version != ProvenanceVersion {
		return fmt.Errorf("%w: unsupported message version %q", interfaces.ErrInvalidProvenance, msg.Version)
	}

	extractor, ok := s.extractors[msg.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported provenance type %q", interfaces.ErrInvalidProvenance, msg.Type)
	}

	values, err := extractor.Verify(msg.Payload)
	if err != nil {
		return err
	}

	if err := s.storeAll(ctx, values); err != nil {
		return err
	}

	s.log.Info("Registered reference values", "type", msg.Type, "count", len(values))
	return nil
}

// storeAll writes the values of one message as a unit. Prior values are read
// first and put back when any write fails, so lookups never observe part of a
// message.
func (s *Service) storeAll(ctx context.Context, values []interfaces.ReferenceValue) error {
	prior := make(map[string]*interfaces.ReferenceValue, len(values))
	for _, rv := range values {
		if _, seen := prior[rv.Name]; seen {
			continue
		}
		old, err := s.store.Get(ctx, rv.Name)
		if err != nil {
			return asUnavailable(err)
		}
		prior[rv.Name] = old
	}

	touched := make([]string, 0, len(values))
	for _, rv := range values {
		// A failed write may still have reached some replicas
		touched = append(touched, rv.Name)
		if err := s.store.Set(ctx, rv); err != nil {
			s.log.Error("Failed to store reference value, rolling back", "name", rv.Name, "err", err)
			if rbErr := s.restore(context.WithoutCancel(ctx), prior, touched); rbErr != nil {
				s.log.Error("Reference value rollback incomplete", "err", rbErr)
				err = errors.Join(err, rbErr)
			}
			return asUnavailable(err)
		}
	}
	return nil
}

// restore puts back the prior state of every touched name, newest first.
func (s *Service) restore(ctx context.Context, prior map[string]*interfaces.ReferenceValue, touched []string) error {
	var errs []error
	done := make(map[string]struct{}, len(touched))
	for i := len(touched) - 1; i >= 0; i-- {
		name := touched[i]
		if _, ok := done[name]; ok {
			continue
		}
		done[name] = struct{}{}

		var err error
		if old := prior[name]; old != nil {
			err = s.store.Set(ctx, *old)
		} else {
			err = s.store.Delete(ctx, name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func asUnavailable(err error) error {
	if errors.Is(err, interfaces.ErrReferenceStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", interfaces.ErrReferenceStoreUnavailable, err)
}
