package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/attestation-service/interfaces"
)

// MultiStore replicates reference values across several stores and reads
// from the first one that has the value.
type MultiStore struct {
	stores []interfaces.ReferenceValueStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.ReferenceValueStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		stores: stores,
		log:    logger,
	}
}

// Get returns the first value found. Failures are only reported when no
// store had the value, and never collapse into a miss.
func (m *MultiStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	var errs []error

	for _, store := range m.stores {
		rv, err := store.Get(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Debug("Failed to fetch from store",
				slog.String("store_name", store.Name()),
				slog.String("name", name),
				"err", err)
			continue
		}
		if rv != nil {
			return rv, nil
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %d stores failed: %w", interfaces.ErrReferenceStoreUnavailable, len(errs), errors.Join(errs...))
	}
	return nil, nil
}

// Set writes to every available store and succeeds if at least one accepted the value.
func (m *MultiStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable", slog.String("store_name", store.Name()))
			errs = append(errs, fmt.Errorf("%s: unavailable", store.Name()))
			continue
		}

		if err := store.Set(ctx, rv); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("store_name", store.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All stores failed to store reference value",
			slog.String("name", rv.Name),
			slog.Int("failed_stores", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all stores failed: %w", interfaces.ErrReferenceStoreUnavailable, errors.Join(errs...))
	}

	return nil
}

// Delete removes the value from every store. Unlike Set, any failure is
// reported, since a surviving copy would still be served by Get.
func (m *MultiStore) Delete(ctx context.Context, name string) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", interfaces.ErrReferenceStoreUnavailable, errors.Join(errs...))
	}
	return nil
}

// Available checks if any store is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string {
	names := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		names = append(names, store.Name())
	}
	return "multi:[" + strings.Join(names, ",") + "]"
}
