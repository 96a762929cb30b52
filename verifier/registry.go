package verifier

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/attestation-service/interfaces"
)

// Options configures the verifiers built into this binary.
type Options struct {
	// SnpAllowDebug accepts SEV-SNP guests launched with the debug policy bit.
	SnpAllowDebug bool
	// TdxSkipCollateral verifies the TDX quote signature chain only, without
	// fetching PCS collateral or checking revocations.
	TdxSkipCollateral bool
}

// Registry maps a TEE to the verifier that understands its evidence.
// It is populated once at construction and read-only afterwards.
type Registry struct {
	verifiers map[interfaces.Tee]interfaces.Verifier
}

// NewRegistry creates a registry from an explicit verifier set.
func NewRegistry(verifiers map[interfaces.Tee]interfaces.Verifier) *Registry {
	r := &Registry{verifiers: make(map[interfaces.Tee]interfaces.Verifier, len(verifiers))}
	for tee, v := range verifiers {
		r.verifiers[tee] = v
	}
	return r
}

// DefaultRegistry registers every verifier compiled into this binary.
func DefaultRegistry(opts Options, log *slog.Logger) *Registry {
	return NewRegistry(map[interfaces.Tee]interfaces.Verifier{
		interfaces.SampleTee: NewSampleVerifier(log),
		interfaces.TdxTee:    NewTdxVerifier(opts.TdxSkipCollateral, log),
		interfaces.SnpTee:    NewSnpVerifier(opts.SnpAllowDebug, log),
	})
}

// Select returns the verifier for tee or ErrUnsupportedTee.
func (r *Registry) Select(tee interfaces.Tee) (interfaces.Verifier, error) {
	v, ok := r.verifiers[tee]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedTee, tee)
	}
	return v, nil
}

// Tees returns the TEEs this registry can verify.
func (r *Registry) Tees() []interfaces.Tee {
	tees := make([]interfaces.Tee, 0, len(r.verifiers))
	for _, tee := range interfaces.KnownTees {
		if _, ok := r.verifiers[tee]; ok {
			tees = append(tees, tee)
		}
	}
	return tees
}
