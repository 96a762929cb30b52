package interfaces

import "context"

// Verifier checks TEE evidence and extracts its claims.
type Verifier interface {
	// Evaluate verifies evidence against the optional runtime binding digest
	// (expected report data) and the optional init-data digest.
	// Fails with ErrVerificationFailed.
	Evaluate(ctx context.Context, evidence []byte, reportData *Digest, initDataHash *Digest) (RawClaims, error)
}

// VerifierSelector maps a TEE variant to its verifier.
type VerifierSelector interface {
	// Select fails with ErrUnsupportedTee if no verifier is registered.
	Select(tee Tee) (Verifier, error)
}
