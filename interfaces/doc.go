// Package interfaces defines core interfaces and types for the attestation
// service, separating interface definitions from implementations.
//
// The package provides interfaces for the pluggable components of the
// evaluation pipeline:
//
// # Verification
//
// Verifier: checks TEE evidence against binding digests and returns the
// TEE-specific claims tree. VerifierSelector maps a Tee to its Verifier.
//
// # Reference Values
//
// ReferenceValueProvider: looks up acceptable digests for a normalized claim
// key and ingests signed provenance messages.
//
// ReferenceValueStore: persists reference values across memory, file,
// sqlite, redis, S3 and Vault backends, addressed by a StoreLocation URI.
//
// # Policy
//
// PolicyEngine: evaluates named policies over normalized claims and reference
// values. PolicyRemover and PolicyLister are optional capabilities; a
// deployment without them reports ErrNotSupported.
//
// # Tokens
//
// TokenBroker: signs the DecisionPayload into an attestation results token.
//
// # Error Types
//
// Every pipeline failure wraps one of the sentinel errors (ErrUnsupportedTee,
// ErrVerificationFailed, ErrMalformedClaims, ErrReferenceStoreUnavailable,
// ErrInvalidProvenance, ErrPolicyEvaluationFailed, ErrInvalidPolicy,
// ErrTokenIssuanceFailed, ErrNotSupported). Evaluation failures are returned
// as *StageError so callers can see which stage aborted:
//
//	var stageErr *interfaces.StageError
//	if errors.As(err, &stageErr) && errors.Is(err, interfaces.ErrVerificationFailed) {
//	    // ...
//	}
package interfaces
