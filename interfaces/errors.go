package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedTee is returned when no verifier is registered for a TEE.
	ErrUnsupportedTee = errors.New("unsupported tee")

	// ErrVerificationFailed is returned when evidence fails signature, freshness or binding checks.
	ErrVerificationFailed = errors.New("evidence verification failed")

	// ErrMalformedClaims is returned when verifier output cannot be normalized.
	ErrMalformedClaims = errors.New("malformed claims")

	// ErrReferenceStoreUnavailable is returned on a reference value backend failure.
	// A missing reference value is never reported with this error.
	ErrReferenceStoreUnavailable = errors.New("reference value store unavailable")

	// ErrInvalidProvenance is returned when a reference value message fails its authenticity check.
	ErrInvalidProvenance = errors.New("invalid provenance")

	// ErrPolicyEvaluationFailed is returned when a named policy is missing or its evaluation errored.
	ErrPolicyEvaluationFailed = errors.New("policy evaluation failed")

	// ErrInvalidPolicy is returned when a submitted policy fails validation.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrTokenIssuanceFailed is returned when the token cannot be signed or serialized.
	ErrTokenIssuanceFailed = errors.New("token issuance failed")

	// ErrNotSupported is returned when the active deployment does not implement an operation.
	ErrNotSupported = errors.New("not supported by this deployment")
)

// Stage names a step of the evaluation pipeline.
type Stage string

const (
	StageSelect    Stage = "select"
	StageVerify    Stage = "verify"
	StageNormalize Stage = "normalize"
	StageReference Stage = "reference"
	StagePolicy    Stage = "policy"
	StageIssue     Stage = "issue"
)

// StageError reports which pipeline stage aborted an evaluation and with what context.
type StageError struct {
	Stage    Stage
	Tee      Tee
	Key      string
	PolicyID string
	Err      error
}

func (e *StageError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s stage failed (tee=%s", e.Stage, e.Tee)
	if e.Key != "" {
		fmt.Fprintf(&sb, ", key=%s", e.Key)
	}
	if e.PolicyID != "" {
		fmt.Fprintf(&sb, ", policy=%s", e.PolicyID)
	}
	fmt.Fprintf(&sb, "): %v", e.Err)
	return sb.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PolicyError attributes a policy engine failure to a specific policy id.
type PolicyError struct {
	PolicyID string
	Err      error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.PolicyID, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}
