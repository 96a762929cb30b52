package interfaces

import "context"

// PolicyEngine evaluates stored policies against normalized claims.
type PolicyEngine interface {
	// Evaluate runs every named policy. Any failure aborts the whole batch
	// with ErrPolicyEvaluationFailed and no partial results.
	Evaluate(ctx context.Context, references ReferenceValueMap, claims NormalizedClaims, policyIDs []string) (map[string]EvaluationOutcome, error)

	// SetPolicy creates or replaces a policy. Fails with ErrInvalidPolicy
	// and leaves the store untouched if the policy does not validate.
	SetPolicy(ctx context.Context, input SetPolicyInput) error
}

// PolicyRemover is implemented by engines that support policy deletion.
type PolicyRemover interface {
	// RemovePolicy deletes a policy. Removing an absent policy is not an error.
	RemovePolicy(ctx context.Context, policyID string) error
}

// PolicyLister is implemented by engines that can enumerate stored policies.
type PolicyLister interface {
	ListPolicies(ctx context.Context) ([]PolicyDigest, error)
}
