package interfaces

import "context"

// TokenBroker issues signed attestation result tokens.
type TokenBroker interface {
	// Issue signs the payload. Fails with ErrTokenIssuanceFailed.
	Issue(ctx context.Context, payload DecisionPayload) (string, error)
}
