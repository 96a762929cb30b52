package api

import (
	"encoding/base64"
	"fmt"

	"github.com/ruteri/attestation-service/interfaces"
)

// AttestationRequest asks the service to appraise a piece of evidence.
//
// Byte fields are base64 (standard or URL-safe, padding optional). RuntimeData and
// InitData are ordered lists of binding materials; an absent list means the
// corresponding digest is not checked.
type AttestationRequest struct {
	Tee         string   `json:"tee"`
	Evidence    string   `json:"evidence"`
	RuntimeData []string `json:"runtime_data,omitempty"`
	InitData    []string `json:"init_data,omitempty"`
	PolicyIDs   []string `json:"policy_ids,omitempty"`
}

// AttestationResponse carries the signed attestation token.
type AttestationResponse struct {
	Token string `json:"token"`
}

// EvidenceBytes decodes the evidence field.
func (r *AttestationRequest) EvidenceBytes() ([]byte, error) {
	evidence, err := DecodeBytes(r.Evidence)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	return evidence, nil
}

// RuntimeDataBytes decodes runtime_data. nil means absent.
func (r *AttestationRequest) RuntimeDataBytes() ([][]byte, error) {
	return decodeList("runtime_data", r.RuntimeData)
}

// InitDataBytes decodes init_data. nil means absent.
func (r *AttestationRequest) InitDataBytes() ([][]byte, error) {
	return decodeList("init_data", r.InitData)
}

func decodeList(field string, items []string) ([][]byte, error) {
	if items == nil {
		return nil, nil
	}
	out := make([][]byte, 0, len(items))
	for i, item := range items {
		b, err := DecodeBytes(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// EncodeBytes encodes binary request fields.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes accepts standard or URL-safe base64, with or without padding.
func DecodeBytes(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 encoding")
}

// SetPolicyRequest is the body of POST /api/v1/policy.
type SetPolicyRequest = interfaces.SetPolicyInput

// ListPoliciesResponse is the body of GET /api/v1/policy.
type ListPoliciesResponse struct {
	Policies []interfaces.PolicyDigest `json:"policies"`
}

// RegisterReferenceValueRequest is the body of POST /api/v1/reference-value.
// Message is the JSON-encoded provenance envelope.
type RegisterReferenceValueRequest struct {
	Message string `json:"message"`
}

// ErrorResponse is returned with every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
