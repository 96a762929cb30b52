package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tee identifies the trusted execution environment technology that produced evidence.
type Tee string

const (
	// SampleTee is a software-only TEE used for development and tests.
	SampleTee Tee = "sample"
	// TdxTee is Intel TDX.
	TdxTee Tee = "tdx"
	// SnpTee is AMD SEV-SNP.
	SnpTee Tee = "snp"
)

// KnownTees lists every TEE variant this build understands.
var KnownTees = []Tee{SampleTee, TdxTee, SnpTee}

// NewTee parses a TEE name. Matching is case-insensitive.
func NewTee(name string) (Tee, error) {
	clean := Tee(strings.ToLower(strings.TrimSpace(name)))
	for _, t := range KnownTees {
		if t == clean {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedTee, name)
}

// String returns the TEE name.
func (t Tee) String() string {
	return string(t)
}

// DigestSize is the length of a binding digest (SHA-384).
const DigestSize = 48

// Digest is the SHA-384 hash over an ordered list of binding materials.
// An absent digest is represented by a nil *Digest, never by the zero value.
type Digest [DigestSize]byte

// NewDigestFromBytes creates a digest from raw bytes.
func NewDigestFromBytes(source []byte) (Digest, error) {
	if len(source) != DigestSize {
		return Digest{}, errors.New("invalid digest length: must be 48 bytes")
	}

	var d Digest
	copy(d[:], source)
	return d, nil
}

// Bytes returns raw 48-byte hash.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Hex returns hex representation.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// RawClaims is the nested, TEE-specific claims tree returned by a Verifier.
// Leaves are strings, booleans, numbers or byte slices; composite nodes are
// map[string]any or []any.
type RawClaims map[string]any

// NormalizedClaims is a flat mapping from a TEE-namespaced key path to a string value.
type NormalizedClaims map[string]string

// Keys returns the claim keys in no particular order.
func (c NormalizedClaims) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ReferenceValueMap maps a normalized claim key to the digests acceptable for it.
// A missing key and an empty slice both mean no stored provenance for that key.
type ReferenceValueMap map[string][]string

// PolicyDigest identifies a stored policy by id and content hash.
type PolicyDigest struct {
	ID     string `json:"id"`
	Digest string `json:"digest"`
}

// EvaluationOutcome is the result of evaluating one policy.
type EvaluationOutcome struct {
	Passed bool `json:"passed"`
	// Report is a free-form diagnostic structure produced by the policy engine.
	Report any `json:"evaluation-report"`
}

// EvaluationReport is the per-policy entry serialized into a token.
type EvaluationReport struct {
	PolicyID         string `json:"policy-id"`
	Passed           bool   `json:"passed"`
	EvaluationReport any    `json:"evaluation-report"`
}

// DecisionPayload is the aggregate serialized into the issued token's claims.
type DecisionPayload struct {
	PolicyIDs         []string           `json:"policy-ids"`
	TCBStatus         NormalizedClaims   `json:"tcb-status"`
	EvaluationReports []EvaluationReport `json:"evaluation-reports"`
}

// NewDecisionPayload assembles a payload, emitting one report per policy id in
// the order the ids were requested.
func NewDecisionPayload(policyIDs []string, claims NormalizedClaims, outcomes map[string]EvaluationOutcome) DecisionPayload {
	reports := make([]EvaluationReport, 0, len(outcomes))
	seen := make(map[string]struct{}, len(outcomes))
	for _, id := range policyIDs {
		outcome, ok := outcomes[id]
		if _, dup := seen[id]; !ok || dup {
			continue
		}
		seen[id] = struct{}{}
		reports = append(reports, EvaluationReport{
			PolicyID:         id,
			Passed:           outcome.Passed,
			EvaluationReport: outcome.Report,
		})
	}

	// Outcomes for ids the engine chose on its own (e.g. the default policy).
	var extra []string
	for id := range outcomes {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		reports = append(reports, EvaluationReport{
			PolicyID:         id,
			Passed:           outcomes[id].Passed,
			EvaluationReport: outcomes[id].Report,
		})
	}

	if policyIDs == nil {
		policyIDs = []string{}
	}

	return DecisionPayload{
		PolicyIDs:         policyIDs,
		TCBStatus:         claims,
		EvaluationReports: reports,
	}
}

// PolicyTypeCEL and PolicyTypeCedar name the supported policy languages.
const (
	PolicyTypeCEL   = "cel"
	PolicyTypeCedar = "cedar"
)

// SetPolicyInput carries a policy definition submitted for storage.
type SetPolicyInput struct {
	// Type is the policy language, e.g. "cel" or "cedar".
	Type string `json:"type"`
	// PolicyID is the caller-chosen identifier.
	PolicyID string `json:"policy_id"`
	// Policy is the base64 encoded policy content.
	Policy string `json:"policy"`
}
