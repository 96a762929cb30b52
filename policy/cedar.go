package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cedar-policy/cedar-go"
	"github.com/ruteri/attestation-service/interfaces"
)

// Cedar request shape. Principal is the TEE the claims came from.
const (
	cedarPrincipalType = "Tee"
	cedarActionID      = "attest"
	cedarResourceType  = "Evidence"
	cedarResourceID    = "claims"
)

// cedarDefaultPolicy admits any evidence that reached policy evaluation.
const cedarDefaultPolicy = `permit (principal, action == Action::"attest", resource);`

// CedarCompiler compiles Cedar policy sets. Each evaluation is the request
//
//	principal: Tee::"<tee>", action: Action::"attest", resource: Evidence::"claims"
//
// with context {claims: {key: value}, reference: {key: Set<String>}}.
// Claim keys contain dots, so policies address them with the index
// operator: context.reference["tdx.quote.body.mr_td"].contains(context.claims["tdx.quote.body.mr_td"]).
// The outcome passes iff Cedar decides Allow.
type CedarCompiler struct{}

func NewCedarCompiler() *CedarCompiler {
	return &CedarCompiler{}
}

func (c *CedarCompiler) Type() string {
	return interfaces.PolicyTypeCedar
}

func (c *CedarCompiler) Extension() string {
	return "cedar"
}

func (c *CedarCompiler) DefaultPolicy() []byte {
	return []byte(cedarDefaultPolicy)
}

func (c *CedarCompiler) Compile(id string, source []byte) (Program, error) {
	ps, err := cedar.NewPolicySetFromBytes(id+".cedar", source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}

	count := 0
	for range ps.All() {
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("policy set is empty")
	}

	return &cedarProgram{policies: ps}, nil
}

type cedarProgram struct {
	policies *cedar.PolicySet
}

func (p *cedarProgram) Eval(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims) (interfaces.EvaluationOutcome, error) {
	req := buildCedarRequest(references, claims)
	principalUID := req.Principal
	resourceUID := req.Resource

	entities := cedar.EntityMap{
		principalUID: {UID: principalUID, Parents: cedar.NewEntityUIDSet(), Attributes: cedar.NewRecord(cedar.RecordMap{})},
		resourceUID:  {UID: resourceUID, Parents: cedar.NewEntityUIDSet(), Attributes: cedar.NewRecord(cedar.RecordMap{})},
	}

	decision, diagnostic := cedar.Authorize(p.policies, entities, req)

	// Evaluation errors make Cedar skip the failing policy; a partially
	// evaluated set is not a decision.
	if len(diagnostic.Errors) > 0 {
		messages := make([]string, 0, len(diagnostic.Errors))
		for _, e := range diagnostic.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", e.PolicyID, e.Message))
		}
		return interfaces.EvaluationOutcome{}, fmt.Errorf("%w: %s", interfaces.ErrPolicyEvaluationFailed, strings.Join(messages, "; "))
	}

	determining := make([]string, 0, len(diagnostic.Reasons))
	for _, r := range diagnostic.Reasons {
		determining = append(determining, string(r.PolicyID))
	}

	allowed := decision == cedar.Allow
	return interfaces.EvaluationOutcome{
		Passed: allowed,
		Report: map[string]any{
			"decision":             decisionString(allowed),
			"determining-policies": determining,
		},
	}, nil
}

func decisionString(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// teeOfClaims returns the namespace shared by all claim keys.
func teeOfClaims(claims interfaces.NormalizedClaims) string {
	for k := range claims {
		if i := strings.Index(k, "."); i > 0 {
			return k[:i]
		}
	}
	return ""
}

func buildCedarRequest(references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims) cedar.Request {
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	claimsRecord := cedar.RecordMap{}
	referenceRecord := cedar.RecordMap{}
	for _, k := range keys {
		claimsRecord[cedar.String(k)] = cedar.String(claims[k])

		digests := make([]cedar.Value, 0, len(references[k]))
		for _, d := range references[k] {
			digests = append(digests, cedar.String(d))
		}
		referenceRecord[cedar.String(k)] = cedar.NewSet(digests...)
	}

	return cedar.Request{
		Principal: cedar.NewEntityUID(cedarPrincipalType, cedar.String(teeOfClaims(claims))),
		Action:    cedar.NewEntityUID("Action", cedar.String(cedarActionID)),
		Resource:  cedar.NewEntityUID(cedarResourceType, cedar.String(cedarResourceID)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"claims":    cedar.NewRecord(claimsRecord),
			"reference": cedar.NewRecord(referenceRecord),
		}),
	}
}
