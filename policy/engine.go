// Package policy implements the policy adapters of the attestation service.
//
// An Engine keeps compiled policies in memory, persists their source through
// a Store and evaluates them over normalized claims and reference values.
// The policy language is supplied by a Compiler: CEL (cel-go) or Cedar
// (cedar-go).
package policy

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/attestation-service/interfaces"
)

// DefaultPolicyID is evaluated when a request names no policies.
const DefaultPolicyID = "default"

// Program is a compiled, ready to evaluate policy.
type Program interface {
	Eval(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims) (interfaces.EvaluationOutcome, error)
}

// Compiler turns policy source in one language into a Program.
type Compiler interface {
	// Type is the SetPolicyInput.Type this compiler accepts.
	Type() string
	// Extension is the file extension policies are stored under.
	Extension() string
	// Compile validates the source. Errors are reported as ErrInvalidPolicy by the engine.
	Compile(id string, source []byte) (Program, error)
	// DefaultPolicy is installed as DefaultPolicyID when no such policy is stored.
	DefaultPolicy() []byte
}

type compiledPolicy struct {
	program Program
	digest  string
}

// Engine implements interfaces.PolicyEngine, PolicyRemover and PolicyLister.
type Engine struct {
	compiler Compiler
	store    *Store
	log      *slog.Logger

	mu       sync.RWMutex
	policies map[string]compiledPolicy
}

// NewEngine loads every stored policy and installs the default policy if missing.
// A stored policy that no longer compiles fails startup.
func NewEngine(compiler Compiler, workDir string, log *slog.Logger) (*Engine, error) {
	dir := ""
	if workDir != "" {
		dir = filepath.Join(workDir, "policies")
	}

	store, err := NewStore(dir, compiler.Extension(), log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		compiler: compiler,
		store:    store,
		log:      log,
		policies: make(map[string]compiledPolicy),
	}

	sources, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	if _, ok := sources[DefaultPolicyID]; !ok {
		sources[DefaultPolicyID] = compiler.DefaultPolicy()
		if err := store.Write(DefaultPolicyID, sources[DefaultPolicyID]); err != nil {
			return nil, err
		}
	}

	for id, source := range sources {
		program, err := compiler.Compile(id, source)
		if err != nil {
			return nil, fmt.Errorf("stored policy %s: %w", id, err)
		}
		e.policies[id] = compiledPolicy{program: program, digest: policyDigest(source)}
	}

	log.Info("Policy engine initialized", "type", compiler.Type(), "policies", len(e.policies))
	return e, nil
}

func policyDigest(source []byte) string {
	sum := sha512.Sum384(source)
	return hex.EncodeToString(sum[:])
}

// decodePolicy accepts base64url without padding as well as standard base64.
func decodePolicy(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Evaluate runs the named policies, or the default policy when none are named.
// Policies are resolved under one read lock, so a concurrent SetPolicy is
// observed either entirely or not at all.
func (e *Engine) Evaluate(ctx context.Context, references interfaces.ReferenceValueMap, claims interfaces.NormalizedClaims, policyIDs []string) (map[string]interfaces.EvaluationOutcome, error) {
	if len(policyIDs) == 0 {
		policyIDs = []string{DefaultPolicyID}
	}

	programs := make(map[string]Program, len(policyIDs))
	e.mu.RLock()
	for _, id := range policyIDs {
		p, ok := e.policies[id]
		if !ok {
			e.mu.RUnlock()
			return nil, &interfaces.PolicyError{PolicyID: id, Err: fmt.Errorf("%w: policy not found", interfaces.ErrPolicyEvaluationFailed)}
		}
		programs[id] = p.program
	}
	e.mu.RUnlock()

	outcomes := make(map[string]interfaces.EvaluationOutcome, len(programs))
	for _, id := range policyIDs {
		if _, done := outcomes[id]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &interfaces.PolicyError{PolicyID: id, Err: fmt.Errorf("%w: %w", interfaces.ErrPolicyEvaluationFailed, err)}
		}

		outcome, err := programs[id].Eval(ctx, references, claims)
		if err != nil {
			if !errors.Is(err, interfaces.ErrPolicyEvaluationFailed) {
				err = fmt.Errorf("%w: %v", interfaces.ErrPolicyEvaluationFailed, err)
			}
			return nil, &interfaces.PolicyError{PolicyID: id, Err: err}
		}
		outcomes[id] = outcome
	}

	return outcomes, nil
}

// SetPolicy compiles and stores a policy. The previous version stays active
// if compilation or persistence fails.
func (e *Engine) SetPolicy(ctx context.Context, input interfaces.SetPolicyInput) error {
	if input.Type != "" && input.Type != e.compiler.Type() {
		return fmt.Errorf("%w: engine accepts %q policies, got %q", interfaces.ErrInvalidPolicy, e.compiler.Type(), input.Type)
	}
	if err := ValidatePolicyID(input.PolicyID); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidPolicy, err)
	}

	source, err := decodePolicy(input.Policy)
	if err != nil {
		return fmt.Errorf("%w: policy is not base64: %v", interfaces.ErrInvalidPolicy, err)
	}

	program, err := e.compiler.Compile(input.PolicyID, source)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrInvalidPolicy, input.PolicyID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Write(input.PolicyID, source); err != nil {
		return err
	}
	e.policies[input.PolicyID] = compiledPolicy{program: program, digest: policyDigest(source)}

	e.log.Info("Policy set", "policy_id", input.PolicyID, "type", e.compiler.Type())
	return nil
}

// RemovePolicy deletes a policy. Removing an absent policy is a no-op.
func (e *Engine) RemovePolicy(ctx context.Context, policyID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[policyID]; !ok {
		return nil
	}
	if err := e.store.Delete(policyID); err != nil {
		return err
	}
	delete(e.policies, policyID)

	e.log.Info("Policy removed", "policy_id", policyID)
	return nil
}

// ListPolicies returns every stored policy id with the SHA-384 of its source, sorted by id.
func (e *Engine) ListPolicies(ctx context.Context) ([]interfaces.PolicyDigest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	digests := make([]interfaces.PolicyDigest, 0, len(e.policies))
	for id, p := range e.policies {
		digests = append(digests, interfaces.PolicyDigest{ID: id, Digest: p.digest})
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].ID < digests[j].ID })
	return digests, nil
}

// Type returns the policy language of the engine.
func (e *Engine) Type() string {
	return e.compiler.Type()
}
