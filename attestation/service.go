// Package attestation implements the evaluation pipeline of the attestation
// service.
//
// Service.Evaluate drives evidence through a fixed sequence of stages:
//
//	select -> verify -> normalize -> reference -> policy -> issue
//
// Each stage either hands its result to the next or aborts the call with a
// *interfaces.StageError naming the stage. Nothing is retried and no token is
// issued for a partially successful evaluation.
//
// The policy engine and the reference value provider are each guarded by
// their own RWMutex. Evaluations take the read side for the step that reads
// a store, so they run in parallel with each other, while SetPolicy,
// RemovePolicy and RegisterReferenceValue take the write side and are never
// observed half applied.
package attestation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/attestation-service/claims"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

// Service is the evaluation orchestrator. It is safe for concurrent use.
type Service struct {
	verifiers    interfaces.VerifierSelector
	rvps         interfaces.ReferenceValueProvider
	policyEngine interfaces.PolicyEngine
	tokenBroker  interfaces.TokenBroker
	log          *slog.Logger

	policyMu    sync.RWMutex
	referenceMu sync.RWMutex
}

// NewService composes the pipeline from its collaborators.
func NewService(verifiers interfaces.VerifierSelector, rvps interfaces.ReferenceValueProvider, policyEngine interfaces.PolicyEngine, tokenBroker interfaces.TokenBroker, log *slog.Logger) *Service {
	return &Service{
		verifiers:    verifiers,
		rvps:         rvps,
		policyEngine: policyEngine,
		tokenBroker:  tokenBroker,
		log:          log,
	}
}

// evaluation carries the inputs of one Evaluate call.
type evaluation struct {
	Evidence []byte
	Tee      interfaces.Tee
	// RuntimeData is folded into the digest expected in the report data field.
	RuntimeData [][]byte
	// InitData is folded into the digest expected in the TEE configuration field.
	InitData  [][]byte
	PolicyIDs []string
}

// Evaluate verifies evidence, applies the selected policies and returns a signed token.
func (s *Service) Evaluate(ctx context.Context, evidence []byte, tee interfaces.Tee, runtimeData, initData [][]byte, policyIDs []string) (string, error) {
	return s.evaluate(ctx, evaluation{
		Evidence:    evidence,
		Tee:         tee,
		RuntimeData: runtimeData,
		InitData:    initData,
		PolicyIDs:   policyIDs,
	})
}

func (s *Service) evaluate(ctx context.Context, req evaluation) (string, error) {
	tee := req.Tee
	log := s.log.With("tee", tee)

	runtimeDigest := cryptoutils.AccumulateHash(req.RuntimeData)
	initDataDigest := cryptoutils.AccumulateHash(req.InitData)

	verifier, err := s.verifiers.Select(tee)
	if err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageSelect, Tee: tee, Err: err})
	}

	if err := ctx.Err(); err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageVerify, Tee: tee, Err: err})
	}
	raw, err := verifier.Evaluate(ctx, req.Evidence, runtimeDigest, initDataDigest)
	if err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageVerify, Tee: tee, Err: err})
	}

	normalized, err := claims.Flatten(tee, raw)
	if err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageNormalize, Tee: tee, Err: err})
	}

	references, err := s.resolveReferences(ctx, tee, normalized)
	if err != nil {
		return "", s.abort(log, err)
	}

	outcomes, err := s.evaluatePolicies(ctx, tee, references, normalized, req.PolicyIDs)
	if err != nil {
		return "", s.abort(log, err)
	}

	if err := ctx.Err(); err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageIssue, Tee: tee, Err: err})
	}
	payload := interfaces.NewDecisionPayload(req.PolicyIDs, normalized, outcomes)
	token, err := s.tokenBroker.Issue(ctx, payload)
	if err != nil {
		return "", s.abort(log, &interfaces.StageError{Stage: interfaces.StageIssue, Tee: tee, Err: err})
	}

	log.Info("Evaluation succeeded", "claims", len(normalized), "policies", len(outcomes))
	return token, nil
}

// resolveReferences looks up every claim key under one read lock so the map
// reflects a single state of the reference store.
func (s *Service) resolveReferences(ctx context.Context, tee interfaces.Tee, normalized interfaces.NormalizedClaims) (interfaces.ReferenceValueMap, error) {
	keys := normalized.Keys()
	sort.Strings(keys)

	s.referenceMu.RLock()
	defer s.referenceMu.RUnlock()

	references := make(interfaces.ReferenceValueMap, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, &interfaces.StageError{Stage: interfaces.StageReference, Tee: tee, Key: key, Err: err}
		}
		digests, err := s.rvps.Lookup(ctx, key)
		if err != nil {
			return nil, &interfaces.StageError{Stage: interfaces.StageReference, Tee: tee, Key: key, Err: err}
		}
		if digests == nil {
			digests = []string{}
		}
		references[key] = digests
	}
	return references, nil
}

func (s *Service) evaluatePolicies(ctx context.Context, tee interfaces.Tee, references interfaces.ReferenceValueMap, normalized interfaces.NormalizedClaims, policyIDs []string) (map[string]interfaces.EvaluationOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, &interfaces.StageError{Stage: interfaces.StagePolicy, Tee: tee, Err: err}
	}

	s.policyMu.RLock()
	defer s.policyMu.RUnlock()

	outcomes, err := s.policyEngine.Evaluate(ctx, references, normalized, policyIDs)
	if err != nil {
		stageErr := &interfaces.StageError{Stage: interfaces.StagePolicy, Tee: tee, Err: err}
		var policyErr *interfaces.PolicyError
		if errors.As(err, &policyErr) {
			stageErr.PolicyID = policyErr.PolicyID
		}
		return nil, stageErr
	}
	return outcomes, nil
}

func (s *Service) abort(log *slog.Logger, err error) error {
	var stageErr *interfaces.StageError
	if errors.As(err, &stageErr) {
		log.Warn("Evaluation aborted", "stage", stageErr.Stage, "key", stageErr.Key, "policy_id", stageErr.PolicyID, "err", stageErr.Err)
	}
	return err
}

// SetPolicy creates or replaces a policy.
func (s *Service) SetPolicy(ctx context.Context, input interfaces.SetPolicyInput) error {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	return s.policyEngine.SetPolicy(ctx, input)
}

// RemovePolicy deletes a policy if the deployment's engine supports it.
func (s *Service) RemovePolicy(ctx context.Context, policyID string) error {
	remover, ok := s.policyEngine.(interfaces.PolicyRemover)
	if !ok {
		return interfaces.ErrNotSupported
	}

	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	return remover.RemovePolicy(ctx, policyID)
}

// ListPolicies lists stored policies if the deployment's engine supports it.
func (s *Service) ListPolicies(ctx context.Context) ([]interfaces.PolicyDigest, error) {
	lister, ok := s.policyEngine.(interfaces.PolicyLister)
	if !ok {
		return nil, interfaces.ErrNotSupported
	}

	s.policyMu.RLock()
	defer s.policyMu.RUnlock()

	return lister.ListPolicies(ctx)
}

// RegisterReferenceValue ingests a provenance message.
func (s *Service) RegisterReferenceValue(ctx context.Context, message string) error {
	s.referenceMu.Lock()
	defer s.referenceMu.Unlock()

	return s.rvps.Ingest(ctx, message)
}
