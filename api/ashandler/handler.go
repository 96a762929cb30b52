package ashandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/ruteri/attestation-service/api"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/ruteri/attestation-service/metrics"
)

// maxBodySize bounds request bodies. Evidence with certificate chains fits comfortably.
const maxBodySize = 4 * 1024 * 1024

// AttestationService is the subset of attestation.Service the handler serves.
type AttestationService interface {
	Evaluate(ctx context.Context, evidence []byte, tee interfaces.Tee, runtimeData, initData [][]byte, policyIDs []string) (string, error)
	SetPolicy(ctx context.Context, input interfaces.SetPolicyInput) error
	RemovePolicy(ctx context.Context, policyID string) error
	ListPolicies(ctx context.Context) ([]interfaces.PolicyDigest, error)
	RegisterReferenceValue(ctx context.Context, message string) error
}

// KeySetProvider publishes the token verification keys.
type KeySetProvider interface {
	JWKS() jose.JSONWebKeySet
}

// Handler processes attestation service API requests.
type Handler struct {
	service AttestationService
	keys    KeySetProvider
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewHandler creates a handler. keys and m may be nil.
func NewHandler(service AttestationService, keys KeySetProvider, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		keys:    keys,
		metrics: m,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.observeRequest)

		r.Post("/api/v1/attestation", h.HandleAttestation)
		r.Post("/api/v1/policy", h.HandleSetPolicy)
		r.Get("/api/v1/policy", h.HandleListPolicies)
		r.Delete("/api/v1/policy/{policy_id}", h.HandleRemovePolicy)
		r.Post("/api/v1/reference-value", h.HandleRegisterReferenceValue)
		if h.keys != nil {
			r.Get("/api/v1/token/jwks", h.HandleJWKS)
		}
	})
}

// HandleAttestation appraises evidence and returns a signed token.
//
// URL format: POST /api/v1/attestation
// Body: api.AttestationRequest
// Response: api.AttestationResponse
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	var req api.AttestationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	evidence, err := req.EvidenceBytes()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	runtimeData, err := req.RuntimeDataBytes()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	initData, err := req.InitDataBytes()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tee := interfaces.Tee(req.Tee)
	start := time.Now()
	token, err := h.service.Evaluate(r.Context(), evidence, tee, runtimeData, initData, req.PolicyIDs)
	h.metrics.ObserveEvaluation(teeLabel(tee), stageOf(err), time.Since(start))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.AttestationResponse{Token: token})
}

// HandleSetPolicy creates or replaces a policy.
//
// URL format: POST /api/v1/policy
// Body: api.SetPolicyRequest
func (h *Handler) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req api.SetPolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	err := h.service.SetPolicy(r.Context(), req)
	h.metrics.ObservePolicyUpdate("set", err)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.log.Info("Policy stored", "policyID", req.PolicyID, "type", req.Type)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListPolicies lists stored policy ids with their content digests.
//
// URL format: GET /api/v1/policy
// Response: api.ListPoliciesResponse
func (h *Handler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.ListPolicies(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if policies == nil {
		policies = []interfaces.PolicyDigest{}
	}

	h.writeJSON(w, http.StatusOK, api.ListPoliciesResponse{Policies: policies})
}

// HandleRemovePolicy removes a policy. Removing an unknown policy succeeds.
//
// URL format: DELETE /api/v1/policy/{policy_id}
func (h *Handler) HandleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")

	err := h.service.RemovePolicy(r.Context(), policyID)
	h.metrics.ObservePolicyUpdate("remove", err)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.log.Info("Policy removed", "policyID", policyID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegisterReferenceValue ingests a reference value provenance message.
//
// URL format: POST /api/v1/reference-value
// Body: api.RegisterReferenceValueRequest
func (h *Handler) HandleRegisterReferenceValue(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterReferenceValueRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	err := h.service.RegisterReferenceValue(r.Context(), req.Message)
	h.metrics.ObserveReferenceValue(err)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleJWKS publishes the keys attestation tokens are signed with.
//
// URL format: GET /api/v1/token/jwks
func (h *Handler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.keys.JWKS())
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := StatusForError(err)

	switch {
	case status == http.StatusUnauthorized:
		// Verifier diagnostics stay in the logs.
		h.log.Warn("Evidence rejected", "err", err)
		h.writeError(w, status, interfaces.ErrVerificationFailed)
	case status >= http.StatusInternalServerError && status != http.StatusNotImplemented:
		h.log.Error("Request failed", "err", err)
		h.writeError(w, status, err)
	default:
		h.writeError(w, status, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) observeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveRequest(route, status)
	})
}

// StatusForError maps service errors onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrUnsupportedTee),
		errors.Is(err, interfaces.ErrInvalidPolicy),
		errors.Is(err, interfaces.ErrInvalidProvenance),
		errors.Is(err, interfaces.ErrMalformedClaims):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrPolicyEvaluationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, interfaces.ErrReferenceStoreUnavailable),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func stageOf(err error) string {
	if err == nil {
		return ""
	}
	var stageErr *interfaces.StageError
	if errors.As(err, &stageErr) {
		return string(stageErr.Stage)
	}
	return "unknown"
}

// teeLabel keeps caller-supplied TEE names out of metric labels.
func teeLabel(tee interfaces.Tee) string {
	if known, err := interfaces.NewTee(string(tee)); err == nil {
		return string(known)
	}
	return "unknown"
}
