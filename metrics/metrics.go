// Package metrics exposes Prometheus metrics for the attestation service on a
// dedicated listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels recorded for each evaluation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	evaluations     *prometheus.CounterVec
	evaluationTime  *prometheus.HistogramVec
	policyUpdates   *prometheus.CounterVec
	referenceValues *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Attestation evaluations by TEE, outcome and failing stage.",
		}, []string{"tee", "outcome", "stage"}),
		evaluationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Attestation evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tee"}),
		policyUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_updates_total",
			Help:      "Policy set and remove operations by result.",
		}, []string{"operation", "outcome"}),
		referenceValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_value_registrations_total",
			Help:      "Reference value provenance registrations by result.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.evaluationTime,
		m.policyUpdates,
		m.referenceValues,
		m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEvaluation records one evaluation. stage is empty on success.
func (m *Metrics) ObserveEvaluation(tee, stage string, took time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if stage != "" {
		outcome = OutcomeFailure
	}
	m.evaluations.WithLabelValues(tee, outcome, stage).Inc()
	m.evaluationTime.WithLabelValues(tee).Observe(took.Seconds())
}

// ObservePolicyUpdate records a policy set or remove.
func (m *Metrics) ObservePolicyUpdate(operation string, err error) {
	if m == nil {
		return
	}
	m.policyUpdates.WithLabelValues(operation, outcomeOf(err)).Inc()
}

// ObserveReferenceValue records a provenance registration.
func (m *Metrics) ObserveReferenceValue(err error) {
	if m == nil {
		return
	}
	m.referenceValues.WithLabelValues(outcomeOf(err)).Inc()
}

// ObserveRequest records a served API request.
func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// MetricsServer serves /metrics for a Metrics registry.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(m *Metrics, addr string) (*MetricsServer, error) {
	if m == nil {
		return nil, errors.New("metrics: nil collectors")
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
