package observability

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "creditd"

// Metrics records ledger operations, reconciliations and generations.
type Metrics struct {
	operations      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	generations     *prometheus.HistogramVec
	captureFailures *prometheus.CounterVec
	gatherer        prometheus.Gatherer
}

// NewMetrics registers the collectors on registry. A nil registry yields inert metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return &Metrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ledger_operations_total",
		Help:      "Ledger operations by name and outcome.",
	}, []string{"operation", "status"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "payment_reconciliations_total",
		Help:      "Payment reconciliations by result and provider status.",
	}, []string{"result", "payment_status"})
	generations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "generation_duration_seconds",
		Help:      "Duration of paid generations by style and final state.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"style", "state"})
	captureFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "generation_capture_failures_total",
		Help:      "Completed generations whose charge could not be captured, by style.",
	}, []string{"style"})
	registry.MustRegister(operations, reconciliations, generations, captureFailures)
	return &Metrics{
		operations:      operations,
		reconciliations: reconciliations,
		generations:     generations,
		captureFailures: captureFailures,
		gatherer:        registry,
	}
}

// ObserveOperation counts a ledger operation.
func (metrics *Metrics) ObserveOperation(operation string, status string) {
	if metrics == nil || metrics.operations == nil {
		return
	}
	metrics.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(status)).Inc()
}

// ObserveReconciliation counts a reconciliation outcome.
func (metrics *Metrics) ObserveReconciliation(result string, paymentStatus string) {
	if metrics == nil || metrics.reconciliations == nil {
		return
	}
	metrics.reconciliations.WithLabelValues(normalizeLabel(result), normalizeLabel(paymentStatus)).Inc()
}

// ObserveGeneration implements generation.MetricsRecorder.
func (metrics *Metrics) ObserveGeneration(style string, state generation.State, elapsed time.Duration) {
	if metrics == nil || metrics.generations == nil {
		return
	}
	metrics.generations.WithLabelValues(normalizeLabel(style), normalizeLabel(state.String())).Observe(elapsed.Seconds())
}

// ObserveCaptureFailure implements generation.MetricsRecorder.
func (metrics *Metrics) ObserveCaptureFailure(style string) {
	if metrics == nil || metrics.captureFailures == nil {
		return
	}
	metrics.captureFailures.WithLabelValues(normalizeLabel(style)).Inc()
}

// Handler serves the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil || metrics.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
