package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	// IncOperation counts operations reaching a state
	IncOperation(state string)
	IncPaymaster(outcome string)
	ObserveStage(stage string, seconds float64)
}

const (
	PaymasterSponsored   = "sponsored"
	PaymasterRejected    = "rejected"
	PaymasterUnavailable = "unavailable"
)

// OperationMetrics contains instrumented metrics that should be updated by
// the smart account provider using the methods below
type OperationMetrics struct {
	numOperations *prometheus.CounterVec
	numPaymaster  *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
}

const swNamespace = "smartwallet"

func NewOperationMetrics(reg prometheus.Registerer) *OperationMetrics {
	return &OperationMetrics{
		numOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: swNamespace,
				Name:      "user_operations_total",
				Help:      "The number of user operations that reached a lifecycle state",
			}, []string{"state"}),

		numPaymaster: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: swNamespace,
				Name:      "paymaster_requests_total",
				Help:      "The number of sponsorship requests by outcome",
			}, []string{"outcome"}),

		stageSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: swNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each lifecycle stage of a user operation",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"stage"}),
	}
}

func (m *OperationMetrics) IncOperation(state string) {
	m.numOperations.WithLabelValues(state).Inc()
}

func (m *OperationMetrics) IncPaymaster(outcome string) {
	m.numPaymaster.WithLabelValues(outcome).Inc()
}

func (m *OperationMetrics) ObserveStage(stage string, seconds float64) {
	m.stageSeconds.WithLabelValues(stage).Observe(seconds)
}

// NoopMetrics discards everything, for callers that do not export metrics.
type NoopMetrics struct{}

func (NoopMetrics) IncOperation(string)          {}
func (NoopMetrics) IncPaymaster(string)          {}
func (NoopMetrics) ObserveStage(string, float64) {}
