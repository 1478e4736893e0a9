package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOperationMetrics(reg)

	m.IncOperation("submitted")
	m.IncOperation("submitted")
	m.IncOperation("confirmed")
	m.IncPaymaster(PaymasterRejected)
	m.ObserveStage("sign", 0.01)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.numOperations.WithLabelValues("submitted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.numOperations.WithLabelValues("confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.numPaymaster.WithLabelValues(PaymasterRejected)))

	n, err := testutil.GatherAndCount(reg, "smartwallet_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoopMetricsSatisfiesInterface(t *testing.T) {
	var m MetricsGenerator = NoopMetrics{}
	m.IncOperation("failed")
	m.IncPaymaster(PaymasterUnavailable)
	m.ObserveStage("submit", 1)
}
