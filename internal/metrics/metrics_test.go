package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/metrics"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordPlan("executed")
		m.RecordRejection("event_exposure")
		m.SetBreaker("stale_data", "kalshi", true)
		m.RecordEdge(decimal.NewFromInt(10))
		m.UpdatePairs(1, 1, 1, 0.1)
		m.RecordUnwind("kalshi", "ok")
	})
}

func TestRecording(t *testing.T) {
	m := metrics.New()
	m.RecordRejection("event_exposure")
	m.RecordRejection("event_exposure")
	m.SetBreaker("unwind_failure", "kalshi", true)
	m.RecordPlan("executed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RiskRejections.WithLabelValues("event_exposure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerActive.WithLabelValues("unwind_failure", "kalshi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansTotal.WithLabelValues("executed")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
