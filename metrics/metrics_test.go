package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncReconnects()
	m.SetConnected(true)
	m.IncQuoteSkipped("no_anchor")
	m.IncQuoteSkipped("no_anchor")
	m.ObserveAggregatorCall("ok", 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuotesSkipped.WithLabelValues("no_anchor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggregatorCalls.WithLabelValues("ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncReconnects()
		m.SetConnected(false)
		m.SetSubscriptions(3)
		m.SetAnchor(2000)
		m.IncSwaps()
		m.IncPriceWrite("applied")
		m.ObserveCycle(1)
		m.IncOnboarded("insert")
	})
}
