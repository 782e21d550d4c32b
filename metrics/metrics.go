// Package metrics provides the Prometheus metrics of the oracle
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dexoracle"

// Metrics holds all Prometheus metrics of the oracle.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Chain session
	Reconnects    prometheus.Counter
	Connected     prometheus.Gauge
	Subscriptions prometheus.Gauge
	AnchorUSD     prometheus.Gauge

	// Swap path
	SwapsReceived  prometheus.Counter
	QuotesSkipped  *prometheus.CounterVec
	PriceWrites    *prometheus.CounterVec
	PoolsNotFound  prometheus.Counter
	ContractErrors *prometheus.CounterVec

	// Reconciliation path
	AggregatorCalls   *prometheus.CounterVec
	ReconciledTokens  prometheus.Counter
	BudgetRemaining   prometheus.Gauge
	CycleDuration     prometheus.Histogram
	AggregatorLatency prometheus.Histogram

	// Onboarding
	TokensOnboarded *prometheus.CounterVec
}

// New creates and registers the oracle metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "reconnects_total",
			Help:      "Total number of streaming connection re-establishments",
		}),
		Connected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "connected",
			Help:      "1 while a chain session is established",
		}),
		Subscriptions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "subscriptions",
			Help:      "Number of live swap subscriptions",
		}),
		AnchorUSD: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "anchor_usd",
			Help:      "Current USD price of the reference asset",
		}),
		SwapsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swaps",
			Name:      "received_total",
			Help:      "Total number of swap events received for tracked tokens",
		}),
		QuotesSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swaps",
			Name:      "quotes_skipped_total",
			Help:      "Swap events that produced no write, by reason",
		}, []string{"reason"}),
		PriceWrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swaps",
			Name:      "price_writes_total",
			Help:      "Price updates sent to the store, by result",
		}, []string{"result"}),
		PoolsNotFound: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swaps",
			Name:      "pools_not_found_total",
			Help:      "Tokens for which no pool exists on any fee tier",
		}),
		ContractErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swaps",
			Name:      "contract_errors_total",
			Help:      "Failed contract reads, by call",
		}, []string{"call"}),
		AggregatorCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "aggregator_calls_total",
			Help:      "Aggregator calls issued, by result",
		}, []string{"result"}),
		ReconciledTokens: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "tokens_updated_total",
			Help:      "Snapshots updated from aggregator data",
		}),
		BudgetRemaining: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "budget_remaining",
			Help:      "Aggregator calls left in the rolling window",
		}),
		CycleDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a reconciliation cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		AggregatorLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "aggregator_latency_seconds",
			Help:      "Latency of aggregator calls",
			Buckets:   prometheus.DefBuckets,
		}),
		TokensOnboarded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "onboarding",
			Name:      "tokens_total",
			Help:      "Tokens handed to the tracker, by trigger",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.Subscriptions.Set(float64(n))
	}
}

func (m *Metrics) SetAnchor(usd float64) {
	if m != nil {
		m.AnchorUSD.Set(usd)
	}
}

func (m *Metrics) IncSwaps() {
	if m != nil {
		m.SwapsReceived.Inc()
	}
}

func (m *Metrics) IncQuoteSkipped(reason string) {
	if m != nil {
		m.QuotesSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncPriceWrite(result string) {
	if m != nil {
		m.PriceWrites.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncPoolNotFound() {
	if m != nil {
		m.PoolsNotFound.Inc()
	}
}

func (m *Metrics) IncContractError(call string) {
	if m != nil {
		m.ContractErrors.WithLabelValues(call).Inc()
	}
}

func (m *Metrics) ObserveAggregatorCall(result string, seconds float64) {
	if m == nil {
		return
	}
	m.AggregatorCalls.WithLabelValues(result).Inc()
	m.AggregatorLatency.Observe(seconds)
}

func (m *Metrics) AddReconciled(n int) {
	if m != nil {
		m.ReconciledTokens.Add(float64(n))
	}
}

func (m *Metrics) SetBudgetRemaining(n int) {
	if m != nil {
		m.BudgetRemaining.Set(float64(n))
	}
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m != nil {
		m.CycleDuration.Observe(seconds)
	}
}

func (m *Metrics) IncOnboarded(trigger string) {
	if m != nil {
		m.TokensOnboarded.WithLabelValues(trigger).Inc()
	}
}
