package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// SettlementMetrics wraps the collectors tracking settlement engine health.
type SettlementMetrics struct {
	ordersCreated     *prometheus.CounterVec
	candidatesDerived *prometheus.CounterVec
	rateDrops         *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	disbursements     *prometheus.CounterVec
	rpcErrors         *prometheus.CounterVec
	queueDrops        prometheus.Counter
	checkLatency      *prometheus.HistogramVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "engine",
				Name:      "orders_created_total",
				Help:      "Payment orders created, segmented by chain.",
			}, []string{"chain"}),
			candidatesDerived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "engine",
				Name:      "candidates_derived_total",
				Help:      "Burner deposit addresses derived, segmented by chain and token.",
			}, []string{"chain", "token"}),
			rateDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "rates",
				Name:      "token_dropped_total",
				Help:      "Tokens excluded from an order because no exchange rate was available.",
			}, []string{"token"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "engine",
				Name:      "settlements_total",
				Help:      "Orders settled, segmented by chain and winning token.",
			}, []string{"chain", "token"}),
			disbursements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "disburse",
				Name:      "attempts_total",
				Help:      "Disbursement attempts, segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "chain",
				Name:      "rpc_errors_total",
				Help:      "Chain gateway call failures, segmented by chain and operation.",
			}, []string{"chain", "op"}),
			queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlepay",
				Subsystem: "disburse",
				Name:      "queue_drops_total",
				Help:      "Disbursement tasks rejected because the queue was full.",
			}),
			checkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlepay",
				Subsystem: "engine",
				Name:      "check_status_duration_seconds",
				Help:      "Latency distribution of status checks.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			settlementRegistry.ordersCreated,
			settlementRegistry.candidatesDerived,
			settlementRegistry.rateDrops,
			settlementRegistry.settlements,
			settlementRegistry.disbursements,
			settlementRegistry.rpcErrors,
			settlementRegistry.queueDrops,
			settlementRegistry.checkLatency,
		)
	})
	return settlementRegistry
}

// RecordOrderCreated increments the order creation counter.
func (m *SettlementMetrics) RecordOrderCreated(chain string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(orUnknown(chain)).Inc()
}

// RecordCandidateDerived increments the derived-address counter.
func (m *SettlementMetrics) RecordCandidateDerived(chain, token string) {
	if m == nil {
		return
	}
	m.candidatesDerived.WithLabelValues(orUnknown(chain), orUnknown(token)).Inc()
}

// RecordRateDrop counts a token excluded for lack of an exchange rate.
func (m *SettlementMetrics) RecordRateDrop(token string) {
	if m == nil {
		return
	}
	m.rateDrops.WithLabelValues(orUnknown(token)).Inc()
}

// RecordSettlement counts a completed settlement.
func (m *SettlementMetrics) RecordSettlement(chain, token string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(orUnknown(chain), orUnknown(token)).Inc()
}

// RecordDisbursement counts a disbursement attempt outcome.
func (m *SettlementMetrics) RecordDisbursement(chain, outcome string) {
	if m == nil {
		return
	}
	m.disbursements.WithLabelValues(orUnknown(chain), orUnknown(outcome)).Inc()
}

// RecordRPCError counts a failed chain gateway call.
func (m *SettlementMetrics) RecordRPCError(chain, op string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(orUnknown(chain), orUnknown(op)).Inc()
}

// RecordQueueDrop counts a rejected disbursement enqueue.
func (m *SettlementMetrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

// ObserveCheckStatus records the latency of one status check.
func (m *SettlementMetrics) ObserveCheckStatus(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkLatency.WithLabelValues(orUnknown(outcome)).Observe(d.Seconds())
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
