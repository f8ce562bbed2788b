package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletledger"

// Metrics holds the ledger collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transfers       *prometheus.CounterVec
	transferLatency *prometheus.HistogramVec
	retries         prometheus.Counter
	replays         *prometheus.CounterVec
	cache           *prometheus.CounterVec
	mismatches      prometheus.Counter
	reaped          prometheus.Counter
	events          *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "total",
			Help:      "Movements by kind and terminal outcome",
		}, []string{"kind", "outcome"}),
		transferLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Latency of a movement request from reservation to terminal state",
			Buckets: []float64{
				0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
				0.1, 0.2, 0.5, 1, 2,
			},
		}, []string{"kind"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "retries_total",
			Help:      "Optimistic concurrency conflicts that caused a retry",
		}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "replays_total",
			Help:      "Requests answered from a prior result",
		}, []string{"source"}),
		cache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "cache_lookups_total",
			Help:      "Balance cache lookups by result",
		}, []string{"result"}),
		mismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "mismatches_total",
			Help:      "Cached or snapshot balances that disagreed with the entry fold",
		}),
		reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "reaped_total",
			Help:      "Stale reservations expired by the reaper",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Movement events by publish result",
		}, []string{"result"}),
	}
}

// ObserveTransfer records a terminal outcome ("posted", "rejected", "contention", "error").
func (m *Metrics) ObserveTransfer(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind, outcome).Inc()
	m.transferLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncReplay counts a duplicate answered from the guard ("guard") or the ledger ("ledger").
func (m *Metrics) IncReplay(source string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(source).Inc()
}

func (m *Metrics) IncCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Metrics) IncMismatch() {
	if m == nil {
		return
	}
	m.mismatches.Inc()
}

func (m *Metrics) AddReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) IncEvent(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.events.WithLabelValues(result).Inc()
}
