package murmur

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-side counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheLookups   *prometheus.CounterVec
	CacheFills     *prometheus.CounterVec
	Mutations      *prometheus.CounterVec
	Rollbacks      *prometheus.CounterVec
	RealtimeEvents *prometheus.CounterVec
	RejectedEvents prometheus.Counter
	Reconnects     prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Conversation cache lookups by result (hit, miss).",
		}, []string{"result"}),
		CacheFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "cache",
			Name:      "fills_total",
			Help:      "Conversation cache fills by outcome (stored, discarded, failed).",
		}, []string{"outcome"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind (like, delete).",
		}, []string{"kind"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations rolled back after a remote failure.",
		}, []string{"kind"}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Realtime broadcast events received by type (insert, update).",
		}, []string{"type"}),
		RejectedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "realtime",
			Name:      "rejected_events_total",
			Help:      "Realtime payloads that did not decode into a known event.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Realtime reconnect attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheLookups, m.CacheFills, m.Mutations, m.Rollbacks,
			m.RealtimeEvents, m.RejectedEvents, m.Reconnects)
	}
	return m
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) cacheFill(outcome string) {
	if m != nil {
		m.CacheFills.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) mutation(kind string) {
	if m != nil {
		m.Mutations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) rollback(kind string) {
	if m != nil {
		m.Rollbacks.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) realtimeEvent(kind string) {
	if m != nil {
		m.RealtimeEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) rejectedEvent() {
	if m != nil {
		m.RejectedEvents.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
