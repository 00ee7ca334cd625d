// Package metrics holds the Prometheus instruments shared by the core.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "roadside"

// Metrics groups every counter the core records.
type Metrics struct {
	published   *prometheus.CounterVec
	consumed    *prometheus.CounterVec
	outbox      *prometheus.CounterVec
	geoQueries  *prometheus.CounterVec
	lockAcquire *prometheus.CounterVec
}

// New registers the core's instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "published_total",
			Help:      "Publish attempts by queue, event type and result.",
		}, []string{"queue", "event_type", "result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "consumed_total",
			Help:      "Delivered messages by queue, event type and handling outcome.",
		}, []string{"queue", "event_type", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events by lifecycle result.",
		}, []string{"result"}),
		geoQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocache",
			Name:      "queries_total",
			Help:      "Nearby queries by the source that answered them.",
		}, []string{"source"}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.published, m.consumed, m.outbox, m.geoQueries, m.lockAcquire)
	}
	return m
}

// Published records a publish attempt.
func (m *Metrics) Published(queue, eventType, result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue, eventType, result).Inc()
}

// Consumed records the outcome of one delivered message.
func (m *Metrics) Consumed(queue, eventType, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, eventType, outcome).Inc()
}

// Outbox records n outbox events reaching result.
func (m *Metrics) Outbox(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outbox.WithLabelValues(result).Add(float64(n))
}

// GeoQuery records which source answered a nearby query.
func (m *Metrics) GeoQuery(source string) {
	if m == nil {
		return
	}
	m.geoQueries.WithLabelValues(source).Inc()
}

// LockAcquire records a lock attempt.
func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(result).Inc()
}
