// Package metrics holds the Prometheus collectors of the availability service. Every method
// is nil-safe so components can run without metrics in tests and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reservations       *prometheus.CounterVec
	slotsWritten       *prometheus.CounterVec
	travelLookups      *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationFailures *prometheus.CounterVec
	cleanupReleased    prometheus.Counter
	conflictChecks     *prometheus.CounterVec
	outboxPublished    prometheus.Counter
	gatherer           prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "reservation",
			Name:      "operations_total",
			Help:      "Reservation operations by outcome",
		}, []string{"operation", "outcome"}),
		slotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "generator",
			Name:      "slots_total",
			Help:      "Slots written by the generator",
		}, []string{"kind"}),
		travelLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "travel",
			Name:      "lookups_total",
			Help:      "Travel-time lookups by answering source",
		}, []string{"source"}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slotengine",
			Subsystem: "generator",
			Name:      "duration_seconds",
			Help:      "Duration of slot generation units",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"scope"}),
		generationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "generator",
			Name:      "failures_total",
			Help:      "Failed generation units; the batch continues past them",
		}, []string{"unit"}),
		cleanupReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "reservation",
			Name:      "expired_released_total",
			Help:      "Expired holds cleared by the cleanup sweep",
		}),
		conflictChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "conflict",
			Name:      "checks_total",
			Help:      "Conflict checks by reason",
		}, []string{"reason"}),
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotengine",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events written to Kafka",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.reservations,
		m.slotsWritten,
		m.travelLookups,
		m.generationDuration,
		m.generationFailures,
		m.cleanupReleased,
		m.conflictChecks,
		m.outboxPublished,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReservation(operation, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) AddSlots(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsWritten.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveTravelLookup(source string) {
	if m == nil {
		return
	}
	m.travelLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveGeneration(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) ObserveGenerationFailure(unit string) {
	if m == nil {
		return
	}
	m.generationFailures.WithLabelValues(unit).Inc()
}

func (m *Metrics) AddCleanupReleased(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupReleased.Add(float64(n))
}

func (m *Metrics) ObserveConflictCheck(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.conflictChecks.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddOutboxPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxPublished.Add(float64(n))
}
