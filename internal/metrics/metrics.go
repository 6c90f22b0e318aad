// Package metrics exposes engine counters in Prometheus form. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "courier"

// Metrics holds the collectors of one daemon.
type Metrics struct {
	Registry *prometheus.Registry

	outboxEnqueued *prometheus.CounterVec
	outboxApplied  *prometheus.CounterVec
	outboxFailures *prometheus.CounterVec
	outboxDead     prometheus.Counter
	outboxPending  prometheus.Gauge
	drainDuration  prometheus.Histogram
	scheduleFired  prometheus.Counter
	scheduleFailed prometheus.Counter
	reaperDeleted  prometheus.Counter
	reaperErrors   prometheus.Counter
	sweepDuration  prometheus.Histogram
	online         prometheus.Gauge
}

// New creates collectors registered on a private registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		outboxEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "enqueued_total",
			Help: "Outbox entries accepted, by kind.",
		}, []string{"kind"}),
		outboxApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "applied_total",
			Help: "Outbox entries applied remotely, by kind.",
		}, []string{"kind"}),
		outboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failures_total",
			Help: "Failed outbox attempts, by error class.",
		}, []string{"class"}),
		outboxDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "dead_total",
			Help: "Outbox entries moved to the dead-letter state.",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "pending",
			Help: "Pending outbox entries after the last drain.",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "drain_seconds",
			Help:    "Duration of outbox drains.",
			Buckets: prometheus.DefBuckets,
		}),
		scheduleFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "fired_total",
			Help: "Scheduled occurrences materialized into the outbox.",
		}),
		scheduleFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "failed_total",
			Help: "Schedules marked failed.",
		}),
		reaperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "deleted_total",
			Help: "Messages deleted by the reaper.",
		}),
		reaperErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "errors_total",
			Help: "Per-chat and per-message reaper errors.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "sweep_seconds",
			Help:    "Duration of reaper sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online",
			Help: "1 when the backend is considered reachable.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outboxEnqueued, m.outboxApplied, m.outboxFailures, m.outboxDead, m.outboxPending,
		m.drainDuration, m.scheduleFired, m.scheduleFailed,
		m.reaperDeleted, m.reaperErrors, m.sweepDuration, m.online,
	)
	return m
}

func (m *Metrics) OutboxEnqueued(kind string) {
	if m != nil {
		m.outboxEnqueued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) OutboxApplied(kind string) {
	if m != nil {
		m.outboxApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) OutboxFailed(class string) {
	if m != nil {
		m.outboxFailures.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) OutboxDead() {
	if m != nil {
		m.outboxDead.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.outboxPending.Set(float64(n))
	}
}

func (m *Metrics) ObserveDrain(d time.Duration) {
	if m != nil {
		m.drainDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ScheduleFired() {
	if m != nil {
		m.scheduleFired.Inc()
	}
}

func (m *Metrics) ScheduleFailed() {
	if m != nil {
		m.scheduleFailed.Inc()
	}
}

func (m *Metrics) ReaperDeleted(n int) {
	if m != nil {
		m.reaperDeleted.Add(float64(n))
	}
}

func (m *Metrics) ReaperErrors(n int) {
	if m != nil {
		m.reaperErrors.Add(float64(n))
	}
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.sweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
