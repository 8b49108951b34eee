// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes engine counters to Prometheus. All recording
// methods accept a nil *Metrics so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "interceptor"

// Metrics holds all engine collectors.
type Metrics struct {
	ClassifyEvents *prometheus.CounterVec

	CacheEntries   prometheus.Gauge
	CacheEvictions *prometheus.CounterVec

	PacketsQueued     prometheus.Counter
	PacketsOverflowed prometheus.Counter

	PendingPromises prometheus.Gauge
	VerdictUpdates  *prometheus.CounterVec
	VerdictNotFound prometheus.Counter

	Injections       *prometheus.CounterVec
	InjectorDegraded prometheus.Gauge

	LogLinesAdded       prometheus.CounterFunc
	LogLinesOverwritten prometheus.CounterFunc

	EventsDropped prometheus.Counter
}

// LogSource reports diagnostic ring counters.
type LogSource interface {
	Added() uint64
	Dropped() uint64
}

// NewMetrics creates the collector set. logs may be nil.
func NewMetrics(logs LogSource) *Metrics {
	added := func() float64 { return 0 }
	dropped := func() float64 { return 0 }
	if logs != nil {
		added = func() float64 { return float64(logs.Added()) }
		dropped = func() float64 { return float64(logs.Dropped()) }
	}

	return &Metrics{
		ClassifyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_events_total",
			Help:      "Classify events by layer and resulting action",
		}, []string{"layer", "action"}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of connection cache entries",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Connection cache entries removed, by reason",
		}, []string{"reason"}),

		PacketsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_queued_total",
			Help:      "Packets queued on undecided connections",
		}),
		PacketsOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_overflowed_total",
			Help:      "Packets dropped because a connection queue was full",
		}),

		PendingPromises: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_promises",
			Help:      "Classifications waiting for a verdict",
		}),
		VerdictUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_updates_total",
			Help:      "Verdicts applied from the control channel",
		}, []string{"verdict"}),
		VerdictNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_not_found_total",
			Help:      "Verdicts for connections no longer in the cache",
		}),

		Injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_total",
			Help:      "Packet injections by path and result",
		}, []string{"path", "result"}),
		InjectorDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "injector_degraded",
			Help:      "1 if injection handles could not be created",
		}),

		LogLinesAdded: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Diagnostic lines recorded",
		}, added),
		LogLinesOverwritten: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_overwritten_total",
			Help:      "Diagnostic lines lost to ring overwrite before being read",
		}, dropped),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_events_dropped_total",
			Help:      "Control channel events dropped because the queue was full",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ClassifyEvents,
		m.CacheEntries,
		m.CacheEvictions,
		m.PacketsQueued,
		m.PacketsOverflowed,
		m.PendingPromises,
		m.VerdictUpdates,
		m.VerdictNotFound,
		m.Injections,
		m.InjectorDegraded,
		m.LogLinesAdded,
		m.LogLinesOverwritten,
		m.EventsDropped,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) Classified(layer, action string) {
	if m != nil {
		m.ClassifyEvents.WithLabelValues(layer, action).Inc()
	}
}

func (m *Metrics) SetCacheEntries(n int) {
	if m != nil {
		m.CacheEntries.Set(float64(n))
	}
}

func (m *Metrics) Evicted(reason string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) Queued() {
	if m != nil {
		m.PacketsQueued.Inc()
	}
}

func (m *Metrics) Overflowed() {
	if m != nil {
		m.PacketsOverflowed.Inc()
	}
}

func (m *Metrics) AddPending(delta int) {
	if m != nil {
		m.PendingPromises.Add(float64(delta))
	}
}

func (m *Metrics) VerdictApplied(verdict string, found bool) {
	if m == nil {
		return
	}
	m.VerdictUpdates.WithLabelValues(verdict).Inc()
	if !found {
		m.VerdictNotFound.Inc()
	}
}

func (m *Metrics) Injected(path string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Injections.WithLabelValues(path, result).Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.InjectorDegraded.Set(v)
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}
