// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the provider gateway, cache, and screening lifecycle.
type Metrics struct {
	providerQueries *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     prometheus.Counter
	circuitTrips    *prometheus.CounterVec
	screenings      *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	iterations      *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
		instance.register(prometheus.DefaultRegisterer)
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		providerQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "gateway",
				Name:      "provider_queries_total",
				Help:      "Provider dispatches by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "elile",
				Subsystem: "gateway",
				Name:      "provider_latency_seconds",
				Help:      "Provider call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Cache hits by check type and freshness",
			},
			[]string{"check_type", "freshness"},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Cache misses requiring a live provider call",
			},
		),
		circuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "gateway",
				Name:      "circuit_trips_total",
				Help:      "Circuit breaker open transitions by provider",
			},
			[]string{"provider"},
		),
		screenings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "engine",
				Name:      "screenings_total",
				Help:      "Screenings by terminal status",
			},
			[]string{"status"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "vigilance",
				Name:      "alerts_total",
				Help:      "Monitoring alerts by severity",
			},
			[]string{"severity"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "elile",
				Subsystem: "sar",
				Name:      "iterations_total",
				Help:      "SAR iterations by information type",
			},
			[]string{"info_type"},
		),
	}
}

func (m *Metrics) register(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		m.providerQueries, m.providerLatency, m.cacheHits, m.cacheMisses,
		m.circuitTrips, m.screenings, m.alerts, m.iterations,
	} {
		if err := r.Register(c); err != nil {
			// Already registered collectors are fine (tests re-Get).
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// ProviderQuery records one provider dispatch.
func (m *Metrics) ProviderQuery(providerID string, ok bool, latency time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.providerQueries.WithLabelValues(providerID, outcome).Inc()
	m.providerLatency.WithLabelValues(providerID).Observe(latency.Seconds())
}

// CacheHit records a cache hit; stale distinguishes flagged stale use.
func (m *Metrics) CacheHit(checkType string, stale bool) {
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	m.cacheHits.WithLabelValues(checkType, freshness).Inc()
}

// CacheMiss records a lookup that required a live call.
func (m *Metrics) CacheMiss() { m.cacheMisses.Inc() }

// CircuitTrip records a circuit opening for a provider.
func (m *Metrics) CircuitTrip(providerID string) {
	m.circuitTrips.WithLabelValues(providerID).Inc()
}

// ScreeningDone records a screening reaching a terminal status.
func (m *Metrics) ScreeningDone(status string) {
	m.screenings.WithLabelValues(status).Inc()
}

// Alert records an emitted monitoring alert.
func (m *Metrics) Alert(severity string) {
	m.alerts.WithLabelValues(severity).Inc()
}

// Iteration records one completed SAR iteration.
func (m *Metrics) Iteration(infoType string) {
	m.iterations.WithLabelValues(infoType).Inc()
}
