package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// outcomeWindow bounds the per-provider deque of recent call outcomes.
const outcomeWindow = 50

// ProbeInterval is how often the periodic health check runs.
const ProbeInterval = 30 * time.Second

// outcome is one recorded provider call.
type outcome struct {
	success   bool
	latencyMS int64
	at        time.Time
}

// providerHealth aggregates recent outcomes and the circuit for one provider.
type providerHealth struct {
	breaker  breaker
	recent   []outcome // bounded ring, newest last
	probeErr float64   // error rate observed by the periodic probe
}

// Status summarises one provider's health.
type Status struct {
	ProviderID   string       `json:"provider_id"`
	Circuit      CircuitState `json:"-"`
	CircuitState string       `json:"circuit"`
	ErrorRate    float64      `json:"error_rate"`
	AvgLatencyMS int64        `json:"avg_latency_ms"`
	Samples      int          `json:"samples"`
}

// Monitor tracks call outcomes per provider and owns the circuit
// breakers. Updates arrive from the executor and from the periodic probe
// loop; both paths share one mutex.
type Monitor struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	config    BreakerConfig
	nowFn     func() time.Time
}

// NewMonitor creates a monitor with the given breaker configuration.
func NewMonitor(cfg BreakerConfig) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Monitor{
		providers: make(map[string]*providerHealth),
		config:    cfg,
		nowFn:     time.Now,
	}
}

func (m *Monitor) get(providerID string) *providerHealth {
	ph := m.providers[providerID]
	if ph == nil {
		ph = &providerHealth{breaker: breaker{config: m.config, state: CircuitClosed}}
		m.providers[providerID] = ph
	}
	return ph
}

// Allow reports whether the provider may be dispatched to. May transition
// an open circuit to half-open once its window has elapsed.
func (m *Monitor) Allow(providerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(providerID).breaker.allow(m.nowFn())
}

// Available reports whether the circuit is anything other than OPEN,
// without causing transitions.
func (m *Monitor) Available(providerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.providers[providerID]
	if ph == nil {
		return true
	}
	if ph.breaker.state != CircuitOpen {
		return true
	}
	// An elapsed open window counts as available; Allow will move the
	// circuit to half-open on the next dispatch attempt.
	return m.nowFn().Sub(ph.breaker.openedAt) >= ph.breaker.config.OpenDuration
}

// RecordSuccess records a successful provider call.
func (m *Monitor) RecordSuccess(providerID string, latencyMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.get(providerID)
	ph.breaker.recordSuccess()
	ph.push(outcome{success: true, latencyMS: latencyMS, at: m.nowFn()})
}

// RecordFailure records a failed provider call.
func (m *Monitor) RecordFailure(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.get(providerID)
	ph.breaker.recordFailure(m.nowFn(), providerID)
	ph.push(outcome{success: false, at: m.nowFn()})
}

func (ph *providerHealth) push(o outcome) {
	ph.recent = append(ph.recent, o)
	if len(ph.recent) > outcomeWindow {
		ph.recent = ph.recent[len(ph.recent)-outcomeWindow:]
	}
}

// CircuitStateOf returns the provider's current circuit state.
func (m *Monitor) CircuitStateOf(providerID string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.providers[providerID]
	if ph == nil {
		return CircuitClosed
	}
	return ph.breaker.state
}

// StatusOf returns a health summary for one provider.
func (m *Monitor) StatusOf(providerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.providers[providerID]
	st := Status{ProviderID: providerID, Circuit: CircuitClosed}
	if ph != nil {
		st.Circuit = ph.breaker.state
		var failures, samples int
		var latencySum, latencySamples int64
		for _, o := range ph.recent {
			samples++
			if !o.success {
				failures++
			} else {
				latencySum += o.latencyMS
				latencySamples++
			}
		}
		st.Samples = samples
		if samples > 0 {
			st.ErrorRate = float64(failures) / float64(samples)
		} else {
			st.ErrorRate = ph.probeErr
		}
		if latencySamples > 0 {
			st.AvgLatencyMS = latencySum / latencySamples
		}
	}
	st.CircuitState = st.Circuit.String()
	return st
}

// RecordProbe feeds a periodic health-check result into the error-rate
// metric. A healthy probe does not alone close an open circuit.
func (m *Monitor) RecordProbe(providerID string, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph := m.get(providerID)
	if available {
		ph.probeErr = ph.probeErr * 0.8
	} else {
		ph.probeErr = ph.probeErr*0.8 + 0.2
	}
}

// ProbeFunc checks one provider and reports availability.
type ProbeFunc func(ctx context.Context, providerID string) (available bool, err error)

// RunProbeLoop probes each listed provider every ProbeInterval until the
// context is cancelled. Intended to run as a background goroutine.
func (m *Monitor) RunProbeLoop(ctx context.Context, providerIDs []string, probe ProbeFunc) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range providerIDs {
				available, err := probe(ctx, id)
				if err != nil {
					log.Debug().Str("provider", id).Err(err).Msg("Health probe failed")
					available = false
				}
				m.RecordProbe(id, available)
			}
		}
	}
}
