package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() (*Monitor, *time.Time) {
	m := NewMonitor(DefaultBreakerConfig())
	now := time.Now()
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 0; i < 4; i++ {
		m.RecordFailure("p1")
		assert.Equal(t, CircuitClosed, m.CircuitStateOf("p1"), "failure %d should not open", i+1)
	}
	m.RecordFailure("p1")
	assert.Equal(t, CircuitOpen, m.CircuitStateOf("p1"))
	assert.False(t, m.Allow("p1"))
	assert.False(t, m.Available("p1"))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m, _ := newTestMonitor()

	for i := 0; i < 4; i++ {
		m.RecordFailure("p1")
	}
	m.RecordSuccess("p1", 10)
	for i := 0; i < 4; i++ {
		m.RecordFailure("p1")
	}
	assert.Equal(t, CircuitClosed, m.CircuitStateOf("p1"))
}

func TestOpenToHalfOpenAfterWindow(t *testing.T) {
	m, now := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.RecordFailure("p1")
	}
	require.Equal(t, CircuitOpen, m.CircuitStateOf("p1"))
	assert.False(t, m.Allow("p1"))

	*now = now.Add(61 * time.Second)
	assert.True(t, m.Available("p1"))
	assert.True(t, m.Allow("p1"), "first probe after the window is admitted")
	assert.Equal(t, CircuitHalfOpen, m.CircuitStateOf("p1"))
	// Only one probe at a time.
	assert.False(t, m.Allow("p1"))
}

func TestHalfOpenClosesAfterTwoSuccesses(t *testing.T) {
	m, now := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.RecordFailure("p1")
	}
	*now = now.Add(61 * time.Second)
	require.True(t, m.Allow("p1"))

	m.RecordSuccess("p1", 5)
	assert.Equal(t, CircuitHalfOpen, m.CircuitStateOf("p1"))
	require.True(t, m.Allow("p1"))
	m.RecordSuccess("p1", 5)
	assert.Equal(t, CircuitClosed, m.CircuitStateOf("p1"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m, now := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.RecordFailure("p1")
	}
	*now = now.Add(61 * time.Second)
	require.True(t, m.Allow("p1"))

	m.RecordFailure("p1")
	assert.Equal(t, CircuitOpen, m.CircuitStateOf("p1"))
	assert.False(t, m.Allow("p1"))
}

func TestStatusErrorRateAndLatency(t *testing.T) {
	m, _ := newTestMonitor()
	m.RecordSuccess("p1", 100)
	m.RecordSuccess("p1", 200)
	m.RecordFailure("p1")
	m.RecordFailure("p1")

	st := m.StatusOf("p1")
	assert.Equal(t, 4, st.Samples)
	assert.InDelta(t, 0.5, st.ErrorRate, 0.001)
	assert.Equal(t, int64(150), st.AvgLatencyMS)
	assert.Equal(t, "closed", st.CircuitState)
}

func TestUnknownProviderIsHealthy(t *testing.T) {
	m, _ := newTestMonitor()
	assert.True(t, m.Allow("never_seen"))
	assert.True(t, m.Available("never_seen"))
	assert.Equal(t, CircuitClosed, m.CircuitStateOf("never_seen"))
}

func TestOutcomeWindowBounded(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < outcomeWindow*3; i++ {
		m.RecordSuccess("p1", 1)
	}
	st := m.StatusOf("p1")
	assert.Equal(t, outcomeWindow, st.Samples)
}

func TestProbeFeedsErrorRateOnly(t *testing.T) {
	m, now := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.RecordFailure("p1")
	}
	require.Equal(t, CircuitOpen, m.CircuitStateOf("p1"))

	// A healthy probe alone must not close the circuit.
	m.RecordProbe("p1", true)
	assert.Equal(t, CircuitOpen, m.CircuitStateOf("p1"))
	_ = now
}
