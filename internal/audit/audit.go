// Package audit defines the event stream the engine emits and a buffered
// non-blocking emitter in front of pluggable sinks.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType enumerates the audit events the engine emits.
type EventType string

const (
	ScreeningInitiated EventType = "SCREENING_INITIATED"
	ScreeningCompleted EventType = "SCREENING_COMPLETED"
	ScreeningFailed    EventType = "SCREENING_FAILED"
	ProviderQuery      EventType = "PROVIDER_QUERY"
	CacheHit           EventType = "CACHE_HIT"
	CacheMiss          EventType = "CACHE_MISS"
	StaleDataUsed      EventType = "STALE_DATA_USED"
	FindingsExtracted  EventType = "FINDINGS_EXTRACTED"
	ProfileCreated     EventType = "PROFILE_CREATED"
	AlertGenerated     EventType = "ALERT_GENERATED"
	ConsentVerified    EventType = "CONSENT_VERIFIED"
)

// Event is one audit record. CorrelationID propagates through every event
// of one request.
type Event struct {
	Type          EventType      `json:"type"`
	At            time.Time      `json:"at"`
	TenantID      string         `json:"tenant_id,omitempty"`
	SubjectID     string         `json:"subject_id,omitempty"`
	ScreeningID   string         `json:"screening_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations are external collaborators;
// emission toward them is best-effort and must not block the engine.
type Sink interface {
	Emit(event Event)
}

// Emitter buffers events onto a bounded channel drained by a single
// background goroutine. When the buffer is full the event is dropped and
// counted rather than blocking the caller.
type Emitter struct {
	sink    Sink
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewEmitter starts a buffered emitter in front of sink. A nil sink
// discards everything.
func NewEmitter(sink Sink, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	e := &Emitter{
		sink:   sink,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go e.drain()
	return e
}

func (e *Emitter) drain() {
	defer close(e.done)
	for ev := range e.events {
		if e.sink != nil {
			e.sink.Emit(ev)
		}
	}
}

// Emit enqueues an event without blocking.
func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case e.events <- ev:
	default:
		n := e.dropped.Add(1)
		if n%100 == 1 {
			log.Warn().Int64("dropped", n).Msg("Audit buffer full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Close flushes buffered events and stops the drain goroutine.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.events)
		<-e.done
	})
}

// LogSink writes events to the structured log. Useful as a default sink
// and in the demo binary.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ev Event) {
	log.Info().
		Str("audit", string(ev.Type)).
		Str("screening_id", ev.ScreeningID).
		Str("subject_id", ev.SubjectID).
		Str("correlation_id", ev.CorrelationID).
		Msg("Audit event")
}

// MemorySink collects events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (m *MemorySink) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of everything received.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// CountByType tallies received events per type.
func (m *MemorySink) CountByType(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
