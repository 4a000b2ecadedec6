package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	sink := &MemorySink{}
	e := NewEmitter(sink, 16)

	for i := 0; i < 5; i++ {
		e.Emit(Event{Type: ProviderQuery, ScreeningID: "scr_1"})
	}
	e.Close()

	events := sink.Events()
	require.Len(t, events, 5)
	for _, ev := range events {
		assert.Equal(t, ProviderQuery, ev.Type)
		assert.False(t, ev.At.IsZero(), "emitter stamps missing timestamps")
	}
	assert.Equal(t, int64(0), e.Dropped())
}

func TestEmitterDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingSink{release: block}
	e := NewEmitter(slow, 1)

	// First event occupies the drain goroutine; the buffer holds one
	// more; everything beyond is dropped without blocking.
	for i := 0; i < 10; i++ {
		e.Emit(Event{Type: CacheHit})
	}
	close(block)
	e.Close()

	assert.Greater(t, e.Dropped(), int64(0))
	assert.LessOrEqual(t, slow.count(), 2+1)
}

type blockingSink struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
	once    sync.Once
}

func (b *blockingSink) Emit(Event) {
	b.once.Do(func() { <-b.release })
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestEmitterNilSink(t *testing.T) {
	e := NewEmitter(nil, 4)
	e.Emit(Event{Type: ScreeningInitiated})
	e.Close()
}

func TestMemorySinkCountByType(t *testing.T) {
	sink := &MemorySink{}
	sink.Emit(Event{Type: CacheHit})
	sink.Emit(Event{Type: CacheHit})
	sink.Emit(Event{Type: CacheMiss})
	assert.Equal(t, 2, sink.CountByType(CacheHit))
	assert.Equal(t, 1, sink.CountByType(CacheMiss))
	assert.Equal(t, 0, sink.CountByType(AlertGenerated))
}

func TestCloseIsIdempotent(t *testing.T) {
	e := NewEmitter(&MemorySink{}, 4)
	e.Emit(Event{Type: ProfileCreated, At: time.Now()})
	e.Close()
	e.Close()
}
