package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedProvider(t *testing.T) {
	l := New()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "unknown"))
	}
}

func TestWindowRefusesOverLimit(t *testing.T) {
	l := New()
	now := time.Now()
	l.nowFn = func() time.Time { return now }
	l.SetLimit("p1", 2)

	_, ok := l.tryAdmit("p1")
	assert.True(t, ok)
	_, ok = l.tryAdmit("p1")
	assert.True(t, ok)

	wait, ok := l.tryAdmit("p1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, Window)
	assert.Equal(t, 2, l.Pending("p1"))
}

func TestWindowAgesOut(t *testing.T) {
	l := New()
	now := time.Now()
	l.nowFn = func() time.Time { return now }
	l.SetLimit("p1", 1)

	_, ok := l.tryAdmit("p1")
	require.True(t, ok)
	_, ok = l.tryAdmit("p1")
	require.False(t, ok)

	// Advance past the window; the old admission no longer counts.
	now = now.Add(Window + time.Second)
	_, ok = l.tryAdmit("p1")
	assert.True(t, ok)
	assert.Equal(t, 1, l.Pending("p1"))
}

func TestBurstCompletionTime(t *testing.T) {
	// With limit N, a burst of K > N admissions needs ceil((K-N)/N) extra
	// windows. N=2, K=6 -> 2 extra windows.
	l := New()
	now := time.Now()
	l.nowFn = func() time.Time { return now }
	l.SetLimit("p1", 2)

	admitted := 0
	windows := 0
	for admitted < 6 {
		if _, ok := l.tryAdmit("p1"); ok {
			admitted++
			continue
		}
		now = now.Add(Window)
		windows++
		require.Less(t, windows, 10, "limiter failed to make progress")
	}
	assert.Equal(t, 2, windows)
}

func TestWaitHonoursCancellation(t *testing.T) {
	l := New()
	l.SetLimit("p1", 1)
	require.NoError(t, l.Wait(context.Background(), "p1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAdmissions(t *testing.T) {
	l := New()
	l.SetLimit("p1", 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(ctx, "p1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Pending("p1"))
}
