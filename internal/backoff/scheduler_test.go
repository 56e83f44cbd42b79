package backoff

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statdeck/internal/config"
)

// fakeClock records armed timers and fires them on demand
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// fireLast runs the most recently armed timer even if it was stopped, the
// way a real timer can fire just before Stop wins the race.
func (c *fakeClock) fireLast() {
	c.mu.Lock()
	t := c.timers[len(c.timers)-1]
	t.fired = true
	c.mu.Unlock()
	t.fn()
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

func devicePolicy() config.RetryPolicy {
	return config.RetryPolicy{
		BaseDelay: 1000 * time.Millisecond,
		MaxDelay:  30000 * time.Millisecond,
		Limit:     10,
	}
}

func TestDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
		{5, 16000 * time.Millisecond},
		{6, 30000 * time.Millisecond},
		{10, 30000 * time.Millisecond},
		{200, 30000 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.attempts, base, max), "attempts=%d", tt.attempts)
	}
}

func TestScheduler_DelaysFollowBackoffAndStopAtLimit(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(nil, zap.NewNop(), WithAfterFunc(clock.AfterFunc))
	state := NewRetryState("device", devicePolicy())

	for i := 1; i <= 10; i++ {
		delay, ok := s.Schedule(state, func() {})
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, Delay(i, time.Second, 30*time.Second), delay)
		assert.Equal(t, i, state.Attempts())
	}

	_, ok := s.Schedule(state, func() {})
	assert.False(t, ok)
	assert.True(t, state.Exhausted())
	assert.Equal(t, 10, state.Attempts(), "attempts never exceed the limit")

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, clock.delays())

	s.Reset(state)
	assert.Equal(t, 0, state.Attempts())
	_, ok = s.Schedule(state, func() {})
	assert.True(t, ok)
}

func TestScheduler_ReplacesPendingTimer(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(nil, zap.NewNop(), WithAfterFunc(clock.AfterFunc))
	state := NewRetryState("device", devicePolicy())

	var first, second int32
	s.Schedule(state, func() { atomic.AddInt32(&first, 1) })
	s.Schedule(state, func() { atomic.AddInt32(&second, 1) })

	assert.True(t, clock.timers[0].stopped)

	// A stale timer that fires anyway must not run its action.
	clock.timers[0].fn()
	clock.fireLast()

	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.False(t, state.Pending())
}

func TestScheduler_CancelIsIdempotentAndSuppressesFiredTimer(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(nil, zap.NewNop(), WithAfterFunc(clock.AfterFunc))
	state := NewRetryState("keyboard", config.RetryPolicy{
		BaseDelay: 2 * time.Second,
		MaxDelay:  time.Minute,
		Limit:     5,
	})

	var ran int32
	s.Schedule(state, func() { atomic.AddInt32(&ran, 1) })
	require.True(t, state.Pending())

	s.Cancel(state)
	assert.NotPanics(t, func() {
		s.Cancel(state)
		s.Cancel(state)
	})
	assert.False(t, state.Pending())

	clock.fireLast()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, int64(1), s.GetMetrics().Cancelled)
	assert.Equal(t, 1, state.Attempts(), "cancel keeps the attempt count")
}

func TestScheduler_ActionsRunThroughDispatcher(t *testing.T) {
	loop := make(chan func(), 1)
	s := NewScheduler(func(f func()) { loop <- f }, zap.NewNop())
	state := NewRetryState("device", config.RetryPolicy{
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		Limit:     1,
	})

	done := make(chan struct{})
	s.Schedule(state, func() { close(done) })

	select {
	case task := <-loop:
		task()
	case <-time.After(time.Second):
		t.Fatal("timer never dispatched")
	}

	<-done
	assert.Equal(t, int64(1), s.GetMetrics().Fired)
}

func TestScheduler_NoAttemptAfterLimitWithRealTimers(t *testing.T) {
	s := NewScheduler(nil, zap.NewNop())
	state := NewRetryState("device", config.RetryPolicy{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Limit:     3,
	})

	var fired atomic.Int32
	var retry func()
	retry = func() {
		fired.Add(1)
		s.Schedule(state, retry)
	}
	s.Schedule(state, retry)

	// 10x the max delay and then some
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(3), fired.Load())
	assert.True(t, state.Exhausted())
	assert.False(t, state.Pending())
}
