// Package backoff drives bounded exponential retries for supervised
// subsystems. One RetryState exists per subsystem; a Scheduler arms at most
// one timer per state and hands fired actions to the owning event loop.
package backoff

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
)

// Timer is the part of *time.Timer the scheduler needs
type Timer interface {
	Stop() bool
}

// AfterFunc arms a single-shot timer that calls f after d
type AfterFunc func(d time.Duration, f func()) Timer

// Dispatcher runs f on the owning event loop
type Dispatcher func(f func())

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RetryState is the retry budget of one supervised subsystem.
// Invariant: Attempts <= Limit.
type RetryState struct {
	mu        sync.Mutex
	name      string
	attempts  int
	limit     int
	baseDelay time.Duration
	maxDelay  time.Duration
	timer     Timer
	token     uint64
	lastDelay time.Duration
}

// NewRetryState creates a retry budget from a configured policy
func NewRetryState(name string, policy config.RetryPolicy) *RetryState {
	return &RetryState{
		name:      name,
		limit:     policy.Limit,
		baseDelay: policy.BaseDelay,
		maxDelay:  policy.MaxDelay,
	}
}

// Name returns the subsystem name used in logs
func (r *RetryState) Name() string {
	return r.name
}

// Attempts returns the number of attempts scheduled since the last reset
func (r *RetryState) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Limit returns the attempt budget
func (r *RetryState) Limit() int {
	return r.limit
}

// Pending reports whether a timer is armed
func (r *RetryState) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Exhausted reports whether the budget is used up
func (r *RetryState) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.limit
}

// Snapshot is a point-in-time view of a RetryState
type Snapshot struct {
	Name      string        `json:"name"`
	Attempts  int           `json:"attempts"`
	Limit     int           `json:"limit"`
	Pending   bool          `json:"pending"`
	Exhausted bool          `json:"exhausted"`
	LastDelay time.Duration `json:"last_delay"`
}

// Snapshot returns the current state for status reporting
func (r *RetryState) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Name:      r.name,
		Attempts:  r.attempts,
		Limit:     r.limit,
		Pending:   r.timer != nil,
		Exhausted: r.attempts >= r.limit,
		LastDelay: r.lastDelay,
	}
}

// cancelLocked stops the armed timer and invalidates its token so a timer
// that already fired cannot run its action.
func (r *RetryState) cancelLocked() bool {
	r.token++
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	return true
}

// Delay returns min(base * 2^(attempts-1), max). attempts below 1 are
// treated as 1.
func Delay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= max || delay > max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// Scheduler arms backoff timers for RetryStates
type Scheduler struct {
	dispatch  Dispatcher
	afterFunc AfterFunc
	logger    *zap.Logger

	// Metrics (atomic for thread safety)
	scheduled int64
	fired     int64
	cancelled int64
	exhausted int64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithAfterFunc replaces the timer factory (used by tests)
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Scheduler) {
		s.afterFunc = f
	}
}

// NewScheduler creates a scheduler whose fired actions run through dispatch.
// A nil dispatch runs actions directly on the timer goroutine.
func NewScheduler(dispatch Dispatcher, logger *zap.Logger, opts ...Option) *Scheduler {
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	s := &Scheduler{
		dispatch:  dispatch,
		afterFunc: realAfterFunc,
		logger:    logger.Named("backoff"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule counts a new attempt and arms a single-shot timer that runs
// action after the backoff delay for that attempt. Any pending timer on the
// state is replaced. Once the budget is exhausted Schedule does nothing and
// returns false; Reset must be called before further attempts.
func (s *Scheduler) Schedule(state *RetryState, action func()) (time.Duration, bool) {
	state.mu.Lock()

	if state.attempts >= state.limit {
		attempts := state.attempts
		state.mu.Unlock()
		atomic.AddInt64(&s.exhausted, 1)
		s.logger.Warn("Retry budget exhausted, not scheduling",
			zap.String("subsystem", state.name),
			zap.Int("attempts", attempts),
			zap.Int("limit", state.limit))
		return 0, false
	}

	state.cancelLocked()
	state.attempts++
	delay := Delay(state.attempts, state.baseDelay, state.maxDelay)
	state.lastDelay = delay
	token := state.token
	attempt := state.attempts

	fire := func() {
		state.mu.Lock()
		if state.token != token {
			state.mu.Unlock()
			return
		}
		state.timer = nil
		state.mu.Unlock()

		atomic.AddInt64(&s.fired, 1)
		action()
	}

	state.timer = s.afterFunc(delay, func() { s.dispatch(fire) })
	state.mu.Unlock()

	atomic.AddInt64(&s.scheduled, 1)
	s.logger.Debug("Retry scheduled",
		zap.String("subsystem", state.name),
		zap.Int("attempt", attempt),
		zap.Int("limit", state.limit),
		zap.Duration("delay", delay))

	return delay, true
}

// Cancel stops the pending timer, if any. Idempotent.
func (s *Scheduler) Cancel(state *RetryState) {
	state.mu.Lock()
	stopped := state.cancelLocked()
	state.mu.Unlock()

	if stopped {
		atomic.AddInt64(&s.cancelled, 1)
		s.logger.Debug("Retry cancelled", zap.String("subsystem", state.name))
	}
}

// Reset cancels any pending timer and restores the full budget
func (s *Scheduler) Reset(state *RetryState) {
	state.mu.Lock()
	stopped := state.cancelLocked()
	state.attempts = 0
	state.lastDelay = 0
	state.mu.Unlock()

	if stopped {
		atomic.AddInt64(&s.cancelled, 1)
	}
}

// Metrics is a snapshot of scheduler counters
type Metrics struct {
	Scheduled int64 `json:"scheduled"`
	Fired     int64 `json:"fired"`
	Cancelled int64 `json:"cancelled"`
	Exhausted int64 `json:"exhausted"`
}

// GetMetrics returns current scheduler metrics
func (s *Scheduler) GetMetrics() Metrics {
	return Metrics{
		Scheduled: atomic.LoadInt64(&s.scheduled),
		Fired:     atomic.LoadInt64(&s.fired),
		Cancelled: atomic.LoadInt64(&s.cancelled),
		Exhausted: atomic.LoadInt64(&s.exhausted),
	}
}
