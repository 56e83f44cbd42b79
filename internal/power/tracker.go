// Package power tracks OS suspend/resume transitions.
package power

import (
	"context"
	"sync"
)

// Transition is an OS power-state change
type Transition int

const (
	// Suspending is delivered just before the system sleeps
	Suspending Transition = iota
	// Resumed is delivered after the system wakes up
	Resumed
)

func (t Transition) String() string {
	switch t {
	case Suspending:
		return "suspend"
	case Resumed:
		return "resume"
	default:
		return "unknown"
	}
}

// Handler applies one transition and returns once it has been handled
type Handler func(ctx context.Context, t Transition) error

// Source delivers power transitions until ctx is cancelled
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// Tracker holds the process-wide suspended flag
type Tracker struct {
	mu        sync.RWMutex
	suspended bool
}

// NewTracker creates a tracker in the awake state
func NewTracker() *Tracker {
	return &Tracker{}
}

// Suspend marks the system suspended. It returns false if it already was.
func (t *Tracker) Suspend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended {
		return false
	}
	t.suspended = true
	return true
}

// Resume marks the system awake. It returns false if it already was.
func (t *Tracker) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.suspended {
		return false
	}
	t.suspended = false
	return true
}

// IsSuspended reports the current state
func (t *Tracker) IsSuspended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suspended
}

// NopSource never reports a transition
type NopSource struct{}

// Run blocks until ctx is done
func (NopSource) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}
