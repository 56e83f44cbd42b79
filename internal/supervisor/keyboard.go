package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"statdeck/internal/backoff"
	"statdeck/internal/events"
	"statdeck/internal/faults"
	"statdeck/internal/keyboard"
)

type restartKind int

const (
	restartInitial restartKind = iota
	restartRecovery
	restartForced
)

func (k restartKind) String() string {
	switch k {
	case restartInitial:
		return "initial"
	case restartRecovery:
		return "recovery"
	case restartForced:
		return "forced"
	default:
		return "unknown"
	}
}

// KeyboardStatus is the keyboard half of Status
type KeyboardStatus struct {
	ListenerAlive  bool             `json:"listener_alive"`
	FallbackMode   bool             `json:"fallback_mode"`
	FallbackReason string           `json:"fallback_reason,omitempty"`
	Restarting     bool             `json:"restarting"`
	Deferred       bool             `json:"deferred"`
	Retry          backoff.Snapshot `json:"retry"`
	Session        keyboard.Session `json:"session"`
}

// keyboardSupervisor keeps the listener helper running. All methods run on
// the event loop.
type keyboardSupervisor struct {
	s      *Supervisor
	retry  *backoff.RetryState
	logger *zap.Logger

	restarting bool
	// deferred is set when recovery was due while suspended
	deferred   bool
	generation uint64
	queued     []func()
}

func newKeyboardSupervisor(s *Supervisor, retry *backoff.RetryState) *keyboardSupervisor {
	return &keyboardSupervisor{
		s:      s,
		retry:  retry,
		logger: s.logger.Named("keyboard"),
	}
}

func (k *keyboardSupervisor) status() KeyboardStatus {
	return KeyboardStatus{
		ListenerAlive:  k.s.deps.Keyboard.ListenerAlive(),
		FallbackMode:   k.s.deps.Keyboard.FallbackMode(),
		FallbackReason: k.s.deps.Keyboard.FallbackReason(),
		Restarting:     k.restarting,
		Deferred:       k.deferred,
		Retry:          k.retry.Snapshot(),
		Session:        k.s.deps.Keyboard.CurrentSession(),
	}
}

func (k *keyboardSupervisor) healthy() bool {
	kb := k.s.deps.Keyboard
	return kb.ListenerAlive() && !kb.FallbackMode()
}

// start performs the first listener start after Init
func (k *keyboardSupervisor) start() {
	k.restart(restartInitial, func(err error) {
		if err == nil {
			return
		}
		k.logger.Warn("Keyboard listener failed to start", zap.Error(err))
		k.recoverAfter(err)
	})
}

func (k *keyboardSupervisor) onFallback(reason string) {
	k.s.emit(events.KeyboardFallback, events.KeyboardFallbackData{Reason: reason})
	k.needsRecovery()
}

func (k *keyboardSupervisor) onListenerExit(err error) {
	k.logger.Warn("Keyboard listener died", zap.Error(err))
	k.needsRecovery()
}

func (k *keyboardSupervisor) needsRecovery() {
	if k.s.closing || k.restarting || k.retry.Pending() {
		return
	}
	if k.s.power.IsSuspended() {
		k.deferred = true
		return
	}
	k.scheduleRecovery()
}

// recoverAfter schedules recovery after a failed start. A fallback
// notification for the same failure may have arrived while the restart
// was running and been ignored.
func (k *keyboardSupervisor) recoverAfter(err error) {
	if errors.Is(err, faults.ErrPermission) {
		k.logger.Info("Keyboard capture not permitted, running in fallback mode")
	}
	if !k.retry.Pending() {
		k.scheduleRecovery()
	}
}

func (k *keyboardSupervisor) scheduleRecovery() {
	if k.s.closing {
		return
	}
	if k.s.power.IsSuspended() {
		k.deferred = true
		return
	}
	generation := k.generation
	if _, ok := k.s.sched.Schedule(k.retry, func() { k.attempt(generation) }); !ok {
		k.exhausted()
	}
}

func (k *keyboardSupervisor) exhausted() {
	k.logger.Warn("Keyboard recovery attempts exhausted, staying in fallback mode",
		zap.Int("attempts", k.retry.Attempts()))
	k.s.emit(events.RecoveryExhausted, events.RecoveryExhaustedData{
		Subsystem: "keyboard",
		Attempts:  k.retry.Attempts(),
	})
}

func (k *keyboardSupervisor) attempt(generation uint64) {
	if generation != k.generation || k.s.closing {
		return
	}
	if k.s.power.IsSuspended() {
		k.deferred = true
		return
	}
	if k.healthy() {
		k.s.sched.Reset(k.retry)
		return
	}

	k.logger.Debug("Keyboard recovery attempt",
		zap.Int("attempt", k.retry.Attempts()),
		zap.Int("limit", k.retry.Limit()))
	k.restart(restartRecovery, func(err error) {
		if err == nil {
			k.s.sched.Reset(k.retry)
			return
		}
		k.logger.Debug("Keyboard recovery attempt failed", zap.Error(err))
		if generation == k.generation {
			k.scheduleRecovery()
		}
	})
}

// restart stops and starts the listener off the loop. The monitor carries
// the running session over when the new listener takes over, so keystrokes
// recorded while the restart is in flight are kept. A restart requested
// while another runs is queued behind it.
func (k *keyboardSupervisor) restart(kind restartKind, done func(error)) {
	if k.restarting {
		k.queued = append(k.queued, func() { k.restart(kind, done) })
		return
	}
	k.restarting = true

	kb := k.s.deps.Keyboard
	cur := kb.CurrentSession()
	wasFallback := kb.FallbackMode()

	k.logger.Info("Restarting keyboard listener",
		zap.Stringer("kind", kind),
		zap.Int("keystrokes", cur.TotalKeystrokes))

	k.s.async(k.s.cfg.Recovery.AttemptTimeout, func(ctx context.Context) error {
		if kind != restartInitial {
			if err := kb.StopMonitoring(); err != nil {
				k.logger.Warn("Failed to stop keyboard listener", zap.Error(err))
			}
		}
		return kb.StartMonitoring(ctx)
	}, func(err error) {
		k.restarting = false
		if err == nil && kind != restartInitial {
			k.s.emit(events.KeyboardRestarted, events.KeyboardRestartedData{
				Forced:          kind == restartForced,
				Fallback:        wasFallback,
				TotalKeystrokes: kb.CurrentSession().TotalKeystrokes,
			})
		}
		if done != nil {
			done(err)
		}
		k.drain()
	})
}

func (k *keyboardSupervisor) drain() {
	for len(k.queued) > 0 && !k.restarting {
		next := k.queued[0]
		k.queued = k.queued[1:]
		next()
	}
}

func (k *keyboardSupervisor) onSuspend() {
	k.generation++
	k.s.sched.Cancel(k.retry)
}

// onResume force-restarts the listener. Input hooks can silently stop
// delivering events across a sleep. The resume restart counts as a forced
// restart, so like manualRestart it starts with a fresh retry budget.
func (k *keyboardSupervisor) onResume() {
	k.deferred = false
	k.generation++
	k.s.sched.Reset(k.retry)
	k.restart(restartForced, func(err error) {
		if err != nil {
			k.logger.Warn("Keyboard restart after resume failed", zap.Error(err))
			k.recoverAfter(err)
		}
	})
}

func (k *keyboardSupervisor) manualRestart(reply func(error)) {
	k.generation++
	k.s.sched.Reset(k.retry)
	k.restart(restartForced, func(err error) {
		if err != nil {
			reply(fmt.Errorf("keyboard restart: %w", err))
			return
		}
		reply(nil)
	})
}
