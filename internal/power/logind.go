package power

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"statdeck/internal/config"
)

const (
	logindDest      = "org.freedesktop.login1"
	logindPath      = "/org/freedesktop/login1"
	logindManager   = "org.freedesktop.login1.Manager"
	prepareForSleep = logindManager + ".PrepareForSleep"
)

// LogindSource listens for systemd-logind PrepareForSleep signals on the
// system bus. The signal carries true before sleep and false after wake.
// While awake it holds a delay inhibitor so logind waits for the suspend
// handler before the system sleeps.
type LogindSource struct {
	logger *zap.Logger
}

// NewLogindSource creates a source bound to the system bus
func NewLogindSource(logger *zap.Logger) *LogindSource {
	return &LogindSource{
		logger: logger.Named("logind"),
	}
}

// Run subscribes to PrepareForSleep and hands transitions to handle
func (s *LogindSource) Run(ctx context.Context, handle Handler) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindManager),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		return fmt.Errorf("failed to subscribe to PrepareForSleep: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)

	guard := &sleepGuard{
		take:   func() (io.Closer, error) { return takeDelayLock(conn) },
		settle: config.SuspendSettleTimeout,
		logger: s.logger,
	}
	guard.acquire()
	defer guard.release()

	s.logger.Info("Listening for logind sleep signals")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			if t, ok := parseSleepSignal(sig); ok {
				s.logger.Info("Power transition", zap.Stringer("transition", t))
				guard.dispatch(ctx, t, handle)
			}
		}
	}
}

// takeDelayLock asks logind for a sleep delay inhibitor. The lock is held
// until the returned file is closed.
func takeDelayLock(conn *dbus.Conn) (io.Closer, error) {
	var fd dbus.UnixFD
	err := conn.Object(logindDest, logindPath).Call(logindManager+".Inhibit", 0,
		"sleep", "statdeck", "Closing the display link", "delay").Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("failed to take sleep inhibitor: %w", err)
	}
	return os.NewFile(uintptr(fd), "logind-inhibitor"), nil
}

// sleepGuard keeps one delay lock while the system is awake. It is used
// from a single goroutine.
type sleepGuard struct {
	take   func() (io.Closer, error)
	settle time.Duration
	logger *zap.Logger
	lock   io.Closer
}

func (g *sleepGuard) acquire() {
	if g.lock != nil {
		return
	}
	lock, err := g.take()
	if err != nil {
		// sleep proceeds without waiting for us
		g.logger.Warn("Sleep inhibitor unavailable", zap.Error(err))
		return
	}
	g.lock = lock
}

func (g *sleepGuard) release() {
	if g.lock == nil {
		return
	}
	if err := g.lock.Close(); err != nil {
		g.logger.Debug("Failed to release sleep inhibitor", zap.Error(err))
	}
	g.lock = nil
}

// dispatch runs handle for t. Before sleep the lock is released once the
// handler returns or the settle time runs out. After wake a new lock is
// taken for the next sleep.
func (g *sleepGuard) dispatch(ctx context.Context, t Transition, handle Handler) {
	switch t {
	case Suspending:
		hctx, cancel := context.WithTimeout(ctx, g.settle)
		if err := handle(hctx, t); err != nil {
			g.logger.Warn("Suspend handling incomplete", zap.Error(err))
		}
		cancel()
		g.release()
	case Resumed:
		g.acquire()
		if err := handle(ctx, t); err != nil {
			g.logger.Warn("Resume handling failed", zap.Error(err))
		}
	}
}

// parseSleepSignal extracts the transition from a PrepareForSleep signal.
// Body: [start bool]
func parseSleepSignal(sig *dbus.Signal) (Transition, bool) {
	if sig == nil || sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return 0, false
	}
	start, ok := sig.Body[0].(bool)
	if !ok {
		return 0, false
	}
	if start {
		return Suspending, true
	}
	return Resumed, true
}
