// Package keyboard counts global keystrokes through a listener helper
// process and turns them into typing sessions.
package keyboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/faults"
)

// Launcher builds the listener helper command
type Launcher func() (*exec.Cmd, error)

// SelfLauncher re-executes the running binary with the keylistener command
func SelfLauncher(devicePath string) Launcher {
	return func() (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		args := []string{"keylistener"}
		if devicePath != "" {
			args = append(args, "--device", devicePath)
		}
		return exec.Command(exe, args...), nil
	}
}

// CommandLauncher runs an explicit helper command line
func CommandLauncher(argv []string) Launcher {
	return func() (*exec.Cmd, error) {
		if len(argv) == 0 {
			return nil, errors.New("empty listener command")
		}
		return exec.Command(argv[0], argv[1:]...), nil
	}
}

// Handlers receive monitor notifications. They are called from monitor
// goroutines and must not block.
type Handlers struct {
	OnStats    func(TypingStats)
	OnFallback func(reason string)
	// OnExit reports a listener that died without being stopped
	OnExit func(err error)
}

// Monitor owns the listener helper and the current typing session
type Monitor struct {
	launcher Launcher
	idle     time.Duration
	handlers Handlers
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	session        *Session
	proc           *listenerProcess
	fallback       bool
	fallbackReason string
}

type listenerProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	exitErr  error
	stopping atomic.Bool
	// reported is set once a failure of this process reached the handlers
	reported atomic.Bool
}

func (p *listenerProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// NewMonitor creates a stopped monitor
func NewMonitor(launcher Launcher, idle time.Duration, handlers Handlers, logger *zap.Logger) *Monitor {
	if idle <= 0 {
		idle = config.TypingIdleTimeout
	}
	if handlers.OnStats == nil {
		handlers.OnStats = func(TypingStats) {}
	}
	if handlers.OnFallback == nil {
		handlers.OnFallback = func(string) {}
	}
	if handlers.OnExit == nil {
		handlers.OnExit = func(error) {}
	}
	return &Monitor{
		launcher: launcher,
		idle:     idle,
		handlers: handlers,
		logger:   logger.Named("keyboard"),
		now:      time.Now,
		session:  NewSession(),
	}
}

// StartMonitoring spawns the listener and waits for its handshake. On
// success a new session takes over the counters of the outgoing one,
// including keystrokes recorded while the handshake was pending. A
// listener that reports it cannot capture
// input engages fallback mode and the returned error wraps
// faults.ErrPermission. Starting an already running monitor does nothing.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	if m.proc != nil && m.proc.alive() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cmd, err := m.launcher()
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrTransientIO, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open listener stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open listener stdout: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start listener: %v", faults.ErrTransientIO, err)
	}

	p := &listenerProcess{
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	if stderr != nil {
		go m.logStderr(stderr)
	}

	msgs := make(chan Message, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(msgs)
		dec := json.NewDecoder(bufio.NewReader(stdout))
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}()
	go func() {
		// Wait closes the pipes, so the reader must finish first
		<-readDone
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	m.logger.Debug("Listener spawned", zap.Int("pid", cmd.Process.Pid))

	if err := m.handshake(ctx, p, msgs); err != nil {
		m.kill(p, msgs)
		return err
	}

	m.mu.Lock()
	m.proc = p
	next := NewSession()
	next.Restore(m.session.Snapshot())
	m.session = next
	m.fallback = false
	m.fallbackReason = ""
	stats := m.session.Stats()
	m.mu.Unlock()

	go m.consume(p, msgs)
	go m.watchExit(p)

	m.logger.Info("Keyboard listener started", zap.Int("pid", cmd.Process.Pid))
	m.handlers.OnStats(stats)
	return nil
}

func (m *Monitor) handshake(ctx context.Context, p *listenerProcess, msgs <-chan Message) error {
	select {
	case msg, ok := <-msgs:
		if !ok {
			<-p.exited
			return fmt.Errorf("%w: listener exited during startup: %v", faults.ErrTransientIO, p.exitErr)
		}
		switch msg.Type {
		case MsgReady:
			return nil
		case MsgError:
			if msg.Code == CodePermission {
				m.enterFallback(msg.Message)
				return fmt.Errorf("%w: %s", faults.ErrPermission, msg.Message)
			}
			return fmt.Errorf("%w: listener failed: %s", faults.ErrTransientIO, msg.Message)
		default:
			return fmt.Errorf("%w: unexpected listener message %q", faults.ErrTransientIO, msg.Type)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: listener handshake: %v", faults.ErrTransientIO, ctx.Err())
	}
}

func (m *Monitor) consume(p *listenerProcess, msgs <-chan Message) {
	for msg := range msgs {
		switch msg.Type {
		case MsgKey:
			m.RecordKeystrokes(1)
		case MsgError:
			m.logger.Warn("Listener reported an error",
				zap.String("code", msg.Code),
				zap.String("message", msg.Message))
			if msg.Code == CodePermission && p.reported.CompareAndSwap(false, true) {
				m.enterFallback(msg.Message)
			}
		}
	}
}

func (m *Monitor) watchExit(p *listenerProcess) {
	<-p.exited

	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
	}
	m.mu.Unlock()

	if p.stopping.Load() || !p.reported.CompareAndSwap(false, true) {
		return
	}

	m.logger.Warn("Keyboard listener exited unexpectedly", zap.Error(p.exitErr))
	m.handlers.OnExit(p.exitErr)
}

func (m *Monitor) enterFallback(reason string) {
	m.mu.Lock()
	m.fallback = true
	m.fallbackReason = reason
	m.mu.Unlock()

	m.logger.Warn("Keyboard fallback mode engaged", zap.String("reason", reason))
	m.handlers.OnFallback(reason)
}

func (m *Monitor) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Debug("Listener stderr", zap.String("line", scanner.Text()))
	}
}

// kill terminates a process that never became the active listener
func (m *Monitor) kill(p *listenerProcess, msgs <-chan Message) {
	go func() {
		for range msgs {
		}
	}()
	p.stopping.Store(true)
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

// StopMonitoring closes the listener's stdin, which asks it to exit, and
// kills it if it does not within the stop timeout. Safe to call when not
// running.
func (m *Monitor) StopMonitoring() error {
	m.mu.Lock()
	p := m.proc
	m.proc = nil
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	p.stopping.Store(true)
	p.stdin.Close()

	select {
	case <-p.exited:
	case <-time.After(config.ListenerStopTimeout):
		m.logger.Warn("Listener did not exit in time, killing it")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill listener: %w", err)
		}
		<-p.exited
	}

	m.logger.Info("Keyboard listener stopped")
	return nil
}

// Run refreshes the session's active flag until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(config.TypingIdleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			changed := m.session.Refresh(m.now(), m.idle)
			stats := m.session.Stats()
			m.mu.Unlock()
			if changed {
				m.handlers.OnStats(stats)
			}
		}
	}
}

// RecordKeystrokes counts keystrokes observed outside the listener, such
// as ones forwarded by the UI while in fallback mode.
func (m *Monitor) RecordKeystrokes(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.session.Record(m.now(), n)
	stats := m.session.Stats()
	m.mu.Unlock()

	m.handlers.OnStats(stats)
}

// ListenerAlive reports whether the helper process is running
func (m *Monitor) ListenerAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && m.proc.alive()
}

// FallbackMode reports whether native capture is unavailable
func (m *Monitor) FallbackMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// FallbackReason explains the current fallback mode
func (m *Monitor) FallbackReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackReason
}

// CurrentSession returns a copy of the current session
func (m *Monitor) CurrentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.session
}

// CurrentStats returns the current typing stats
func (m *Monitor) CurrentStats() TypingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Stats()
}

// ResetSession ends the current session and returns it
func (m *Monitor) ResetSession() Session {
	m.mu.Lock()
	finished := *m.session
	m.session = NewSession()
	stats := m.session.Stats()
	m.mu.Unlock()

	m.handlers.OnStats(stats)
	return finished
}
