// Package shutdown runs registered teardown steps in a fixed phase order
// with per-step and overall deadlines.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
)

// Phase is a teardown stage. Phases run in ascending order.
type Phase int

const (
	// PhaseUI stops the control server and WebSocket clients
	PhaseUI Phase = iota
	// PhaseSupervisors stops the supervisor event loop and its timers
	PhaseSupervisors
	// PhaseDevices stops the keyboard listener, host sampler and serial link
	PhaseDevices
	// PhaseStorage flushes and closes the state database
	PhaseStorage
	// PhaseCleanup releases the process lock and syncs logs
	PhaseCleanup
)

var phases = []Phase{PhaseUI, PhaseSupervisors, PhaseDevices, PhaseStorage, PhaseCleanup}

func (p Phase) String() string {
	switch p {
	case PhaseUI:
		return "UI"
	case PhaseSupervisors:
		return "Supervisors"
	case PhaseDevices:
		return "Devices"
	case PhaseStorage:
		return "Storage"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Func performs one teardown step
type Func func(ctx context.Context) error

// Handler is a registered teardown step
type Handler struct {
	Name  string
	Phase Phase
	// Priority orders handlers within a phase, higher first
	Priority int
	Fn       Func
	// Timeout of 0 uses the coordinator default
	Timeout time.Duration
}

// Coordinator runs teardown exactly once
type Coordinator struct {
	mu       sync.Mutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	once         sync.Once
	done         chan struct{}
	err          error
	shuttingDown atomic.Bool

	handlerTimeout time.Duration
	totalTimeout   time.Duration
}

// NewCoordinator creates a coordinator using the default deadlines
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		done:           make(chan struct{}),
		handlerTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTimeout,
	}
}

// Register adds a handler
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout == 0 {
		h.Timeout = c.handlerTimeout
	}
	list := append(c.handlers[h.Phase], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	c.handlers[h.Phase] = list

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.Stringer("phase", h.Phase),
		zap.Int("priority", h.Priority))
}

// RegisterFunc registers fn with default priority and timeout
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn Func) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// SetTimeouts overrides the per-handler and overall deadlines
func (c *Coordinator) SetTimeouts(handler, total time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerTimeout = handler
	c.totalTimeout = total
}

func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done is closed once Shutdown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// PhaseHandlers returns handler names of phase in execution order
func (c *Coordinator) PhaseHandlers(phase Phase) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.handlers[phase]))
	for _, h := range c.handlers[phase] {
		names = append(names, h.Name)
	}
	return names
}

// Shutdown runs every phase. Later calls wait for and return the result of
// the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.shuttingDown.Store(true)
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	total := c.totalTimeout
	c.mu.Unlock()

	c.logger.Info("Shutting down", zap.Duration("deadline", total))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	var errs []error
	for _, phase := range phases {
		if err := c.runPhase(ctx, phase); err != nil {
			errs = append(errs, fmt.Errorf("phase %s: %w", phase, err))
		}
		if ctx.Err() != nil {
			c.logger.Warn("Shutdown deadline reached, skipping remaining phases",
				zap.Stringer("last_phase", phase),
				zap.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("shutdown deadline: %w", ctx.Err()))
			break
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("Shutdown finished with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("error_count", len(errs)))
		return errors.Join(errs...)
	}
	c.logger.Info("Shutdown complete", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	c.mu.Lock()
	handlers := append([]*Handler(nil), c.handlers[phase]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		return nil
	}
	c.logger.Debug("Running shutdown phase",
		zap.Stringer("phase", phase),
		zap.Int("handlers", len(handlers)))

	var errs []error
	for _, h := range handlers {
		if ctx.Err() != nil {
			break
		}
		if err := c.runHandler(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runHandler abandons a handler that outlives its timeout; the goroutine is
// left to finish on its own
func (c *Coordinator) runHandler(ctx context.Context, h *Handler) error {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Fn(hctx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-hctx.Done():
		err = fmt.Errorf("timed out after %v", h.Timeout)
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("Shutdown handler done",
		zap.String("name", h.Name),
		zap.Duration("duration", time.Since(start)))
	return nil
}
