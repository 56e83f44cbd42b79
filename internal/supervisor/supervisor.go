// Package supervisor keeps the display link and the keyboard listener
// alive across suspend/resume cycles, device loss and listener crashes.
//
// All supervisory state is owned by a single event loop goroutine. Timer
// callbacks, collaborator notifications and control commands are posted to
// the loop as tasks; blocking collaborator calls run on worker goroutines
// and post their results back.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/backoff"
	"statdeck/internal/config"
	"statdeck/internal/events"
	"statdeck/internal/faults"
	"statdeck/internal/keyboard"
	"statdeck/internal/power"
	"statdeck/internal/serial"
	"statdeck/internal/sysmon"
)

// Supervisor is the owned context of all recovery state
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	tasks  chan func()
	stopCh chan struct{}
	done   chan struct{}

	initialized atomic.Bool
	stopOnce    sync.Once

	// ctx bounds worker goroutines; cancelled on Shutdown
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	deps     Deps
	power    *power.Tracker
	sched    *backoff.Scheduler
	bus      *events.Bus
	router   *events.Router
	device   *deviceSupervisor
	keyboard *keyboardSupervisor
	stats    *multiplexer

	// loop-owned
	display config.DisplaySettings
	// configDisplay is the display section of the last applied config file
	configDisplay config.DisplaySettings
	closing       bool
}

// New creates a supervisor. Collaborators are supplied to Init so they
// can be built with the supervisor's notification methods as handlers.
func New(cfg *config.Config, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
		tasks:   make(chan func(), config.LoopQueueSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		power:   power.NewTracker(),
		bus:     events.NewBus(),
		display: cfg.Display,

		configDisplay: cfg.Display,
	}
	s.router = events.NewRouter(s.bus, logger)
	s.sched = backoff.NewScheduler(s.dispatch, logger)
	s.device = newDeviceSupervisor(s, backoff.NewRetryState("device", cfg.Recovery.Device))
	s.keyboard = newKeyboardSupervisor(s, backoff.NewRetryState("keyboard", cfg.Recovery.Keyboard))
	s.stats = newMultiplexer(s)
	return s
}

// Bus returns the internal event bus
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// Router returns the event router UI sinks attach to
func (s *Supervisor) Router() *events.Router {
	return s.router
}

// Init starts the collaborators and the event loop. The device is
// reconnected to the configured or remembered port when auto-connect is on.
func (s *Supervisor) Init(ctx context.Context, deps Deps) error {
	if missing := deps.missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing collaborators: %s", faults.ErrNotInitialized, strings.Join(missing, ", "))
	}
	if s.initialized.Load() {
		return fmt.Errorf("supervisor already initialized")
	}

	s.deps = deps
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if stored, ok, err := deps.Store.DisplaySettings(); err != nil {
		s.logger.Warn("Failed to load display settings, using configured ones", zap.Error(err))
	} else if ok {
		s.display = stored
	}

	if err := deps.System.StartMonitoring(s.cfg.Cadence.SystemSample); err != nil {
		s.cancel()
		return fmt.Errorf("failed to start system monitor: %w", err)
	}

	s.stats.sys = deps.System.CurrentStats()
	s.stats.typing = deps.Keyboard.CurrentStats()
	s.initialized.Store(true)

	go s.loop()
	s.spawn(func() { s.router.Run(s.ctx) })
	s.spawn(func() { deps.Keyboard.Run(s.ctx) })

	startPort := s.startupPort()
	s.post(func() {
		s.keyboard.start()
		if startPort != "" {
			s.device.autoConnect(startPort)
		}
	})

	s.logger.Info("Supervisor initialized",
		zap.String("startup_port", startPort),
		zap.Duration("stats_cadence", s.cfg.Cadence.Stats),
		zap.Duration("attempt_timeout", s.cfg.Recovery.AttemptTimeout))
	return nil
}

func (s *Supervisor) startupPort() string {
	if s.cfg.Serial.Port != "" {
		return s.cfg.Serial.Port
	}
	if !s.cfg.Serial.AutoConnect {
		return ""
	}
	port, err := s.deps.Store.LastPort()
	if err != nil {
		s.logger.Warn("Failed to read last port", zap.Error(err))
		return ""
	}
	return port
}

// Shutdown cancels all retry timers, stops the loop and the collaborators.
// Calling it more than once, or before Init, is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.initialized.Load() {
		return nil
	}

	var err error
	s.stopOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.logger.Info("Supervisor shutting down")

	// Stop scheduling before the loop goes away
	_ = s.request(ctx, func(reply func(error)) {
		s.closing = true
		s.sched.Reset(s.device.retry)
		s.sched.Reset(s.keyboard.retry)
		reply(nil)
	})

	close(s.stopCh)
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("event loop did not stop: %w", ctx.Err())
	}

	s.cancel()
	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return fmt.Errorf("workers did not stop: %w", ctx.Err())
	}

	var errs []string
	if err := s.deps.Keyboard.StopMonitoring(); err != nil {
		errs = append(errs, fmt.Sprintf("keyboard: %v", err))
	}
	s.deps.System.StopMonitoring()

	session := s.deps.Keyboard.CurrentSession()
	if session.TotalKeystrokes > 0 {
		if err := s.deps.Store.AddTypingTotals(uint64(session.TotalKeystrokes), session.WPM); err != nil {
			errs = append(errs, fmt.Sprintf("typing totals: %v", err))
		}
	}
	if err := s.deps.Serial.Disconnect(); err != nil {
		errs = append(errs, fmt.Sprintf("serial: %v", err))
	}
	s.bus.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, "; "))
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

func (s *Supervisor) loop() {
	defer close(s.done)

	statsTicker := time.NewTicker(s.cfg.Cadence.Stats)
	defer statsTicker.Stop()
	timeTicker := time.NewTicker(s.cfg.Cadence.TimeUpdate)
	defer timeTicker.Stop()

	for {
		select {
		case task := <-s.tasks:
			task()
		case <-statsTicker.C:
			s.stats.tick()
		case <-timeTicker.C:
			s.stats.timeTick()
		case <-s.stopCh:
			return
		}
	}
}

// post queues f on the loop. It blocks while the queue is full and returns
// false once the loop is stopping.
func (s *Supervisor) post(f func()) bool {
	select {
	case s.tasks <- f:
		return true
	case <-s.stopCh:
		return false
	}
}

// tryPost queues f unless the queue is full. Used for latest-value updates.
func (s *Supervisor) tryPost(f func()) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.tasks <- f:
		return true
	default:
		return false
	}
}

// dispatch is the backoff scheduler's hand-off onto the loop
func (s *Supervisor) dispatch(f func()) {
	s.post(f)
}

// request runs f on the loop and waits until f, or work it started, calls
// reply.
func (s *Supervisor) request(ctx context.Context, f func(reply func(error))) error {
	if !s.initialized.Load() {
		return faults.ErrNotInitialized
	}

	res := make(chan error, 1)
	reply := func(err error) {
		select {
		case res <- err:
		default:
		}
	}
	if !s.post(func() { f(reply) }) {
		return faults.ErrNotInitialized
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return faults.ErrNotInitialized
	}
}

func (s *Supervisor) spawn(f func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		f()
	}()
}

// async runs work off the loop under timeout (zero means none) and posts
// done with its result back to the loop.
func (s *Supervisor) async(timeout time.Duration, work func(ctx context.Context) error, done func(error)) {
	s.spawn(func() {
		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, timeout)
		}
		err := work(ctx)
		cancel()
		if done != nil {
			s.post(func() { done(err) })
		}
	})
}

func (s *Supervisor) emit(t events.Type, data interface{}) {
	s.bus.Publish(events.Event{Type: t, Data: data})
}

// HandlePower applies an OS power transition. It matches power.Handler.
func (s *Supervisor) HandlePower(ctx context.Context, t power.Transition) error {
	if t == power.Suspending {
		return s.Suspend(ctx)
	}
	return s.Resume(ctx)
}

// handlePower applies t. settled runs when the transition's device work
// is done.
func (s *Supervisor) handlePower(t power.Transition, settled func()) {
	if s.closing {
		settled()
		return
	}
	switch t {
	case power.Suspending:
		if !s.power.Suspend() {
			settled()
			return
		}
		s.logger.Info("System suspending")
		s.emit(events.PowerChange, events.PowerChangeData{Transition: t.String()})
		s.keyboard.onSuspend()
		s.device.onSuspend(settled)
	case power.Resumed:
		if s.power.Resume() {
			s.logger.Info("System resumed")
			s.emit(events.PowerChange, events.PowerChangeData{Transition: t.String()})
			s.device.onResume()
			s.keyboard.onResume()
		}
		settled()
	}
}

// NotifySystemStats records a fresh host sample
func (s *Supervisor) NotifySystemStats(stats sysmon.Stats) {
	if !s.initialized.Load() {
		return
	}
	s.tryPost(func() { s.stats.updateSystem(stats) })
}

// NotifyTypingStats records fresh typing figures
func (s *Supervisor) NotifyTypingStats(stats keyboard.TypingStats) {
	if !s.initialized.Load() {
		return
	}
	s.tryPost(func() { s.stats.updateTyping(stats) })
}

// NotifyKeyboardFallback reports that the listener entered fallback mode
func (s *Supervisor) NotifyKeyboardFallback(reason string) {
	if !s.initialized.Load() {
		return
	}
	s.post(func() { s.keyboard.onFallback(reason) })
}

// NotifyListenerExit reports a listener that died unexpectedly
func (s *Supervisor) NotifyListenerExit(err error) {
	if !s.initialized.Load() {
		return
	}
	s.post(func() { s.keyboard.onListenerExit(err) })
}

// NotifyDeviceLost reports a device link that ended on its own
func (s *Supervisor) NotifyDeviceLost(port string, err error) {
	if !s.initialized.Load() {
		return
	}
	s.post(func() { s.device.onLost(port, err) })
}

// NotifySerialData forwards a line received from the device
func (s *Supervisor) NotifySerialData(port, line string) {
	s.emit(events.SerialData, events.SerialDataData{Port: port, Line: line})
}

// KeyboardHandlers returns handlers that feed a keyboard.Monitor into s
func (s *Supervisor) KeyboardHandlers() keyboard.Handlers {
	return keyboard.Handlers{
		OnStats:    s.NotifyTypingStats,
		OnFallback: s.NotifyKeyboardFallback,
		OnExit:     s.NotifyListenerExit,
	}
}

// SerialHandlers returns handlers that feed a serial.Device into s
func (s *Supervisor) SerialHandlers() serial.Handlers {
	return serial.Handlers{
		OnData: s.NotifySerialData,
		OnLost: s.NotifyDeviceLost,
	}
}

// Status is a snapshot of the whole supervisor
type Status struct {
	Suspended      bool                   `json:"suspended"`
	Device         DeviceStatus           `json:"device"`
	Keyboard       KeyboardStatus         `json:"keyboard"`
	System         sysmon.Stats           `json:"system"`
	Typing         keyboard.TypingStats   `json:"typing"`
	StatsSent      uint64                 `json:"stats_sent"`
	SampleInterval time.Duration          `json:"sample_interval"`
	Display        config.DisplaySettings `json:"display"`
	Scheduler      backoff.Metrics        `json:"scheduler"`
	DroppedEvents  map[events.Type]int64  `json:"dropped_events,omitempty"`
}

// Status returns a snapshot taken on the loop
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.request(ctx, func(reply func(error)) {
		st = Status{
			Suspended:      s.power.IsSuspended(),
			Device:         s.device.status(),
			Keyboard:       s.keyboard.status(),
			System:         s.stats.sys,
			Typing:         s.stats.typing,
			StatsSent:      s.stats.sent,
			SampleInterval: s.deps.System.Interval(),
			Display:        s.display,
			Scheduler:      s.sched.GetMetrics(),
			DroppedEvents:  s.router.DropCounts(),
		}
		reply(nil)
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// Connect connects to port on user request. Automatic retries are
// cancelled and the budget reset.
func (s *Supervisor) Connect(ctx context.Context, port string) error {
	return s.request(ctx, func(reply func(error)) {
		s.device.manualConnect(port, reply)
	})
}

// Disconnect disconnects on user request and forgets any pending port
func (s *Supervisor) Disconnect(ctx context.Context) error {
	return s.request(ctx, func(reply func(error)) {
		s.device.manualDisconnect(reply)
	})
}

// RestartKeyboard force-restarts the listener on user request
func (s *Supervisor) RestartKeyboard(ctx context.Context) error {
	return s.request(ctx, func(reply func(error)) {
		s.keyboard.manualRestart(reply)
	})
}

// Suspend injects a suspend transition. It returns once the link that was
// connected at that moment has been closed.
func (s *Supervisor) Suspend(ctx context.Context) error {
	return s.request(ctx, func(reply func(error)) {
		s.handlePower(power.Suspending, func() { reply(nil) })
	})
}

// Resume injects a resume transition
func (s *Supervisor) Resume(ctx context.Context) error {
	return s.request(ctx, func(reply func(error)) {
		s.handlePower(power.Resumed, func() { reply(nil) })
	})
}

// ApplyDisplaySettings stores settings and forwards them to the device if
// it is connected.
func (s *Supervisor) ApplyDisplaySettings(ctx context.Context, settings config.DisplaySettings) error {
	if settings.Brightness < 0 || settings.Brightness > 100 {
		return fmt.Errorf("%w: brightness must be within [0,100], got %d", faults.ErrInvalidArgument, settings.Brightness)
	}
	return s.request(ctx, func(reply func(error)) {
		s.display = settings
		connected := s.deps.Serial.Status().IsConnected
		s.async(config.CommandTimeout, func(context.Context) error {
			if err := s.deps.Store.SaveDisplaySettings(settings); err != nil {
				return fmt.Errorf("failed to save display settings: %w", err)
			}
			if connected {
				return s.deps.Serial.SendDisplaySettings(settings)
			}
			return nil
		}, reply)
	})
}

// SetSampleInterval changes the host sampling interval
func (s *Supervisor) SetSampleInterval(ctx context.Context, interval time.Duration) error {
	if err := config.ValidateSampleInterval(interval); err != nil {
		return err
	}
	return s.request(ctx, func(reply func(error)) {
		reply(s.deps.System.UpdateInterval(interval))
	})
}

// ResetTypingSession ends the current typing session and folds it into the
// stored lifetime totals.
func (s *Supervisor) ResetTypingSession(ctx context.Context) error {
	return s.request(ctx, func(reply func(error)) {
		finished := s.deps.Keyboard.ResetSession()
		if finished.TotalKeystrokes == 0 {
			reply(nil)
			return
		}
		s.async(0, func(context.Context) error {
			return s.deps.Store.AddTypingTotals(uint64(finished.TotalKeystrokes), finished.WPM)
		}, reply)
	})
}

// Ports lists the available serial ports
func (s *Supervisor) Ports(ctx context.Context) ([]serial.PortInfo, error) {
	var ports []serial.PortInfo
	err := s.request(ctx, func(reply func(error)) {
		s.async(config.CommandTimeout, func(context.Context) error {
			p, err := s.deps.Serial.Ports()
			ports = p
			return err
		}, reply)
	})
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// ApplyConfig applies the live-tunable parts of a reloaded configuration.
// Display settings are only pushed when the file's display section changed,
// so settings applied through the API survive unrelated reloads.
func (s *Supervisor) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := s.SetSampleInterval(ctx, cfg.Cadence.SystemSample); err != nil {
		return err
	}
	var changed bool
	if err := s.request(ctx, func(reply func(error)) {
		changed = s.configDisplay != cfg.Display
		s.configDisplay = cfg.Display
		reply(nil)
	}); err != nil {
		return err
	}
	if changed {
		return s.ApplyDisplaySettings(ctx, cfg.Display)
	}
	return nil
}
