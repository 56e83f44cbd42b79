package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"statdeck/internal/backoff"
	"statdeck/internal/events"
	"statdeck/internal/serial"
)

// DeviceState is the reconnect state of the display link
type DeviceState int

const (
	// DeviceIdle means disconnected with nothing to reconnect to
	DeviceIdle DeviceState = iota
	// DeviceAwaitingResume means a port is remembered for after resume
	DeviceAwaitingResume
	// DeviceRetrying means reconnect attempts are being scheduled
	DeviceRetrying
	// DeviceConnected means the link is up
	DeviceConnected
)

func (d DeviceState) String() string {
	switch d {
	case DeviceIdle:
		return "idle"
	case DeviceAwaitingResume:
		return "awaiting-resume"
	case DeviceRetrying:
		return "retrying"
	case DeviceConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DeviceStatus is the device half of Status
type DeviceStatus struct {
	State       string                  `json:"state"`
	Connection  serial.ConnectionStatus `json:"connection"`
	PendingPort string                  `json:"pending_port,omitempty"`
	Retry       backoff.Snapshot        `json:"retry"`
	LastError   string                  `json:"last_error,omitempty"`
}

// deviceSupervisor drives reconnection of the serial device. All methods
// run on the event loop.
type deviceSupervisor struct {
	s      *Supervisor
	retry  *backoff.RetryState
	logger *zap.Logger

	state       DeviceState
	pendingPort string
	lastErr     error

	// generation invalidates attempts started before a suspend or a
	// manual action
	generation uint64
	inFlight   bool
	// queued runs once the in-flight operation finishes
	queued []func()
	// attemptQueued is set when a timer fired while an attempt was in flight
	attemptQueued bool
}

func newDeviceSupervisor(s *Supervisor, retry *backoff.RetryState) *deviceSupervisor {
	return &deviceSupervisor{
		s:      s,
		retry:  retry,
		logger: s.logger.Named("device"),
	}
}

func (d *deviceSupervisor) setState(state DeviceState) {
	if d.state == state {
		return
	}
	d.logger.Info("Device state changed",
		zap.Stringer("from", d.state),
		zap.Stringer("to", state),
		zap.String("pending_port", d.pendingPort))
	d.state = state
}

func (d *deviceSupervisor) emitConnection(connected bool, port, reason string) {
	d.s.emit(events.ConnectionChange, events.ConnectionChangeData{
		IsConnected: connected,
		Port:        port,
		State:       d.state.String(),
		Reason:      reason,
	})
}

func (d *deviceSupervisor) status() DeviceStatus {
	st := DeviceStatus{
		State:       d.state.String(),
		Connection:  d.s.deps.Serial.Status(),
		PendingPort: d.pendingPort,
		Retry:       d.retry.Snapshot(),
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	return st
}

// whenIdle runs f now, or after the in-flight device operation finishes
func (d *deviceSupervisor) whenIdle(f func()) {
	if d.inFlight {
		d.queued = append(d.queued, f)
		return
	}
	f()
}

// runQueued starts work that waited for the previous operation. Completion
// handlers clear inFlight first and defer this.
func (d *deviceSupervisor) runQueued() {
	if d.inFlight {
		return
	}
	if d.attemptQueued {
		d.attemptQueued = false
		d.attempt(d.generation)
	}
	for len(d.queued) > 0 && !d.inFlight {
		next := d.queued[0]
		d.queued = d.queued[1:]
		next()
	}
}

// autoConnect reconnects to a port remembered from a previous run
func (d *deviceSupervisor) autoConnect(port string) {
	d.logger.Info("Auto-connecting to remembered port", zap.String("port", port))
	d.pendingPort = port
	d.setState(DeviceRetrying)
	d.scheduleAttempt()
}

// onSuspend closes the link and remembers its port. settled runs once that
// disconnect has finished, or right away when nothing was connected.
func (d *deviceSupervisor) onSuspend(settled func()) {
	d.generation++
	d.s.sched.Cancel(d.retry)
	d.attemptQueued = false

	status := d.s.deps.Serial.Status()
	if status.IsConnected {
		d.pendingPort = status.Port
		d.setState(DeviceAwaitingResume)
		d.disconnect("suspend", settled)
		return
	}
	if d.pendingPort != "" {
		d.setState(DeviceAwaitingResume)
	}
	settled()
}

func (d *deviceSupervisor) onResume() {
	if d.pendingPort == "" {
		return
	}
	d.setState(DeviceRetrying)
	d.scheduleAttempt()
}

// onLost handles a link that ended without Disconnect
func (d *deviceSupervisor) onLost(port string, err error) {
	if d.s.closing {
		return
	}
	d.lastErr = err
	d.pendingPort = port
	if d.s.power.IsSuspended() {
		d.setState(DeviceAwaitingResume)
	} else {
		d.setState(DeviceRetrying)
	}
	d.emitConnection(false, port, "lost")

	if d.state == DeviceRetrying && !d.retry.Pending() {
		d.scheduleAttempt()
	}
}

func (d *deviceSupervisor) scheduleAttempt() {
	if d.s.closing || d.s.power.IsSuspended() {
		return
	}
	generation := d.generation
	if _, ok := d.s.sched.Schedule(d.retry, func() { d.attempt(generation) }); !ok {
		d.exhausted()
	}
}

func (d *deviceSupervisor) exhausted() {
	port := d.pendingPort
	d.logger.Warn("Device reconnect attempts exhausted, giving up until reconnected manually",
		zap.String("port", port),
		zap.Int("attempts", d.retry.Attempts()),
		zap.NamedError("last_error", d.lastErr))
	d.pendingPort = ""
	d.setState(DeviceIdle)
	d.s.emit(events.RecoveryExhausted, events.RecoveryExhaustedData{
		Subsystem: "device",
		Attempts:  d.retry.Attempts(),
		Target:    port,
	})
}

// attempt is one reconnect attempt fired by the backoff timer
func (d *deviceSupervisor) attempt(generation uint64) {
	if generation != d.generation || d.s.closing || d.s.power.IsSuspended() || d.pendingPort == "" {
		return
	}
	if d.inFlight {
		d.attemptQueued = true
		return
	}

	port := d.pendingPort
	d.inFlight = true
	d.logger.Debug("Reconnect attempt",
		zap.String("port", port),
		zap.Int("attempt", d.retry.Attempts()),
		zap.Int("limit", d.retry.Limit()))

	dev := d.s.deps.Serial
	settings := serial.ConnectSettings{BaudRate: d.s.cfg.Serial.BaudRate}
	d.s.async(d.s.cfg.Recovery.AttemptTimeout, func(ctx context.Context) error {
		ports, err := dev.Ports()
		if err != nil {
			return err
		}
		if !serial.HasPort(ports, port) {
			return fmt.Errorf("%s: %w", port, serial.ErrPortNotFound)
		}
		return dev.Connect(ctx, port, settings)
	}, func(err error) {
		d.attemptDone(generation, port, err)
	})
}

func (d *deviceSupervisor) attemptDone(generation uint64, port string, err error) {
	d.inFlight = false
	defer d.runQueued()

	if generation != d.generation {
		if err != nil {
			return
		}
		if d.s.power.IsSuspended() || d.s.closing {
			// Connected after the system went to sleep: drop the link and
			// keep the port for the next resume
			d.logger.Info("Dropping connection made across a suspend", zap.String("port", port))
			d.disconnect("stale", nil)
			return
		}
		if d.pendingPort == port {
			d.connected(port)
		} else {
			d.disconnect("stale", nil)
		}
		return
	}

	if err != nil {
		d.lastErr = err
		d.logger.Debug("Reconnect attempt failed",
			zap.String("port", port),
			zap.Int("attempt", d.retry.Attempts()),
			zap.Error(err))
		d.scheduleAttempt()
		return
	}

	d.connected(port)
}

func (d *deviceSupervisor) connected(port string) {
	d.s.sched.Reset(d.retry)
	d.attemptQueued = false
	d.pendingPort = ""
	d.lastErr = nil
	d.setState(DeviceConnected)
	d.emitConnection(true, port, "")

	dev := d.s.deps.Serial
	store := d.s.deps.Store
	display := d.s.display
	logger := d.logger
	d.s.async(d.s.cfg.Recovery.AttemptTimeout, func(context.Context) error {
		if err := dev.SendDisplaySettings(display); err != nil {
			logger.Warn("Failed to send display settings", zap.Error(err))
		}
		if err := dev.SendTimeUpdate(); err != nil {
			logger.Warn("Failed to send time update", zap.Error(err))
		}
		if err := store.SaveLastPort(port); err != nil {
			logger.Warn("Failed to persist last port", zap.Error(err))
		}
		return nil
	}, nil)
}

// disconnect closes the link off the loop. The pending port is untouched.
func (d *deviceSupervisor) disconnect(reason string, done func()) {
	port := d.s.deps.Serial.Status().Port
	dev := d.s.deps.Serial
	d.inFlight = true
	d.s.async(0, func(context.Context) error {
		return dev.Disconnect()
	}, func(err error) {
		d.inFlight = false
		defer d.runQueued()
		if err != nil {
			d.logger.Warn("Disconnect failed", zap.String("reason", reason), zap.Error(err))
		}
		d.emitConnection(false, port, reason)
		if done != nil {
			done()
		}
	})
}

func (d *deviceSupervisor) manualConnect(port string, reply func(error)) {
	d.whenIdle(func() {
		d.generation++
		d.s.sched.Reset(d.retry)
		d.attemptQueued = false
		d.pendingPort = ""
		generation := d.generation

		dev := d.s.deps.Serial
		settings := serial.ConnectSettings{BaudRate: d.s.cfg.Serial.BaudRate}
		d.inFlight = true
		d.s.async(d.s.cfg.Recovery.AttemptTimeout, func(ctx context.Context) error {
			return dev.Connect(ctx, port, settings)
		}, func(err error) {
			d.inFlight = false
			defer d.runQueued()
			if err != nil {
				d.lastErr = err
				d.setState(DeviceIdle)
				d.logger.Warn("Manual connect failed", zap.String("port", port), zap.Error(err))
				reply(fmt.Errorf("connect %s: %w", port, err))
				return
			}
			if generation != d.generation && d.s.power.IsSuspended() {
				d.pendingPort = port
				d.setState(DeviceAwaitingResume)
				d.disconnect("stale", nil)
				reply(nil)
				return
			}
			d.connected(port)
			reply(nil)
		})
	})
}

func (d *deviceSupervisor) manualDisconnect(reply func(error)) {
	d.whenIdle(func() {
		d.generation++
		d.s.sched.Reset(d.retry)
		d.attemptQueued = false
		d.pendingPort = ""
		d.setState(DeviceIdle)

		port := d.s.deps.Serial.Status().Port
		dev := d.s.deps.Serial
		d.inFlight = true
		d.s.async(0, func(context.Context) error {
			return dev.Disconnect()
		}, func(err error) {
			d.inFlight = false
			defer d.runQueued()
			d.emitConnection(false, port, "manual")
			reply(err)
		})
	})
}
