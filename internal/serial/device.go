// Package serial talks to the display device over a USB serial link.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/faults"
	"statdeck/internal/keyboard"
	"statdeck/internal/sysmon"
)

var (
	// ErrPortNotFound means the port is not (yet) enumerated
	ErrPortNotFound = fmt.Errorf("%w: port not found", faults.ErrTransientIO)
	// ErrPortBusy means another process holds the port
	ErrPortBusy = fmt.Errorf("%w: port busy", faults.ErrTransientIO)
	// ErrNotConnected is returned by sends while no port is open
	ErrNotConnected = errors.New("device not connected")
)

// ConnectionStatus is a snapshot of the link state
type ConnectionStatus struct {
	IsConnected bool   `json:"is_connected"`
	Port        string `json:"port,omitempty"`
	// LastSent is when a frame was last written on this link
	LastSent *time.Time `json:"last_sent,omitempty"`
}

// ConnectSettings configure the serial line
type ConnectSettings struct {
	BaudRate int
}

// Opener opens a serial port
type Opener func(name string, mode *goserial.Mode) (io.ReadWriteCloser, error)

func openPort(name string, mode *goserial.Mode) (io.ReadWriteCloser, error) {
	p, err := goserial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Handlers receive device notifications from the read goroutine
type Handlers struct {
	OnData func(port, line string)
	// OnLost reports a link that ended without Disconnect
	OnLost func(port string, err error)
}

// Device owns at most one open serial port
type Device struct {
	open         Opener
	enumerate    Enumerator
	handlers     Handlers
	writeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	conn    *link
	writeMu sync.Mutex
}

type link struct {
	port     io.ReadWriteCloser
	name     string
	readDone chan struct{}
	closing  bool
	// lastSent is guarded by Device.mu
	lastSent time.Time
}

// Option configures a Device
type Option func(*Device)

// WithOpener replaces the port opener (used by tests)
func WithOpener(o Opener) Option {
	return func(d *Device) { d.open = o }
}

// WithEnumerator replaces the port enumerator (used by tests)
func WithEnumerator(e Enumerator) Option {
	return func(d *Device) { d.enumerate = e }
}

// NewDevice creates a disconnected device
func NewDevice(handlers Handlers, logger *zap.Logger, opts ...Option) *Device {
	if handlers.OnData == nil {
		handlers.OnData = func(string, string) {}
	}
	if handlers.OnLost == nil {
		handlers.OnLost = func(string, error) {}
	}
	d := &Device{
		open:         openPort,
		enumerate:    enumerator.GetDetailedPortsList,
		handlers:     handlers,
		writeTimeout: config.SerialWriteTimeout,
		logger:       logger.Named("serial"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ports lists the available serial ports
func (d *Device) Ports() ([]PortInfo, error) {
	return listPorts(d.enumerate)
}

// Connect opens port. Any open port is closed first. If ctx ends before
// the open completes, Connect returns and the late port is closed.
func (d *Device) Connect(ctx context.Context, port string, settings ConnectSettings) error {
	if port == "" {
		return fmt.Errorf("%w: empty port name", ErrPortNotFound)
	}
	if err := d.Disconnect(); err != nil {
		d.logger.Warn("Failed to close previous port", zap.Error(err))
	}

	mode := &goserial.Mode{
		BaudRate: settings.BaudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}

	type result struct {
		port io.ReadWriteCloser
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		p, err := d.open(port, mode)
		resCh <- result{p, err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go func() {
			if late := <-resCh; late.err == nil {
				late.port.Close()
			}
		}()
		return fmt.Errorf("%w: open %s: %v", faults.ErrTransientIO, port, ctx.Err())
	}
	if res.err != nil {
		return classifyOpenError(port, res.err)
	}

	l := &link{port: res.port, name: port, readDone: make(chan struct{})}
	d.mu.Lock()
	d.conn = l
	d.mu.Unlock()

	go d.readLoop(l)

	d.logger.Info("Device connected",
		zap.String("port", port),
		zap.Int("baud_rate", settings.BaudRate))
	return nil
}

func classifyOpenError(port string, err error) error {
	var portErr *goserial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case goserial.PortNotFound:
			return fmt.Errorf("open %s: %w", port, ErrPortNotFound)
		case goserial.PortBusy:
			return fmt.Errorf("open %s: %w", port, ErrPortBusy)
		}
	}
	return fmt.Errorf("%w: open %s: %v", faults.ErrTransientIO, port, err)
}

func (d *Device) readLoop(l *link) {
	defer close(l.readDone)

	scanner := bufio.NewScanner(l.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			d.handlers.OnData(l.name, line)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	d.mu.Lock()
	closing := l.closing
	if d.conn == l {
		d.conn = nil
	}
	d.mu.Unlock()

	if closing {
		return
	}

	l.port.Close()
	d.logger.Warn("Device link lost", zap.String("port", l.name), zap.Error(err))
	d.handlers.OnLost(l.name, err)
}

// Disconnect closes the open port, if any, and waits for the read loop
func (d *Device) Disconnect() error {
	d.mu.Lock()
	l := d.conn
	d.conn = nil
	if l != nil {
		l.closing = true
	}
	d.mu.Unlock()

	if l == nil {
		return nil
	}

	err := l.port.Close()
	<-l.readDone

	d.logger.Info("Device disconnected", zap.String("port", l.name))
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", l.name, err)
	}
	return nil
}

// Status returns the current link state
func (d *Device) Status() ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ConnectionStatus{}
	}
	st := ConnectionStatus{IsConnected: true, Port: d.conn.name}
	if !d.conn.lastSent.IsZero() {
		sent := d.conn.lastSent
		st.LastSent = &sent
	}
	return st
}

// SendCombinedStats writes one stats frame
func (d *Device) SendCombinedStats(sys sysmon.Stats, typing keyboard.TypingStats) error {
	return d.send(newStatsFrame(sys, typing, d.now()))
}

// SendDisplaySettings writes the display settings frame
func (d *Device) SendDisplaySettings(settings config.DisplaySettings) error {
	return d.send(newDisplayFrame(settings))
}

// SendTimeUpdate writes the current wall clock time
func (d *Device) SendTimeUpdate() error {
	return d.send(newTimeFrame(d.now()))
}

func (d *Device) send(frame interface{}) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	d.mu.Lock()
	l := d.conn
	d.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	done := make(chan error, 1)
	go func() {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		_, err := l.port.Write(data)
		if err == nil {
			d.mu.Lock()
			l.lastSent = d.now()
			d.mu.Unlock()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: write %s: %v", faults.ErrTransientIO, l.name, err)
		}
		return nil
	case <-time.After(d.writeTimeout):
		return fmt.Errorf("%w: write %s timed out", faults.ErrTransientIO, l.name)
	}
}
