package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/events"
	"statdeck/internal/faults"
	"statdeck/internal/keyboard"
	"statdeck/internal/serial"
	"statdeck/internal/sysmon"
)

type statsPair struct {
	sys    sysmon.Stats
	typing keyboard.TypingStats
}

type fakeSerial struct {
	mu          sync.Mutex
	handlers    serial.Handlers
	ports       map[string]bool
	connected   string
	connectErr  error
	gate        chan struct{}
	portsCalls  int
	connects    int
	disconnects int
	sent        []statsPair
	display     []config.DisplaySettings
	timeUpdates int
}

func newFakeSerial(ports ...string) *fakeSerial {
	f := &fakeSerial{ports: make(map[string]bool)}
	for _, p := range ports {
		f.ports[p] = true
	}
	return f
}

func (f *fakeSerial) Ports() ([]serial.PortInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portsCalls++
	var out []serial.PortInfo
	for p := range f.ports {
		out = append(out, serial.PortInfo{Path: p, IsUSB: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeSerial) Connect(ctx context.Context, port string, _ serial.ConnectSettings) error {
	f.mu.Lock()
	f.connects++
	gate, err := f.gate, f.connectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ports[port] {
		return fmt.Errorf("open %s: %w", port, serial.ErrPortNotFound)
	}
	f.connected = port
	return nil
}

func (f *fakeSerial) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected != "" {
		f.disconnects++
	}
	f.connected = ""
	return nil
}

func (f *fakeSerial) Status() serial.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return serial.ConnectionStatus{IsConnected: f.connected != "", Port: f.connected}
}

func (f *fakeSerial) SendCombinedStats(sys sysmon.Stats, typing keyboard.TypingStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == "" {
		return serial.ErrNotConnected
	}
	f.sent = append(f.sent, statsPair{sys, typing})
	return nil
}

func (f *fakeSerial) SendDisplaySettings(settings config.DisplaySettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.display = append(f.display, settings)
	return nil
}

func (f *fakeSerial) SendTimeUpdate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeUpdates++
	return nil
}

func (f *fakeSerial) addPort(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports[p] = true
}

// drop ends the link the way an unplugged cable does
func (f *fakeSerial) drop() {
	f.mu.Lock()
	port := f.connected
	f.connected = ""
	f.mu.Unlock()
	f.handlers.OnLost(port, io.EOF)
}

func (f *fakeSerial) sentStats() []statsPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statsPair(nil), f.sent...)
}

func (f *fakeSerial) counts() (ports, connects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.portsCalls, f.connects
}

func (f *fakeSerial) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeSerial) lastDisplay() (config.DisplaySettings, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.display) == 0 {
		return config.DisplaySettings{}, false
	}
	return f.display[len(f.display)-1], true
}

type fakeKeyboard struct {
	mu        sync.Mutex
	handlers  keyboard.Handlers
	session   *keyboard.Session
	alive     bool
	fallback  bool
	reason    string
	startErrs []error
	// gate holds successful starts until it is closed
	gate   chan struct{}
	starts int
	stops  int
}

func newFakeKeyboard() *fakeKeyboard {
	return &fakeKeyboard{session: keyboard.NewSession()}
}

func (k *fakeKeyboard) StartMonitoring(ctx context.Context) error {
	k.mu.Lock()
	k.starts++
	var err error
	if len(k.startErrs) > 0 {
		err, k.startErrs = k.startErrs[0], k.startErrs[1:]
	}
	if err != nil {
		denied := errors.Is(err, faults.ErrPermission)
		if denied {
			k.fallback = true
			k.reason = "input devices not readable"
		}
		k.mu.Unlock()
		if denied {
			k.handlers.OnFallback("input devices not readable")
		}
		return err
	}
	gate := k.gate
	k.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// same carry-over as keyboard.Monitor
	k.mu.Lock()
	next := keyboard.NewSession()
	next.Restore(k.session.Snapshot())
	k.session = next
	k.alive = true
	k.fallback = false
	k.reason = ""
	k.mu.Unlock()
	return nil
}

func (k *fakeKeyboard) StopMonitoring() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stops++
	k.alive = false
	return nil
}

func (k *fakeKeyboard) Run(ctx context.Context) {
	<-ctx.Done()
}

func (k *fakeKeyboard) ListenerAlive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive
}

func (k *fakeKeyboard) FallbackMode() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.fallback
}

func (k *fakeKeyboard) FallbackReason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

func (k *fakeKeyboard) CurrentSession() keyboard.Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return *k.session
}

func (k *fakeKeyboard) CurrentStats() keyboard.TypingStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session.Stats()
}

func (k *fakeKeyboard) ResetSession() keyboard.Session {
	k.mu.Lock()
	finished := *k.session
	k.session = keyboard.NewSession()
	k.mu.Unlock()
	return finished
}

func (k *fakeKeyboard) record(n int) {
	k.mu.Lock()
	k.session.Record(time.Now(), n)
	stats := k.session.Stats()
	k.mu.Unlock()
	k.handlers.OnStats(stats)
}

func (k *fakeKeyboard) crash() {
	k.mu.Lock()
	k.alive = false
	k.mu.Unlock()
	k.handlers.OnExit(errors.New("signal: killed"))
}

func (k *fakeKeyboard) startCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.starts
}

// hold blocks successful starts until release is called
func (k *fakeKeyboard) hold() (release func()) {
	gate := make(chan struct{})
	k.mu.Lock()
	k.gate = gate
	k.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			k.gate = nil
			k.mu.Unlock()
			close(gate)
		})
	}
}

func (k *fakeKeyboard) stopCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stops
}

func (k *fakeKeyboard) failStarts(errs ...error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.startErrs = append(k.startErrs, errs...)
}

type fakeSystem struct {
	mu       sync.Mutex
	interval time.Duration
	running  bool
	current  sysmon.Stats
}

func (s *fakeSystem) StartMonitoring(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.running = true
	return nil
}

func (s *fakeSystem) StopMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *fakeSystem) CurrentStats() sysmon.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSystem) UpdateInterval(interval time.Duration) error {
	if err := config.ValidateSampleInterval(interval); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	return nil
}

func (s *fakeSystem) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

type fakeStore struct {
	mu         sync.Mutex
	lastPort   string
	display    *config.DisplaySettings
	keystrokes uint64
}

func (s *fakeStore) SaveLastPort(port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPort = port
	return nil
}

func (s *fakeStore) LastPort() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPort, nil
}

func (s *fakeStore) SaveDisplaySettings(settings config.DisplaySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.display = &settings
	return nil
}

func (s *fakeStore) DisplaySettings() (config.DisplaySettings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display == nil {
		return config.DisplaySettings{}, false, nil
	}
	return *s.display, true, nil
}

func (s *fakeStore) AddTypingTotals(keystrokes uint64, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keystrokes += keystrokes
	return nil
}

func (s *fakeStore) saved() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPort, s.keystrokes
}

// harness wires a supervisor to fakes. Fakes may be prepared before init.
type harness struct {
	s      *Supervisor
	serial *fakeSerial
	kb     *fakeKeyboard
	sys    *fakeSystem
	store  *fakeStore
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Serial.AutoConnect = false
	cfg.Recovery.Device = config.RetryPolicy{
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		Limit:     10,
	}
	cfg.Recovery.Keyboard = config.RetryPolicy{
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		Limit:     5,
	}
	cfg.Recovery.AttemptTimeout = time.Second
	// ticks are driven by hand
	cfg.Cadence.Stats = time.Hour
	cfg.Cadence.TimeUpdate = time.Hour
	return cfg
}

func newHarness(cfg *config.Config, ports ...string) *harness {
	s := New(cfg, zap.NewNop())
	h := &harness{
		s:      s,
		serial: newFakeSerial(ports...),
		kb:     newFakeKeyboard(),
		sys:    &fakeSystem{},
		store:  &fakeStore{},
	}
	h.serial.handlers = s.SerialHandlers()
	h.kb.handlers = s.KeyboardHandlers()
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Init(context.Background(), Deps{
		Serial:   h.serial,
		Keyboard: h.kb,
		System:   h.sys,
		Store:    h.store,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Shutdown(ctx)
	})
	// the initial listener start is asynchronous
	require.Eventually(t, func() bool { return h.kb.startCount() >= 1 }, time.Second, time.Millisecond)
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	return st
}

// connect connects to port and waits for the post-connect sends
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Connect(context.Background(), port))
	require.Eventually(t, func() bool {
		saved, _ := h.store.saved()
		return saved == port
	}, time.Second, time.Millisecond)
}

// waitStatsIdle waits until no stats send is in flight
func (h *harness) waitStatsIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		var idle bool
		h.onLoop(t, func() { idle = !h.s.stats.sending })
		return idle
	}, time.Second, time.Millisecond)
}

// onLoop runs f on the event loop and waits for it
func (h *harness) onLoop(t *testing.T, f func()) {
	t.Helper()
	require.NoError(t, h.s.request(context.Background(), func(reply func(error)) {
		f()
		reply(nil)
	}))
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}
