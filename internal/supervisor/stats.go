package supervisor

import (
	"context"

	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/events"
	"statdeck/internal/keyboard"
	"statdeck/internal/sysmon"
)

// multiplexer keeps the latest system and typing figures and sends them to
// the device as one payload per stats tick. Loop-owned.
type multiplexer struct {
	s      *Supervisor
	logger *zap.Logger

	sys    sysmon.Stats
	typing keyboard.TypingStats
	sent   uint64
	// sending is set while a send is in flight; ticks in between are skipped
	sending bool
}

func newMultiplexer(s *Supervisor) *multiplexer {
	return &multiplexer{
		s:      s,
		logger: s.logger.Named("stats"),
	}
}

func (m *multiplexer) updateSystem(stats sysmon.Stats) {
	m.sys = stats
	m.s.emit(events.SystemStats, stats)
}

func (m *multiplexer) updateTyping(stats keyboard.TypingStats) {
	m.typing = stats
	m.s.emit(events.TypingStats, stats)
}

func (m *multiplexer) canSend() bool {
	if m.s.closing || m.s.power.IsSuspended() {
		return false
	}
	return m.s.deps.Serial.Status().IsConnected
}

// tick sends the freshest pair of figures
func (m *multiplexer) tick() {
	if m.sending || !m.canSend() {
		return
	}
	m.sending = true
	m.sent++

	sys, typing := m.sys, m.typing
	dev := m.s.deps.Serial
	m.s.async(config.SerialWriteTimeout, func(context.Context) error {
		return dev.SendCombinedStats(sys, typing)
	}, func(err error) {
		m.sending = false
		if err != nil {
			m.logger.Debug("Failed to send stats", zap.Error(err))
		}
	})
}

func (m *multiplexer) timeTick() {
	if !m.canSend() {
		return
	}
	dev := m.s.deps.Serial
	m.s.async(config.SerialWriteTimeout, func(context.Context) error {
		return dev.SendTimeUpdate()
	}, func(err error) {
		if err != nil {
			m.logger.Debug("Failed to send time update", zap.Error(err))
		}
	})
}
