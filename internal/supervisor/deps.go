package supervisor

import (
	"context"
	"time"

	"statdeck/internal/config"
	"statdeck/internal/keyboard"
	"statdeck/internal/serial"
	"statdeck/internal/sysmon"
)

// SerialDevice is the device link collaborator
type SerialDevice interface {
	Ports() ([]serial.PortInfo, error)
	Connect(ctx context.Context, port string, settings serial.ConnectSettings) error
	Disconnect() error
	Status() serial.ConnectionStatus
	SendCombinedStats(sys sysmon.Stats, typing keyboard.TypingStats) error
	SendDisplaySettings(settings config.DisplaySettings) error
	SendTimeUpdate() error
}

// KeyboardMonitor is the global keyboard listener collaborator
type KeyboardMonitor interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring() error
	Run(ctx context.Context)
	ListenerAlive() bool
	FallbackMode() bool
	FallbackReason() string
	CurrentSession() keyboard.Session
	CurrentStats() keyboard.TypingStats
	ResetSession() keyboard.Session
}

// SystemMonitor is the host stats collaborator
type SystemMonitor interface {
	StartMonitoring(interval time.Duration) error
	StopMonitoring()
	CurrentStats() sysmon.Stats
	UpdateInterval(interval time.Duration) error
	Interval() time.Duration
}

// Store persists what must survive a restart of the process
type Store interface {
	SaveLastPort(port string) error
	LastPort() (string, error)
	SaveDisplaySettings(settings config.DisplaySettings) error
	DisplaySettings() (config.DisplaySettings, bool, error)
	AddTypingTotals(keystrokes uint64, wpm float64) error
}

// Deps are the collaborators handed to Init
type Deps struct {
	Serial   SerialDevice
	Keyboard KeyboardMonitor
	System   SystemMonitor
	Store    Store
}

func (d Deps) missing() []string {
	var out []string
	if d.Serial == nil {
		out = append(out, "serial")
	}
	if d.Keyboard == nil {
		out = append(out, "keyboard")
	}
	if d.System == nil {
		out = append(out, "system")
	}
	if d.Store == nil {
		out = append(out, "store")
	}
	return out
}
