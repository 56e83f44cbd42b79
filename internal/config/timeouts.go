// Package config provides configuration types and loading for statdeck.
// Default durations live here so no component carries magic numbers.
package config

import "time"

// Device reconnection after resume or transient loss
const (
	// ResumeRetryBaseDelay is the delay before the first reconnect attempt
	ResumeRetryBaseDelay = 1000 * time.Millisecond

	// ResumeRetryMaxDelay caps the exponential backoff for reconnects
	ResumeRetryMaxDelay = 30000 * time.Millisecond

	// ResumeRetryLimit is the number of reconnect attempts before giving up
	ResumeRetryLimit = 10
)

// Keyboard listener recovery
const (
	// KeyboardRecoveryBaseDelay is the delay before the first listener restart
	KeyboardRecoveryBaseDelay = 2000 * time.Millisecond

	// KeyboardRecoveryMaxDelay caps the exponential backoff for listener restarts
	KeyboardRecoveryMaxDelay = 60000 * time.Millisecond

	// KeyboardRecoveryLimit is the number of restart attempts before giving up
	KeyboardRecoveryLimit = 5
)

// Outbound cadences
const (
	// StatsCadence is how often the combined stats payload is sent
	StatsCadence = 1000 * time.Millisecond

	// TimeUpdateCadence is how often the device clock is refreshed
	TimeUpdateCadence = 60000 * time.Millisecond

	// SystemSampleInterval is how often CPU and memory are sampled
	SystemSampleInterval = 2000 * time.Millisecond

	// MinSampleInterval and MaxSampleInterval bound UpdateInterval
	MinSampleInterval = 100 * time.Millisecond
	MaxSampleInterval = 10000 * time.Millisecond
)

// Attempt & I/O Timeouts
const (
	// AttemptTimeout bounds a single connect or listener restart attempt.
	// Without it a hung collaborator call would stall its subsystem forever.
	AttemptTimeout = 10 * time.Second

	// SerialWriteTimeout bounds a single frame write to the device
	SerialWriteTimeout = 2 * time.Second

	// SuspendSettleTimeout bounds how long the sleep inhibitor is held while
	// the device link closes. logind's default InhibitDelayMaxSec is 5s.
	SuspendSettleTimeout = 4 * time.Second

	// ListenerStopTimeout is how long the listener helper gets to exit
	// after its stdin is closed before it is killed
	ListenerStopTimeout = 2 * time.Second

	// TypingIdleTimeout marks a typing session inactive after no keystrokes
	TypingIdleTimeout = 5 * time.Second

	// TypingIdleTick is how often the idle state of the session is re-evaluated
	TypingIdleTick = 1 * time.Second
)

// Shutdown & Cleanup Timeouts
const (
	// ShutdownTimeout is the maximum time for the whole shutdown sequence
	ShutdownTimeout = 10 * time.Second

	// ShutdownHandlerTimeout is the default per-handler budget
	ShutdownHandlerTimeout = 3 * time.Second

	// CommandTimeout bounds how long a control API call waits for the loop
	CommandTimeout = 15 * time.Second
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500

	// LoopQueueSize is the task queue depth of the supervisor event loop
	LoopQueueSize = 256
)
