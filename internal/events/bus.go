package events

import (
	"sync"
	"sync/atomic"
	"time"

	"statdeck/internal/config"
)

// Type identifies the kind of lifecycle event
type Type string

const (
	// ConnectionChange is published whenever the device link goes up or down
	ConnectionChange Type = "connection-change"
	// SystemStats carries a fresh host CPU/memory sample
	SystemStats Type = "system-stats"
	// TypingStats carries the latest typing session figures
	TypingStats Type = "typing-stats"
	// KeyboardFallback is published when the native listener became unusable
	KeyboardFallback Type = "keyboard-fallback"
	// KeyboardRestarted is published after a supervised listener restart
	KeyboardRestarted Type = "keyboard-restarted"
	// SerialData carries one line received from the device
	SerialData Type = "serial-data"
	// PowerChange is published on suspend and resume
	PowerChange Type = "power-change"
	// RecoveryExhausted is published when a subsystem used its retry budget
	RecoveryExhausted Type = "recovery-exhausted"
)

// AllTypes lists every event type in publication order of importance
var AllTypes = []Type{
	ConnectionChange,
	SystemStats,
	TypingStats,
	KeyboardFallback,
	KeyboardRestarted,
	SerialData,
	PowerChange,
	RecoveryExhausted,
}

// Event represents a single event in the system
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ConnectionChangeData describes a device link change
type ConnectionChangeData struct {
	IsConnected bool   `json:"is_connected"`
	Port        string `json:"port,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
}

// KeyboardFallbackData explains why fallback mode was entered
type KeyboardFallbackData struct {
	Reason string `json:"reason"`
}

// KeyboardRestartedData describes a completed listener restart
type KeyboardRestartedData struct {
	Forced          bool `json:"forced"`
	Fallback        bool `json:"fallback"`
	TotalKeystrokes int  `json:"total_keystrokes"`
}

// SerialDataData is one line received from the device
type SerialDataData struct {
	Port string `json:"port"`
	Line string `json:"line"`
}

// PowerChangeData is a suspend or resume notification
type PowerChangeData struct {
	Transition string `json:"transition"`
}

// RecoveryExhaustedData reports a subsystem that stopped retrying
type RecoveryExhaustedData struct {
	Subsystem string `json:"subsystem"`
	Attempts  int    `json:"attempts"`
	Target    string `json:"target,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	// all receives every event type, including ones nobody subscribed to yet
	all     []chan Event
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan Event),
	}
}

func closedChannel() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Subscribe subscribes to a specific event type and returns a channel for receiving events
// The channel is buffered to prevent blocking publishers
func (b *Bus) Subscribe(eventType Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return closedChannel()
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to all event types
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return closedChannel()
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.all = append(b.all, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if idx := indexOf(b.all, ch); idx >= 0 {
		close(b.all[idx])
		b.all = removeAt(b.all, idx)
		return
	}

	for eventType, subs := range b.subscribers {
		idx := indexOf(subs, ch)
		if idx < 0 {
			continue
		}
		close(subs[idx])
		subs = removeAt(subs, idx)
		if len(subs) == 0 {
			delete(b.subscribers, eventType)
		} else {
			b.subscribers[eventType] = subs
		}
		return
	}
}

func indexOf(subs []chan Event, ch <-chan Event) int {
	for i, sub := range subs {
		if (<-chan Event)(sub) == ch {
			return i
		}
	}
	return -1
}

// removeAt removes without preserving order
func removeAt(subs []chan Event, i int) []chan Event {
	subs[i] = subs[len(subs)-1]
	return subs[:len(subs)-1]
}

// Publish publishes an event to all subscribers of that event type
// This method is non-blocking - if a subscriber's channel is full, the event is dropped
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		b.offer(ch, event)
	}
	for _, ch := range b.all {
		b.offer(ch, event)
	}
}

func (b *Bus) offer(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were dropped on full buffers
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
	b.subscribers = make(map[Type][]chan Event)
	b.all = nil
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// TotalSubscribers returns the total number of subscriptions across all event types
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.all)
	for _, subs := range b.subscribers {
		total += len(subs)
	}
	return total
}
