package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewBus(t *testing.T) {
	bus := NewBus()
	if bus == nil {
		t.Fatal("NewBus returned nil")
	}
	if bus.subscribers == nil {
		t.Error("subscribers map not initialized")
	}
	if bus.closed {
		t.Error("new bus should not be closed")
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(ConnectionChange)

	bus.Publish(Event{
		Type: ConnectionChange,
		Data: ConnectionChangeData{IsConnected: true, Port: "/dev/ttyUSB0", State: "connected"},
	})

	select {
	case received := <-ch:
		if received.Type != ConnectionChange {
			t.Errorf("expected type %s, got %s", ConnectionChange, received.Type)
		}
		data, ok := received.Data.(ConnectionChangeData)
		if !ok || data.Port != "/dev/ttyUSB0" {
			t.Errorf("unexpected data %#v", received.Data)
		}
		if received.Timestamp.IsZero() {
			t.Error("timestamp should be set automatically")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	stats := bus.Subscribe(SystemStats)
	bus.Publish(Event{Type: TypingStats})

	select {
	case ev := <-stats:
		t.Fatalf("received unrelated event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscribed before any typed subscriber exists
	all := bus.SubscribeAll()

	for _, typ := range AllTypes {
		bus.Publish(Event{Type: typ})
	}

	for _, want := range AllTypes {
		select {
		case got := <-all:
			if got.Type != want {
				t.Errorf("expected %s, got %s", want, got.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestNonBlockingPublishDrops(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(SerialData)

	done := make(chan bool)
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: SerialData})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked even though it should be non-blocking")
	}

	if got := bus.Dropped(); got != 200-100 {
		t.Errorf("expected 100 dropped deliveries, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(KeyboardFallback)
	all := bus.SubscribeAll()
	if bus.TotalSubscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.TotalSubscribers())
	}

	bus.Unsubscribe(ch)
	bus.Unsubscribe(all)

	if bus.TotalSubscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.TotalSubscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed wildcard channel should be closed")
	}

	// Unknown channels are ignored
	bus.Unsubscribe(make(chan Event))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := bus.Subscribe(TypingStats)
			bus.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: TypingStats})
			}
		}()
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(PowerChange)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus close")
	}

	late := bus.Subscribe(PowerChange)
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}

	// Must not panic
	bus.Publish(Event{Type: PowerChange})
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe(SystemStats)
	bus.Subscribe(SystemStats)
	bus.Subscribe(RecoveryExhausted)

	if got := bus.SubscriberCount(SystemStats); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := bus.SubscriberCount(SerialData); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := bus.TotalSubscribers(); got != 3 {
		t.Errorf("expected 3 total, got %d", got)
	}
}

func TestEventTimestampPreserved(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(PowerChange)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(Event{Type: PowerChange, Timestamp: ts})

	if got := (<-ch).Timestamp; !got.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, got)
	}
}

func BenchmarkPublish(b *testing.B) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe(SystemStats)
	go func() {
		for range ch {
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(Event{Type: SystemStats})
	}
}
