package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink receives routed events. Deliver must not block; it returns false
// when the event could not be taken (buffer full or sink torn down).
type Sink interface {
	Deliver(Event) bool
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event) bool

// Deliver calls f
func (f SinkFunc) Deliver(ev Event) bool { return f(ev) }

// Router forwards every bus event to the attached sinks. Nothing is
// buffered for sinks that are not attached and nothing is replayed when a
// sink attaches later.
type Router struct {
	bus    *Bus
	logger *zap.Logger

	mu     sync.RWMutex
	sinks  map[string]attachment
	nextID uint64
	counts map[Type]*atomic.Int64
}

type attachment struct {
	id   uint64
	sink Sink
}

// NewRouter creates a router fed from bus
func NewRouter(bus *Bus, logger *zap.Logger) *Router {
	counts := make(map[Type]*atomic.Int64, len(AllTypes))
	for _, t := range AllTypes {
		counts[t] = &atomic.Int64{}
	}
	return &Router{
		bus:    bus,
		logger: logger.Named("router"),
		sinks:  make(map[string]attachment),
		counts: counts,
	}
}

// Attach registers a sink under name, replacing any sink with that name.
// The returned function detaches it.
func (r *Router) Attach(name string, sink Sink) (detach func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.sinks[name] = attachment{id: id, sink: sink}
	r.mu.Unlock()

	r.logger.Debug("Sink attached", zap.String("sink", name))

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if a, ok := r.sinks[name]; ok && a.id == id {
			delete(r.sinks, name)
			r.logger.Debug("Sink detached", zap.String("sink", name))
		}
	}
}

// Attached reports how many sinks are attached
func (r *Router) Attached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Run forwards events until ctx is done or the bus closes
func (r *Router) Run(ctx context.Context) {
	ch := r.bus.SubscribeAll()
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.route(ev)
		}
	}
}

func (r *Router) route(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, a := range r.sinks {
		if !a.sink.Deliver(ev) {
			r.countDrop(ev.Type)
			if ev.Type != SystemStats && ev.Type != TypingStats {
				r.logger.Debug("Event dropped by sink",
					zap.String("sink", name),
					zap.String("type", string(ev.Type)))
			}
		}
	}
}

func (r *Router) countDrop(t Type) {
	if c, ok := r.counts[t]; ok {
		c.Add(1)
	}
}

// DropCounts returns dropped deliveries per event type
func (r *Router) DropCounts() map[Type]int64 {
	out := make(map[Type]int64, len(r.counts))
	for t, c := range r.counts {
		if n := c.Load(); n > 0 {
			out[t] = n
		}
	}
	return out
}
