package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans sync-engine events out to in-process listeners: websocket
// feeds, the monitor loop, and tests. Publish never blocks; a listener
// that falls behind loses events, and the loss is visible on its
// subscription's Dropped counter.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event]map[*Subscription]struct{}
}

// Subscription is one listener's view of a topic. Receive from C and
// Close when done; C is closed on Close.
type Subscription struct {
	C chan any

	event   Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many events were discarded because the
// subscription buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.event], s)
		close(s.C)
		s.bus.mu.Unlock()
	})
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[*Subscription]struct{})}
}

// Subscribe attaches a listener for one event with the given buffer.
func (b *Bus) Subscribe(e Event, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{C: make(chan any, buffer), event: e, bus: b}
	b.mu.Lock()
	if b.subs[e] == nil {
		b.subs[e] = make(map[*Subscription]struct{})
	}
	b.subs[e][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the payload to every live subscription of the event,
// skipping any whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[e] {
		select {
		case sub.C <- payload:
		default:
			sub.dropped.Add(1)
		}
	}
}
