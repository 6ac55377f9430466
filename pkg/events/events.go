package events

import (
	"sync"
	"time"
)

// EventType classifies a transport lifecycle event.
type EventType string

const (
	StreamConnected    EventType = "stream.connected"
	StreamDisconnected EventType = "stream.disconnected"
	StreamProtocolErr  EventType = "stream.protocol_error"
	StreamReconnecting EventType = "stream.reconnecting"
	ServerStarted      EventType = "server.started"
	ServerStopped      EventType = "server.stopped"
)

// Event is one transport lifecycle occurrence. Stream and Server carry
// the ids used for log correlation; Addr is the peer or bind address the
// event concerns; Err is set for failure events.
type Event struct {
	Type   EventType
	At     time.Time
	Stream string
	Server string
	Addr   string
	Err    error
}

// Bus fans transport events out to subscribers, optionally filtered by
// event type. Publishing never blocks: a subscriber whose channel is full
// misses the event rather than stalling the transport path that emitted
// it.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	types map[EventType]struct{} // nil means all types
	ch    chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in the given event types (all types when
// none is named). The returned cancel func closes the channel and drops
// the subscription.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, 32)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish stamps the event and delivers it to every matching subscriber
// without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, want := sub.types[ev.Type]; !want {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			// Full subscriber misses the event.
		}
	}
}

// SubscriberCount reports how many subscriptions are active.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
