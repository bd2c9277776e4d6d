// Package bus provides the in-process realtime fan-out: named channels,
// per-channel ring buffers for late joiners, and non-blocking delivery
// to subscribers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Event is one broadcast record on the realtime bus.
type Event struct {
	Channel   string      `json:"channel"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// EventHandler receives delivered events. It must not block; delivery
// runs on a per-subscriber goroutine and a backed-up subscriber is
// dropped from the bus.
type EventHandler func(Event)

// Publisher abstracts broadcast + subscription for components that
// only need to emit events.
type Publisher interface {
	Broadcast(channel, kind string, payload interface{})
}

const defaultQueueSize = 256

type subscriber struct {
	id       string
	handler  EventHandler
	queue    chan Event
	channels map[string]bool
	done     chan struct{}
}

// Bus is the concrete realtime bus.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	rings    map[string]*ring
	ringSize int
}

// New creates a Bus with the given per-channel ring buffer depth
// (0 means the default of 50).
func New(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 50
	}
	return &Bus{
		subs:     make(map[string]*subscriber),
		rings:    make(map[string]*ring),
		ringSize: ringSize,
	}
}

// Subscribe registers a handler and returns the subscription id. The
// subscriber starts with no channel subscriptions; it still receives
// everything broadcast on the global channel.
func (b *Bus) Subscribe(handler EventHandler) string {
	id := uuid.NewString()
	sub := &subscriber{
		id:       id,
		handler:  handler,
		queue:    make(chan Event, defaultQueueSize),
		channels: make(map[string]bool),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()
	return id
}

// Unsubscribe removes a subscriber and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// SubscribeChannel adds a channel to a subscription.
func (b *Bus) SubscribeChannel(id, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.channels[channel] = true
	}
}

// UnsubscribeChannel removes a channel from a subscription.
func (b *Bus) UnsubscribeChannel(id, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(sub.channels, channel)
	}
}

// Broadcast fans an event out to every subscriber of the channel plus
// the global channel, and appends it to the channel's ring buffer.
// Never blocks the producer: a subscriber whose queue is full is
// dropped from the bus.
func (b *Bus) Broadcast(channel, kind string, payload interface{}) {
	if !protocol.KnownEventKinds[kind] {
		slog.Warn("dropping broadcast with unknown event kind", "kind", kind, "channel", channel)
		return
	}
	ev := Event{
		Channel:   channel,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.Lock()
	r, ok := b.rings[channel]
	if !ok {
		r = newRing(b.ringSize)
		b.rings[channel] = r
	}
	r.append(ev)

	var dropped []string
	for id, sub := range b.subs {
		if channel != protocol.ChannelGlobal && !sub.channels[channel] && !sub.channels[protocol.ChannelGlobal] {
			// Global broadcasts reach everyone; channel broadcasts reach
			// channel subscribers and anyone explicitly on "global".
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.done)
		}
	}
	b.mu.Unlock()

	for _, id := range dropped {
		slog.Warn("bus subscriber dropped, queue full", "subscription", id, "channel", channel)
	}
}

// Replay returns the buffered events for a channel in broadcast order.
// The caller delivers them to the late joiner before live events.
func (b *Bus) Replay(channel string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rings[channel]; ok {
		return r.snapshot()
	}
	return nil
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}

// ring is a fixed-capacity append-only event buffer.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(ev Event) {
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns events oldest first.
func (r *ring) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
