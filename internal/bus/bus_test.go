package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// collector accumulates delivered events behind a mutex so tests can
// poll for expected counts.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(c.snapshot()))
	return nil
}

func TestBroadcastReachesChannelSubscribers(t *testing.T) {
	b := New(0)
	var c collector
	id := b.Subscribe(c.handler)
	b.SubscribeChannel(id, "chat:s1")

	b.Broadcast("chat:s1", protocol.EventChatStream, "hello")
	evs := c.waitFor(t, 1)

	if evs[0].Channel != "chat:s1" || evs[0].Kind != protocol.EventChatStream {
		t.Errorf("unexpected event: %+v", evs[0])
	}
}

func TestBroadcastDropsUnknownEventKind(t *testing.T) {
	b := New(0)
	var c collector
	id := b.Subscribe(c.handler)
	b.SubscribeChannel(id, "chat:s1")

	b.Broadcast("chat:s1", "made_up_kind", "payload")
	b.Broadcast("chat:s1", protocol.EventChatStream, "real")

	evs := c.waitFor(t, 1)
	if len(evs) != 1 || evs[0].Kind != protocol.EventChatStream {
		t.Errorf("events = %+v, want only the known kind", evs)
	}
	// The dropped event must not enter the replay buffer either.
	for _, ev := range b.Replay("chat:s1") {
		if ev.Kind == "made_up_kind" {
			t.Errorf("unknown kind reached the ring: %+v", ev)
		}
	}
}

func TestBroadcastSkipsOtherChannels(t *testing.T) {
	b := New(0)
	var c collector
	id := b.Subscribe(c.handler)
	b.SubscribeChannel(id, "chat:s1")

	b.Broadcast("chat:s2", protocol.EventChatStream, "not for you")
	b.Broadcast("chat:s1", protocol.EventChatStream, "for you")

	evs := c.waitFor(t, 1)
	if len(evs) != 1 || evs[0].Payload != "for you" {
		t.Errorf("expected only the chat:s1 event, got %+v", evs)
	}
}

func TestGlobalReachesEveryone(t *testing.T) {
	b := New(0)
	var c collector
	b.Subscribe(c.handler) // no channel subscriptions

	b.Broadcast(protocol.ChannelGlobal, protocol.EventError, "boom")
	c.waitFor(t, 1)
}

func TestPerChannelOrderPreserved(t *testing.T) {
	b := New(0)
	var c collector
	id := b.Subscribe(c.handler)
	b.SubscribeChannel(id, "workflow:w1")

	const n = 20
	for i := 0; i < n; i++ {
		b.Broadcast("workflow:w1", protocol.EventWorkflowUpdate, i)
	}

	evs := c.waitFor(t, n)
	for i := 0; i < n; i++ {
		if evs[i].Payload != i {
			t.Fatalf("event %d out of order: %v", i, evs[i].Payload)
		}
	}
}

func TestReplayReturnsBufferInOrder(t *testing.T) {
	b := New(0)

	// Broadcast before anyone subscribes: the ring still fills.
	for i := 0; i < 3; i++ {
		b.Broadcast("chat:S6", protocol.EventChatStream, fmt.Sprintf("chunk-%d", i))
	}

	buffered := b.Replay("chat:S6")
	if len(buffered) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(buffered))
	}
	for i, ev := range buffered {
		want := fmt.Sprintf("chunk-%d", i)
		if ev.Payload != want {
			t.Errorf("buffered[%d] = %v, want %s", i, ev.Payload, want)
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	b := New(5)
	for i := 0; i < 8; i++ {
		b.Broadcast("chat:x", protocol.EventChatStream, i)
	}

	buffered := b.Replay("chat:x")
	if len(buffered) != 5 {
		t.Fatalf("expected 5 buffered events, got %d", len(buffered))
	}
	for i, ev := range buffered {
		if ev.Payload != i+3 {
			t.Errorf("buffered[%d] = %v, want %d", i, ev.Payload, i+3)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(0)
	var c collector
	id := b.Subscribe(c.handler)
	b.SubscribeChannel(id, "agent:a1")
	b.Unsubscribe(id)

	b.Broadcast("agent:a1", protocol.EventAgentLog, "late")
	time.Sleep(50 * time.Millisecond)

	if len(c.snapshot()) != 0 {
		t.Errorf("expected no events after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(0)
	block := make(chan struct{})
	id := b.Subscribe(func(Event) { <-block })
	b.SubscribeChannel(id, "chat:slow")

	// First event parks the delivery goroutine; the rest fill the queue.
	for i := 0; i < defaultQueueSize+2; i++ {
		b.Broadcast("chat:slow", protocol.EventChatStream, i)
	}
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("slow subscriber was not dropped")
}
