package agents

import (
	"log/slog"
	"time"
)

// routerInterval paces the outbox polling loop.
const routerInterval = 100 * time.Millisecond

// routeMessages is the single background router: it drains every
// agent's outbox onto recipient inboxes. Draining one outbox in FIFO
// order preserves per (from, to) delivery order. A panic here is fatal
// to the manager.
func (m *Manager) routeMessages() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message router panicked, agent manager requires restart", "panic", r)
			close(m.fatal)
		}
	}()

	ticker := time.NewTicker(routerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.drainOutboxes()
		}
	}
}

func (m *Manager) drainOutboxes() {
	m.mu.Lock()
	senders := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		senders = append(senders, a)
	}
	m.mu.Unlock()

	for _, sender := range senders {
		for {
			select {
			case msg := <-sender.outbox:
				m.routeOne(msg)
			default:
				goto next
			}
		}
	next:
	}
}

func (m *Manager) routeOne(msg Message) {
	if msg.To == "broadcast" {
		m.mu.Lock()
		recipients := make([]*Agent, 0, len(m.agents))
		for _, a := range m.agents {
			if a.ID != msg.From {
				recipients = append(recipients, a)
			}
		}
		m.mu.Unlock()
		for _, r := range recipients {
			m.deliver(r, msg)
		}
		return
	}

	m.mu.Lock()
	to, ok := m.agents[msg.To]
	m.mu.Unlock()
	if !ok {
		slog.Warn("dropping message for unknown agent", "to", msg.To, "from", msg.From)
		return
	}
	m.deliver(to, msg)
}

// deliver pushes onto the inbox; a full inbox drops the oldest
// undelivered entry to make room.
func (m *Manager) deliver(to *Agent, msg Message) {
	for {
		select {
		case to.inbox <- msg:
			return
		default:
		}
		select {
		case dropped := <-to.inbox:
			slog.Warn("inbox full, dropped oldest message",
				"agent", to.Name, "dropped_from", dropped.From)
		default:
		}
	}
}
