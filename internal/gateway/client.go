package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
	sendQueueSize  = 64
)

// Client is one WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	busID  string

	send      chan protocol.ServerFrame
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan protocol.ServerFrame, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// greet sends the connection_established frame with the client id.
func (c *Client) greet() {
	c.SendFrame(protocol.ServerFrame{
		Type:      protocol.EventConnectionEstablished,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"client_id": c.id},
	})
}

// Run drives the connection: a write pump goroutine plus the read loop
// on the calling goroutine. Returns when the connection drops.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

// SendFrame queues a frame for delivery. A client that cannot keep up
// has frames dropped rather than blocking the broadcaster.
func (c *Client) SendFrame(frame protocol.ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Warn("client send queue full, dropping frame", "client", c.id, "type", frame.Type)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)

	for {
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("client read error", "client", c.id, "error", err)
			}
			return
		}

		if c.server.rateLimiter.Enabled() && !c.server.rateLimiter.Allow(c.id) {
			c.SendFrame(protocol.NewServerFrame(protocol.EventError,
				map[string]interface{}{"message": "rate limit exceeded"}))
			continue
		}

		c.server.handleFrame(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Warn("client write error", "client", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
