package protocol

import "time"

// ProtocolVersion is bumped whenever the wire protocol changes incompatibly.
const ProtocolVersion = 1

// ClientFrame is a message received from a WebSocket client.
type ClientFrame struct {
	Type      string `json:"type"` // "ping", "subscribe_agent", "unsubscribe_agent", "get_buffered", "chat"
	AgentID   string `json:"agent_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Client frame types.
const (
	FramePing             = "ping"
	FrameSubscribeAgent   = "subscribe_agent"
	FrameUnsubscribeAgent = "unsubscribe_agent"
	FrameGetBuffered      = "get_buffered"
	FrameChat             = "chat"
)

// ServerFrame is a message pushed to a WebSocket client.
// Type is one of the Event* constants plus the protocol acks
// ("subscribed", "unsubscribed", "buffered_message").
type ServerFrame struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Server ack frame types outside the broadcast event set.
const (
	FrameSubscribed      = "subscribed"
	FrameUnsubscribed    = "unsubscribed"
	FrameBufferedMessage = "buffered_message"
)

// NewServerFrame builds a ServerFrame stamped with the current time.
func NewServerFrame(kind string, payload interface{}) ServerFrame {
	return ServerFrame{Type: kind, Timestamp: time.Now().UTC(), Payload: payload}
}
