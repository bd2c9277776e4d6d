package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// handleFrame dispatches one client frame. Chat runs inline on the
// client's read goroutine, so a session processes its messages in
// arrival order.
func (s *Server) handleFrame(ctx context.Context, c *Client, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.FramePing:
		c.SendFrame(protocol.ServerFrame{
			Type:      protocol.EventPong,
			Timestamp: time.Now().UTC(),
		})

	case protocol.FrameSubscribeAgent:
		if frame.AgentID == "" {
			c.SendFrame(protocol.NewServerFrame(protocol.EventError,
				map[string]interface{}{"message": "agent_id required"}))
			return
		}
		s.bus.SubscribeChannel(c.busID, protocol.AgentChannel(frame.AgentID))
		c.SendFrame(protocol.ServerFrame{
			Type:      protocol.FrameSubscribed,
			AgentID:   frame.AgentID,
			Timestamp: time.Now().UTC(),
		})

	case protocol.FrameUnsubscribeAgent:
		s.bus.UnsubscribeChannel(c.busID, protocol.AgentChannel(frame.AgentID))
		c.SendFrame(protocol.ServerFrame{
			Type:      protocol.FrameUnsubscribed,
			AgentID:   frame.AgentID,
			Timestamp: time.Now().UTC(),
		})

	case protocol.FrameGetBuffered:
		channel := frame.Channel
		if channel == "" && frame.SessionID != "" {
			channel = protocol.ChatChannel(frame.SessionID)
		}
		if channel == "" {
			c.SendFrame(protocol.NewServerFrame(protocol.EventError,
				map[string]interface{}{"message": "channel or session_id required"}))
			return
		}
		for _, ev := range s.bus.Replay(channel) {
			c.SendFrame(protocol.ServerFrame{
				Type:      protocol.FrameBufferedMessage,
				Channel:   ev.Channel,
				Timestamp: ev.Timestamp,
				Payload: map[string]interface{}{
					"kind":    ev.Kind,
					"payload": ev.Payload,
				},
			})
		}

	case protocol.FrameChat:
		s.handleChatFrame(ctx, c, frame)

	default:
		slog.Warn("unknown client frame", "client", c.id, "type", frame.Type)
		c.SendFrame(protocol.NewServerFrame(protocol.EventError,
			map[string]interface{}{"message": "unknown frame type: " + frame.Type}))
	}
}

func (s *Server) handleChatFrame(ctx context.Context, c *Client, frame protocol.ClientFrame) {
	if frame.Message == "" {
		c.SendFrame(protocol.NewServerFrame(protocol.EventError,
			map[string]interface{}{"message": "message required"}))
		return
	}

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Stream events for this session reach the client live.
	s.bus.SubscribeChannel(c.busID, protocol.ChatChannel(sessionID))

	response, err := s.chat.Chat(ctx, sessionID, frame.Message, true)
	if err != nil {
		slog.Error("chat failed", "session", sessionID, "error", err)
		c.SendFrame(protocol.NewServerFrame(protocol.EventError,
			map[string]interface{}{"session_id": sessionID, "message": err.Error()}))
		return
	}

	c.SendFrame(protocol.ServerFrame{
		Type:      protocol.EventChatResponse,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"response": response},
	})
}
