package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

type chatCall struct {
	sessionID string
	message   string
	stream    bool
}

// scriptedChat broadcasts stream chunks on the session channel before
// returning its canned response, mimicking the orchestrator.
type scriptedChat struct {
	bus      *bus.Bus
	chunks   []string
	response string
	err      error

	mu    sync.Mutex
	calls []chatCall
}

func (s *scriptedChat) Chat(ctx context.Context, sessionID, message string, stream bool) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, chatCall{sessionID, message, stream})
	s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	if stream && s.bus != nil {
		for _, chunk := range s.chunks {
			s.bus.Broadcast(protocol.ChatChannel(sessionID), protocol.EventChatStream,
				map[string]interface{}{"content": chunk, "final": false})
		}
	}
	return s.response, nil
}

func newTestGateway(t *testing.T, chat Chatter, b *bus.Bus) (wsURL, httpURL string) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Gateway.RingBufferSize = 10

	srv := NewServer(cfg, b, chat)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(srv, ctx)
	go start()

	waitForHealth(t, "http://"+addr+"/health")
	return "ws://" + addr + "/ws", "http://" + addr
}

func waitForHealth(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("gateway did not become healthy")
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame protocol.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil collects frames until the predicate matches, returning
// everything read including the matching frame.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.ServerFrame) bool) []protocol.ServerFrame {
	t.Helper()
	var frames []protocol.ServerFrame
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		frames = append(frames, frame)
		if match(frame) {
			return frames
		}
	}
	t.Fatalf("predicate never matched, got %d frames", len(frames))
	return nil
}

func countType(frames []protocol.ServerFrame, kind string) int {
	n := 0
	for _, f := range frames {
		if f.Type == kind {
			n++
		}
	}
	return n
}

func TestConnectionGreeting(t *testing.T) {
	b := bus.New(10)
	wsURL, _ := newTestGateway(t, &scriptedChat{}, b)

	conn := dial(t, wsURL)
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventConnectionEstablished {
		t.Fatalf("first frame = %q, want connection_established", frame.Type)
	}
	payload, ok := frame.Payload.(map[string]interface{})
	if !ok || payload["client_id"] == "" {
		t.Fatalf("greeting payload missing client_id: %v", frame.Payload)
	}
}

func TestPingPong(t *testing.T) {
	b := bus.New(10)
	wsURL, _ := newTestGateway(t, &scriptedChat{}, b)

	conn := dial(t, wsURL)
	readFrame(t, conn) // greeting

	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.FramePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventPong {
		t.Fatalf("frame = %q, want pong", frame.Type)
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("pong missing timestamp")
	}
}

func TestSubscribeAgentDeliversAgentEvents(t *testing.T) {
	b := bus.New(10)
	wsURL, _ := newTestGateway(t, &scriptedChat{}, b)

	conn := dial(t, wsURL)
	readFrame(t, conn) // greeting

	if err := conn.WriteJSON(protocol.ClientFrame{
		Type:    protocol.FrameSubscribeAgent,
		AgentID: "agent-7",
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != protocol.FrameSubscribed || ack.AgentID != "agent-7" {
		t.Fatalf("ack = %+v, want subscribed for agent-7", ack)
	}

	b.Broadcast(protocol.AgentChannel("agent-7"), protocol.EventAgentStatusChanged,
		map[string]interface{}{"status": "running"})

	frame := readFrame(t, conn)
	if frame.Type != protocol.EventAgentStatusChanged {
		t.Fatalf("frame = %q, want agent_status_changed", frame.Type)
	}

	if err := conn.WriteJSON(protocol.ClientFrame{
		Type:    protocol.FrameUnsubscribeAgent,
		AgentID: "agent-7",
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	unack := readFrame(t, conn)
	if unack.Type != protocol.FrameUnsubscribed {
		t.Fatalf("ack = %q, want unsubscribed", unack.Type)
	}
}

func TestChatStreamsAndResponds(t *testing.T) {
	b := bus.New(10)
	chat := &scriptedChat{
		bus:      b,
		chunks:   []string{"thinking...", "almost there"},
		response: "final answer",
	}
	wsURL, _ := newTestGateway(t, chat, b)

	conn := dial(t, wsURL)
	readFrame(t, conn) // greeting

	if err := conn.WriteJSON(protocol.ClientFrame{
		Type:      protocol.FrameChat,
		SessionID: "s1",
		Message:   "hello there",
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	// Stream chunks ride the bus and the final response is a direct
	// frame, so arrival order across the two paths is not fixed.
	var frames []protocol.ServerFrame
	seen := func() bool {
		return countType(frames, protocol.EventChatStream) >= 2 &&
			countType(frames, protocol.EventChatResponse) >= 1
	}
	for !seen() {
		frames = append(frames, readFrame(t, conn))
	}

	for _, f := range frames {
		if f.Type == protocol.EventChatResponse {
			if f.SessionID != "s1" {
				t.Fatalf("chat_response session = %q, want s1", f.SessionID)
			}
			payload := f.Payload.(map[string]interface{})
			if payload["response"] != "final answer" {
				t.Fatalf("response payload = %v", payload)
			}
		}
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.calls) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(chat.calls))
	}
	call := chat.calls[0]
	if call.sessionID != "s1" || call.message != "hello there" || !call.stream {
		t.Fatalf("chat call = %+v", call)
	}
}

func TestLateJoinerReplaysBufferedChat(t *testing.T) {
	b := bus.New(10)
	chat := &scriptedChat{
		bus:      b,
		chunks:   []string{"chunk one", "chunk two"},
		response: "done",
	}
	wsURL, _ := newTestGateway(t, chat, b)

	first := dial(t, wsURL)
	readFrame(t, first) // greeting
	if err := first.WriteJSON(protocol.ClientFrame{
		Type:      protocol.FrameChat,
		SessionID: "s-replay",
		Message:   "talk to me",
	}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	readUntil(t, first, func(f protocol.ServerFrame) bool {
		return f.Type == protocol.EventChatResponse
	})

	// A client connecting after the fact replays the ring buffer.
	late := dial(t, wsURL)
	readFrame(t, late) // greeting
	if err := late.WriteJSON(protocol.ClientFrame{
		Type:      protocol.FrameGetBuffered,
		SessionID: "s-replay",
	}); err != nil {
		t.Fatalf("write get_buffered: %v", err)
	}

	one := readFrame(t, late)
	two := readFrame(t, late)
	for i, f := range []protocol.ServerFrame{one, two} {
		if f.Type != protocol.FrameBufferedMessage {
			t.Fatalf("frame %d type = %q, want buffered_message", i, f.Type)
		}
		if f.Channel != protocol.ChatChannel("s-replay") {
			t.Fatalf("frame %d channel = %q", i, f.Channel)
		}
	}
}

func TestGetBufferedRequiresTarget(t *testing.T) {
	b := bus.New(10)
	wsURL, _ := newTestGateway(t, &scriptedChat{}, b)

	conn := dial(t, wsURL)
	readFrame(t, conn) // greeting

	if err := conn.WriteJSON(protocol.ClientFrame{Type: protocol.FrameGetBuffered}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventError {
		t.Fatalf("frame = %q, want error", frame.Type)
	}
}

func TestUnknownFrameReturnsError(t *testing.T) {
	b := bus.New(10)
	wsURL, _ := newTestGateway(t, &scriptedChat{}, b)

	conn := dial(t, wsURL)
	readFrame(t, conn) // greeting

	if err := conn.WriteJSON(protocol.ClientFrame{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.EventError {
		t.Fatalf("frame = %q, want error", frame.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	b := bus.New(10)
	_, httpURL := newTestGateway(t, &scriptedChat{}, b)

	resp, err := http.Get(httpURL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("disabled allows everything", func(t *testing.T) {
		rl := NewRateLimiter(0, 5)
		if rl.Enabled() {
			t.Fatal("rpm 0 should disable limiting")
		}
		for i := 0; i < 100; i++ {
			if !rl.Allow("c1") {
				t.Fatal("disabled limiter denied a request")
			}
		}
	})

	t.Run("burst then deny", func(t *testing.T) {
		rl := NewRateLimiter(60, 2)
		if !rl.Allow("c1") || !rl.Allow("c1") {
			t.Fatal("burst requests should pass")
		}
		if rl.Allow("c1") {
			t.Fatal("request over burst should be denied")
		}
		// Separate clients do not share a bucket.
		if !rl.Allow("c2") {
			t.Fatal("fresh client should pass")
		}
	})
}
