package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var addr string
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running conductor over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				host := cfg.Gateway.Host
				if host == "0.0.0.0" || host == "" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
			}
			return runChat(addr, message)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: from config)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

func runChat(addr, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to gateway at %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	// Greeting arrives first.
	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	var greeting protocol.ServerFrame
	err = wsjson.Read(readCtx, conn, &greeting)
	cancel()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}

	sessionID := uuid.NewString()

	if message != "" {
		resp, err := sendChat(conn, sessionID, message)
		if err != nil {
			return err
		}
		fmt.Println(resp)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Conductor chat (session %s)\n", sessionID)
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new session")
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if input == "/new" {
			sessionID = uuid.NewString()
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionID)
			continue
		}

		resp, err := sendChat(conn, sessionID, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", resp)
	}
}

// sendChat sends one chat frame and reads until the final response,
// echoing stream chunks to stderr as they arrive.
func sendChat(conn *websocket.Conn, sessionID, message string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	err := wsjson.Write(ctx, conn, protocol.ClientFrame{
		Type:      protocol.FrameChat,
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return "", fmt.Errorf("read: %w", err)
		}

		switch frame.Type {
		case protocol.EventChatStream:
			if payload, ok := frame.Payload.(map[string]interface{}); ok {
				if content, ok := payload["content"].(string); ok {
					fmt.Fprint(os.Stderr, content)
				}
			}
		case protocol.EventChatResponse:
			fmt.Fprintln(os.Stderr)
			if payload, ok := frame.Payload.(map[string]interface{}); ok {
				if resp, ok := payload["response"].(string); ok {
					return resp, nil
				}
			}
			return "", fmt.Errorf("malformed chat_response payload")
		case protocol.EventError:
			if payload, ok := frame.Payload.(map[string]interface{}); ok {
				if msg, ok := payload["message"].(string); ok {
					return "", fmt.Errorf("gateway error: %s", msg)
				}
			}
			return "", fmt.Errorf("gateway error")
		}
	}
}
