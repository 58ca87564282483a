// ABOUTME: Minimal external agent runtime for E2E testing; connects over WebSocket and echoes turns
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-name scribe] [-handoff other-agent]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-chorus/internal/agent"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway HTTP address")
	name := flag.String("name", "scribe", "agent name to serve")
	handoff := flag.String("handoff", "", "agent to invoke in every reply (leader_listeners testing)")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between chunk and stream end")
	flag.Parse()

	if err := run(*addr, *name, *handoff, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, name, handoff string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: addr, Path: "/agents/ws", RawQuery: url.Values{"name": {name}}.Encode()}
	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.CloseNow()

	fmt.Fprintf(os.Stderr, "serving agent %s on %s\n", name, addr)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		var frame agent.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("malformed frame: %v", err)
			continue
		}
		if frame.Type == agent.FrameCancel {
			log.Printf("cancel requested [%s]", frame.CorrelationID)
			continue
		}
		if frame.Type != agent.FrameTurn {
			continue
		}

		log.Printf("received turn [%s] from %s (%d context messages, role %q): %s",
			frame.CorrelationID, frame.UserID, len(frame.Context), frame.RoleHint, frame.Content)

		reply := echoReply(name, frame.Content, handoff)
		if err := send(ctx, ws, agent.Frame{Type: agent.FrameChunk, CorrelationID: frame.CorrelationID, Text: reply}); err != nil {
			log.Printf("send chunk error: %v", err)
			continue
		}

		// Small delay to simulate streaming
		time.Sleep(delay)

		if err := send(ctx, ws, agent.Frame{Type: agent.FrameStreamEnd, CorrelationID: frame.CorrelationID, Text: reply}); err != nil {
			log.Printf("send stream end error: %v", err)
		}
	}
}

func send(ctx context.Context, ws *websocket.Conn, frame agent.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func echoReply(name, input, handoff string) string {
	reply := fmt.Sprintf("%s here. You said: %s", name, strings.TrimSpace(input))
	if handoff != "" {
		reply += fmt.Sprintf("\n\n%s, can you take a look?", handoff)
	}
	return reply
}
