// ABOUTME: WebSocket transport and read loop for external agent runtimes
// ABOUTME: Frames are JSON text messages; one loop per connected runtime feeds HandleFrame

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketTransport sends frames to an agent runtime as JSON text messages.
type WebSocketTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWebSocketTransport wraps an accepted agent connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send writes frame as one text message.
func (t *WebSocketTransport) Send(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("agent transport closed")
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the socket once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeWebSocket registers ws as a runtime for the agent name and processes
// its frames until the socket closes or ctx is done. The connection is
// unregistered on return.
func (m *Manager) ServeWebSocket(ctx context.Context, name string, ws *websocket.Conn) error {
	conn := NewConnection(uuid.New().String(), name, NewWebSocketTransport(ws), m.logger)
	if err := m.Register(conn); err != nil {
		return err
	}
	defer m.Unregister(conn.ID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading agent frame: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("malformed agent frame",
				"agent_id", conn.ID,
				"error", err,
			)
			continue
		}

		if err := m.HandleFrame(ctx, conn, frame); err != nil {
			m.logger.Warn("agent frame not processed",
				"agent_id", conn.ID,
				"type", frame.Type,
				"correlation_id", frame.CorrelationID,
				"error", err,
			)
		}
	}
}
