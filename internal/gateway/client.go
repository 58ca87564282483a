// ABOUTME: Client WebSocket endpoint: user turns, cancellation, disconnect policy and speech toggles
// ABOUTME: Also forwards external agent chunks and stream ends into live pushes and the coordinator

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/connections"
	"github.com/2389/coven-chorus/internal/group"
	"github.com/2389/coven-chorus/internal/store"
)

// Client frame types.
const (
	FrameTurn            = "turn"
	FrameCancel          = "cancel"
	FrameAllowDisconnect = "allow_disconnect"
	FrameSpeech          = "speech"
)

// Push types emitted by the gateway itself.
const (
	MessageTypeConnected = "connected"
	MessageTypeChunk     = "agent_chunk"
	MessageTypeError     = "error"
)

// ClientFrame is one JSON message read from a client socket.
type ClientFrame struct {
	Type          string   `json:"type"`
	GroupID       string   `json:"group_id,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	Agents        []string `json:"agents,omitempty"`
	Content       string   `json:"content,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Enabled       bool     `json:"enabled,omitempty"`
}

type connectedData struct {
	SessionID string `json:"session_id"`
}

type errorData struct {
	Frame   string `json:"frame,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Error   string `json:"error"`
}

type chunkData struct {
	CorrelationID string `json:"correlation_id"`
	AgentName     string `json:"agent_name"`
	GroupID       string `json:"group_id,omitempty"`
	Text          string `json:"text"`
}

// handleClientWS upgrades a user connection and serves its frames until it closes.
func (g *Gateway) handleClientWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("client websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	transport := connections.NewWebSocketTransport(ws)
	h := g.connections.Register(userID, sessionID, transport)
	defer g.closeClient(h)

	logger := g.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("client connected")

	_ = transport.Send(r.Context(), connections.Message{
		Type:      MessageTypeConnected,
		SessionID: sessionID,
		Data:      connectedData{SessionID: sessionID},
	})

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && r.Context().Err() == nil {
				logger.Debug("client read ended", "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.pushError(r.Context(), h, "", "", "malformed frame")
			continue
		}
		g.handleClientFrame(r.Context(), h, frame)
	}
}

// closeClient unregisters h. Generations for the session are stopped only
// when no other connection still follows it.
func (g *Gateway) closeClient(h *connections.Handle) {
	g.connections.Unregister(h)
	for _, other := range g.connections.Handles(h.UserID) {
		if other.SessionID == h.SessionID {
			return
		}
	}
	if n := g.conversation.Disconnect(h.UserID, h.SessionID); n > 0 {
		g.logger.Info("session disconnected, generations cancelled",
			"user_id", h.UserID,
			"session_id", h.SessionID,
			"cancelled", n,
		)
	}
}

func (g *Gateway) handleClientFrame(ctx context.Context, h *connections.Handle, frame ClientFrame) {
	switch frame.Type {
	case FrameTurn:
		turn := &group.UserTurn{
			GroupID:      frame.GroupID,
			UserID:       h.UserID,
			SessionID:    h.SessionID,
			Content:      frame.Content,
			Mode:         store.Mode(frame.Mode),
			TargetAgents: frame.Agents,
		}
		g.startTurn(h, turn)

	case FrameCancel:
		switch {
		case frame.RequestID != "":
			if !g.conversation.Cancel(frame.RequestID) {
				g.pushError(ctx, h, frame.Type, "", "no active generation "+frame.RequestID)
			}
		case frame.CorrelationID != "":
			if _, err := g.agentManager.Cancel(ctx, frame.CorrelationID); err != nil {
				g.pushError(ctx, h, frame.Type, "", err.Error())
			}
		default:
			g.conversation.CancelSession(h.UserID, h.SessionID)
		}

	case FrameAllowDisconnect:
		g.conversation.AllowDisconnect(h.UserID, h.SessionID)

	case FrameSpeech:
		g.speech.SetEnabled(h.UserID, h.SessionID, frame.Enabled)

	default:
		g.pushError(ctx, h, frame.Type, "", "unknown frame type")
	}
}

// startTurn runs the round on the gateway lifetime so closing the socket does
// not abort dispatches already underway.
func (g *Gateway) startTurn(h *connections.Handle, turn *group.UserTurn) {
	if !g.track() {
		g.pushError(context.Background(), h, FrameTurn, turn.GroupID, ErrShuttingDown.Error())
		return
	}
	go func() {
		defer g.turns.Done()
		if _, err := g.coordinator.StartTurn(g.lifetime, turn); err != nil {
			level := g.logger.Error
			if errors.Is(err, group.ErrInvalidTurn) {
				level = g.logger.Warn
			}
			level("turn failed",
				"user_id", turn.UserID,
				"group_id", turn.GroupID,
				"error", err,
			)
			g.pushError(g.lifetime, h, FrameTurn, turn.GroupID, err.Error())
		}
	}()
}

// pushError reports a failure to the session that caused it.
func (g *Gateway) pushError(ctx context.Context, h *connections.Handle, frame, groupID, msg string) {
	g.connections.Push(ctx, h.UserID, connections.Message{
		Type:      MessageTypeError,
		SessionID: h.SessionID,
		Data:      errorData{Frame: frame, GroupID: groupID, Error: msg},
	}, true)
}

// handleStreamEnd continues the round an external agent reply belongs to.
func (g *Gateway) handleStreamEnd(_ context.Context, end agent.StreamEnd) error {
	if !g.track() {
		return ErrShuttingDown
	}
	defer g.turns.Done()
	return g.coordinator.HandleStreamEnd(g.lifetime, &group.StreamEnd{
		CorrelationID: end.CorrelationID,
		GroupID:       end.GroupID,
		Text:          end.Text,
		Payload:       end.Payload,
		Error:         end.Error,
	})
}

// handleChunk relays partial external agent text to the originating session.
func (g *Gateway) handleChunk(ctx context.Context, chunk agent.Chunk) {
	if chunk.UserID == "" {
		return
	}
	g.connections.Push(ctx, chunk.UserID, connections.Message{
		Type:      MessageTypeChunk,
		SessionID: chunk.SessionID,
		Data: chunkData{
			CorrelationID: chunk.CorrelationID,
			AgentName:     chunk.Agent,
			GroupID:       chunk.GroupID,
			Text:          chunk.Text,
		},
	}, true)
}
