// ABOUTME: Progress events pushed to a user's connections while a group round runs
// ABOUTME: agent_typing goes to the originating session; replies and completion go user-wide

package group

import (
	"context"

	"github.com/2389/coven-chorus/internal/connections"
)

// Event types pushed during a round.
const (
	EventAgentTyping      = "agent_typing"
	EventAgentResponse    = "agent_response"
	EventAgentError       = "agent_error"
	EventSequenceComplete = "sequence_complete"
)

// Pusher delivers events to a user's live connections. Delivery is best-effort.
type Pusher interface {
	Push(ctx context.Context, userID string, msg connections.Message, sessionScoped bool) bool
}

// Event is the payload of a group progress push. Position and IsLast are set
// for sequential rounds; Role and InvokedBy for leader_listeners.
type Event struct {
	Type           string `json:"type"`
	GroupID        string `json:"group_id"`
	GroupRequestID string `json:"group_request_id"`
	AgentName      string `json:"agent_name,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Position       *int   `json:"position,omitempty"`
	IsLast         *bool  `json:"is_last,omitempty"`
	Role           string `json:"role,omitempty"`
	InvokedBy      string `json:"invoked_by,omitempty"`
}

// push sends ev to the round's user. Typing indicators stay in the
// originating session; everything else reaches every device.
func (c *Coordinator) push(ctx context.Context, userID, sessionID string, ev Event) {
	if c.pusher == nil {
		return
	}
	sessionScoped := ev.Type == EventAgentTyping
	delivered := c.pusher.Push(ctx, userID, connections.Message{
		Type:      ev.Type,
		SessionID: sessionID,
		Data:      ev,
	}, sessionScoped)
	if !delivered {
		c.logger.Debug("group event not delivered",
			"type", ev.Type,
			"group_id", ev.GroupID,
			"agent", ev.AgentName,
		)
	}
}
