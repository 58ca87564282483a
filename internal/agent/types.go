// ABOUTME: Request, Response, Result and wire Frame types shared by in-process and external agents
// ABOUTME: Provider and Relay interfaces let route_to_agent stay independent of conversation streaming

package agent

import (
	"context"
	"encoding/json"
)

// ContextMessage is one prior turn in the bounded context window sent to an agent.
type ContextMessage struct {
	Author  string `json:"author"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the payload of one route_to_agent call.
type Request struct {
	Agent          string
	UserID         string
	SessionID      string
	GroupID        string
	GroupRequestID string
	Content        string
	Context        []ContextMessage
	// RoleHint tells a listener whether the user or the leader invoked it.
	RoleHint string
}

// Result is the outcome of routing: either an immediate Response, or Queued
// with a CorrelationID that a later stream-end frame will carry.
type Result struct {
	Queued        bool
	CorrelationID string
	Response      string
	Payload       json.RawMessage
	// MessageID is set when the reply was already persisted by the Relay.
	MessageID string
}

// Reply is what a Relay produced for one in-process generation.
type Reply struct {
	Text      string
	MessageID string
}

// ResponseEvent indicates the type of response event.
type ResponseEvent int

const (
	EventThinking ResponseEvent = iota
	EventText
	EventToolUse
	EventDone
	EventError
	EventCancelled
)

// Response is one streamed event from an in-process agent.
type Response struct {
	Event   ResponseEvent
	Text    string
	ToolUse *ToolUseEvent
	Error   string
	Done    bool
}

// ToolUseEvent represents a tool invocation by the agent.
type ToolUseEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// Provider is an in-process agent. Generate returns a channel of responses
// that the provider closes when finished.
type Provider interface {
	Generate(ctx context.Context, req *Request) (<-chan *Response, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, req *Request) (<-chan *Response, error)

// Generate calls f(ctx, req).
func (f ProviderFunc) Generate(ctx context.Context, req *Request) (<-chan *Response, error) {
	return f(ctx, req)
}

// Relay streams an in-process agent's responses to live clients, persists
// the final text and returns it. A persistence failure is reported wrapped in
// ErrReplyNotPersisted.
type Relay interface {
	Relay(ctx context.Context, req *Request, responses <-chan *Response) (*Reply, error)
}

// Frame types exchanged with external agent runtimes.
const (
	FrameTurn      = "turn"       // gateway -> agent
	FrameCancel    = "cancel"     // gateway -> agent
	FrameChunk     = "chunk"      // agent -> gateway, partial text
	FrameStreamEnd = "stream_end" // agent -> gateway, final reply or error
)

// Frame is the JSON message exchanged with an external agent runtime.
type Frame struct {
	Type          string           `json:"type"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Agent         string           `json:"agent,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
	GroupID       string           `json:"group_id,omitempty"`
	Content       string           `json:"content,omitempty"`
	Context       []ContextMessage `json:"context,omitempty"`
	RoleHint      string           `json:"role_hint,omitempty"`
	Text          string           `json:"text,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// StreamEnd is an external agent's asynchronous completion.
// GroupID is empty when the turn was dispatched on an earlier connection.
type StreamEnd struct {
	CorrelationID string
	GroupID       string
	Agent         string
	Text          string
	Payload       json.RawMessage
	Error         string
}

// Chunk is a partial reply streamed by an external agent before its stream end.
type Chunk struct {
	CorrelationID string
	Agent         string
	UserID        string
	SessionID     string
	GroupID       string
	Text          string
}

// Info describes a connected external agent runtime.
type Info struct {
	ID      string
	Name    string
	Pending int
}
