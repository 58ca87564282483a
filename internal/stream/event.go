// ABOUTME: Event, Sink and Token types shared by EventChannel producers and consumers
// ABOUTME: ChanSink adapts a buffered Go channel into a Sink that closes after the end event

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies the kind of streamed event.
type EventType string

const (
	EventText      EventType = "text"      // text content chunk
	EventReasoning EventType = "reasoning" // reasoning/thinking chunk
	EventToolCall  EventType = "tool_call" // tool invocation payload
	EventStatus    EventType = "status"    // control/metadata, never sent to TTS
	EventError     EventType = "error"
	EventEnd       EventType = "end" // terminal sentinel, one per sink
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Event is one streamed item.
type Event struct {
	Type     EventType      `json:"type"`
	Text     string         `json:"text,omitempty"`
	ToolCall *ToolCall      `json:"tool_call,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sink consumes events. Deliver may block until the consumer accepts the
// event or ctx is done.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Deliver calls f(ctx, ev).
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ErrSinkClosed is returned by ChanSink after it has received the end event.
var ErrSinkClosed = errors.New("sink closed")

// ChanSink is a Sink backed by a buffered channel. The channel is closed
// right after the end event is delivered.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Deliver blocks until the event is buffered or ctx is done.
func (s *ChanSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	if ev.Type == EventEnd {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Token is the opaque single-use credential that authorizes closing a Channel.
// The zero Token is never issued.
type Token struct {
	id uuid.UUID
}

func newToken() Token {
	return Token{id: uuid.New()}
}

func (t Token) equal(other Token) bool {
	return t.id != uuid.Nil && t.id == other.id
}

// String returns the token's identifier for logging.
func (t Token) String() string {
	return t.id.String()
}
