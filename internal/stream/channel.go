// ABOUTME: EventChannel fans one generation's events out to N sinks with single-owner completion
// ABOUTME: Accumulates text, reasoning and tool calls and duplicates text chunks to an optional TTS sink

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrTokenAlreadyCreated is returned when a second completion token is requested.
	ErrTokenAlreadyCreated = errors.New("completion token already created")

	// ErrNotOwner is returned when SignalCompletion is called with a token that
	// was not issued by this channel, or before any token was issued.
	ErrNotOwner = errors.New("completion token ownership violation")

	// ErrCompleted is returned when emitting on a channel that has already completed.
	ErrCompleted = errors.New("event channel already completed")
)

// tokenState is the closed set of completion states: uncreated -> active -> completed.
type tokenState int

const (
	tokenUncreated tokenState = iota
	tokenActive
	tokenCompleted
)

func (s tokenState) String() string {
	switch s {
	case tokenUncreated:
		return "uncreated"
	case tokenActive:
		return "active"
	case tokenCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Results is the accumulated final state of a generation, independent of
// what has already been streamed to sinks.
type Results struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
}

// Channel broadcasts the events of one generation to every registered sink.
// Per-sink delivery preserves emission order. The channel is closed by
// exactly one SignalCompletion call carrying the token it issued.
type Channel struct {
	// emitMu serializes deliveries so every sink sees emission order and the
	// end event last. mu guards state and is never held across Deliver.
	emitMu sync.Mutex
	mu     sync.Mutex
	sinks  []Sink
	state  tokenState
	token  Token
	done   chan struct{}
	logger *slog.Logger

	text      strings.Builder
	reasoning strings.Builder
	toolCalls []ToolCall

	tts           chan<- TTSChunk
	ttsEnabled    bool
	ttsDuplicated int
}

// NewChannel creates an empty channel. Pass nil logger for default.
func NewChannel(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		done:   make(chan struct{}),
		logger: logger.With("component", "event_channel"),
	}
}

// RegisterSink attaches a consumer. Any number of sinks may be attached.
func (c *Channel) RegisterSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// SinkCount returns the number of primary sinks.
func (c *Channel) SinkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

// CreateCompletionToken issues the channel's single completion token.
// A second call always fails with ErrTokenAlreadyCreated.
func (c *Channel) CreateCompletionToken() (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != tokenUncreated {
		return Token{}, ErrTokenAlreadyCreated
	}
	c.token = newToken()
	c.state = tokenActive
	return c.token, nil
}

// SignalCompletion closes the channel if token is the one it issued, delivering
// one EventEnd to every sink. Repeating the call with the same token is a
// no-op. Any other token, or a call before a token exists, returns ErrNotOwner.
func (c *Channel) SignalCompletion(ctx context.Context, token Token) error {
	c.mu.Lock()
	switch c.state {
	case tokenUncreated:
		c.mu.Unlock()
		return fmt.Errorf("%w: no token issued", ErrNotOwner)
	case tokenCompleted:
		owner := token.equal(c.token)
		c.mu.Unlock()
		if owner {
			return nil
		}
		return ErrNotOwner
	}

	if !token.equal(c.token) {
		c.mu.Unlock()
		return ErrNotOwner
	}

	c.state = tokenCompleted
	close(c.done)
	c.deregisterTTSLocked()
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	// Waits for an in-flight Emit so the end event stays last.
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	end := Event{Type: EventEnd}
	for i, sink := range sinks {
		if err := sink.Deliver(ctx, end); err != nil {
			c.logger.Warn("sink failed to accept terminal event",
				"sink", i,
				"error", err)
		}
	}
	return nil
}

// Done is closed once the channel has completed.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Completed reports whether SignalCompletion has succeeded.
func (c *Channel) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == tokenCompleted
}

// Emit broadcasts ev to every sink in registration order and accumulates it.
// Text chunks are also duplicated to the TTS sink when one is active.
// A failing sink is logged and does not stop delivery to the others.
func (c *Channel) Emit(ctx context.Context, ev Event) error {
	if ev.Type == EventEnd {
		return fmt.Errorf("end events are emitted by SignalCompletion")
	}

	if c.Completed() {
		return ErrCompleted
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.state == tokenCompleted {
		c.mu.Unlock()
		return ErrCompleted
	}
	c.accumulateLocked(ev)
	if ev.Type == EventText && c.ttsEnabled && ev.Text != "" {
		c.pushTTSLocked(TTSChunk{Text: ev.Text})
	}
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	for i, sink := range sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Warn("sink delivery failed",
				"sink", i,
				"event", ev.Type,
				"error", err)
		}
	}
	return nil
}

func (c *Channel) accumulateLocked(ev Event) {
	switch ev.Type {
	case EventText:
		c.text.WriteString(ev.Text)
	case EventReasoning:
		c.reasoning.WriteString(ev.Text)
	case EventToolCall:
		if ev.ToolCall != nil {
			c.toolCalls = append(c.toolCalls, *ev.ToolCall)
		}
	}
}

// Results returns the accumulated text, reasoning and tool calls.
func (c *Channel) Results() Results {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Results{
		Text:      c.text.String(),
		Reasoning: c.reasoning.String(),
		ToolCalls: append([]ToolCall(nil), c.toolCalls...),
	}
}

// Reset clears the token, buffers, sinks and TTS state so the instance can
// be reused for another generation.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deregisterTTSLocked()
	c.sinks = nil
	c.state = tokenUncreated
	c.token = Token{}
	c.done = make(chan struct{})
	c.text.Reset()
	c.reasoning.Reset()
	c.toolCalls = nil
}
