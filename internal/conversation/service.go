// ABOUTME: Conversation service streams in-process agent replies live and persists the final text
// ABOUTME: Each generation runs on a cancellable runtime tracked for explicit cancel and client disconnect

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/connections"
	"github.com/2389/coven-chorus/internal/generation"
	"github.com/2389/coven-chorus/internal/metrics"
	"github.com/2389/coven-chorus/internal/store"
	"github.com/2389/coven-chorus/internal/stream"
)

// ErrCancelled is returned by Relay when the generation was cancelled.
var ErrCancelled = errors.New("generation cancelled")

// MessageStore defines what the service needs from storage.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Pusher delivers live messages to a user's connections.
type Pusher interface {
	Push(ctx context.Context, userID string, msg connections.Message, sessionScoped bool) bool
}

// TTSSinks hands out a TTS sink for a session, or a nil sink when speech is
// off. release is called once the generation has completed.
type TTSSinks interface {
	SinkFor(userID, sessionID string) (sink chan<- stream.TTSChunk, release func())
}

// Config wires a Service.
type Config struct {
	Store   MessageStore
	Pusher  Pusher
	TTS     TTSSinks // optional
	Metrics *metrics.Collector
	// SinkBuffer queues live events between the generation and the session
	// push. Zero pushes inline.
	SinkBuffer int
	Logger  *slog.Logger
}

// Service is the conversation layer for in-process agents. It implements
// agent.Relay.
type Service struct {
	store   MessageStore
	pusher  Pusher
	tts     TTSSinks
	metrics *metrics.Collector
	logger  *slog.Logger
	buffer  int

	mu       sync.Mutex
	runtimes map[string]*tracked
}

type tracked struct {
	runtime   *generation.Runtime
	userID    string
	sessionID string
	agent     string
}

var _ agent.Relay = (*Service)(nil)

// New creates a conversation service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		pusher:   cfg.Pusher,
		tts:      cfg.TTS,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "conversation"),
		buffer:   cfg.SinkBuffer,
		runtimes: make(map[string]*tracked),
	}
}

// StreamMessage is the payload of a session-scoped "agent_stream" push.
type StreamMessage struct {
	RequestID string       `json:"request_id"`
	GroupID   string       `json:"group_id,omitempty"`
	AgentName string       `json:"agent_name"`
	Event     stream.Event `json:"event"`
}

// MessageTypeStream is the connections.Message type for live chunks.
const MessageTypeStream = "agent_stream"

// Relay runs one generation: chunks are forwarded to the originating session
// as they arrive, text is duplicated to a TTS sink when the session has one,
// and the accumulated reply is persisted before returning.
func (s *Service) Relay(ctx context.Context, req *agent.Request, responses <-chan *agent.Response) (*agent.Reply, error) {
	requestID := uuid.New().String()
	logger := s.logger.With("request_id", requestID, "agent", req.Agent)

	ch := stream.NewChannel(logger)
	rt := generation.NewRuntime(ctx, requestID, ch, logger)

	s.track(requestID, &tracked{runtime: rt, userID: req.UserID, sessionID: req.SessionID, agent: req.Agent})
	defer s.untrack(requestID)

	token, err := ch.CreateCompletionToken()
	if err != nil {
		logger.Error("completion token unavailable", "error", err)
		return nil, err
	}

	live := &sessionSink{
		pusher:    s.pusher,
		userID:    req.UserID,
		sessionID: req.SessionID,
		requestID: requestID,
		groupID:   req.GroupID,
		agent:     req.Agent,
	}
	var forwarded chan struct{}
	if s.buffer > 0 {
		queue := stream.NewChanSink(s.buffer)
		forwarded = make(chan struct{})
		go forward(queue, live, forwarded)
		ch.RegisterSink(queue)
	} else {
		ch.RegisterSink(live)
	}
	if s.tts != nil {
		sink, release := s.tts.SinkFor(req.UserID, req.SessionID)
		if sink != nil {
			ch.RegisterTTSSink(sink)
		}
		// SignalCompletion deregisters the sink first, so release never races a send.
		defer release()
	}

	started := time.Now()
	rt.Go(func(taskCtx context.Context) error {
		return pump(taskCtx, rt, ch, responses)
	})
	runErr := rt.Wait()

	s.metrics.AddTTSChunks(ch.TTSDuplicated())
	if err := ch.SignalCompletion(context.WithoutCancel(ctx), token); err != nil {
		logger.Error("completion signal rejected", "error", err)
	} else if forwarded != nil {
		// Live chunks reach the session before the reply is announced.
		<-forwarded
	}

	status := "ok"
	defer func() {
		s.metrics.ObserveGeneration(req.Agent, status, time.Since(started))
	}()

	if rt.IsCancelled() {
		status = "cancelled"
		s.metrics.RecordCancelled()
		logger.Info("generation cancelled")
		return nil, ErrCancelled
	}
	if runErr != nil {
		status = "error"
		return nil, runErr
	}

	results := ch.Results()
	msg := &store.Message{
		ID:        uuid.New().String(),
		GroupID:   req.GroupID,
		SessionID: req.SessionID,
		Author:    req.Agent,
		Role:      store.MessageRoleAgent,
		Content:   results.Text,
		Payload:   resultPayload(results),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMessage(context.WithoutCancel(ctx), msg); err != nil {
		status = "error"
		return nil, fmt.Errorf("%w: %w", agent.ErrReplyNotPersisted, err)
	}

	logger.Debug("reply recorded", "message_id", msg.ID, "chars", len(results.Text))
	return &agent.Reply{Text: results.Text, MessageID: msg.ID}, nil
}

// pump copies provider responses into the channel, checking for
// cancellation at every chunk boundary.
func pump(ctx context.Context, rt *generation.Runtime, ch *stream.Channel, responses <-chan *agent.Response) error {
	var sawText bool
	for {
		if rt.IsCancelled() {
			return nil
		}

		var resp *agent.Response
		var ok bool
		select {
		case <-rt.Cancelled():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok = <-responses:
			if !ok {
				return nil
			}
		}

		var err error
		switch resp.Event {
		case agent.EventText:
			sawText = true
			err = ch.Emit(ctx, stream.Event{Type: stream.EventText, Text: resp.Text})
		case agent.EventThinking:
			err = ch.Emit(ctx, stream.Event{Type: stream.EventReasoning, Text: resp.Text})
		case agent.EventToolUse:
			if resp.ToolUse != nil {
				err = ch.Emit(ctx, stream.Event{Type: stream.EventToolCall, ToolCall: &stream.ToolCall{
					ID:        resp.ToolUse.ID,
					Name:      resp.ToolUse.Name,
					Arguments: toolArguments(resp.ToolUse.InputJSON),
				}})
			}
		case agent.EventDone:
			if !sawText && resp.Text != "" {
				return ch.Emit(ctx, stream.Event{Type: stream.EventText, Text: resp.Text})
			}
			return nil
		case agent.EventError:
			_ = ch.Emit(ctx, stream.Event{Type: stream.EventError, Error: resp.Error})
			return fmt.Errorf("%w: %s", agent.ErrGenerationFailed, resp.Error)
		case agent.EventCancelled:
			rt.Cancel()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func toolArguments(input string) json.RawMessage {
	if input == "" || !json.Valid([]byte(input)) {
		return nil
	}
	return json.RawMessage(input)
}

func resultPayload(r stream.Results) json.RawMessage {
	if r.Reasoning == "" && len(r.ToolCalls) == 0 {
		return nil
	}
	data, err := json.Marshal(struct {
		Reasoning string            `json:"reasoning,omitempty"`
		ToolCalls []stream.ToolCall `json:"tool_calls,omitempty"`
	}{r.Reasoning, r.ToolCalls})
	if err != nil {
		return nil
	}
	return data
}

func (s *Service) track(id string, t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[id] = t
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimes, id)
}

// Active returns the number of in-flight generations.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runtimes)
}

// Cancel explicitly cancels a generation. Returns false if it is not running.
func (s *Service) Cancel(requestID string) bool {
	s.mu.Lock()
	t, ok := s.runtimes[requestID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.runtime.Cancel()
	return true
}

// CancelSession cancels every generation for the user's session regardless
// of disconnect policy. Returns how many were cancelled.
func (s *Service) CancelSession(userID, sessionID string) int {
	n := 0
	for _, t := range s.sessionRuntimes(userID, sessionID) {
		t.runtime.Cancel()
		n++
	}
	return n
}

// AllowDisconnect opts the session's running generations out of
// cancel-on-disconnect.
func (s *Service) AllowDisconnect(userID, sessionID string) int {
	n := 0
	for _, t := range s.sessionRuntimes(userID, sessionID) {
		t.runtime.AllowDisconnect()
		n++
	}
	return n
}

// Disconnect applies each runtime's disconnect policy for the session and
// returns how many were cancelled.
func (s *Service) Disconnect(userID, sessionID string) int {
	n := 0
	for _, t := range s.sessionRuntimes(userID, sessionID) {
		if t.runtime.HandleDisconnect() {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("generations cancelled on disconnect",
			"user_id", userID,
			"session_id", sessionID,
			"count", n)
	}
	return n
}

func (s *Service) sessionRuntimes(userID, sessionID string) []*tracked {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*tracked
	for _, t := range s.runtimes {
		if t.userID == userID && t.sessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// forward pushes queued events to the session until the end event closes
// the queue.
func forward(queue *stream.ChanSink, live *sessionSink, done chan<- struct{}) {
	defer close(done)
	for ev := range queue.Events() {
		_ = live.Deliver(context.Background(), ev)
	}
}

// sessionSink forwards channel events to the originating session only.
type sessionSink struct {
	pusher    Pusher
	userID    string
	sessionID string
	requestID string
	groupID   string
	agent     string
}

func (k *sessionSink) Deliver(ctx context.Context, ev stream.Event) error {
	if k.pusher == nil {
		return nil
	}
	k.pusher.Push(ctx, k.userID, connections.Message{
		Type:      MessageTypeStream,
		SessionID: k.sessionID,
		Data: StreamMessage{
			RequestID: k.requestID,
			GroupID:   k.groupID,
			AgentName: k.agent,
			Event:     ev,
		},
	}, true)
	return nil
}
