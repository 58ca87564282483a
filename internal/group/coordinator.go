// ABOUTME: Coordinator orchestrates one multi-agent round per user turn across three dispatch modes
// ABOUTME: Queued agent replies re-enter through HandleStreamEnd and resume the mode's continuation

package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/mentions"
	"github.com/2389/coven-chorus/internal/metrics"
	"github.com/2389/coven-chorus/internal/store"
)

var (
	// ErrUnknownCorrelation is returned when a stream end names no known AgentRequest.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrInvalidTurn is returned when a user turn cannot start a round.
	ErrInvalidTurn = errors.New("invalid turn")
)

// DefaultContextWindow is the number of prior messages sent with each turn.
const DefaultContextWindow = 20

// Router dispatches one turn to an agent. See agent.Manager.Route.
type Router interface {
	Route(ctx context.Context, req *agent.Request) (*agent.Result, error)
}

// UserTurn is an inbound user message addressed to a set of agents.
type UserTurn struct {
	GroupID   string
	UserID    string
	SessionID string
	Content   string
	Mode      store.Mode
	// TargetAgents is the ordered agent list. For leader_listeners the first
	// entry is the leader and the rest are eligible listeners.
	TargetAgents []string
}

// StreamEnd is an external agent's asynchronous completion.
type StreamEnd struct {
	CorrelationID string
	// GroupID is optional; when set, the group lock is taken before lookup.
	GroupID string
	Text    string
	Payload []byte
	Error   string
}

// Config wires a Coordinator.
type Config struct {
	Store         store.Store
	Router        Router
	Pusher        Pusher
	Pending       *PendingSet // optional; a fresh set is created when nil
	Listeners     mentions.Classifier
	Mentions      mentions.Classifier
	ContextWindow int
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Coordinator runs group rounds. Operations for one group id are serialized.
type Coordinator struct {
	store         store.Store
	router        Router
	pusher        Pusher
	pending       *PendingSet
	listeners     mentions.Classifier
	mentions      mentions.Classifier
	contextWindow int
	metrics       *metrics.Collector
	logger        *slog.Logger
	locks         *groupLocks
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pending := cfg.Pending
	if pending == nil {
		pending = NewPendingSet()
	}
	listeners := cfg.Listeners
	if listeners == nil {
		listeners = mentions.Invocations
	}
	userMentions := cfg.Mentions
	if userMentions == nil {
		userMentions = mentions.AtMentions
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}

	return &Coordinator{
		store:         cfg.Store,
		router:        cfg.Router,
		pusher:        cfg.Pusher,
		pending:       pending,
		listeners:     listeners,
		mentions:      userMentions,
		contextWindow: window,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "group"),
		locks:         newGroupLocks(),
	}
}

// Pending exposes the live pending set.
func (c *Coordinator) Pending() *PendingSet {
	return c.pending
}

func validateTurn(turn *UserTurn) error {
	if turn.GroupID == "" || turn.UserID == "" {
		return fmt.Errorf("%w: group_id and user_id are required", ErrInvalidTurn)
	}
	if !turn.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTurn, turn.Mode)
	}
	if len(turn.TargetAgents) == 0 {
		return fmt.Errorf("%w: no target agents", ErrInvalidTurn)
	}
	seen := make(map[string]bool, len(turn.TargetAgents))
	for _, name := range turn.TargetAgents {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty agent name", ErrInvalidTurn)
		}
		if seen[name] {
			return fmt.Errorf("%w: agent %q listed twice", ErrInvalidTurn, name)
		}
		seen[name] = true
	}
	return nil
}

// StartTurn records the user's message, creates the GroupRequest and runs the
// mode until it either finishes or waits on a queued reply.
func (c *Coordinator) StartTurn(ctx context.Context, turn *UserTurn) (*store.GroupRequest, error) {
	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	unlock := c.locks.lock(turn.GroupID)
	defer unlock()

	// Record first, then act.
	msg := &store.Message{
		ID:        uuid.New().String(),
		GroupID:   turn.GroupID,
		SessionID: turn.SessionID,
		Author:    turn.UserID,
		Role:      store.MessageRoleUser,
		Content:   turn.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}

	gr := &store.GroupRequest{
		ID:           uuid.New().String(),
		GroupID:      turn.GroupID,
		MessageID:    msg.ID,
		UserID:       turn.UserID,
		SessionID:    turn.SessionID,
		Prompt:       turn.Content,
		Mode:         turn.Mode,
		TargetAgents: append([]string(nil), turn.TargetAgents...),
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if gr.Mode == store.ModeLeaderListeners {
		gr.MentionedAgents = c.mentions.Classify(turn.Content, gr.Members())
	}
	if err := c.store.CreateGroupRequest(ctx, gr); err != nil {
		return nil, fmt.Errorf("creating group request: %w", err)
	}

	c.logger.Info("group round started",
		"group_id", gr.GroupID,
		"group_request_id", gr.ID,
		"mode", gr.Mode,
		"agents", len(gr.TargetAgents),
	)

	var err error
	switch gr.Mode {
	case store.ModeSequential:
		err = c.runSequential(ctx, gr)
	case store.ModeLeaderListeners:
		err = c.runLeader(ctx, gr)
	case store.ModeExplicit:
		err = c.runExplicit(ctx, gr)
	}
	if err != nil {
		return gr, err
	}
	return gr, nil
}

// HandleStreamEnd applies an external agent's completion. Completions whose
// AgentRequest or parent GroupRequest is no longer pending are ignored.
func (c *Coordinator) HandleStreamEnd(ctx context.Context, end *StreamEnd) error {
	if end.CorrelationID == "" {
		return fmt.Errorf("%w: empty", ErrUnknownCorrelation)
	}

	groupID := end.GroupID
	if groupID == "" {
		_, gr, err := c.resolve(ctx, end.CorrelationID)
		if err != nil {
			return err
		}
		groupID = gr.GroupID
	}

	unlock := c.locks.lock(groupID)
	defer unlock()

	ar, gr, err := c.resolve(ctx, end.CorrelationID)
	if err != nil {
		return err
	}
	if gr.GroupID != groupID {
		return fmt.Errorf("correlation %s belongs to group %s, not %s", end.CorrelationID, gr.GroupID, groupID)
	}

	if gr.Status != store.StatusPending || ar.Status != store.StatusPending {
		c.metrics.RecordStreamEnd(metrics.StreamEndDuplicate)
		c.logger.Debug("ignoring stream end for finished request",
			"correlation_id", end.CorrelationID,
			"group_request_id", gr.ID,
			"group_status", gr.Status,
			"agent_status", ar.Status,
		)
		return nil
	}

	t := turnSpec{
		agent:     ar.AgentName,
		role:      ar.Role,
		invokedBy: ar.InvokedBy,
		position:  ar.Position,
	}

	var out outcome
	if end.Error != "" {
		out.failed = true
		c.replyFailed(ctx, gr, t, end.Error)
	} else {
		msgID, err := c.saveReply(ctx, gr, ar.AgentName, end.Text, end.Payload)
		if err != nil {
			return err
		}
		out.text = end.Text
		c.replied(ctx, gr, t, end.Text, msgID)
	}

	claimed, err := c.store.CompleteAgentRequest(ctx, ar.ID)
	if err != nil {
		return fmt.Errorf("completing agent request: %w", err)
	}
	if !claimed {
		c.metrics.RecordStreamEnd(metrics.StreamEndDuplicate)
		return nil
	}
	c.metrics.RecordStreamEnd(metrics.StreamEndProcessed)

	c.logger.Debug("stream end applied",
		"correlation_id", end.CorrelationID,
		"group_request_id", gr.ID,
		"agent", ar.AgentName,
	)

	switch gr.Mode {
	case store.ModeSequential:
		return c.runSequential(ctx, gr)
	case store.ModeLeaderListeners:
		if ar.Role == store.RoleLeader {
			return c.runListeners(ctx, gr, out)
		}
		return c.checkFinalize(ctx, gr)
	default:
		return c.checkFinalize(ctx, gr)
	}
}

func (c *Coordinator) resolve(ctx context.Context, correlationID string) (*store.AgentRequest, *store.GroupRequest, error) {
	ar, err := c.store.GetAgentRequestByCorrelation(ctx, correlationID)
	if errors.Is(err, store.ErrNotFound) {
		c.metrics.RecordStreamEnd(metrics.StreamEndUnknown)
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up correlation: %w", err)
	}
	gr, err := c.store.GetGroupRequest(ctx, ar.GroupRequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading group request %s: %w", ar.GroupRequestID, err)
	}
	return ar, gr, nil
}

// ExpirePending lists AgentRequests still waiting on an external reply that
// were dispatched before olderThan. Nothing is completed automatically.
func (c *Coordinator) ExpirePending(ctx context.Context, olderThan time.Duration) ([]*store.AgentRequest, error) {
	stuck, err := c.store.ListPendingAgentRequests(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("listing pending agent requests: %w", err)
	}
	for _, ar := range stuck {
		c.logger.Warn("agent request still pending",
			"correlation_id", ar.CorrelationID,
			"agent", ar.AgentName,
			"group_request_id", ar.GroupRequestID,
			"age", time.Since(ar.CreatedAt).Round(time.Second),
		)
	}
	return stuck, nil
}

// turnSpec describes one dispatch within a round.
type turnSpec struct {
	agent     string
	role      string
	invokedBy string
	position  int
	// extra is appended after the stored history.
	extra []agent.ContextMessage
}

type outcome struct {
	queued bool
	failed bool
	text   string
}

// dispatch routes one turn. Dispatch failures become agent_error events and
// a failed outcome; only durable write failures are returned as errors, and
// those also clear the typing indicator with an agent_error.
func (c *Coordinator) dispatch(ctx context.Context, gr *store.GroupRequest, t turnSpec) (out outcome, err error) {
	c.pending.Add(gr.GroupID, t.agent)
	c.push(ctx, gr.UserID, gr.SessionID, c.event(EventAgentTyping, gr, t))
	defer func() {
		if err != nil {
			c.replyFailed(ctx, gr, t, err.Error())
		}
	}()

	history, err := c.history(ctx, gr)
	if err != nil {
		return outcome{}, err
	}

	req := &agent.Request{
		Agent:          t.agent,
		UserID:         gr.UserID,
		SessionID:      gr.SessionID,
		GroupID:        gr.GroupID,
		GroupRequestID: gr.ID,
		Content:        gr.Prompt,
		Context:        append(history, t.extra...),
		RoleHint:       t.invokedBy,
	}

	res, err := c.router.Route(ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrReplyNotPersisted) {
			return outcome{}, err
		}
		c.logger.Warn("dispatch failed",
			"group_request_id", gr.ID,
			"agent", t.agent,
			"error", err,
		)
		c.replyFailed(ctx, gr, t, err.Error())
		return outcome{failed: true}, nil
	}

	if res.Queued {
		ar := &store.AgentRequest{
			ID:             uuid.New().String(),
			GroupRequestID: gr.ID,
			CorrelationID:  res.CorrelationID,
			AgentName:      t.agent,
			Role:           t.role,
			InvokedBy:      t.invokedBy,
			Position:       t.position,
			Status:         store.StatusPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := c.store.CreateAgentRequest(ctx, ar); err != nil {
			return outcome{}, fmt.Errorf("recording queued turn for %s: %w", t.agent, err)
		}
		return outcome{queued: true}, nil
	}

	msgID := res.MessageID
	if msgID == "" {
		msgID, err = c.saveReply(ctx, gr, t.agent, res.Response, res.Payload)
		if err != nil {
			return outcome{}, err
		}
	}
	c.replied(ctx, gr, t, res.Response, msgID)
	return outcome{text: res.Response}, nil
}

func (c *Coordinator) saveReply(ctx context.Context, gr *store.GroupRequest, agentName, text string, payload []byte) (string, error) {
	msg := &store.Message{
		ID:        uuid.New().String(),
		GroupID:   gr.GroupID,
		SessionID: gr.SessionID,
		Author:    agentName,
		Role:      store.MessageRoleAgent,
		Content:   text,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("saving reply from %s: %w", agentName, err)
	}
	return msg.ID, nil
}

func (c *Coordinator) replied(ctx context.Context, gr *store.GroupRequest, t turnSpec, text, msgID string) {
	c.pending.Remove(gr.GroupID, t.agent)
	ev := c.event(EventAgentResponse, gr, t)
	ev.Content = text
	ev.MessageID = msgID
	c.push(ctx, gr.UserID, gr.SessionID, ev)
}

func (c *Coordinator) replyFailed(ctx context.Context, gr *store.GroupRequest, t turnSpec, reason string) {
	c.pending.Remove(gr.GroupID, t.agent)
	ev := c.event(EventAgentError, gr, t)
	ev.Error = reason
	c.push(ctx, gr.UserID, gr.SessionID, ev)
}

func (c *Coordinator) event(typ string, gr *store.GroupRequest, t turnSpec) Event {
	ev := Event{
		Type:           typ,
		GroupID:        gr.GroupID,
		GroupRequestID: gr.ID,
		AgentName:      t.agent,
	}
	switch gr.Mode {
	case store.ModeSequential:
		pos := t.position
		last := pos == len(gr.TargetAgents)-1
		ev.Position = &pos
		ev.IsLast = &last
	case store.ModeLeaderListeners:
		ev.Role = t.role
		ev.InvokedBy = t.invokedBy
	}
	return ev
}

// history returns the bounded context window for gr, oldest first, without
// the round's own user message (it is sent as the request content).
func (c *Coordinator) history(ctx context.Context, gr *store.GroupRequest) ([]agent.ContextMessage, error) {
	msgs, err := c.store.ListMessages(ctx, gr.GroupID, c.contextWindow)
	if err != nil {
		return nil, fmt.Errorf("loading context window: %w", err)
	}
	out := make([]agent.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == gr.MessageID {
			continue
		}
		out = append(out, agent.ContextMessage{Author: m.Author, Role: m.Role, Content: m.Content})
	}
	return out, nil
}
