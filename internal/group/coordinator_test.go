// ABOUTME: Tests for the group coordinator across sequential, leader_listeners and explicit rounds
// ABOUTME: Uses MockStore, a scripted router and a recording pusher to observe dispatches and events

package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/connections"
	"github.com/2389/coven-chorus/internal/store"
)

// scriptedRouter answers each agent with its scripted function, or queues
// the turn under "corr-<agent>" when none is set.
type scriptedRouter struct {
	mu      sync.Mutex
	calls   []*agent.Request
	replies map[string]func(*agent.Request) (*agent.Result, error)
}

func newScriptedRouter() *scriptedRouter {
	return &scriptedRouter{replies: make(map[string]func(*agent.Request) (*agent.Result, error))}
}

func (r *scriptedRouter) Route(_ context.Context, req *agent.Request) (*agent.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	reply := r.replies[req.Agent]
	r.mu.Unlock()

	if reply != nil {
		return reply(req)
	}
	return &agent.Result{Queued: true, CorrelationID: "corr-" + req.Agent}, nil
}

func (r *scriptedRouter) immediate(name, text string) {
	r.replies[name] = func(*agent.Request) (*agent.Result, error) {
		return &agent.Result{Response: text}, nil
	}
}

func (r *scriptedRouter) queued(name, correlationID string) {
	r.replies[name] = func(*agent.Request) (*agent.Result, error) {
		return &agent.Result{Queued: true, CorrelationID: correlationID}, nil
	}
}

func (r *scriptedRouter) failing(name string, err error) {
	r.replies[name] = func(*agent.Request) (*agent.Result, error) {
		return nil, err
	}
}

func (r *scriptedRouter) agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.calls))
	for i, c := range r.calls {
		names[i] = c.Agent
	}
	return names
}

func (r *scriptedRouter) request(name string) *agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Agent == name {
			return c
		}
	}
	return nil
}

type pushed struct {
	event         Event
	sessionScoped bool
}

type recordingPusher struct {
	mu     sync.Mutex
	events []pushed
}

func (p *recordingPusher) Push(_ context.Context, _ string, msg connections.Message, sessionScoped bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pushed{event: msg.Data.(Event), sessionScoped: sessionScoped})
	return true
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPusher) ofType(typ string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.event.Type == typ {
			out = append(out, e.event)
		}
	}
	return out
}

type fixture struct {
	store  *store.MockStore
	router *scriptedRouter
	pusher *recordingPusher
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMockStore(),
		router: newScriptedRouter(),
		pusher: &recordingPusher{},
	}
	f.coord = New(Config{
		Store:  f.store,
		Router: f.router,
		Pusher: f.pusher,
	})
	return f
}

func (f *fixture) start(t *testing.T, mode store.Mode, content string, targets ...string) *store.GroupRequest {
	t.Helper()
	gr, err := f.coord.StartTurn(t.Context(), &UserTurn{
		GroupID:      "g1",
		UserID:       "alice",
		SessionID:    "s1",
		Content:      content,
		Mode:         mode,
		TargetAgents: targets,
	})
	require.NoError(t, err)
	return gr
}

func (f *fixture) groupRequest(t *testing.T, id string) *store.GroupRequest {
	t.Helper()
	gr, err := f.store.GetGroupRequest(t.Context(), id)
	require.NoError(t, err)
	return gr
}

func (f *fixture) messages(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(t.Context(), "g1", 0)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) end(t *testing.T, correlationID, text string) {
	t.Helper()
	require.NoError(t, f.coord.HandleStreamEnd(t.Context(), &StreamEnd{
		CorrelationID: correlationID,
		GroupID:       "g1",
		Text:          text,
	}))
}

func TestStartTurn_Validation(t *testing.T) {
	tests := []struct {
		name string
		turn UserTurn
	}{
		{"missing group", UserTurn{UserID: "alice", Mode: store.ModeExplicit, TargetAgents: []string{"a"}}},
		{"unknown mode", UserTurn{GroupID: "g1", UserID: "alice", Mode: "round_robin", TargetAgents: []string{"a"}}},
		{"no targets", UserTurn{GroupID: "g1", UserID: "alice", Mode: store.ModeSequential}},
		{"blank target", UserTurn{GroupID: "g1", UserID: "alice", Mode: store.ModeSequential, TargetAgents: []string{"a", " "}}},
		{"duplicate target", UserTurn{GroupID: "g1", UserID: "alice", Mode: store.ModeExplicit, TargetAgents: []string{"a", "a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.coord.StartTurn(t.Context(), &tt.turn)
			assert.ErrorIs(t, err, ErrInvalidTurn)
			assert.Empty(t, f.messages(t))
		})
	}
}

func TestStartTurn_UserMessageSaveFails(t *testing.T) {
	f := newFixture(t)
	f.store.SaveMessageErr = errors.New("disk full")

	_, err := f.coord.StartTurn(t.Context(), &UserTurn{
		GroupID: "g1", UserID: "alice", Mode: store.ModeExplicit, TargetAgents: []string{"a"},
	})
	require.Error(t, err)
	assert.Empty(t, f.router.agents(), "nothing is dispatched before the user message is recorded")
}

func TestSequential_QueuedRepliesAdvanceCursor(t *testing.T) {
	f := newFixture(t)

	gr := f.start(t, store.ModeSequential, "plan the release", "A", "B", "C")
	assert.Equal(t, []string{"A"}, f.router.agents())
	got := f.groupRequest(t, gr.ID)
	assert.Equal(t, 1, got.NextAgentIndex)
	assert.Equal(t, store.StatusPending, got.Status)

	f.end(t, "corr-A", "A says ship it")
	got = f.groupRequest(t, gr.ID)
	assert.Equal(t, 2, got.NextAgentIndex)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, []string{"A", "B"}, f.router.agents())

	f.end(t, "corr-B", "B agrees")
	got = f.groupRequest(t, gr.ID)
	assert.Equal(t, 3, got.NextAgentIndex)
	assert.Equal(t, store.StatusPending, got.Status, "not complete until C replies")
	assert.Empty(t, f.pusher.ofType(EventSequenceComplete))

	f.end(t, "corr-C", "C signs off")
	got = f.groupRequest(t, gr.ID)
	assert.Equal(t, 3, got.NextAgentIndex)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []string{"A", "B", "C"}, f.router.agents())
	require.Len(t, f.store.AgentRequests(), 3)
	for _, ar := range f.store.AgentRequests() {
		assert.Equal(t, store.StatusCompleted, ar.Status)
	}

	responses := f.pusher.ofType(EventAgentResponse)
	require.Len(t, responses, 3)
	for i, ev := range responses {
		require.NotNil(t, ev.Position)
		assert.Equal(t, i, *ev.Position)
		assert.Equal(t, i == 2, *ev.IsLast)
	}
	assert.Len(t, f.pusher.ofType(EventSequenceComplete), 1)
	assert.Empty(t, f.coord.Pending().Pending("g1"))

	// B saw A's reply in its context window.
	bReq := f.router.request("B")
	require.NotNil(t, bReq)
	assert.Equal(t, "plan the release", bReq.Content)
	require.Len(t, bReq.Context, 1)
	assert.Equal(t, "A", bReq.Context[0].Author)
	assert.Equal(t, "A says ship it", bReq.Context[0].Content)
}

func TestSequential_ImmediateRunsInOnePass(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("A", "first")
	f.router.immediate("B", "second")

	gr := f.start(t, store.ModeSequential, "go", "A", "B")

	got := f.groupRequest(t, gr.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.NextAgentIndex)
	assert.Empty(t, f.store.AgentRequests(), "immediate replies create no agent requests")

	msgs := f.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
}

func TestSequential_DispatchErrorDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("A", "ok")
	f.router.failing("B", agent.ErrAgentNotFound)
	f.router.immediate("C", "still here")

	gr := f.start(t, store.ModeSequential, "go", "A", "B", "C")

	assert.Equal(t, []string{"A", "B", "C"}, f.router.agents())
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)

	errs := f.pusher.ofType(EventAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, "B", errs[0].AgentName)
	assert.Contains(t, errs[0].Error, "agent not found")
	assert.Len(t, f.pusher.ofType(EventAgentResponse), 2)
}

func TestSequential_ImmediateThenQueued(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("A", "quick")

	gr := f.start(t, store.ModeSequential, "go", "A", "B", "C")
	assert.Equal(t, []string{"A", "B"}, f.router.agents())
	assert.Equal(t, 2, f.groupRequest(t, gr.ID).NextAgentIndex)

	f.router.immediate("C", "done")
	f.end(t, "corr-B", "slow")

	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
	assert.Len(t, f.messages(t), 4)
}

func TestLeaderListeners_DispatchesInvokedAndMentioned(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("lead", "Good question. Ask X for the numbers.")
	f.router.immediate("X", "numbers")
	f.router.immediate("Y", "opinion")

	gr := f.start(t, store.ModeLeaderListeners, "@Y what do you think?", "lead", "X", "Y", "Z")

	assert.Equal(t, []string{"lead", "Y", "X"}, f.router.agents())
	got := f.groupRequest(t, gr.ID)
	assert.Equal(t, []string{"Y"}, got.MentionedAgents)
	assert.Equal(t, []string{"X"}, got.InvokedAgents)
	assert.Equal(t, store.StatusCompleted, got.Status)

	xReq := f.router.request("X")
	require.NotNil(t, xReq)
	assert.Equal(t, store.InvokedByLeader, xReq.RoleHint)
	require.NotEmpty(t, xReq.Context)
	last := xReq.Context[len(xReq.Context)-1]
	assert.Equal(t, "lead", last.Author)
	assert.Equal(t, "Good question. Ask X for the numbers.", last.Content)

	yReq := f.router.request("Y")
	require.NotNil(t, yReq)
	assert.Equal(t, store.InvokedByUser, yReq.RoleHint)

	byAgent := map[string]Event{}
	for _, ev := range f.pusher.ofType(EventAgentResponse) {
		byAgent[ev.AgentName] = ev
	}
	assert.Equal(t, store.RoleLeader, byAgent["lead"].Role)
	assert.Equal(t, store.RoleListener, byAgent["X"].Role)
	assert.Equal(t, store.InvokedByLeader, byAgent["X"].InvokedBy)
	assert.Equal(t, store.InvokedByUser, byAgent["Y"].InvokedBy)
	assert.Nil(t, byAgent["X"].Position)
}

func TestLeaderListeners_SameListenerFromBothSources(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("lead", "@X can you check?")
	f.router.immediate("X", "checked")

	f.start(t, store.ModeLeaderListeners, "@X please weigh in", "lead", "X", "Y")

	assert.Equal(t, []string{"lead", "X"}, f.router.agents(), "X is dispatched once")
	assert.Equal(t, store.InvokedByUser, f.router.request("X").RoleHint)
}

func TestLeaderListeners_NoListeners(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("lead", "I can answer this myself.")

	gr := f.start(t, store.ModeLeaderListeners, "hello", "lead", "X")

	assert.Equal(t, []string{"lead"}, f.router.agents())
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
}

func TestLeaderListeners_QueuedLeaderAndListener(t *testing.T) {
	f := newFixture(t)

	gr := f.start(t, store.ModeLeaderListeners, "status?", "lead", "X", "Y")
	assert.Equal(t, []string{"lead"}, f.router.agents(), "listeners wait for the leader")
	assert.Equal(t, []string{"lead"}, f.coord.Pending().Pending("g1"))

	f.end(t, "corr-lead", "over to X on this one")
	assert.Equal(t, []string{"lead", "X"}, f.router.agents())
	assert.Equal(t, store.StatusPending, f.groupRequest(t, gr.ID).Status)
	assert.Equal(t, []string{"X"}, f.coord.Pending().Pending("g1"))

	f.end(t, "corr-X", "on it")
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
	assert.Len(t, f.pusher.ofType(EventSequenceComplete), 1)
}

func TestLeaderListeners_LeaderFailureStillServesMentions(t *testing.T) {
	f := newFixture(t)
	f.router.failing("lead", errors.New("leader offline"))
	f.router.immediate("Y", "here")

	gr := f.start(t, store.ModeLeaderListeners, "@Y are you there", "lead", "X", "Y")

	assert.Equal(t, []string{"lead", "Y"}, f.router.agents())
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
	require.Len(t, f.pusher.ofType(EventAgentError), 1)
}

func TestExplicit_AllTargetsOnce(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("a", "from a")

	gr := f.start(t, store.ModeExplicit, "everyone", "a", "b", "c")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.router.agents())
	assert.Equal(t, store.StatusPending, f.groupRequest(t, gr.ID).Status)

	f.end(t, "corr-c", "from c")
	assert.Equal(t, store.StatusPending, f.groupRequest(t, gr.ID).Status)

	f.end(t, "corr-b", "from b")
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)

	for _, ar := range f.store.AgentRequests() {
		assert.Equal(t, store.RoleExplicit, ar.Role)
	}
}

func TestHandleStreamEnd_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.router.queued("bugsy", "p1")

	gr := f.start(t, store.ModeExplicit, "find the bug", "bugsy")
	f.end(t, "p1", "found it")

	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
	messages := len(f.messages(t))
	events := f.pusher.count()

	f.end(t, "p1", "found it")

	assert.Len(t, f.messages(t), messages, "second delivery persists nothing")
	assert.Equal(t, events, f.pusher.count(), "second delivery emits nothing")
}

func TestHandleStreamEnd_DuplicateWhileRoundPending(t *testing.T) {
	f := newFixture(t)
	f.router.queued("bugsy", "p1")

	gr := f.start(t, store.ModeExplicit, "find the bug", "bugsy", "other")
	f.end(t, "p1", "found it")
	messages := len(f.messages(t))
	events := f.pusher.count()

	f.end(t, "p1", "found it")

	assert.Len(t, f.messages(t), messages)
	assert.Equal(t, events, f.pusher.count())
	assert.Equal(t, store.StatusPending, f.groupRequest(t, gr.ID).Status)
}

func TestHandleStreamEnd_UnknownCorrelation(t *testing.T) {
	f := newFixture(t)

	err := f.coord.HandleStreamEnd(t.Context(), &StreamEnd{CorrelationID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)

	err = f.coord.HandleStreamEnd(t.Context(), &StreamEnd{})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestHandleStreamEnd_ResolvesGroupWithoutHint(t *testing.T) {
	f := newFixture(t)
	gr := f.start(t, store.ModeExplicit, "hi", "a")

	require.NoError(t, f.coord.HandleStreamEnd(t.Context(), &StreamEnd{CorrelationID: "corr-a", Text: "hey"}))
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
}

func TestHandleStreamEnd_AgentError(t *testing.T) {
	f := newFixture(t)
	gr := f.start(t, store.ModeExplicit, "hi", "a")

	require.NoError(t, f.coord.HandleStreamEnd(t.Context(), &StreamEnd{
		CorrelationID: "corr-a",
		GroupID:       "g1",
		Error:         "model overloaded",
	}))

	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
	errs := f.pusher.ofType(EventAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, "model overloaded", errs[0].Error)
	assert.Len(t, f.messages(t), 1, "only the user's message")
}

func TestHandleStreamEnd_PersistenceFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	gr := f.start(t, store.ModeExplicit, "hi", "a")

	f.store.SaveMessageErr = errors.New("disk full")
	err := f.coord.HandleStreamEnd(t.Context(), &StreamEnd{CorrelationID: "corr-a", GroupID: "g1", Text: "reply"})
	require.Error(t, err)
	assert.Equal(t, store.StatusPending, f.store.AgentRequests()[0].Status)
	assert.Equal(t, store.StatusPending, f.groupRequest(t, gr.ID).Status)

	f.store.SaveMessageErr = nil
	f.end(t, "corr-a", "reply")
	assert.Equal(t, store.StatusCompleted, f.groupRequest(t, gr.ID).Status)
}

func TestDispatch_RelayPersistenceFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.router.failing("a", fmt.Errorf("%w: disk full", agent.ErrReplyNotPersisted))

	_, err := f.coord.StartTurn(t.Context(), &UserTurn{
		GroupID: "g1", UserID: "alice", Mode: store.ModeExplicit, TargetAgents: []string{"a", "b"},
	})
	assert.ErrorIs(t, err, agent.ErrReplyNotPersisted)

	errs := f.pusher.ofType(EventAgentError)
	require.Len(t, errs, 1, "the typing indicator is cleared for the lost reply")
	assert.Equal(t, "a", errs[0].AgentName)
	assert.Empty(t, f.coord.Pending().Pending("g1"))
}

func TestDispatch_QueuedRecordFailureClearsTyping(t *testing.T) {
	f := newFixture(t)
	f.router.queued("a", "dup")
	f.router.queued("b", "dup")

	_, err := f.coord.StartTurn(t.Context(), &UserTurn{
		GroupID: "g1", UserID: "alice", Mode: store.ModeSequential, TargetAgents: []string{"a"},
	})
	require.NoError(t, err)
	f.end(t, "dup", "first")

	_, err = f.coord.StartTurn(t.Context(), &UserTurn{
		GroupID: "g1", UserID: "alice", Mode: store.ModeExplicit, TargetAgents: []string{"b"},
	})
	assert.ErrorIs(t, err, store.ErrDuplicateCorrelation)
	assert.Len(t, f.pusher.ofType(EventAgentTyping), 2)
	errs := f.pusher.ofType(EventAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, "b", errs[0].AgentName)
	assert.Empty(t, f.coord.Pending().Pending("g1"))
}

func TestDispatch_RelayPersistedReplyIsNotSavedTwice(t *testing.T) {
	f := newFixture(t)
	f.router.replies["a"] = func(*agent.Request) (*agent.Result, error) {
		return &agent.Result{Response: "streamed", MessageID: "msg-from-relay"}, nil
	}

	f.start(t, store.ModeExplicit, "hi", "a")

	assert.Len(t, f.messages(t), 1, "only the user's message; the relay stored the reply")
	responses := f.pusher.ofType(EventAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-from-relay", responses[0].MessageID)
}

func TestEvents_TypingIsSessionScoped(t *testing.T) {
	f := newFixture(t)
	f.router.immediate("a", "hi")

	f.start(t, store.ModeExplicit, "hello", "a")

	f.pusher.mu.Lock()
	defer f.pusher.mu.Unlock()
	require.NotEmpty(t, f.pusher.events)
	for _, p := range f.pusher.events {
		assert.Equal(t, p.event.Type == EventAgentTyping, p.sessionScoped, p.event.Type)
	}
}

func TestContextWindowIsBounded(t *testing.T) {
	st := store.NewMockStore()
	router := newScriptedRouter()
	router.immediate("a", "ok")
	coord := New(Config{Store: st, Router: router, ContextWindow: 3})

	base := time.Now().Add(-time.Hour)
	for i := range 10 {
		require.NoError(t, st.SaveMessage(t.Context(), &store.Message{
			ID:        fmt.Sprintf("old-%d", i),
			GroupID:   "g1",
			Author:    "alice",
			Role:      store.MessageRoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	_, err := coord.StartTurn(t.Context(), &UserTurn{
		GroupID: "g1", UserID: "alice", Content: "latest", Mode: store.ModeExplicit, TargetAgents: []string{"a"},
	})
	require.NoError(t, err)

	req := router.request("a")
	require.NotNil(t, req)
	require.Len(t, req.Context, 2, "window of three minus the round's own message")
	assert.Equal(t, "message 8", req.Context[0].Content)
	assert.Equal(t, "message 9", req.Context[1].Content)
}

func TestExpirePending(t *testing.T) {
	f := newFixture(t)
	f.start(t, store.ModeExplicit, "hi", "a", "b")

	stuck, err := f.coord.ExpirePending(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, stuck, 2)

	stuck, err = f.coord.ExpirePending(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	for _, ar := range f.store.AgentRequests() {
		assert.Equal(t, store.StatusPending, ar.Status, "listing does not complete anything")
	}
}
