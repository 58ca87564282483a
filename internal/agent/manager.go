// ABOUTME: Routes turns to agents: in-process providers answer immediately, external runtimes later
// ABOUTME: Tracks connected runtimes, correlates their stream-end frames and drops duplicates

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chorus/internal/dedupe"
	"github.com/2389/coven-chorus/internal/metrics"
)

// ErrAgentAlreadyRegistered indicates a connection with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates no provider or connected runtime serves the agent name.
var ErrAgentNotFound = errors.New("agent not found")

// ErrGenerationFailed wraps an error event reported by an in-process agent.
var ErrGenerationFailed = errors.New("generation failed")

// ErrReplyNotPersisted wraps a storage failure while saving an in-process reply.
var ErrReplyNotPersisted = errors.New("reply not persisted")

// StreamEndHandler receives de-duplicated stream-end frames.
type StreamEndHandler func(ctx context.Context, end StreamEnd) error

// ChunkHandler receives partial text from external runtimes.
type ChunkHandler func(ctx context.Context, chunk Chunk)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// DispatchTimeout bounds a frame send or an in-process generation. Zero disables it.
	DispatchTimeout time.Duration
	// Seen drops repeated stream-end frames. Nil disables de-duplication.
	Seen    *dedupe.Window
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Manager is the route_to_agent implementation.
type Manager struct {
	providers map[string]Provider
	agents    map[string]*Connection
	router    *Router
	relay     Relay

	onStreamEnd StreamEndHandler
	onChunk     ChunkHandler

	dispatchTimeout time.Duration
	seen            *dedupe.Window
	metrics         *metrics.Collector
	mu              sync.RWMutex
	logger          *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers:       make(map[string]Provider),
		agents:          make(map[string]*Connection),
		router:          NewRouter(),
		dispatchTimeout: cfg.DispatchTimeout,
		seen:            cfg.Seen,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "agent_manager"),
	}
}

// SetRelay installs the live-streaming relay used for in-process agents.
// Without a relay the provider's text is collected silently.
func (m *Manager) SetRelay(relay Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relay = relay
}

// OnStreamEnd installs the handler for external completions.
func (m *Manager) OnStreamEnd(h StreamEndHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStreamEnd = h
}

// OnChunk installs the handler for partial text from external runtimes.
func (m *Manager) OnChunk(h ChunkHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChunk = h
}

// RegisterProvider makes an in-process agent available under name.
func (m *Manager) RegisterProvider(name string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
	m.logger.Info("in-process agent registered", "name", name)
}

// Register adds an external runtime connection.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[conn.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[conn.ID] = conn
	m.metrics.AgentConnected()
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes a runtime connection. Turns still in flight on it stay
// pending in the durable store; their runtime may report them after a reconnect.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	conn, exists := m.agents[connID]
	if exists {
		delete(m.agents, connID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if !exists {
		return
	}

	m.metrics.AgentDisconnected()
	orphaned := conn.drain()
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", connID,
		"name", conn.Name,
		"total_agents", total,
	)
	if len(orphaned) > 0 {
		m.logger.Warn("agent disconnected with turns in flight",
			"agent_id", connID,
			"name", conn.Name,
			"correlation_ids", orphaned,
		)
	}
}

// GetAgent retrieves a runtime connection by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// ListAgents returns information about connected runtimes, sorted by name then ID.
func (m *Manager) ListAgents() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.agents))
	for _, conn := range m.agents {
		infos = append(infos, Info{ID: conn.ID, Name: conn.Name, Pending: conn.PendingCount()})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Providers returns the names of in-process agents, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsOnline reports whether name is served by a provider or a connected runtime.
func (m *Manager) IsOnline(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.providers[name]; ok {
		return true
	}
	return len(m.connectionsLocked(name)) > 0
}

// connectionsLocked returns the runtimes for name in stable ID order.
func (m *Manager) connectionsLocked(name string) []*Connection {
	var conns []*Connection
	for _, conn := range m.agents {
		if strings.EqualFold(conn.Name, name) {
			conns = append(conns, conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// Route dispatches one turn. In-process agents run to completion and return
// their reply; external runtimes receive a turn frame and the result is
// Queued with the correlation id their stream end will carry.
func (m *Manager) Route(ctx context.Context, req *Request) (*Result, error) {
	m.mu.RLock()
	provider, local := m.providers[req.Agent]
	relay := m.relay
	conns := m.connectionsLocked(req.Agent)
	m.mu.RUnlock()

	if local {
		return m.runProvider(ctx, provider, relay, req)
	}

	if len(conns) == 0 {
		m.metrics.RecordDispatch(req.Agent, metrics.OutcomeError)
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, req.Agent)
	}

	conn, err := m.router.SelectAgent(req.Agent, conns)
	if err != nil {
		m.metrics.RecordDispatch(req.Agent, metrics.OutcomeError)
		return nil, err
	}

	correlationID := uuid.New().String()
	conn.CreateRequest(correlationID, req)

	sendCtx := ctx
	if m.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, m.dispatchTimeout)
		defer cancel()
	}

	frame := Frame{
		Type:          FrameTurn,
		CorrelationID: correlationID,
		Agent:         req.Agent,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		GroupID:       req.GroupID,
		Content:       req.Content,
		Context:       req.Context,
		RoleHint:      req.RoleHint,
	}
	if err := conn.Send(sendCtx, frame); err != nil {
		conn.CloseRequest(correlationID)
		m.metrics.RecordDispatch(req.Agent, metrics.OutcomeError)
		return nil, fmt.Errorf("sending turn to %s: %w", req.Agent, err)
	}

	m.metrics.RecordDispatch(req.Agent, metrics.OutcomeQueued)
	m.logger.Debug("turn queued on agent runtime",
		"agent", req.Agent,
		"agent_id", conn.ID,
		"correlation_id", correlationID,
	)
	return &Result{Queued: true, CorrelationID: correlationID}, nil
}

func (m *Manager) runProvider(ctx context.Context, p Provider, relay Relay, req *Request) (*Result, error) {
	var cancel context.CancelFunc
	if m.dispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.dispatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	// Stops the provider if the relay returns before draining it.
	defer cancel()

	responses, err := p.Generate(ctx, req)
	if err != nil {
		m.metrics.RecordDispatch(req.Agent, metrics.OutcomeError)
		return nil, fmt.Errorf("starting %s: %w", req.Agent, err)
	}

	reply := &Reply{}
	if relay != nil {
		reply, err = relay.Relay(ctx, req, responses)
	} else {
		reply.Text, err = Collect(ctx, responses)
	}
	if err != nil {
		m.metrics.RecordDispatch(req.Agent, metrics.OutcomeError)
		return nil, err
	}

	m.metrics.RecordDispatch(req.Agent, metrics.OutcomeImmediate)
	return &Result{Response: reply.Text, MessageID: reply.MessageID}, nil
}

// Collect drains responses and returns the final text. A Done event carrying
// text replaces the accumulated chunks.
func Collect(ctx context.Context, responses <-chan *Response) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				return b.String(), nil
			}
			switch resp.Event {
			case EventText:
				b.WriteString(resp.Text)
			case EventDone:
				if resp.Text != "" {
					return resp.Text, nil
				}
				return b.String(), nil
			case EventError:
				return "", fmt.Errorf("%w: %s", ErrGenerationFailed, resp.Error)
			case EventCancelled:
				return "", context.Canceled
			}
		}
	}
}

// HandleFrame processes one inbound frame from conn.
func (m *Manager) HandleFrame(ctx context.Context, conn *Connection, frame Frame) error {
	switch frame.Type {
	case FrameChunk:
		m.handleChunk(ctx, conn, frame)
		return nil
	case FrameStreamEnd:
		return m.handleStreamEnd(ctx, conn, frame)
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
	}
}

func (m *Manager) handleChunk(ctx context.Context, conn *Connection, frame Frame) {
	turn, ok := conn.lookup(frame.CorrelationID)
	if !ok {
		m.logger.Warn("chunk for unknown correlation id",
			"agent_id", conn.ID,
			"correlation_id", frame.CorrelationID,
		)
		return
	}

	m.mu.RLock()
	h := m.onChunk
	m.mu.RUnlock()
	if h == nil {
		return
	}

	h(ctx, Chunk{
		CorrelationID: frame.CorrelationID,
		Agent:         turn.agent,
		UserID:        turn.userID,
		SessionID:     turn.sessionID,
		GroupID:       turn.groupID,
		Text:          frame.Text,
	})
}

func (m *Manager) handleStreamEnd(ctx context.Context, conn *Connection, frame Frame) error {
	if frame.CorrelationID == "" {
		return errors.New("stream_end without correlation_id")
	}

	if m.seen != nil && m.seen.Seen(frame.CorrelationID) {
		m.metrics.RecordStreamEnd(metrics.StreamEndDuplicate)
		m.logger.Debug("dropping duplicate stream end",
			"agent_id", conn.ID,
			"correlation_id", frame.CorrelationID,
		)
		return nil
	}

	var groupID string
	if turn, ok := conn.lookup(frame.CorrelationID); ok {
		groupID = turn.groupID
	}
	if !conn.CloseRequest(frame.CorrelationID) {
		// Dispatched on an earlier connection of this runtime; the durable
		// AgentRequest still decides whether it is accepted.
		m.logger.Debug("stream end for correlation id not in flight on this connection",
			"agent_id", conn.ID,
			"correlation_id", frame.CorrelationID,
		)
	}

	m.mu.RLock()
	h := m.onStreamEnd
	m.mu.RUnlock()
	if h == nil {
		m.logger.Warn("no stream end handler installed", "correlation_id", frame.CorrelationID)
		return nil
	}

	agentName := frame.Agent
	if agentName == "" {
		agentName = conn.Name
	}
	err := h(ctx, StreamEnd{
		CorrelationID: frame.CorrelationID,
		GroupID:       groupID,
		Agent:         agentName,
		Text:          frame.Text,
		Payload:       frame.Payload,
		Error:         frame.Error,
	})
	if err != nil && m.seen != nil {
		// Let a redelivery retry the failed processing.
		m.seen.Forget(frame.CorrelationID)
	}
	return err
}

// Cancel asks the runtime holding correlationID to stop. Returns false if no
// connected runtime has it in flight.
func (m *Manager) Cancel(ctx context.Context, correlationID string) (bool, error) {
	m.mu.RLock()
	var target *Connection
	for _, conn := range m.agents {
		if conn.HasRequest(correlationID) {
			target = conn
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return false, nil
	}
	if err := target.Send(ctx, Frame{Type: FrameCancel, CorrelationID: correlationID}); err != nil {
		return false, fmt.Errorf("sending cancel: %w", err)
	}
	return true, nil
}
