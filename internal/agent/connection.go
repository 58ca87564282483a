// ABOUTME: Represents one connected external agent runtime and the turns dispatched to it
// ABOUTME: Tracks in-flight correlation ids and routes inbound frames back to the manager

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Transport carries frames to an external agent runtime.
type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Close() error
}

// pendingTurn is a dispatched turn awaiting its stream end.
type pendingTurn struct {
	agent     string
	userID    string
	sessionID string
	groupID   string
	sentAt    time.Time
}

// Connection represents a connected agent runtime.
type Connection struct {
	ID   string
	Name string

	transport Transport
	pending   map[string]*pendingTurn
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewConnection creates a Connection for an agent runtime registered under name.
func NewConnection(id, name string, transport Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:        id,
		Name:      name,
		transport: transport,
		pending:   make(map[string]*pendingTurn),
		logger:    logger,
	}
}

// Send transmits a frame to the agent runtime.
func (c *Connection) Send(ctx context.Context, frame Frame) error {
	return c.transport.Send(ctx, frame)
}

// CreateRequest records a dispatched turn under its correlation id.
func (c *Connection) CreateRequest(correlationID string, req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[correlationID] = &pendingTurn{
		agent:     req.Agent,
		userID:    req.UserID,
		sessionID: req.SessionID,
		groupID:   req.GroupID,
		sentAt:    time.Now(),
	}
}

// CloseRequest forgets a correlation id. Returns false if it was not pending.
func (c *Connection) CloseRequest(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[correlationID]; !ok {
		return false
	}
	delete(c.pending, correlationID)
	return true
}

// HasRequest reports whether correlationID is in flight on this connection.
func (c *Connection) HasRequest(correlationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pending[correlationID]
	return ok
}

// PendingCount returns the number of in-flight turns.
func (c *Connection) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

func (c *Connection) lookup(correlationID string) (*pendingTurn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	turn, ok := c.pending[correlationID]
	return turn, ok
}

// drain returns and clears every pending correlation id.
func (c *Connection) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pending = make(map[string]*pendingTurn)
	return ids
}

// Close closes the transport.
func (c *Connection) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

var errUnknownFrame = errors.New("unknown frame type")
