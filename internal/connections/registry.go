// ABOUTME: Registry maps users to their live connection handles and pushes messages to them
// ABOUTME: Pushes are best-effort: one dead handle never blocks the others and is pruned lazily

package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chorus/internal/metrics"
)

// Message is pushed to a user's connections. SessionID selects recipients
// for session-scoped pushes.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Transport writes messages to one client connection.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Handle is one registered connection.
type Handle struct {
	ID        string
	UserID    string
	SessionID string
	Transport Transport
	CreatedAt time.Time
}

// Registry tracks live connections for every user. It lives for the process
// lifetime and is not shared across instances.
type Registry struct {
	mu          sync.RWMutex
	users       map[string]map[string]*Handle
	pushTimeout time.Duration
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. pushTimeout bounds each per-handle
// send; zero means no bound beyond the caller's context.
func NewRegistry(pushTimeout time.Duration, m *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		users:       make(map[string]map[string]*Handle),
		pushTimeout: pushTimeout,
		metrics:     m,
		logger:      logger.With("component", "connections"),
	}
}

// Register adds a connection for the user and session.
func (r *Registry) Register(userID, sessionID string, transport Transport) *Handle {
	h := &Handle{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		Transport: transport,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	handles, ok := r.users[userID]
	if !ok {
		handles = make(map[string]*Handle)
		r.users[userID] = handles
	}
	handles[h.ID] = h
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		"user_id", userID,
		"session_id", sessionID,
		"handle_id", h.ID)

	return h
}

// Unregister removes the handle. Removing the last handle for a user drops
// the user's entry. Unknown handles are ignored.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}
	if r.remove(h) {
		r.metrics.ConnectionClosed()
		r.logger.Debug("connection unregistered",
			"user_id", h.UserID,
			"session_id", h.SessionID,
			"handle_id", h.ID)
	}
}

func (r *Registry) remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.users[h.UserID]
	if !ok {
		return false
	}
	if _, ok := handles[h.ID]; !ok {
		return false
	}
	delete(handles, h.ID)
	if len(handles) == 0 {
		delete(r.users, h.UserID)
	}
	return true
}

// Handles returns a snapshot of the user's handles.
func (r *Registry) Handles(userID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.users[userID]
	out := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

// Count returns the total number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, handles := range r.users {
		n += len(handles)
	}
	return n
}

// Push delivers msg to the user's connections. With sessionScoped set only
// handles whose session matches msg.SessionID receive it; otherwise every
// handle does. Returns true if at least one delivery succeeded. Handles that
// fail are closed and unregistered.
func (r *Registry) Push(ctx context.Context, userID string, msg Message, sessionScoped bool) bool {
	var targets []*Handle
	for _, h := range r.Handles(userID) {
		if sessionScoped && h.SessionID != msg.SessionID {
			continue
		}
		targets = append(targets, h)
	}

	delivered := false
	for _, h := range targets {
		if err := r.send(ctx, h, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Warn("push failed, pruning connection",
				"user_id", userID,
				"handle_id", h.ID,
				"type", msg.Type,
				"error", err)
			r.prune(h)
			continue
		}
		delivered = true
	}

	r.metrics.RecordPush(sessionScoped, delivered)
	if !delivered {
		r.logger.Debug("push reached no connection",
			"user_id", userID,
			"type", msg.Type,
			"session_scoped", sessionScoped)
	}
	return delivered
}

func (r *Registry) send(ctx context.Context, h *Handle, msg Message) error {
	if r.pushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.pushTimeout)
		defer cancel()
	}
	return h.Transport.Send(ctx, msg)
}

func (r *Registry) prune(h *Handle) {
	if err := h.Transport.Close(); err != nil {
		r.logger.Debug("closing dead transport", "handle_id", h.ID, "error", err)
	}
	r.Unregister(h)
}
