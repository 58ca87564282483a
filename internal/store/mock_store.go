// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows orchestration tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	groupRequests map[string]*GroupRequest // keyed by ID
	agentRequests map[string]*AgentRequest // keyed by ID
	byCorrelation map[string]string        // correlation id -> agent request ID
	agentOrder    []string                 // agent request IDs in insertion order
	messages      map[string][]*Message    // keyed by group ID

	// SaveMessageErr, when set, is returned by SaveMessage.
	SaveMessageErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		groupRequests: make(map[string]*GroupRequest),
		agentRequests: make(map[string]*AgentRequest),
		byCorrelation: make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

func copyGroupRequest(r *GroupRequest) *GroupRequest {
	c := *r
	c.TargetAgents = append([]string(nil), r.TargetAgents...)
	c.MentionedAgents = append([]string(nil), r.MentionedAgents...)
	c.InvokedAgents = append([]string(nil), r.InvokedAgents...)
	return &c
}

// CreateGroupRequest stores a new group request.
func (m *MockStore) CreateGroupRequest(ctx context.Context, req *GroupRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groupRequests[req.ID] = copyGroupRequest(req)
	return nil
}

// GetGroupRequest retrieves a group request by ID.
func (m *MockStore) GetGroupRequest(ctx context.Context, id string) (*GroupRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.groupRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGroupRequest(r), nil
}

// GetGroupRequestWithChildren returns a group request and its agent requests.
func (m *MockStore) GetGroupRequestWithChildren(ctx context.Context, id string) (*GroupRequest, []*AgentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.groupRequests[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	var children []*AgentRequest
	for _, arID := range m.agentOrder {
		ar := m.agentRequests[arID]
		if ar.GroupRequestID == id {
			c := *ar
			children = append(children, &c)
		}
	}
	return copyGroupRequest(r), children, nil
}

// UpdateGroupRequest updates the cursor and agent lists.
func (m *MockStore) UpdateGroupRequest(ctx context.Context, req *GroupRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.groupRequests[req.ID]
	if !ok {
		return ErrNotFound
	}
	r.NextAgentIndex = req.NextAgentIndex
	r.MentionedAgents = append([]string(nil), req.MentionedAgents...)
	r.InvokedAgents = append([]string(nil), req.InvokedAgents...)
	return nil
}

// CompleteGroupRequest transitions a group request to completed once.
func (m *MockStore) CompleteGroupRequest(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.groupRequests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status == StatusCompleted {
		return false, nil
	}
	now := time.Now()
	r.Status = StatusCompleted
	r.CompletedAt = &now
	return true, nil
}

// CreateAgentRequest stores a new agent request.
func (m *MockStore) CreateAgentRequest(ctx context.Context, req *AgentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byCorrelation[req.CorrelationID]; exists {
		return ErrDuplicateCorrelation
	}
	c := *req
	m.agentRequests[c.ID] = &c
	m.byCorrelation[c.CorrelationID] = c.ID
	m.agentOrder = append(m.agentOrder, c.ID)
	return nil
}

// GetAgentRequestByCorrelation resolves a correlation id.
func (m *MockStore) GetAgentRequestByCorrelation(ctx context.Context, correlationID string) (*AgentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCorrelation[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.agentRequests[id]
	return &c, nil
}

// CompleteAgentRequest transitions an agent request to completed once.
func (m *MockStore) CompleteAgentRequest(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar, ok := m.agentRequests[id]
	if !ok {
		return false, ErrNotFound
	}
	if ar.Status == StatusCompleted {
		return false, nil
	}
	now := time.Now()
	ar.Status = StatusCompleted
	ar.CompletedAt = &now
	return true, nil
}

// HasPendingAgentRequests reports whether any child is still pending.
func (m *MockStore) HasPendingAgentRequests(ctx context.Context, groupRequestID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ar := range m.agentRequests {
		if ar.GroupRequestID == groupRequestID && ar.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

// ListPendingAgentRequests returns pending requests created before olderThan.
func (m *MockStore) ListPendingAgentRequests(ctx context.Context, olderThan time.Time) ([]*AgentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AgentRequest
	for _, id := range m.agentOrder {
		ar := m.agentRequests[id]
		if ar.Status == StatusPending && ar.CreatedAt.Before(olderThan) {
			c := *ar
			result = append(result, &c)
		}
	}
	return result, nil
}

// AgentRequests returns every stored agent request in insertion order.
func (m *MockStore) AgentRequests() []*AgentRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AgentRequest, 0, len(m.agentOrder))
	for _, id := range m.agentOrder {
		c := *m.agentRequests[id]
		result = append(result, &c)
	}
	return result
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}
	c := *msg
	m.messages[c.GroupID] = append(m.messages[c.GroupID], &c)
	return nil
}

// ListMessages returns the most recent limit messages of a group, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, len(m.messages[groupID]))
	for i, msg := range m.messages[groupID] {
		c := *msg
		msgs[i] = &c
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
