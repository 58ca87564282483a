// ABOUTME: Store interface and data types for coven-chorus persistence
// ABOUTME: Defines GroupRequest, AgentRequest, Message and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCorrelation is returned when an AgentRequest reuses a correlation id
var ErrDuplicateCorrelation = errors.New("correlation id already exists")

// Mode selects how a GroupRequest dispatches turns to its target agents
type Mode string

const (
	ModeSequential      Mode = "sequential"       // one agent after another, ordered by cursor
	ModeLeaderListeners Mode = "leader_listeners" // leader first, then invoked listeners
	ModeExplicit        Mode = "explicit"         // every target once, unordered
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeLeaderListeners, ModeExplicit:
		return true
	}
	return false
}

// Status of a GroupRequest or AgentRequest
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Role of an agent within a GroupRequest
const (
	RoleSequential = "sequential"
	RoleLeader     = "leader"
	RoleListener   = "listener"
	RoleExplicit   = "explicit"
)

// InvokedBy values for listener turns
const (
	InvokedByUser   = "user"
	InvokedByLeader = "leader"
)

// GroupRequest is one multi-agent round triggered by a user message.
// It moves pending -> completed exactly once.
type GroupRequest struct {
	ID              string
	GroupID         string
	MessageID       string // the user's originating message
	UserID          string
	SessionID       string
	Prompt          string // the user's message text, replayed to every dispatched agent
	Mode            Mode
	TargetAgents    []string // sequential: order; leader_listeners: leader first, then eligible listeners
	NextAgentIndex  int      // sequential cursor
	MentionedAgents []string // named by the user's message
	InvokedAgents   []string // named by the leader's reply
	Status          Status
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Leader returns the leader agent for leader_listeners requests.
func (g *GroupRequest) Leader() string {
	if len(g.TargetAgents) == 0 {
		return ""
	}
	return g.TargetAgents[0]
}

// Members returns the agents eligible to be invoked as listeners.
func (g *GroupRequest) Members() []string {
	if len(g.TargetAgents) < 2 {
		return nil
	}
	return g.TargetAgents[1:]
}

// AgentRequest tracks one turn whose reply arrives asynchronously,
// matched later by its CorrelationID.
type AgentRequest struct {
	ID             string
	GroupRequestID string
	CorrelationID  string
	AgentName      string
	Role           string
	InvokedBy      string // listeners only: "user" or "leader"
	Position       int    // sequential only: index in TargetAgents
	Status         Status
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Message roles
const (
	MessageRoleUser   = "user"
	MessageRoleAgent  = "agent"
	MessageRoleSystem = "system"
)

// Message is a persisted turn in a group conversation
type Message struct {
	ID        string
	GroupID   string
	SessionID string
	Author    string // user id or agent name
	Role      string
	Content   string
	Payload   json.RawMessage // optional structured payload from the agent
	CreatedAt time.Time
}

// Store defines the repository used by the turn coordinator and the
// conversation layer. Implementations must make CompleteGroupRequest and
// CompleteAgentRequest atomic so that concurrent callers see exactly one
// successful transition.
type Store interface {
	// Group requests
	CreateGroupRequest(ctx context.Context, req *GroupRequest) error
	GetGroupRequest(ctx context.Context, id string) (*GroupRequest, error)
	GetGroupRequestWithChildren(ctx context.Context, id string) (*GroupRequest, []*AgentRequest, error)
	UpdateGroupRequest(ctx context.Context, req *GroupRequest) error
	CompleteGroupRequest(ctx context.Context, id string) (bool, error)

	// Agent requests
	CreateAgentRequest(ctx context.Context, req *AgentRequest) error
	GetAgentRequestByCorrelation(ctx context.Context, correlationID string) (*AgentRequest, error)
	CompleteAgentRequest(ctx context.Context, id string) (bool, error)
	HasPendingAgentRequests(ctx context.Context, groupRequestID string) (bool, error)
	ListPendingAgentRequests(ctx context.Context, olderThan time.Time) ([]*AgentRequest, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, groupID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
