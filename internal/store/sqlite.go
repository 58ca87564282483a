// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists group requests, agent requests and messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases shared and serializes
	// the pending->completed transitions.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS group_requests (
			id               TEXT PRIMARY KEY,
			group_id         TEXT NOT NULL,
			message_id       TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			session_id       TEXT NOT NULL,
			prompt           TEXT NOT NULL DEFAULT '',
			mode             TEXT NOT NULL,
			target_agents    TEXT NOT NULL,
			next_agent_index INTEGER NOT NULL DEFAULT 0,
			mentioned_agents TEXT NOT NULL DEFAULT '[]',
			invoked_agents   TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			completed_at     TEXT,

			CHECK (mode IN ('sequential', 'leader_listeners', 'explicit')),
			CHECK (status IN ('pending', 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_group_requests_group ON group_requests(group_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_group_requests_status ON group_requests(status);

		CREATE TABLE IF NOT EXISTS agent_requests (
			id               TEXT PRIMARY KEY,
			group_request_id TEXT NOT NULL REFERENCES group_requests(id) ON DELETE CASCADE,
			correlation_id   TEXT NOT NULL UNIQUE,
			agent_name       TEXT NOT NULL,
			role             TEXT NOT NULL,
			invoked_by       TEXT,
			position         INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			completed_at     TEXT,

			CHECK (status IN ('pending', 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_requests_parent ON agent_requests(group_request_id, status);
		CREATE INDEX IF NOT EXISTS idx_agent_requests_status ON agent_requests(status, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			group_id   TEXT NOT NULL,
			session_id TEXT NOT NULL,
			author     TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_group_created ON messages(group_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "payload",
			apply:  `ALTER TABLE messages ADD COLUMN payload TEXT`,
		},
		{
			table:  "group_requests",
			column: "prompt",
			apply:  `ALTER TABLE group_requests ADD COLUMN prompt TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed-width so that TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeNames(raw string) ([]string, error) {
	var names []string
	if raw == "" {
		return names, nil
	}
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateGroupRequest inserts a new group request.
func (s *SQLiteStore) CreateGroupRequest(ctx context.Context, req *GroupRequest) error {
	targets, err := encodeNames(req.TargetAgents)
	if err != nil {
		return fmt.Errorf("encoding target_agents: %w", err)
	}
	mentioned, err := encodeNames(req.MentionedAgents)
	if err != nil {
		return fmt.Errorf("encoding mentioned_agents: %w", err)
	}
	invoked, err := encodeNames(req.InvokedAgents)
	if err != nil {
		return fmt.Errorf("encoding invoked_agents: %w", err)
	}

	query := `
		INSERT INTO group_requests (
			id, group_id, message_id, user_id, session_id, prompt, mode, target_agents,
			next_agent_index, mentioned_agents, invoked_agents, status, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		req.ID,
		req.GroupID,
		req.MessageID,
		req.UserID,
		req.SessionID,
		req.Prompt,
		string(req.Mode),
		targets,
		req.NextAgentIndex,
		mentioned,
		invoked,
		string(req.Status),
		formatTime(req.CreatedAt),
		formatOptionalTime(req.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting group request: %w", err)
	}

	s.logger.Debug("created group request", "id", req.ID, "group_id", req.GroupID, "mode", req.Mode)
	return nil
}

const groupRequestColumns = `
	id, group_id, message_id, user_id, session_id, prompt, mode, target_agents,
	next_agent_index, mentioned_agents, invoked_agents, status, created_at, completed_at
`

// GetGroupRequest retrieves a group request by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetGroupRequest(ctx context.Context, id string) (*GroupRequest, error) {
	query := `SELECT ` + groupRequestColumns + ` FROM group_requests WHERE id = ?`

	var (
		req                         GroupRequest
		mode, status                string
		targets, mentioned, invoked string
		createdAtStr                string
		completedAt                 sql.NullString
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID,
		&req.GroupID,
		&req.MessageID,
		&req.UserID,
		&req.SessionID,
		&req.Prompt,
		&mode,
		&targets,
		&req.NextAgentIndex,
		&mentioned,
		&invoked,
		&status,
		&createdAtStr,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group request: %w", err)
	}

	req.Mode = Mode(mode)
	req.Status = Status(status)

	if req.TargetAgents, err = decodeNames(targets); err != nil {
		return nil, fmt.Errorf("decoding target_agents: %w", err)
	}
	if req.MentionedAgents, err = decodeNames(mentioned); err != nil {
		return nil, fmt.Errorf("decoding mentioned_agents: %w", err)
	}
	if req.InvokedAgents, err = decodeNames(invoked); err != nil {
		return nil, fmt.Errorf("decoding invoked_agents: %w", err)
	}
	if req.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if req.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &req, nil
}

// GetGroupRequestWithChildren returns a group request together with all
// agent requests that belong to it, ordered by creation.
func (s *SQLiteStore) GetGroupRequestWithChildren(ctx context.Context, id string) (*GroupRequest, []*AgentRequest, error) {
	req, err := s.GetGroupRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	query := `SELECT ` + agentRequestColumns + ` FROM agent_requests
		WHERE group_request_id = ? ORDER BY created_at ASC, rowid ASC`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, nil, fmt.Errorf("querying agent requests: %w", err)
	}
	defer rows.Close()

	children, err := scanAgentRequests(rows)
	if err != nil {
		return nil, nil, err
	}
	return req, children, nil
}

// UpdateGroupRequest persists the mutable fields of a group request
// (cursor and agent lists). Status changes go through CompleteGroupRequest.
func (s *SQLiteStore) UpdateGroupRequest(ctx context.Context, req *GroupRequest) error {
	mentioned, err := encodeNames(req.MentionedAgents)
	if err != nil {
		return fmt.Errorf("encoding mentioned_agents: %w", err)
	}
	invoked, err := encodeNames(req.InvokedAgents)
	if err != nil {
		return fmt.Errorf("encoding invoked_agents: %w", err)
	}

	query := `
		UPDATE group_requests
		SET next_agent_index = ?, mentioned_agents = ?, invoked_agents = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, req.NextAgentIndex, mentioned, invoked, req.ID)
	if err != nil {
		return fmt.Errorf("updating group request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated group request", "id", req.ID, "next_agent_index", req.NextAgentIndex)
	return nil
}

// CompleteGroupRequest marks a pending group request completed.
// Returns false if the request was already completed.
func (s *SQLiteStore) CompleteGroupRequest(ctx context.Context, id string) (bool, error) {
	query := `UPDATE group_requests SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'pending'`
	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("completing group request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// Distinguish "already completed" from "missing"
	if _, err := s.GetGroupRequest(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const agentRequestColumns = `
	id, group_request_id, correlation_id, agent_name, role, invoked_by,
	position, status, created_at, completed_at
`

// CreateAgentRequest inserts a new agent request.
// Returns ErrDuplicateCorrelation if the correlation id is already used.
func (s *SQLiteStore) CreateAgentRequest(ctx context.Context, req *AgentRequest) error {
	query := `INSERT INTO agent_requests (` + agentRequestColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.GroupRequestID,
		req.CorrelationID,
		req.AgentName,
		req.Role,
		req.InvokedBy,
		req.Position,
		string(req.Status),
		formatTime(req.CreatedAt),
		formatOptionalTime(req.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCorrelation
		}
		return fmt.Errorf("inserting agent request: %w", err)
	}

	s.logger.Debug("created agent request",
		"id", req.ID,
		"correlation_id", req.CorrelationID,
		"agent", req.AgentName)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRequest(row rowScanner) (*AgentRequest, error) {
	var (
		req          AgentRequest
		status       string
		invokedBy    sql.NullString
		createdAtStr string
		completedAt  sql.NullString
	)
	if err := row.Scan(
		&req.ID,
		&req.GroupRequestID,
		&req.CorrelationID,
		&req.AgentName,
		&req.Role,
		&invokedBy,
		&req.Position,
		&status,
		&createdAtStr,
		&completedAt,
	); err != nil {
		return nil, err
	}

	req.Status = Status(status)
	req.InvokedBy = invokedBy.String

	var err error
	if req.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if req.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &req, nil
}

func scanAgentRequests(rows *sql.Rows) ([]*AgentRequest, error) {
	var reqs []*AgentRequest
	for rows.Next() {
		req, err := scanAgentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent requests: %w", err)
	}
	return reqs, nil
}

// GetAgentRequestByCorrelation resolves a correlation id to its agent request.
// Returns ErrNotFound if no request carries that id.
func (s *SQLiteStore) GetAgentRequestByCorrelation(ctx context.Context, correlationID string) (*AgentRequest, error) {
	query := `SELECT ` + agentRequestColumns + ` FROM agent_requests WHERE correlation_id = ?`
	req, err := scanAgentRequest(s.db.QueryRowContext(ctx, query, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent request: %w", err)
	}
	return req, nil
}

// CompleteAgentRequest marks a pending agent request completed.
// Returns false if it was already completed.
func (s *SQLiteStore) CompleteAgentRequest(ctx context.Context, id string) (bool, error) {
	query := `UPDATE agent_requests SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'pending'`
	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("completing agent request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// HasPendingAgentRequests reports whether any child of the group request is still pending.
func (s *SQLiteStore) HasPendingAgentRequests(ctx context.Context, groupRequestID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agent_requests WHERE group_request_id = ? AND status = 'pending' LIMIT 1`,
		groupRequestID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pending agent requests: %w", err)
	}
	return true, nil
}

// ListPendingAgentRequests returns pending agent requests created before olderThan.
func (s *SQLiteStore) ListPendingAgentRequests(ctx context.Context, olderThan time.Time) ([]*AgentRequest, error) {
	query := `SELECT ` + agentRequestColumns + ` FROM agent_requests
		WHERE status = 'pending' AND created_at < ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("querying pending agent requests: %w", err)
	}
	defer rows.Close()
	return scanAgentRequests(rows)
}

// SaveMessage persists a conversation message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}

	query := `
		INSERT INTO messages (id, group_id, session_id, author, role, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.GroupID,
		msg.SessionID,
		msg.Author,
		msg.Role,
		msg.Content,
		payload,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "group_id", msg.GroupID, "author", msg.Author)
	return nil
}

// ListMessages returns the most recent limit messages of a group in
// chronological order. A limit <= 0 returns every message.
func (s *SQLiteStore) ListMessages(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `
		SELECT id, group_id, session_id, author, role, content, payload, created_at
		FROM messages
		WHERE group_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg          Message
			payload      sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.GroupID,
			&msg.SessionID,
			&msg.Author,
			&msg.Role,
			&msg.Content,
			&payload,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if payload.Valid && payload.String != "" {
			msg.Payload = json.RawMessage(payload.String)
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
