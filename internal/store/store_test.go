// ABOUTME: Contract tests run against every Store implementation
// ABOUTME: Ensures MockStore and SQLiteStore agree on completion, correlation and message semantics

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
}

func TestStore_CompleteGroupRequestConcurrently(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateGroupRequest(ctx, newGroupRequest("gr-race")))

		var wins atomic.Int32
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				ok, err := s.CompleteGroupRequest(ctx, "gr-race")
				if ok {
					wins.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), wins.Load())

		got, err := s.GetGroupRequest(ctx, "gr-race")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestStore_CompleteAgentRequestConcurrently(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateGroupRequest(ctx, newGroupRequest("gr-1")))
		require.NoError(t, s.CreateAgentRequest(ctx, &AgentRequest{
			ID:             "ar-1",
			GroupRequestID: "gr-1",
			CorrelationID:  "corr-1",
			AgentName:      "alpha",
			Role:           RoleSequential,
			Status:         StatusPending,
			CreatedAt:      time.Now().UTC(),
		}))

		var wins atomic.Int32
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				ok, err := s.CompleteAgentRequest(ctx, "ar-1")
				if ok {
					wins.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), wins.Load())

		pending, err := s.HasPendingAgentRequests(ctx, "gr-1")
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestStore_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetGroupRequest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetAgentRequestByCorrelation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.CompleteGroupRequest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DuplicateCorrelation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateGroupRequest(ctx, newGroupRequest("gr-1")))

		ar := &AgentRequest{
			GroupRequestID: "gr-1",
			CorrelationID:  "dup",
			AgentName:      "alpha",
			Role:           RoleExplicit,
			Status:         StatusPending,
			CreatedAt:      time.Now().UTC(),
		}
		ar.ID = "ar-a"
		require.NoError(t, s.CreateAgentRequest(ctx, ar))

		second := *ar
		second.ID = "ar-b"
		err := s.CreateAgentRequest(ctx, &second)
		assert.True(t, errors.Is(err, ErrDuplicateCorrelation), "got %v", err)
	})
}

func TestStore_GroupRequestWithChildren(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateGroupRequest(ctx, newGroupRequest("gr-1")))
		for i, name := range []string{"alpha", "beta"} {
			require.NoError(t, s.CreateAgentRequest(ctx, &AgentRequest{
				ID:             fmt.Sprintf("ar-%d", i),
				GroupRequestID: "gr-1",
				CorrelationID:  fmt.Sprintf("corr-%d", i),
				AgentName:      name,
				Role:           RoleSequential,
				Position:       i,
				Status:         StatusPending,
				CreatedAt:      time.Now().UTC(),
			}))
		}

		gr, children, err := s.GetGroupRequestWithChildren(ctx, "gr-1")
		require.NoError(t, err)
		assert.Equal(t, "review the parser", gr.Prompt)
		require.Len(t, children, 2)
		names := []string{children[0].AgentName, children[1].AgentName}
		assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
	})
}

func TestStore_MessagesAreGroupScoped(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()
		for i, groupID := range []string{"g1", "g2", "g1"} {
			require.NoError(t, s.SaveMessage(ctx, &Message{
				ID:        fmt.Sprintf("m-%d", i),
				GroupID:   groupID,
				Author:    "alice",
				Role:      MessageRoleUser,
				Content:   fmt.Sprintf("turn %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		g1, err := s.ListMessages(ctx, "g1", 0)
		require.NoError(t, err)
		require.Len(t, g1, 2)
		assert.Equal(t, "turn 0", g1[0].Content)
		assert.Equal(t, "turn 2", g1[1].Content)

		empty, err := s.ListMessages(ctx, "nobody", 5)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestMockStore_SaveMessageErr(t *testing.T) {
	s := NewMockStore()
	s.SaveMessageErr = errors.New("disk full")

	err := s.SaveMessage(context.Background(), &Message{ID: "m", GroupID: "g"})
	assert.EqualError(t, err, "disk full")

	msgs, err := s.ListMessages(context.Background(), "g", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateGroupRequest(ctx, newGroupRequest("gr-1")))

	got, err := s.GetGroupRequest(ctx, "gr-1")
	require.NoError(t, err)
	got.TargetAgents[0] = "mutated"
	got.NextAgentIndex = 2

	again, err := s.GetGroupRequest(ctx, "gr-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", again.TargetAgents[0])
	assert.Equal(t, 0, again.NextAgentIndex)
}
