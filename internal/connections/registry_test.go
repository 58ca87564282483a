// ABOUTME: Tests for Registry registration, session-scoped pushes and dead-handle pruning
// ABOUTME: Uses an in-memory fake transport plus a real WebSocket round trip

package connections

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []Message
	err    error
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(0, nil, nil)

	h1 := r.Register("alice", "s1", &fakeTransport{})
	h2 := r.Register("alice", "s2", &fakeTransport{})
	assert.Equal(t, 2, r.Count())
	assert.NotEqual(t, h1.ID, h2.ID)

	r.Unregister(h1)
	assert.Len(t, r.Handles("alice"), 1)

	r.Unregister(h2)
	assert.Empty(t, r.Handles("alice"))
	assert.Equal(t, 0, r.Count())

	r.mu.RLock()
	_, ok := r.users["alice"]
	r.mu.RUnlock()
	assert.False(t, ok, "last unregister drops the user entry")

	// Unregistering twice is harmless.
	r.Unregister(h2)
	r.Unregister(nil)
}

func TestRegistry_PushSessionScoped(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(0, nil, nil)

	s1 := &fakeTransport{}
	s2 := &fakeTransport{}
	r.Register("alice", "s1", s1)
	r.Register("alice", "s2", s2)

	ok := r.Push(ctx, "alice", Message{Type: "chunk", SessionID: "s1"}, true)
	assert.True(t, ok)
	assert.Len(t, s1.messages(), 1)
	assert.Empty(t, s2.messages())

	ok = r.Push(ctx, "alice", Message{Type: "agent_response", SessionID: "s1"}, false)
	assert.True(t, ok)
	assert.Len(t, s1.messages(), 2)
	assert.Len(t, s2.messages(), 1)
}

func TestRegistry_PushSessionScopedNoMatch(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	r.Register("alice", "s1", &fakeTransport{})

	ok := r.Push(t.Context(), "alice", Message{Type: "chunk", SessionID: "other"}, true)
	assert.False(t, ok)
}

func TestRegistry_PushUnknownUser(t *testing.T) {
	r := NewRegistry(0, nil, nil)

	assert.False(t, r.Push(t.Context(), "nobody", Message{Type: "x"}, false))
}

func TestRegistry_DeadHandleIsolatedAndPruned(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(0, nil, nil)

	dead := &fakeTransport{err: errors.New("connection reset")}
	live := &fakeTransport{}
	r.Register("alice", "s1", dead)
	r.Register("alice", "s1", live)

	ok := r.Push(ctx, "alice", Message{Type: "agent_response"}, false)
	assert.True(t, ok)
	assert.Len(t, live.messages(), 1)
	assert.True(t, dead.closed)
	assert.Len(t, r.Handles("alice"), 1)
}

func TestRegistry_AllDeadReturnsFalse(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	r.Register("alice", "s1", &fakeTransport{err: errors.New("gone")})

	assert.False(t, r.Push(t.Context(), "alice", Message{Type: "x"}, false))
	assert.Equal(t, 0, r.Count())
}

type blockingTransport struct{}

func (blockingTransport) Send(ctx context.Context, _ Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingTransport) Close() error { return nil }

func TestRegistry_PushTimeoutPrunesSlowHandle(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil, nil)
	r.Register("alice", "s1", blockingTransport{})
	live := &fakeTransport{}
	r.Register("alice", "s1", live)

	done := make(chan bool, 1)
	go func() {
		done <- r.Push(t.Context(), "alice", Message{Type: "x"}, false)
	}()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("push blocked on slow handle")
	}
	assert.Len(t, live.messages(), 1)
	assert.Len(t, r.Handles("alice"), 1)
}

func TestWebSocketTransport_Send(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		_, data, err := conn.Read(req.Context())
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			received <- msg
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	transport := NewWebSocketTransport(conn)
	require.NoError(t, transport.Send(ctx, Message{Type: "agent_typing", SessionID: "s1"}))

	select {
	case msg := <-received:
		assert.Equal(t, "agent_typing", msg.Type)
		assert.Equal(t, "s1", msg.SessionID)
	case <-ctx.Done():
		t.Fatal("server did not receive frame")
	}

	_ = transport.Close()
	assert.NoError(t, transport.Close(), "second close is a no-op")
	assert.ErrorIs(t, transport.Send(ctx, Message{Type: "late"}), ErrTransportClosed)
}
