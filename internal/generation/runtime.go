// ABOUTME: Runtime wraps one EventChannel and the background tasks of a single generation
// ABOUTME: Provides idempotent cooperative cancellation, an inbound control sink and a disconnect policy

package generation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chorus/internal/stream"
)

// Control message types accepted on the inbound control sink.
const (
	ControlCancel          = "cancel"
	ControlAllowDisconnect = "allow_disconnect"
)

// Control is an inbound control message for a running generation.
type Control struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Runtime owns the cancellation state for one generation request.
// Cancellation is cooperative: streaming loops must check IsCancelled at
// each chunk boundary and return promptly.
type Runtime struct {
	id      string
	channel *stream.Channel
	logger  *slog.Logger

	ctx        context.Context
	stopTasks  context.CancelFunc
	group      *errgroup.Group
	cancelOnce sync.Once
	cancelled  atomic.Bool
	done       chan struct{}

	// detached is set once the runtime opts out of cancel-on-disconnect.
	detached atomic.Bool

	control  chan Control
	finished chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// NewRuntime creates a runtime for the request id around channel. Tasks
// started with Go receive a context derived from parent that is cancelled
// by Cancel. Pass a parent that outlives the client connection when the
// disconnect policy should decide whether work continues.
func NewRuntime(parent context.Context, id string, channel *stream.Channel, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(parent)
	group, groupCtx := errgroup.WithContext(ctx)

	r := &Runtime{
		id:        id,
		channel:   channel,
		logger:    logger.With("component", "runtime", "request_id", id),
		ctx:       groupCtx,
		stopTasks: stop,
		group:     group,
		done:      make(chan struct{}),
		control:   make(chan Control, 8),
		finished:  make(chan struct{}),
	}

	go r.controlLoop()

	return r
}

// ID returns the request id this runtime serves.
func (r *Runtime) ID() string {
	return r.id
}

// Channel returns the wrapped event channel.
func (r *Runtime) Channel() *stream.Channel {
	return r.channel
}

// Context returns the task context. It is done after Cancel, after the
// parent is done, or after any task returned an error.
func (r *Runtime) Context() context.Context {
	return r.ctx
}

// Cancel flags the runtime as cancelled and wakes every waiter. Safe to call
// any number of times from any goroutine.
func (r *Runtime) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.done)
		r.stopTasks()
		r.logger.Debug("runtime cancelled")
	})
}

// IsCancelled reports whether Cancel has been called.
func (r *Runtime) IsCancelled() bool {
	return r.cancelled.Load()
}

// Cancelled returns a channel that is closed by Cancel.
func (r *Runtime) Cancelled() <-chan struct{} {
	return r.done
}

// WaitForCancellation blocks until Cancel is called or ctx is done.
// It resolves immediately if the runtime is already cancelled.
func (r *Runtime) WaitForCancellation(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldCancelOnDisconnect reports the disconnect policy. Defaults to true.
func (r *Runtime) ShouldCancelOnDisconnect() bool {
	return !r.detached.Load()
}

// AllowDisconnect lets the generation keep running after its client leaves.
func (r *Runtime) AllowDisconnect() {
	if !r.detached.Swap(true) {
		r.logger.Debug("runtime detached from client lifetime")
	}
}

// HandleDisconnect applies the disconnect policy. Returns true if the
// runtime was cancelled as a result.
func (r *Runtime) HandleDisconnect() bool {
	if !r.ShouldCancelOnDisconnect() {
		return false
	}
	r.Cancel()
	return true
}

// Go starts a background task in the runtime's task set.
func (r *Runtime) Go(fn func(ctx context.Context) error) {
	r.group.Go(func() error {
		return fn(r.ctx)
	})
}

// Wait blocks until every task started with Go has returned and reports the
// first non-nil error. Subsequent calls return the same result.
func (r *Runtime) Wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = r.group.Wait()
		close(r.finished)
		r.stopTasks()
	})
	return r.waitErr
}

// Control returns the inbound control sink. Messages sent after the runtime
// has finished are ignored.
func (r *Runtime) Control() chan<- Control {
	return r.control
}

// Send delivers a control message without blocking. Returns false if the
// control sink is full or the runtime has finished.
func (r *Runtime) Send(msg Control) bool {
	select {
	case <-r.finished:
		return false
	default:
	}
	select {
	case r.control <- msg:
		return true
	default:
		r.logger.Warn("control sink full, dropping message", "type", msg.Type)
		return false
	}
}

func (r *Runtime) controlLoop() {
	for {
		select {
		case msg := <-r.control:
			r.handleControl(msg)
		case <-r.done:
			return
		case <-r.finished:
			return
		}
	}
}

func (r *Runtime) handleControl(msg Control) {
	switch msg.Type {
	case ControlCancel:
		r.logger.Info("cancel requested", "reason", msg.Reason)
		r.Cancel()
	case ControlAllowDisconnect:
		r.AllowDisconnect()
	default:
		r.logger.Warn("unknown control message", "type", msg.Type)
	}
}
