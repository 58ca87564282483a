// ABOUTME: Round-robin selection among runtimes registered under the same agent name
// ABOUTME: Keeps one rotating counter per name so agents do not share a cursor

package agent

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no runtime is connected for the agent name.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects connections using a per-name round-robin strategy.
type Router struct {
	counters sync.Map // name -> *atomic.Uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// SelectAgent picks the next connection for name from candidates.
// Returns ErrNoAgentsAvailable if candidates is empty.
func (r *Router) SelectAgent(name string, candidates []*Connection) (*Connection, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAgentsAvailable
	}

	v, _ := r.counters.LoadOrStore(name, new(atomic.Uint64))
	idx := v.(*atomic.Uint64).Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
