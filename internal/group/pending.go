// ABOUTME: PendingSet tracks which agents of a live round have not replied yet
// ABOUTME: UI signaling only; durable AgentRequest rows decide when a round is finished

package group

import (
	"sort"
	"sync"
)

// PendingSet maps group id to the agents still expected to reply in the
// current live round. It is process-local and may be cleared at any time.
type PendingSet struct {
	mu     sync.Mutex
	groups map[string]map[string]struct{}
}

// NewPendingSet creates an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{groups: make(map[string]map[string]struct{})}
}

// Add marks agent as pending in group.
func (p *PendingSet) Add(groupID, agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, ok := p.groups[groupID]
	if !ok {
		names = make(map[string]struct{})
		p.groups[groupID] = names
	}
	names[agent] = struct{}{}
}

// Remove drops agent from group and reports whether the group is now empty.
// Removing an agent that is not pending is not an error.
func (p *PendingSet) Remove(groupID, agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, ok := p.groups[groupID]
	if !ok {
		return true
	}
	delete(names, agent)
	if len(names) == 0 {
		delete(p.groups, groupID)
		return true
	}
	return false
}

// Clear forgets every pending agent for group.
func (p *PendingSet) Clear(groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groups, groupID)
}

// Pending returns the sorted pending agents for group.
func (p *PendingSet) Pending(groupID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.groups[groupID]))
	for name := range p.groups[groupID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// groupLocks serializes orchestration for one group id.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sync.Mutex
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*groupLock)}
}

// lock acquires the lock for groupID and returns its release func.
func (g *groupLocks) lock(groupID string) func() {
	g.mu.Lock()
	l, ok := g.locks[groupID]
	if !ok {
		l = &groupLock{}
		g.locks[groupID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, groupID)
		}
		g.mu.Unlock()
	}
}
