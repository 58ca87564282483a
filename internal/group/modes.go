// ABOUTME: Per-mode continuations: sequential cursor walk, leader then listeners, explicit fan-out
// ABOUTME: A round finalizes exactly once, when no AgentRequest of it remains pending

package group

import (
	"context"
	"fmt"
	"slices"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/mentions"
	"github.com/2389/coven-chorus/internal/store"
)

// runSequential dispatches from the cursor onward. Immediate replies keep the
// loop going; a queued reply advances the cursor and parks the round until
// its stream end arrives.
func (c *Coordinator) runSequential(ctx context.Context, gr *store.GroupRequest) error {
	for gr.NextAgentIndex < len(gr.TargetAgents) {
		pos := gr.NextAgentIndex
		out, err := c.dispatch(ctx, gr, turnSpec{
			agent:    gr.TargetAgents[pos],
			role:     store.RoleSequential,
			position: pos,
		})
		if err != nil {
			return err
		}

		gr.NextAgentIndex = pos + 1
		if err := c.store.UpdateGroupRequest(ctx, gr); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
		if out.queued {
			return nil
		}
	}
	return c.finalize(ctx, gr)
}

// runLeader dispatches the leader. Listeners are evaluated once its reply is
// known, here for an immediate reply or from HandleStreamEnd otherwise.
func (c *Coordinator) runLeader(ctx context.Context, gr *store.GroupRequest) error {
	out, err := c.dispatch(ctx, gr, turnSpec{
		agent: gr.Leader(),
		role:  store.RoleLeader,
	})
	if err != nil {
		return err
	}
	if out.queued {
		return nil
	}
	return c.runListeners(ctx, gr, out)
}

// runListeners dispatches every member the user mentioned or the leader's
// reply invoked, each once.
func (c *Coordinator) runListeners(ctx context.Context, gr *store.GroupRequest, leader outcome) error {
	members := gr.Members()

	var invoked []string
	if !leader.failed && leader.text != "" {
		invoked = c.listeners.Classify(leader.text, members)
	}
	gr.InvokedAgents = invoked
	if err := c.store.UpdateGroupRequest(ctx, gr); err != nil {
		return fmt.Errorf("recording invoked agents: %w", err)
	}

	var extra []agent.ContextMessage
	if !leader.failed && leader.text != "" {
		extra = []agent.ContextMessage{{
			Author:  gr.Leader(),
			Role:    store.MessageRoleAgent,
			Content: leader.text,
		}}
	}

	for _, name := range mentions.Merge(gr.MentionedAgents, invoked) {
		if name == gr.Leader() || !slices.Contains(members, name) {
			continue
		}
		invokedBy := store.InvokedByLeader
		if slices.Contains(gr.MentionedAgents, name) {
			invokedBy = store.InvokedByUser
		}
		if _, err := c.dispatch(ctx, gr, turnSpec{
			agent:     name,
			role:      store.RoleListener,
			invokedBy: invokedBy,
			extra:     extra,
		}); err != nil {
			return err
		}
	}

	return c.checkFinalize(ctx, gr)
}

// runExplicit dispatches every target once with no ordering guarantee.
func (c *Coordinator) runExplicit(ctx context.Context, gr *store.GroupRequest) error {
	for _, name := range gr.TargetAgents {
		if _, err := c.dispatch(ctx, gr, turnSpec{
			agent: name,
			role:  store.RoleExplicit,
		}); err != nil {
			return err
		}
	}
	return c.checkFinalize(ctx, gr)
}

// checkFinalize completes the round when no queued turn is outstanding.
func (c *Coordinator) checkFinalize(ctx context.Context, gr *store.GroupRequest) error {
	pending, err := c.store.HasPendingAgentRequests(ctx, gr.ID)
	if err != nil {
		return fmt.Errorf("checking pending agent requests: %w", err)
	}
	if pending {
		return nil
	}
	return c.finalize(ctx, gr)
}

func (c *Coordinator) finalize(ctx context.Context, gr *store.GroupRequest) error {
	completed, err := c.store.CompleteGroupRequest(ctx, gr.ID)
	if err != nil {
		return fmt.Errorf("completing group request: %w", err)
	}
	if !completed {
		return nil
	}
	gr.Status = store.StatusCompleted

	c.pending.Clear(gr.GroupID)
	c.metrics.RecordGroupCompleted(string(gr.Mode))
	c.push(ctx, gr.UserID, gr.SessionID, Event{
		Type:           EventSequenceComplete,
		GroupID:        gr.GroupID,
		GroupRequestID: gr.ID,
	})

	c.logger.Info("group round completed",
		"group_id", gr.GroupID,
		"group_request_id", gr.ID,
		"mode", gr.Mode,
	)
	return nil
}
