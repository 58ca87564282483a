// Package group coordinates multi-agent rounds.
//
// A user turn names a mode and a set of agents. StartTurn records the user's
// message, creates a GroupRequest and dispatches turns through a Router.
// An agent either answers immediately or is queued under a correlation id;
// queued replies come back later through HandleStreamEnd.
//
// # Modes
//
//   - sequential: agents answer one at a time in list order. A queued reply
//     parks the round; its stream end resumes the walk from the cursor.
//   - leader_listeners: the first agent leads. Once its reply is known the
//     members it invokes, plus those the user @mentioned, each get one turn
//     with the leader's reply appended to their context.
//   - explicit: every agent gets one turn, in no particular order.
//
// A round completes exactly once. For leader_listeners and explicit that is
// when no AgentRequest of the round is still pending.
//
// # Live progress
//
// Dispatches push agent_typing to the originating session. Replies push
// agent_response or agent_error to every connection of the user, and
// completion pushes sequence_complete. PendingSet mirrors who is still
// typing for the UI and is never consulted for completion.
//
// Dispatch failures never abort sibling turns. Failures to write messages
// or requests are returned to the caller.
package group
