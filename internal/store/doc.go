// Package store provides persistent storage for coven-chorus using SQLite.
//
// # Data Models
//
//   - GroupRequest: one multi-agent round triggered by a user message. Carries
//     the mode, the ordered target agents, the sequential cursor and the agents
//     named by the user and by the leader. Moves pending -> completed once.
//   - AgentRequest: one turn dispatched to an out-of-process agent whose reply
//     arrives later. Matched back by its correlation id.
//   - Message: a persisted user or agent turn in a group conversation.
//
// # Completion Semantics
//
// CompleteGroupRequest and CompleteAgentRequest are conditional updates
// (WHERE status = 'pending'). They return true only for the caller that made
// the transition, which is what lets the turn coordinator ignore duplicate
// completions without extra locking.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Lists of agent names are stored as JSON arrays in TEXT columns.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore with a path under
// t.TempDir() for integration tests with real SQLite.
package store
