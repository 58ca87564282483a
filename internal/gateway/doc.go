// Package gateway orchestrates the chorus-gateway server components.
//
// # Overview
//
// The gateway owns the store, the agent manager, the connection registry, the
// conversation service and the group coordinator, and serves them over one
// HTTP server.
//
// # Routes
//
//   - GET /ws?user_id=&session_id= - client socket (turns, cancel, speech)
//   - GET /agents/ws?name= - external agent runtime socket
//   - GET /api/agents - providers and connected runtimes
//   - GET /api/requests/pending?older_than= - queued turns awaiting a reply
//   - GET /health, /health/ready, /ready - liveness and readiness
//   - GET /metrics - Prometheus exposition, when enabled
//
// # Client Frames
//
//	{"type":"turn","group_id":"g1","mode":"sequential","agents":["a","b"],"content":"hi"}
//	{"type":"cancel","request_id":"..."}      // one in-process generation
//	{"type":"cancel","correlation_id":"..."}  // one external turn
//	{"type":"cancel"}                         // everything in this session
//	{"type":"allow_disconnect"}
//	{"type":"speech","enabled":true}
//
// Rounds run on the gateway lifetime rather than the socket's, so closing
// a client does not abort dispatches already underway. When the last socket
// for a session closes, its in-process generations are cancelled unless the
// session sent allow_disconnect.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	// ...
//	cancel() // Run performs a graceful Shutdown
package gateway
