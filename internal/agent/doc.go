// Package agent implements route_to_agent for in-process and external agents.
//
// # Routing
//
// Manager.Route takes a Request and returns a Result:
//
//   - In-process agents (Provider) run immediately. Their responses are
//     streamed through the installed Relay, or collected silently, and the
//     final text is returned as Result.Response.
//   - External agent runtimes connect over WebSocket. Route picks one
//     round-robin among the connections registered under the agent name,
//     sends a "turn" frame and returns Result{Queued: true, CorrelationID}.
//
// # Correlation
//
// Each Connection keeps a map of correlation ids it has in flight. When the
// runtime replies with a "stream_end" frame, the manager drops repeats seen
// within the dedupe window, closes the pending entry and calls the
// StreamEndHandler. "chunk" frames carry partial text for live display and
// are resolved to the originating user and session through the same map.
//
// A disconnect clears the in-flight map but leaves the durable AgentRequest
// rows pending. A runtime that reconnects may still deliver their stream end.
package agent
