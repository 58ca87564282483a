// ABOUTME: Agent runtime WebSocket endpoint and the read-only JSON API
// ABOUTME: Lists connected agents and queued turns still waiting on a stream end

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// handleAgentWS attaches an external runtime for the agent named in the query.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("agent websocket accept failed", "agent", name, "error", err)
		return
	}
	defer ws.CloseNow()

	if err := g.agentManager.ServeWebSocket(r.Context(), name, ws); err != nil {
		g.logger.Warn("agent connection ended", "agent", name, "error", err)
	}
}

type agentJSON struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Pending int    `json:"pending"`
}

// handleListAgents returns in-process providers and connected runtimes.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	out := []agentJSON{}
	for _, name := range g.agentManager.Providers() {
		out = append(out, agentJSON{Name: name, Kind: "provider"})
	}
	for _, info := range g.agentManager.ListAgents() {
		out = append(out, agentJSON{ID: info.ID, Name: info.Name, Kind: "runtime", Pending: info.Pending})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type pendingJSON struct {
	CorrelationID  string    `json:"correlation_id"`
	GroupRequestID string    `json:"group_request_id"`
	AgentName      string    `json:"agent_name"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// handlePendingRequests lists queued turns older than ?older_than (default 0).
func (g *Gateway) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid older_than"})
			return
		}
		olderThan = d
	}

	stuck, err := g.coordinator.ExpirePending(r.Context(), olderThan)
	if err != nil {
		g.logger.Error("listing pending requests", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	out := make([]pendingJSON, 0, len(stuck))
	for _, ar := range stuck {
		out = append(out, pendingJSON{
			CorrelationID:  ar.CorrelationID,
			GroupRequestID: ar.GroupRequestID,
			AgentName:      ar.AgentName,
			Role:           ar.Role,
			CreatedAt:      ar.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
