package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// rootHandler serves the banner at / and 404s everything else the mux falls through to.
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("Not found"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Warm Transfer API is running"})
}

// healthHandler reports provider configuration for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	healthData := map[string]interface{}{
		"status":             "healthy",
		"livekit_configured": s.opts.LiveKitConfigured,
		"llm_configured":     s.opts.LLMConfigured,
		"twilio_available":   s.opts.Voice != nil,
		"active_sessions":    s.calls.ActiveSessions(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.LLMProvider != "" {
		healthData["llm_provider"] = s.opts.LLMProvider
		healthData["llm_model"] = s.opts.LLMModel
	}
	if s.opts.Hub != nil {
		healthData["ws_clients"] = s.opts.Hub.ClientCount()
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// agentsHandler serves GET /api/agents and GET /api/agents/{identity}.
func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.agentsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents"), "/")
	if identity == "" {
		writeJSONResponse(w, http.StatusOK, s.agents.List())
		return
	}
	if strings.Contains(identity, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("Unknown agent endpoint"))
		return
	}
	agent, err := s.agents.Get(identity)
	if err != nil {
		writeError(w, "agentsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, agent)
}

// wsHandler upgrades GET /ws/{client_id} to a live update stream.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	clientID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if clientID == "" || strings.Contains(clientID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("Unknown websocket endpoint"))
		return
	}
	if s.opts.Hub == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorResponse("Live updates not available"))
		return
	}
	s.opts.Hub.ServeClient(w, r, clientID)
}
