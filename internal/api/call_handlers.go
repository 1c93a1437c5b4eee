package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/WarmTransfer/internal/call"
	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// listCallsHandler handles GET /api/calls.
func (s *Server) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.calls.List())
}

// createCallHandler handles POST /api/calls/create.
func (s *Server) createCallHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createCallHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req models.CreateCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "createCallHandler", err)
		return
	}
	req.CallerIdentity = queryFallback(r, "caller_identity", req.CallerIdentity)
	req.AgentAIdentity = queryFallback(r, "agent_a_identity", req.AgentAIdentity)

	session, err := s.calls.CreateSession(r.Context(), req.CallerIdentity, req.AgentAIdentity)
	if err != nil {
		writeError(w, "createCallHandler", err)
		return
	}
	slog.Info("Server.createCallHandler: call created", "session_id", session.SessionID)
	writeJSONResponse(w, http.StatusOK, models.CreateCallResponse{
		SessionID:      session.SessionID,
		RoomName:       session.RoomName,
		AgentAIdentity: session.AgentAIdentity,
	})
}

// callsHandler routes /api/calls/{id} and its sub-resources.
func (s *Server) callsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.callsHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		s.listCallsHandler(w, r)
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getCallHandler(w, r, sessionID)
		return
	}
	if len(segments) > 2 {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("Unknown call endpoint"))
		return
	}

	if segments[1] == "events" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.callEventsHandler(w, r, sessionID)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch segments[1] {
	case "join":
		s.joinHandler(w, r, sessionID)
	case "transfer":
		s.transferHandler(w, r, sessionID)
	case "explain":
		s.explainHandler(w, r, sessionID)
	case "complete":
		s.completeHandler(w, r, sessionID)
	case "transcript":
		s.transcriptHandler(w, r, sessionID)
	case "leave":
		s.leaveHandler(w, r, sessionID)
	case "end":
		s.endHandler(w, r, sessionID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("Unknown call endpoint"))
	}
}

func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.calls.Get(sessionID)
	if err != nil {
		writeError(w, "getCallHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, session)
}

func (s *Server) joinHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.JoinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "joinHandler", err)
		return
	}
	req.Identity = queryFallback(r, "identity", req.Identity)
	req.Role = queryFallback(r, "role", req.Role)

	info, err := s.calls.Join(r.Context(), sessionID, req.Identity, req.Role)
	if err != nil {
		writeError(w, "joinHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.TransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "transferHandler", err)
		return
	}
	req.AgentAIdentity = queryFallback(r, "agent_a_identity", req.AgentAIdentity)
	req.AgentBIdentity = queryFallback(r, "agent_b_identity", req.AgentBIdentity)
	req.Reason = queryFallback(r, "reason", req.Reason)
	req.Specialty = queryFallback(r, "specialty", req.Specialty)

	result, err := s.calls.InitiateTransfer(r.Context(), sessionID, call.TransferRequest{
		AgentAIdentity: req.AgentAIdentity,
		AgentBIdentity: req.AgentBIdentity,
		Specialty:      req.Specialty,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(w, "transferHandler", err)
		return
	}
	slog.Info("Server.transferHandler: transfer initiated", "session_id", sessionID, "agent_b", result.AgentBIdentity)
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) explainHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.ExplainRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "explainHandler", err)
		return
	}
	req.AgentAIdentity = queryFallback(r, "agent_a_identity", req.AgentAIdentity)
	req.AgentBIdentity = queryFallback(r, "agent_b_identity", req.AgentBIdentity)

	tc, err := s.calls.ExplainTransfer(r.Context(), sessionID, req.AgentAIdentity, req.AgentBIdentity)
	if err != nil {
		writeError(w, "explainHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.ExplainResponse{
		Explanation: tc.Explanation,
		CallSummary: tc.CallSummary,
	})
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "completeHandler", err)
		return
	}
	req.AgentAIdentity = queryFallback(r, "agent_a_identity", req.AgentAIdentity)

	result, err := s.calls.CompleteTransfer(r.Context(), sessionID, req.AgentAIdentity)
	if err != nil {
		writeError(w, "completeHandler", err)
		return
	}
	slog.Info("Server.completeHandler: transfer completed", "session_id", sessionID, "final_room", result.FinalRoomName)
	writeJSONResponse(w, http.StatusOK, models.CompleteResponse{
		Success:      true,
		FinalRoomSID: result.FinalRoomSID,
		Message:      "Transfer completed successfully",
		Tokens:       result.Tokens,
	})
}

func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.TranscriptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "transcriptHandler", err)
		return
	}
	req.Speaker = queryFallback(r, "speaker", req.Speaker)
	req.Content = queryFallback(r, "content", req.Content)

	session, err := s.calls.AddTranscript(r.Context(), sessionID, req.Speaker, req.Content)
	if err != nil {
		writeError(w, "transcriptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, session)
}

func (s *Server) leaveHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.LeaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "leaveHandler", err)
		return
	}
	req.Identity = queryFallback(r, "identity", req.Identity)

	session, err := s.calls.Leave(r.Context(), sessionID, req.Identity)
	if err != nil {
		writeError(w, "leaveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, session)
}

func (s *Server) endHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.calls.EndSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, "endHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, session)
}

// callEventsHandler serves the event log of a session. The log outlives the
// in-memory session, so a session is only unknown when it has no events either.
func (s *Server) callEventsHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.opts.EventStore == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorResponse("Event log not configured"))
		return
	}
	evs, err := s.opts.EventStore.GetEvents(sessionID)
	if err != nil {
		slog.Error("Server.callEventsHandler: failed to load events", "session_id", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to fetch events"))
		return
	}
	if len(evs) == 0 {
		if _, err := s.calls.Get(sessionID); err != nil {
			writeError(w, "callEventsHandler", err)
			return
		}
	}
	if evs == nil {
		evs = []models.CallEvent{}
	}
	writeJSONResponse(w, http.StatusOK, evs)
}
