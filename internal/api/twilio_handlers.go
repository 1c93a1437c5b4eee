package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/BTreeMap/WarmTransfer/internal/twiliovoice"
)

// twilioCallHandler handles POST /api/twilio/call.
func (s *Server) twilioCallHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.twilioCallHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Voice == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorResponse("Twilio service not available"))
		return
	}
	var req models.TwilioCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "twilioCallHandler", err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "twilioCallHandler", err)
		return
	}
	if _, err := s.calls.Get(req.SessionID); err != nil {
		writeError(w, "twilioCallHandler", err)
		return
	}

	sid, err := s.opts.Voice.InitiateCall(r.Context(), req.PhoneNumber, req.SessionID)
	if err != nil {
		slog.Error("Server.twilioCallHandler: failed to initiate call", "session_id", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.ErrorResponse("Failed to initiate call: "+err.Error()))
		return
	}
	if _, err := s.calls.AttachPhoneCall(r.Context(), req.SessionID, sid); err != nil {
		slog.Warn("Server.twilioCallHandler: placed call not attached to session", "session_id", req.SessionID, "call_sid", sid, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.TwilioCallResponse{
		CallSID:     sid,
		PhoneNumber: req.PhoneNumber,
		SessionID:   req.SessionID,
	})
}

// twilioWebhookHandler handles POST /api/twilio/webhook/{id}?action=.
// Unknown sessions and internal failures still answer with TwiML that hangs up.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.twilioWebhookHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Validator != nil && !s.opts.Validator.ValidateRequest(r) {
		slog.Warn("Server.twilioWebhookHandler: invalid signature", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusForbidden, models.ErrorResponse("Invalid Twilio signature"))
		return
	}
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/twilio/webhook/"), "/")
	action := r.URL.Query().Get("action")

	session, err := s.calls.Get(sessionID)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: unknown session", "session_id", sessionID)
		s.writeHangup(w)
		return
	}
	if status := r.FormValue("CallStatus"); status != "" {
		slog.Info("Server.twilioWebhookHandler: call status", "session_id", sessionID, "status", status, "call_sid", r.FormValue("CallSid"))
	}

	xml, err := twiliovoice.WebhookTwiML(action, sessionID, session.Explanation, r.URL.Query().Get("target"))
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to render twiml", "session_id", sessionID, "error", err)
		s.writeHangup(w)
		return
	}
	writeXMLResponse(w, http.StatusOK, xml)
}

func (s *Server) writeHangup(w http.ResponseWriter) {
	xml, err := twiliovoice.HangupTwiML("")
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to render TwiML"))
		return
	}
	writeXMLResponse(w, http.StatusOK, xml)
}
