// Package api provides HTTP response utilities for WarmTransfer.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.ErrorResponse("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeXMLResponse writes a TwiML document.
func writeXMLResponse(w http.ResponseWriter, statusCode int, xml string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, xml); err != nil {
		slog.Error("Server.writeXMLResponse: failed to write XML response", "error", err)
	}
}

// statusForError maps an orchestration error kind onto an HTTP status.
func statusForError(err error) int {
	switch models.KindOf(err) {
	case models.ErrSessionNotFound, models.ErrAgentNotFound:
		return http.StatusNotFound
	case models.ErrAgentUnavailable, models.ErrInvalidState:
		return http.StatusConflict
	case models.ErrNoAgentAvailable:
		return http.StatusServiceUnavailable
	case models.ErrGateway, models.ErrGeneration:
		return http.StatusBadGateway
	case models.ErrInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes the error envelope with the mapped status.
func writeError(w http.ResponseWriter, handler string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "status", status, "error", err)
	} else {
		slog.Warn("Server."+handler+": request rejected", "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.ErrorResponse(err.Error()))
}

// methodNotAllowed writes a 405 with the Allow header set.
func methodNotAllowed(w http.ResponseWriter, allow ...string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.ErrorResponse("Method not allowed"))
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return models.NewError(models.ErrInvalidRequest, "Invalid JSON format")
	}
	return nil
}

// queryFallback returns cur, or the query parameter key when cur is empty.
func queryFallback(r *http.Request, key, cur string) string {
	if cur != "" {
		return cur
	}
	return r.URL.Query().Get(key)
}
