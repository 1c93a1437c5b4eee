// Package testutil wires a WarmTransfer HTTP server over in-memory fakes for
// tests outside the api package.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/WarmTransfer/internal/agents"
	"github.com/BTreeMap/WarmTransfer/internal/api"
	"github.com/BTreeMap/WarmTransfer/internal/call"
	"github.com/BTreeMap/WarmTransfer/internal/genai"
	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/BTreeMap/WarmTransfer/internal/rooms"
	"github.com/BTreeMap/WarmTransfer/internal/store"
	"github.com/BTreeMap/WarmTransfer/internal/twiliovoice"
)

// TestServer bundles a routed handler with the fakes behind it.
type TestServer struct {
	Gateway   *rooms.MockGateway
	Generator *genai.MockGenerator
	Agents    *agents.Registry
	Store     *store.InMemoryStore
	Voice     *twiliovoice.MockClient
	Calls     *call.Manager
	Handler   http.Handler
}

// NewTestServer creates a server with the default agent roster, mock LiveKit
// and LLM providers, a mock Twilio bridge and an in-memory event log.
func NewTestServer(opts ...api.Option) *TestServer {
	ts := &TestServer{
		Gateway:   rooms.NewMockGateway(),
		Generator: genai.NewMockGenerator(),
		Agents:    agents.NewDefaultRegistry(),
		Store:     store.NewInMemoryStore(),
		Voice:     twiliovoice.NewMockClient(),
	}
	ts.Calls = call.NewManager(ts.Gateway, ts.Generator, ts.Agents,
		call.WithEventSink(store.NewRecorder(ts.Store)),
		call.WithPhoneLine(ts.Voice))
	all := append([]api.Option{
		api.WithEventStore(ts.Store),
		api.WithVoiceBridge(ts.Voice),
	}, opts...)
	ts.Handler = api.NewServer(ts.Calls, ts.Agents, all...).Handler()
	return ts
}

// Do sends a request with an optional JSON body through the handler.
func (ts *TestServer) Do(t testing.TB, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rr, CreateHTTPRequest(t, method, url, body))
	return rr
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertErrorResponse decodes the error envelope and returns its message.
func AssertErrorResponse(t testing.TB, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected status '%s', got '%s'", models.APIStatusError, resp.Status)
	}
	return resp.Message
}

// MustUnmarshalJSON decodes the recorder body into target and fails the test on error.
func MustUnmarshalJSON(t testing.TB, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", rr.Body.String(), err)
	}
}

// ConnectedCall creates a call for callerIdentity and joins it with the
// caller and the assigned Agent A. It returns the session id.
func (ts *TestServer) ConnectedCall(t testing.TB, callerIdentity string) string {
	t.Helper()
	rr := ts.Do(t, http.MethodPost, "/api/calls/create", models.CreateCallRequest{CallerIdentity: callerIdentity})
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "create call")
	var created models.CreateCallResponse
	MustUnmarshalJSON(t, rr, &created)

	join := func(identity, role string) {
		rr := ts.Do(t, http.MethodPost, "/api/calls/"+created.SessionID+"/join", models.JoinRequest{Identity: identity, Role: role})
		AssertHTTPStatus(t, http.StatusOK, rr.Code, "join "+role)
	}
	join(callerIdentity, string(models.RoleCaller))
	join(created.AgentAIdentity, string(models.RoleAgentA))
	return created.SessionID
}
