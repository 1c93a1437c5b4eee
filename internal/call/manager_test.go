package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/agents"
	"github.com/BTreeMap/WarmTransfer/internal/genai"
	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/BTreeMap/WarmTransfer/internal/rooms"
	"github.com/BTreeMap/WarmTransfer/internal/twiliovoice"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.CallEvent
}

func (r *recordingSink) Publish(ev models.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) Events() []models.CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CallEvent(nil), r.events...)
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	errors      []string
	active      int
}

func (r *recordingMetrics) Transition(from, to models.CallState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+">"+string(to))
}

func (r *recordingMetrics) Error(operation string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, operation+":"+models.KindName(err))
}

func (r *recordingMetrics) ActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *recordingMetrics) ObserveDuration(operation string, d time.Duration) {}

type fixture struct {
	gw      *rooms.MockGateway
	gen     *genai.MockGenerator
	reg     *agents.Registry
	sink    *recordingSink
	metrics *recordingMetrics
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:      rooms.NewMockGateway(),
		gen:     genai.NewMockGenerator(),
		reg:     agents.NewDefaultRegistry(),
		sink:    &recordingSink{},
		metrics: &recordingMetrics{},
	}
	f.mgr = NewManager(f.gw, f.gen, f.reg, WithEventSink(f.sink), WithMetrics(f.metrics))
	return f
}

func (f *fixture) agentState(t *testing.T, identity string) models.AgentState {
	t.Helper()
	a, err := f.reg.Get(identity)
	if err != nil {
		t.Fatalf("get agent %s: %v", identity, err)
	}
	return a.State
}

// connected creates a session and joins the caller and Agent A.
func (f *fixture) connected(t *testing.T) *models.CallSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, "c1", "agent_a_001")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := f.mgr.Join(ctx, s.SessionID, "c1", "caller"); err != nil {
		t.Fatalf("Join caller: %v", err)
	}
	if _, err := f.mgr.Join(ctx, s.SessionID, "agent_a_001", "agent_a"); err != nil {
		t.Fatalf("Join agent A: %v", err)
	}
	s, _ = f.mgr.Get(s.SessionID)
	return s
}

// transferring advances a connected session to transferring with the billing agent.
func (f *fixture) transferring(t *testing.T) *models.CallSession {
	t.Helper()
	s := f.connected(t)
	if _, err := f.mgr.InitiateTransfer(context.Background(), s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_billing",
		Reason:         "Billing dispute",
	}); err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}
	s, _ = f.mgr.Get(s.SessionID)
	return s
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), "c1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(s.SessionID, "session_") {
		t.Errorf("unexpected session id %s", s.SessionID)
	}
	if s.State != models.CallStateWaiting {
		t.Errorf("expected waiting, got %s", s.State)
	}
	if s.RoomName != "call_"+s.SessionID || s.OriginalRoomSID == "" {
		t.Errorf("unexpected room %s / %s", s.RoomName, s.OriginalRoomSID)
	}
	if s.AgentAIdentity != "agent_a_001" {
		t.Errorf("expected default agent A, got %s", s.AgentAIdentity)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Content != AgentAGreeting {
		t.Errorf("expected greeting in transcript, got %+v", s.Transcript)
	}
	if f.gw.CreatedRooms[0].MaxParticipants != 3 {
		t.Errorf("expected call room capacity 3, got %d", f.gw.CreatedRooms[0].MaxParticipants)
	}
	if got := f.agentState(t, "agent_a_001"); got != models.AgentStateInCall {
		t.Errorf("expected agent A in_call, got %s", got)
	}
	if f.mgr.ActiveSessions() != 1 {
		t.Errorf("expected 1 active session, got %d", f.mgr.ActiveSessions())
	}
	if evs := f.sink.Events(); len(evs) != 1 || evs[0].Type != models.EventSessionCreated {
		t.Errorf("expected session_created event, got %+v", evs)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.CreateSession(ctx, "", ""); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.mgr.CreateSession(ctx, "c1", "ghost"); !errors.Is(err, models.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := f.mgr.CreateSession(ctx, "c1", "agent_b_billing"); !errors.Is(err, models.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable for wrong role, got %v", err)
	}
	if _, err := f.mgr.CreateSession(ctx, "c1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.mgr.CreateSession(ctx, "c2", ""); !errors.Is(err, models.ErrNoAgentAvailable) {
		t.Errorf("expected ErrNoAgentAvailable once agent A is busy, got %v", err)
	}
	if _, err := f.mgr.CreateSession(ctx, "c2", "agent_a_001"); !errors.Is(err, models.ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable for busy agent A, got %v", err)
	}
}

func TestCreateSession_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.CreateRoomErr = errors.New("livekit down")
	if _, err := f.mgr.CreateSession(context.Background(), "c1", ""); !errors.Is(err, models.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if len(f.mgr.List()) != 0 {
		t.Error("failed create must not register a session")
	}
	if got := f.agentState(t, "agent_a_001"); got != models.AgentStateIdle {
		t.Errorf("failed create must leave agent A idle, got %s", got)
	}
}

func TestJoin_ConnectsWhenBothPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.mgr.CreateSession(ctx, "c1", "agent_a_001")

	info, err := f.mgr.Join(ctx, s.SessionID, "c1", "caller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.RoomName != s.RoomName || info.LiveKitURL != f.gw.URL() || info.AccessToken == "" {
		t.Errorf("unexpected connection info %+v", info)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateWaiting {
		t.Errorf("expected waiting with only the caller, got %s", got.State)
	}

	if _, err := f.mgr.Join(ctx, s.SessionID, "agent_a_001", "agent_a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = f.mgr.Get(s.SessionID)
	if got.State != models.CallStateConnected {
		t.Errorf("expected connected, got %s", got.State)
	}
	tok := f.gw.TokensFor("agent_a_001")
	if len(tok) != 1 || !tok[0].Grants.IsAgent || tok[0].Grants.DisplayName != "Sarah (Agent A)" {
		t.Errorf("expected agent grants for agent A, got %+v", tok)
	}
}

func TestJoin_RejoinRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.mgr.CreateSession(ctx, "c1", "")
	for i := 0; i < 3; i++ {
		if _, err := f.mgr.Join(ctx, s.SessionID, "c1", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got, _ := f.mgr.Get(s.SessionID)
	if len(got.Participants) != 1 {
		t.Errorf("expected a single participant record, got %d", len(got.Participants))
	}
}

func TestJoin_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.Join(ctx, "session_missing", "c1", "caller"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if len(f.mgr.List()) != 0 || f.gw.RoomCount() != 0 {
		t.Error("join on unknown session must not create state")
	}

	s, _ := f.mgr.CreateSession(ctx, "c1", "")
	if _, err := f.mgr.Join(ctx, s.SessionID, "impostor", "agent_a"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for wrong agent A, got %v", err)
	}
	if _, err := f.mgr.Join(ctx, s.SessionID, "agent_b_billing", "agent_b"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for unassigned agent B, got %v", err)
	}
	if _, err := f.mgr.Join(ctx, s.SessionID, "c1", "supervisor"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for unknown role, got %v", err)
	}
	if _, err := f.mgr.Join(ctx, s.SessionID, "", "caller"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty identity, got %v", err)
	}
}

func TestWarmTransferScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)

	res, err := f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_billing",
	})
	if err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}
	if res.TransferRoomSID == "" || res.TransferRoomSID == s.OriginalRoomSID {
		t.Errorf("expected a new transfer room sid, got %s", res.TransferRoomSID)
	}
	if !strings.HasPrefix(res.TransferRoomName, "transfer_"+s.SessionID+"_") {
		t.Errorf("unexpected transfer room name %s", res.TransferRoomName)
	}
	if res.Tokens["agent_a"] == "" || res.Tokens["agent_b"] == "" || res.AgentBIdentity != "agent_b_billing" {
		t.Errorf("unexpected transfer result %+v", res)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateTransferring || got.TransferReason != DefaultTransferReason {
		t.Errorf("expected transferring with default reason, got %s / %q", got.State, got.TransferReason)
	}
	for _, id := range []string{"agent_a_001", "agent_b_billing"} {
		if st := f.agentState(t, id); st != models.AgentStateInTransfer {
			t.Errorf("expected %s in_transfer, got %s", id, st)
		}
	}

	done, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001")
	if err != nil {
		t.Fatalf("CompleteTransfer: %v", err)
	}
	if done.FinalRoomName != "final_"+s.SessionID || done.Tokens["caller"] == "" || done.Tokens["agent_b"] == "" {
		t.Errorf("unexpected completion %+v", done)
	}
	got, _ = f.mgr.Get(s.SessionID)
	if got.State != models.CallStateTransferred {
		t.Errorf("expected transferred, got %s", got.State)
	}
	if got.TransferRoomSID == "" || got.TransferRoomSID == got.OriginalRoomSID {
		t.Error("transfer room sid must be set and distinct from the original")
	}
	if got.CallSummary == "" {
		t.Error("expected summary generated on completion")
	}
	if st := f.agentState(t, "agent_a_001"); st != models.AgentStateIdle {
		t.Errorf("expected agent A idle, got %s", st)
	}
	if st := f.agentState(t, "agent_b_billing"); st != models.AgentStateInCall {
		t.Errorf("expected agent B in_call, got %s", st)
	}
	if got.HasParticipant("agent_a_001") {
		t.Error("agent A must leave the participant list")
	}
	for _, p := range got.Participants {
		if p.RoomName != done.FinalRoomName {
			t.Errorf("participant %s left in room %s", p.Identity, p.RoomName)
		}
	}
	if !f.gw.RemovedFrom(got.TransferRoomName, "agent_a_001") || !f.gw.RemovedFrom(got.RoomName, "agent_a_001") {
		t.Error("expected agent A removed from transfer and original rooms")
	}

	info, err := f.mgr.Join(ctx, s.SessionID, "c1", "caller")
	if err != nil || info.RoomName != done.FinalRoomName {
		t.Errorf("expected rejoin into the final room, got %+v, %v", info, err)
	}

	ended, err := f.mgr.EndSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.State != models.CallStateEnded || ended.EndedAt == nil {
		t.Errorf("expected ended with timestamp, got %s", ended.State)
	}
	if st := f.agentState(t, "agent_b_billing"); st != models.AgentStateIdle {
		t.Errorf("expected agent B released, got %s", st)
	}
	if f.mgr.ActiveSessions() != 0 {
		t.Errorf("expected no active sessions, got %d", f.mgr.ActiveSessions())
	}

	var path []models.CallState
	for _, ev := range f.sink.Events() {
		if ev.IsTransition() {
			if !ev.FromState.CanTransition(ev.ToState) {
				t.Errorf("illegal transition %s -> %s", ev.FromState, ev.ToState)
			}
			path = append(path, ev.ToState)
		}
	}
	want := []models.CallState{models.CallStateConnected, models.CallStateTransferring, models.CallStateTransferred, models.CallStateEnded}
	if len(path) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], path[i])
		}
	}
	if len(f.metrics.transitions) != 4 {
		t.Errorf("expected 4 transitions counted, got %v", f.metrics.transitions)
	}
}

func TestInitiateTransfer_AgentBNotIdle(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	_ = f.reg.SetState("agent_b_billing", models.AgentStateInCall)

	_, err := f.mgr.InitiateTransfer(context.Background(), s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_billing",
	})
	if !errors.Is(err, models.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateConnected || got.AgentBIdentity != "" {
		t.Errorf("failed initiate must not change the session, got %s / %s", got.State, got.AgentBIdentity)
	}
}

func TestInitiateTransfer_UnknownAgentB(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	before := f.gw.RoomCount()

	_, err := f.mgr.InitiateTransfer(context.Background(), s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_nobody",
	})
	if !errors.Is(err, models.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateConnected {
		t.Errorf("expected connected, got %s", got.State)
	}
	if f.gw.RoomCount() != before {
		t.Error("no room should be created when validation fails")
	}
}

func TestInitiateTransfer_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.mgr.CreateSession(ctx, "c1", "")

	_, err := f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001"})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while waiting, got %v", err)
	}
	_, _ = f.mgr.Join(ctx, s.SessionID, "c1", "caller")
	_, _ = f.mgr.Join(ctx, s.SessionID, "agent_a_001", "agent_a")

	_, err = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_x"})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for mismatched agent A, got %v", err)
	}
	if _, err := f.mgr.InitiateTransfer(ctx, "session_missing", TransferRequest{}); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	res, err := f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001", Specialty: "Technical"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AgentBIdentity != "agent_b_technical" {
		t.Errorf("expected technical specialist, got %s", res.AgentBIdentity)
	}
	// A second initiate is rejected by the connected precondition.
	_, err = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001"})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for second initiate, got %v", err)
	}
}

func TestInitiateTransfer_NoAgentAvailable(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	_, err := f.mgr.InitiateTransfer(context.Background(), s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		Specialty:      "Legal",
	})
	if !errors.Is(err, models.ErrNoAgentAvailable) {
		t.Errorf("expected ErrNoAgentAvailable, got %v", err)
	}
}

func TestInitiateTransfer_TokenFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	f.gw.IssueTokenErr = errors.New("signing failed")

	_, err := f.mgr.InitiateTransfer(context.Background(), s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_general",
	})
	if !errors.Is(err, models.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateConnected || got.TransferRoomSID != "" {
		t.Errorf("session must be unchanged, got %s / %s", got.State, got.TransferRoomSID)
	}
	if st := f.agentState(t, "agent_b_general"); st != models.AgentStateIdle {
		t.Errorf("agent B must stay idle, got %s", st)
	}
	if st := f.agentState(t, "agent_a_001"); st != models.AgentStateInCall {
		t.Errorf("agent A must stay in_call, got %s", st)
	}
	if len(f.gw.DeletedRooms) != 1 {
		t.Errorf("expected the orphaned transfer room to be deleted, got %v", f.gw.DeletedRooms)
	}
}

func TestExplainTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.transferring(t)

	tc, err := f.mgr.ExplainTransfer(ctx, s.SessionID, "agent_a_001", "agent_b_billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tc.CallSummary != f.gen.Summary || tc.Explanation != f.gen.Explanation || tc.TransferReason != "Billing dispute" {
		t.Errorf("unexpected transfer context %+v", tc)
	}
	_, explains := f.gen.Calls()
	if len(explains) != 1 || explains[0].TargetContext != "Billing" {
		t.Errorf("expected explanation for the billing specialty, got %+v", explains)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.CallSummary != tc.CallSummary || got.Explanation != tc.Explanation {
		t.Error("explain must store summary and explanation on the session")
	}
	if got.State != models.CallStateTransferring {
		t.Errorf("explain must not change state, got %s", got.State)
	}
}

func TestExplainTransfer_IdenticalGeneratorInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)
	_, _ = f.mgr.AddTranscript(ctx, s.SessionID, "Caller", "My card was charged twice.")
	_, _ = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001"})
	s, _ = f.mgr.Get(s.SessionID)

	for i := 0; i < 2; i++ {
		if _, err := f.mgr.ExplainTransfer(ctx, s.SessionID, "agent_a_001", s.AgentBIdentity); err != nil {
			t.Fatalf("explain %d: %v", i, err)
		}
	}
	summaries, _ := f.gen.Calls()
	if len(summaries) != 2 || summaries[0].Prompt != summaries[1].Prompt {
		t.Errorf("expected identical summarize input, got %+v", summaries)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if len(got.Transcript) != 2 {
		t.Errorf("explain must not touch the transcript, got %d turns", len(got.Transcript))
	}
}

func TestExplainTransfer_SummaryFailureUsesPlaceholder(t *testing.T) {
	f := newFixture(t)
	s := f.transferring(t)
	f.gen.SummaryErr = errors.New("rate limited")

	tc, err := f.mgr.ExplainTransfer(context.Background(), s.SessionID, "agent_a_001", "agent_b_billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tc.CallSummary != SummaryUnavailable {
		t.Errorf("expected placeholder summary, got %q", tc.CallSummary)
	}
	_, explains := f.gen.Calls()
	if explains[0].Summary != SummaryUnavailable {
		t.Errorf("explanation must be generated from the placeholder, got %q", explains[0].Summary)
	}
}

func TestExplainTransfer_GenerationFailure(t *testing.T) {
	f := newFixture(t)
	s := f.transferring(t)
	f.gen.ExplainErr = errors.New("model overloaded")

	_, err := f.mgr.ExplainTransfer(context.Background(), s.SessionID, "agent_a_001", "agent_b_billing")
	if !errors.Is(err, models.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.CallSummary != "" || got.Explanation != "" {
		t.Error("failed explain must not mutate the session")
	}
}

func TestExplainTransfer_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)
	if _, err := f.mgr.ExplainTransfer(ctx, s.SessionID, "agent_a_001", "agent_b_billing"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before transfer, got %v", err)
	}
	_, _ = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001", AgentBIdentity: "agent_b_billing"})
	if _, err := f.mgr.ExplainTransfer(ctx, s.SessionID, "agent_a_001", "agent_b_general"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for mismatched agent B, got %v", err)
	}
}

func TestCompleteTransfer_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)
	if _, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before transfer, got %v", err)
	}
	_, _ = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{AgentAIdentity: "agent_a_001"})
	if _, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_x"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for mismatched agent A, got %v", err)
	}
}

func TestCompleteTransfer_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	s := f.transferring(t)
	f.gw.CreateRoomErr = errors.New("quota exceeded")

	if _, err := f.mgr.CompleteTransfer(context.Background(), s.SessionID, "agent_a_001"); !errors.Is(err, models.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateTransferring || got.FinalRoomSID != "" || got.CallSummary != "" {
		t.Errorf("failed complete must not mutate the session, got %+v", got)
	}
	if st := f.agentState(t, "agent_a_001"); st != models.AgentStateInTransfer {
		t.Errorf("agent A must stay in_transfer, got %s", st)
	}
}

func TestCompleteTransfer_RemoveFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	s := f.transferring(t)
	f.gw.RemoveParticipantErr = errors.New("participant not found")

	if _, err := f.mgr.CompleteTransfer(context.Background(), s.SessionID, "agent_a_001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateTransferred {
		t.Errorf("expected transferred, got %s", got.State)
	}
}

func TestCompleteTransfer_KeepsExplainedSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.transferring(t)
	_, _ = f.mgr.ExplainTransfer(ctx, s.SessionID, "agent_a_001", "agent_b_billing")

	if _, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	summaries, _ := f.gen.Calls()
	if len(summaries) != 1 {
		t.Errorf("expected no second summary once explained, got %d calls", len(summaries))
	}
}

func TestLeave_LastParticipantEndsTransferredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.transferring(t)
	if _, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := f.mgr.Leave(ctx, s.SessionID, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != models.CallStateTransferred {
		t.Errorf("expected transferred while agent B remains, got %s", got.State)
	}
	got, err = f.mgr.Leave(ctx, s.SessionID, "agent_b_billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != models.CallStateEnded {
		t.Errorf("expected ended after the last participant left, got %s", got.State)
	}
	if _, err := f.mgr.Leave(ctx, s.SessionID, "c1"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after end, got %v", err)
	}
}

func TestLeave_BeforeTransferKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)
	got, err := f.mgr.Leave(ctx, s.SessionID, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != models.CallStateConnected || got.HasParticipant("c1") {
		t.Errorf("unexpected session after leave: %s", got.State)
	}
	if _, err := f.mgr.Leave(ctx, s.SessionID, "stranger"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestEndSession_RequiresTransferred(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	if _, err := f.mgr.EndSession(context.Background(), s.SessionID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.mgr.EndSession(context.Background(), "session_missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.transferring(t)
	_, _ = f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001")
	_, _ = f.mgr.EndSession(ctx, s.SessionID)

	if _, err := f.mgr.Join(ctx, s.SessionID, "c1", "caller"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on join, got %v", err)
	}
	if _, err := f.mgr.AddTranscript(ctx, s.SessionID, "Caller", "hello?"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on transcript, got %v", err)
	}
	if _, err := f.mgr.EndSession(ctx, s.SessionID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second end, got %v", err)
	}
	if len(f.gw.DeletedRooms) != 3 {
		t.Errorf("expected original, transfer and final rooms deleted, got %v", f.gw.DeletedRooms)
	}
}

func TestAddTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.mgr.CreateSession(ctx, "c1", "")
	got, err := f.mgr.AddTranscript(ctx, s.SessionID, "Caller", "I need help with my bill.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Speaker != "Caller" {
		t.Errorf("unexpected transcript %+v", got.Transcript)
	}
	if _, err := f.mgr.AddTranscript(ctx, s.SessionID, "Caller", "  "); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.CreateSession(context.Background(), "c1", "")
	snap, _ := f.mgr.Get(s.SessionID)
	snap.State = models.CallStateEnded
	snap.Transcript[0].Content = "changed"
	again, _ := f.mgr.Get(s.SessionID)
	if again.State != models.CallStateWaiting || again.Transcript[0].Content != AgentAGreeting {
		t.Error("snapshots must not alias manager state")
	}
}

func TestList_OrderedByCreation(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(models.Agent{Identity: "agent_a_002", Name: "Tom (Agent A)", Role: models.AgentRoleA})
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	f.mgr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first, _ := f.mgr.CreateSession(context.Background(), "c1", "")
	second, _ := f.mgr.CreateSession(context.Background(), "c2", "")
	list := f.mgr.List()
	if len(list) != 2 || list[0].SessionID != first.SessionID || list[1].SessionID != second.SessionID {
		t.Errorf("unexpected order: %v", list)
	}
}

func TestConcurrentSessionsClaimDistinctAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Register(models.Agent{Identity: "agent_a_002", Name: "Tom (Agent A)", Role: models.AgentRoleA})

	var sessions []*models.CallSession
	for i, caller := range []string{"c1", "c2"} {
		s, err := f.mgr.CreateSession(ctx, caller, "")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		_, _ = f.mgr.Join(ctx, s.SessionID, caller, "caller")
		_, _ = f.mgr.Join(ctx, s.SessionID, s.AgentAIdentity, "agent_a")
		sessions = append(sessions, s)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *models.CallSession) {
			defer wg.Done()
			_, err := f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{
				AgentAIdentity: s.AgentAIdentity,
				AgentBIdentity: "agent_b_billing",
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, models.ErrAgentUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one transfer to claim agent B, got %d", ok)
	}
}

func TestPruneEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	f.mgr.now = func() time.Time { return clock }

	done := f.transferring(t)
	if _, err := f.mgr.CompleteTransfer(ctx, done.SessionID, "agent_a_001"); err != nil {
		t.Fatalf("CompleteTransfer: %v", err)
	}
	if _, err := f.mgr.EndSession(ctx, done.SessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	live, err := f.mgr.CreateSession(ctx, "c2", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if n := f.mgr.PruneEnded(time.Hour); n != 0 {
		t.Errorf("expected nothing pruned inside the retention window, got %d", n)
	}
	clock = base.Add(2 * time.Hour)
	if n := f.mgr.PruneEnded(time.Hour); n != 1 {
		t.Errorf("expected 1 session pruned, got %d", n)
	}
	if _, err := f.mgr.Get(done.SessionID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected pruned session to be gone, got %v", err)
	}
	if _, err := f.mgr.Get(live.SessionID); err != nil {
		t.Errorf("live session must survive pruning: %v", err)
	}
}

func TestCreateSession_CallerCannotBeAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, caller := range []string{"agent_a_001", "agent_b_billing"} {
		if _, err := f.mgr.CreateSession(ctx, caller, ""); !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("caller %s: expected ErrInvalidRequest, got %v", caller, err)
		}
	}
	if f.gw.RoomCount() != 0 || len(f.mgr.List()) != 0 {
		t.Error("rejected create must not allocate a room or a session")
	}
	if got := f.agentState(t, "agent_a_001"); got != models.AgentStateIdle {
		t.Errorf("expected agent A idle, got %s", got)
	}
}

func TestInitiateTransfer_AgentBCannotBeCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, "agent_b_late", "agent_a_001")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, _ = f.mgr.Join(ctx, s.SessionID, "agent_b_late", "caller")
	_, _ = f.mgr.Join(ctx, s.SessionID, "agent_a_001", "agent_a")
	// Registered after the session was created.
	f.reg.Register(models.Agent{Identity: "agent_b_late", Name: "Late (Billing)", Role: models.AgentRoleB, Specialty: "Billing"})
	before := f.gw.RoomCount()

	_, err = f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{
		AgentAIdentity: "agent_a_001",
		AgentBIdentity: "agent_b_late",
	})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if f.gw.RoomCount() != before {
		t.Error("no transfer room should be created")
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateConnected || got.AgentBIdentity != "" {
		t.Errorf("session must be unchanged, got %s / %s", got.State, got.AgentBIdentity)
	}
	if st := f.agentState(t, "agent_b_late"); st != models.AgentStateIdle {
		t.Errorf("expected agent stays idle, got %s", st)
	}
}

func TestJoin_UnknownSessionBeforeArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Join(ctx, "session_missing", "c1", "bogus"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for bad role, got %v", err)
	}
	if _, err := f.mgr.Join(ctx, "session_missing", "", "caller"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for empty identity, got %v", err)
	}
}

func TestConcurrentInitiateOnOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connected(t)
	before := f.gw.RoomCount()
	candidates := []string{"agent_b_billing", "agent_b_technical", "agent_b_general"}

	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		mu    sync.Mutex
		errs  []error
	)
	for _, b := range candidates {
		wg.Add(1)
		go func(agentB string) {
			defer wg.Done()
			<-ready
			_, err := f.mgr.InitiateTransfer(ctx, s.SessionID, TransferRequest{
				AgentAIdentity: "agent_a_001",
				AgentBIdentity: agentB,
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(b)
	}
	close(ready)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("expected losers to see ErrInvalidState, got %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one initiate to succeed, got %d", ok)
	}
	if created := f.gw.RoomCount() - before; created != 1 {
		t.Errorf("expected one transfer room, got %d", created)
	}
	busy := 0
	for _, b := range candidates {
		if f.agentState(t, b) != models.AgentStateIdle {
			busy++
		}
	}
	if busy != 1 {
		t.Errorf("expected exactly one agent B claimed, got %d", busy)
	}
	got, _ := f.mgr.Get(s.SessionID)
	if got.State != models.CallStateTransferring || f.agentState(t, got.AgentBIdentity) != models.AgentStateInTransfer {
		t.Errorf("expected the winner recorded as agent B, got %s / %s", got.State, got.AgentBIdentity)
	}
}

func TestPhoneLineFollowsSession(t *testing.T) {
	f := newFixture(t)
	phone := twiliovoice.NewMockClient()
	f.mgr = NewManager(f.gw, f.gen, f.reg, WithEventSink(f.sink), WithPhoneLine(phone))
	ctx := context.Background()

	if _, err := f.mgr.AttachPhoneCall(ctx, "session_missing", "CA1"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	s := f.transferring(t)
	if _, err := f.mgr.AttachPhoneCall(ctx, s.SessionID, " "); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty sid, got %v", err)
	}
	got, err := f.mgr.AttachPhoneCall(ctx, s.SessionID, "CA1")
	if err != nil {
		t.Fatalf("AttachPhoneCall: %v", err)
	}
	if got.PhoneCallSID != "CA1" || got.State != models.CallStateTransferring {
		t.Errorf("unexpected session after attach: %s / %s", got.PhoneCallSID, got.State)
	}

	if _, err := f.mgr.CompleteTransfer(ctx, s.SessionID, "agent_a_001"); err != nil {
		t.Fatalf("CompleteTransfer: %v", err)
	}
	transfers, ended := phone.Snapshot()
	if len(transfers) != 1 || transfers[0].CallSID != "CA1" || transfers[0].SessionID != s.SessionID {
		t.Fatalf("expected one handoff on CA1, got %+v", transfers)
	}
	if transfers[0].Announcement != HandoffAnnouncement("Mike (Billing)") {
		t.Errorf("unexpected announcement %q", transfers[0].Announcement)
	}
	if len(ended) != 0 {
		t.Errorf("phone call must stay up until the session ends, got %v", ended)
	}

	if _, err := f.mgr.EndSession(ctx, s.SessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, ended = phone.Snapshot(); len(ended) != 1 || ended[0] != "CA1" {
		t.Errorf("expected CA1 hung up, got %v", ended)
	}
	if _, err := f.mgr.AttachPhoneCall(ctx, s.SessionID, "CA2"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after end, got %v", err)
	}

	bridged := 0
	for _, ev := range f.sink.Events() {
		if ev.Type == models.EventPhoneBridged {
			bridged++
			if ev.Detail != "CA1" || ev.IsTransition() {
				t.Errorf("unexpected phone_bridged event %+v", ev)
			}
		}
	}
	if bridged != 1 {
		t.Errorf("expected one phone_bridged event, got %d", bridged)
	}
}
