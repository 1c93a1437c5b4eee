package twiliovoice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallService struct {
	created   []*twilioApi.CreateCallParams
	updated   map[string][]*twilioApi.UpdateCallParams
	createFn  func() (*twilioApi.ApiV2010Call, error)
	updateErr error
}

func newFakeCallService() *fakeCallService {
	sid := "CA123"
	return &fakeCallService{
		updated: make(map[string][]*twilioApi.UpdateCallParams),
		createFn: func() (*twilioApi.ApiV2010Call, error) {
			return &twilioApi.ApiV2010Call{Sid: &sid}, nil
		},
	}
}

func (f *fakeCallService) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.created = append(f.created, params)
	return f.createFn()
}

func (f *fakeCallService) UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated[sid] = append(f.updated[sid], params)
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func testClient(svc callService) *Client {
	return newClient(svc, Opts{
		AccountSID:    "AC123",
		AuthToken:     "secret",
		FromNumber:    "+15550001111",
		PublicBaseURL: "https://warm.example.com/",
	})
}

func TestInitiateCall(t *testing.T) {
	svc := newFakeCallService()
	c := testClient(svc)

	sid, err := c.InitiateCall(context.Background(), "+15552223333", "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid != "CA123" {
		t.Errorf("expected CA123, got %s", sid)
	}
	if len(svc.created) != 1 {
		t.Fatalf("expected 1 call, got %d", len(svc.created))
	}
	p := svc.created[0]
	if *p.To != "+15552223333" || *p.From != "+15550001111" {
		t.Errorf("unexpected to/from %s/%s", *p.To, *p.From)
	}
	if !strings.Contains(*p.Twiml, "livekit-s1") {
		t.Errorf("expected conference in twiml, got %s", *p.Twiml)
	}
	if *p.StatusCallback != "https://warm.example.com/api/twilio/webhook/s1" {
		t.Errorf("unexpected status callback %s", *p.StatusCallback)
	}
}

func TestInitiateCall_Error(t *testing.T) {
	svc := newFakeCallService()
	svc.createFn = func() (*twilioApi.ApiV2010Call, error) { return nil, errors.New("invalid number") }
	if _, err := testClient(svc).InitiateCall(context.Background(), "bogus", "s1"); err == nil {
		t.Error("expected error")
	}
	svc.createFn = func() (*twilioApi.ApiV2010Call, error) { return &twilioApi.ApiV2010Call{}, nil }
	if _, err := testClient(svc).InitiateCall(context.Background(), "+1555", "s1"); err == nil {
		t.Error("expected error for missing sid")
	}
}

func TestTransferAndEndCall(t *testing.T) {
	svc := newFakeCallService()
	c := testClient(svc)
	ctx := context.Background()

	if err := c.TransferCall(ctx, "CA1", "s1", "You are now connected with Mike."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.EndCall(ctx, "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ups := svc.updated["CA1"]
	if len(ups) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(ups))
	}
	if ups[0].Twiml == nil || !strings.Contains(*ups[0].Twiml, ConferenceName("s1")) || !strings.Contains(*ups[0].Twiml, "connected with Mike") {
		t.Errorf("expected announcement and session conference in transfer twiml")
	}
	if ups[1].Status == nil || *ups[1].Status != "completed" {
		t.Errorf("expected completed status on end")
	}

	svc.updateErr = errors.New("call not in progress")
	if err := c.EndCall(ctx, "CA1"); err == nil {
		t.Error("expected error")
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_PHONE_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+1555")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTwiML(t *testing.T) {
	xml, err := ConnectTwiML("s1", "Connecting you now.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"<Response>", "Connecting you now.", "alice", "<Conference", "livekit-s1"} {
		if !strings.Contains(xml, want) {
			t.Errorf("connect twiml missing %q: %s", want, xml)
		}
	}
	silent, err := ConnectTwiML("s1", "")
	if err != nil || strings.Contains(silent, "<Say") {
		t.Errorf("connect twiml without explanation must not speak: %s, %v", silent, err)
	}

	hang, err := WebhookTwiML("unknown", "s1", "", "")
	if err != nil || !strings.Contains(hang, "Thank you for calling.") || !strings.Contains(hang, "<Hangup") {
		t.Errorf("unexpected default twiml: %s, %v", hang, err)
	}
	transfer, err := WebhookTwiML(ActionTransfer, "s1", "One moment.", "+15554445555")
	if err != nil || !strings.Contains(transfer, "<Dial") || !strings.Contains(transfer, "+15554445555") {
		t.Errorf("unexpected transfer twiml: %s, %v", transfer, err)
	}
	connect, err := WebhookTwiML("", "s2", "", "")
	if err != nil || !strings.Contains(connect, "livekit-s2") {
		t.Errorf("empty action should connect, got %s, %v", connect, err)
	}
}

// sign computes Twilio's request signature for url and form params.
func sign(token, rawURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateRequest(t *testing.T) {
	c := testClient(newFakeCallService())
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	target := "/api/twilio/webhook/s1?action=connect_to_livekit"

	newReq := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			r.Header.Set(SignatureHeader, sig)
		}
		return r
	}

	good := sign("secret", "https://warm.example.com"+target, form)
	if !c.ValidateRequest(newReq(good)) {
		t.Error("expected valid signature to pass")
	}
	if c.ValidateRequest(newReq("bm9wZQ==")) {
		t.Error("expected wrong signature to fail")
	}
	if c.ValidateRequest(newReq("")) {
		t.Error("expected missing signature to fail")
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()
	sid, err := m.InitiateCall(ctx, "+1555", "s1")
	if err != nil || !strings.HasPrefix(sid, "CA") {
		t.Fatalf("unexpected result %s, %v", sid, err)
	}
	_ = m.TransferCall(ctx, sid, "s1", "hi")
	_ = m.EndCall(ctx, sid)
	if len(m.Calls) != 1 || len(m.Transfers) != 1 || len(m.Ended) != 1 {
		t.Errorf("unexpected mock state %+v", m)
	}
	m.InitiateErr = errors.New("boom")
	if _, err := m.InitiateCall(ctx, "+1555", "s2"); err == nil {
		t.Error("expected injected error")
	}
}
