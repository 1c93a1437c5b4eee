// Package twiliovoice bridges phone calls into WarmTransfer through Twilio Voice.
package twiliovoice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// VoiceBridge places and controls outbound phone calls.
type VoiceBridge interface {
	InitiateCall(ctx context.Context, to, sessionID string) (string, error)
	TransferCall(ctx context.Context, callSID, sessionID, announcement string) error
	EndCall(ctx context.Context, callSID string) error
}

// callService is the part of the Twilio REST API the client uses.
type callService interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Opts holds configuration options for the Twilio voice client.
type Opts struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	PublicBaseURL string
}

// Option defines a configuration option for the Twilio voice client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller ID for outbound calls.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithPublicBaseURL sets the externally reachable base URL used for webhooks.
func WithPublicBaseURL(url string) Option {
	return func(o *Opts) { o.PublicBaseURL = url }
}

// Client wraps the Twilio REST API for voice calls.
type Client struct {
	calls      callService
	validator  twilioclient.RequestValidator
	fromNumber string
	baseURL    string
}

// NewClient creates a Client, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER and PUBLIC_BASE_URL.
func NewClient(opts ...Option) (*Client, error) {
	cfg := loadOpts(opts...)
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func loadOpts(opts ...Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = os.Getenv("PUBLIC_BASE_URL")
	}
	slog.Debug("Twilio voice config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"PublicBaseURL", cfg.PublicBaseURL)
	return cfg
}

func newClient(calls callService, cfg Opts) *Client {
	return &Client{
		calls:      calls,
		validator:  twilioclient.NewRequestValidator(cfg.AuthToken),
		fromNumber: cfg.FromNumber,
		baseURL:    strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// WebhookURL is the status and TwiML webhook for a session.
func (c *Client) WebhookURL(sessionID string) string {
	if c.baseURL == "" {
		return ""
	}
	return c.baseURL + "/api/twilio/webhook/" + sessionID
}

// InitiateCall dials to and bridges the call into the session's conference.
func (c *Client) InitiateCall(ctx context.Context, to, sessionID string) (string, error) {
	xml, err := ConnectTwiML(sessionID, "")
	if err != nil {
		return "", fmt.Errorf("failed to build connect twiml: %w", err)
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetTwiml(xml)
	if hook := c.WebhookURL(sessionID); hook != "" {
		params.SetStatusCallback(hook)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := c.calls.CreateCall(params)
	if err != nil {
		slog.Error("Twilio InitiateCall failed", "to", to, "session_id", sessionID, "error", err)
		return "", fmt.Errorf("failed to call %s: %w", to, err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("twilio returned no call sid for %s", to)
	}
	slog.Info("Twilio call initiated", "to", to, "session_id", sessionID, "call_sid", *resp.Sid)
	return *resp.Sid, nil
}

// TransferCall redirects a live call back into the session's conference,
// speaking announcement first.
func (c *Client) TransferCall(ctx context.Context, callSID, sessionID, announcement string) error {
	xml, err := ConnectTwiML(sessionID, announcement)
	if err != nil {
		return fmt.Errorf("failed to build transfer twiml: %w", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(xml)
	if _, err := c.calls.UpdateCall(callSID, params); err != nil {
		slog.Error("Twilio TransferCall failed", "call_sid", callSID, "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to transfer call %s: %w", callSID, err)
	}
	slog.Info("Twilio call transferred", "call_sid", callSID, "session_id", sessionID)
	return nil
}

// EndCall completes a live call.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.calls.UpdateCall(callSID, params); err != nil {
		slog.Error("Twilio EndCall failed", "call_sid", callSID, "error", err)
		return fmt.Errorf("failed to end call %s: %w", callSID, err)
	}
	slog.Info("Twilio call ended", "call_sid", callSID)
	return nil
}

// ValidateRequest checks the X-Twilio-Signature of a parsed webhook request
// against the public URL it was delivered to.
func (c *Client) ValidateRequest(r *http.Request) bool {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" || c.baseURL == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return c.validator.Validate(c.baseURL+r.URL.RequestURI(), params, signature)
}
