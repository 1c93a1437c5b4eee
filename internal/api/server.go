// Package api exposes the WarmTransfer orchestrator over HTTP.
//
// Routes are registered on a plain net/http ServeMux; endpoints with path
// parameters split the remaining path into segments and dispatch by hand.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/agents"
	"github.com/BTreeMap/WarmTransfer/internal/call"
	"github.com/BTreeMap/WarmTransfer/internal/events"
	"github.com/BTreeMap/WarmTransfer/internal/metrics"
	"github.com/BTreeMap/WarmTransfer/internal/store"
	"github.com/BTreeMap/WarmTransfer/internal/twiliovoice"
)

// Defaults for the HTTP server.
const (
	DefaultAddr       = "localhost:8000"
	DefaultCORSOrigin = "http://localhost:3000"

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// WebhookValidator checks the authenticity of Twilio webhook requests.
type WebhookValidator interface {
	ValidateRequest(r *http.Request) bool
}

// Opts holds optional server configuration and collaborators.
type Opts struct {
	Addr              string
	CORSOrigin        string
	EventStore        store.Store
	Hub               *events.Hub
	Voice             twiliovoice.VoiceBridge
	Validator         WebhookValidator
	Metrics           *metrics.Metrics
	LiveKitConfigured bool
	LLMConfigured     bool
	LLMProvider       string
	LLMModel          string
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCORSOrigin sets the allowed browser origin.
func WithCORSOrigin(origin string) Option {
	return func(o *Opts) { o.CORSOrigin = origin }
}

// WithEventStore serves the event log at /api/calls/{id}/events.
func WithEventStore(st store.Store) Option {
	return func(o *Opts) { o.EventStore = st }
}

// WithHub serves live updates at /ws/{client_id}.
func WithHub(h *events.Hub) Option {
	return func(o *Opts) { o.Hub = h }
}

// WithVoiceBridge enables the Twilio endpoints.
func WithVoiceBridge(v twiliovoice.VoiceBridge) Option {
	return func(o *Opts) { o.Voice = v }
}

// WithWebhookValidator requires valid signatures on Twilio webhooks.
func WithWebhookValidator(v WebhookValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithMetrics serves Prometheus metrics at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithProviderStatus reports which external providers are configured on /health.
func WithProviderStatus(livekit, llm bool) Option {
	return func(o *Opts) {
		o.LiveKitConfigured = livekit
		o.LLMConfigured = llm
	}
}

// WithLLMModel reports the configured LLM provider and model on /health.
func WithLLMModel(provider, model string) Option {
	return func(o *Opts) {
		o.LLMProvider = provider
		o.LLMModel = model
	}
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	calls  *call.Manager
	agents *agents.Registry
	opts   Opts
}

// NewServer creates a Server over the call manager and agent registry.
func NewServer(calls *call.Manager, registry *agents.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, CORSOrigin: DefaultCORSOrigin}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{calls: calls, agents: registry, opts: cfg}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/calls", s.listCallsHandler)
	mux.HandleFunc("/api/calls/create", s.createCallHandler)
	mux.HandleFunc("/api/calls/", s.callsHandler)
	mux.HandleFunc("/api/agents", s.agentsHandler)
	mux.HandleFunc("/api/agents/", s.agentsHandler)
	mux.HandleFunc("/api/twilio/call", s.twilioCallHandler)
	mux.HandleFunc("/api/twilio/webhook/", s.twilioWebhookHandler)
	mux.HandleFunc("/ws/", s.wsHandler)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics.Handler())
	}
	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (s.opts.CORSOrigin == "*" || origin == s.opts.CORSOrigin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
