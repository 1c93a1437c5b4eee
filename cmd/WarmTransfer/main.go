package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/WarmTransfer/internal/agents"
	"github.com/BTreeMap/WarmTransfer/internal/api"
	"github.com/BTreeMap/WarmTransfer/internal/call"
	"github.com/BTreeMap/WarmTransfer/internal/events"
	"github.com/BTreeMap/WarmTransfer/internal/genai"
	"github.com/BTreeMap/WarmTransfer/internal/lockfile"
	"github.com/BTreeMap/WarmTransfer/internal/metrics"
	"github.com/BTreeMap/WarmTransfer/internal/rooms"
	"github.com/BTreeMap/WarmTransfer/internal/scheduler"
	"github.com/BTreeMap/WarmTransfer/internal/store"
	"github.com/BTreeMap/WarmTransfer/internal/twiliovoice"
	"github.com/BTreeMap/WarmTransfer/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WarmTransfer state data
	DefaultStateDir = "/var/lib/warmtransfer"
	// DefaultDBFileName is the default SQLite event log filename
	DefaultDBFileName = "warmtransfer.db"
	// DefaultSessionRetention is how long ended sessions stay queryable in memory
	DefaultSessionRetention = time.Hour
	// pruneSchedule is how often ended sessions are swept
	pruneSchedule = "@every 1m"
)

func main() {
	// Initialize structured logger
	initializeLogger(util.ParseBoolEnv("DEBUG", false))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	gateway, err := rooms.NewLiveKitGateway(buildRoomsOptions(flags)...)
	if err != nil {
		slog.Error("LiveKit is not configured", "error", err)
		os.Exit(1)
	}

	application, err := newApp(flags, gateway)
	if err != nil {
		slog.Error("Failed to start WarmTransfer", "error", err)
		os.Exit(1)
	}
	defer application.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WarmTransfer", "api_addr", flags.apiAddr, "event_log", store.DetectDSNType(flags.dbDSN), "event_log_set", flags.dbDSN != "")
	if err := application.server.Run(ctx); err != nil {
		slog.Error("WarmTransfer failed to run", "error", err)
		application.close()
		os.Exit(1)
	}
	slog.Info("WarmTransfer exited successfully")
}

// Config holds environment configuration
type Config struct {
	LiveKitURL        string
	LiveKitAPIKey     string
	LiveKitAPISecret  string
	LLMProvider       string
	LLMAPIKey         string
	LLMModel          string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	PublicBaseURL     string
	APIAddr           string
	CORSOrigin        string
	StateDir          string
	DatabaseURL       string
	SessionRetention  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	livekitURL       string
	livekitAPIKey    string
	livekitAPISecret string
	llmProvider      string
	llmAPIKey        string
	llmModel         string
	twilioSID        string
	twilioToken      string
	twilioFrom       string
	publicBaseURL    string
	apiAddr          string
	corsOrigin       string
	stateDir         string
	dbDSN            string
	sessionRetention time.Duration
}

// initializeLogger sets up structured logging, at debug level when requested
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LiveKitURL:        os.Getenv("LIVEKIT_URL"),
		LiveKitAPIKey:     os.Getenv("LIVEKIT_API_KEY"),
		LiveKitAPISecret:  os.Getenv("LIVEKIT_API_SECRET"),
		LLMProvider:       util.GetenvDefault("LLM_PROVIDER", string(genai.ProviderOpenAI)),
		LLMModel:          os.Getenv("LLM_MODEL"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		APIAddr:           util.GetenvDefault("API_ADDR", api.DefaultAddr),
		CORSOrigin:        util.GetenvDefault("CORS_ORIGIN", api.DefaultCORSOrigin),
		StateDir:          util.GetenvDefault("WARMTRANSFER_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SessionRetention:  DefaultSessionRetention,
	}
	if v := os.Getenv("SESSION_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.SessionRetention = d
		} else {
			slog.Warn("invalid SESSION_RETENTION, using default", "value", v, "default", DefaultSessionRetention)
		}
	}
	if p, err := genai.ParseProvider(config.LLMProvider); err == nil {
		config.LLMAPIKey = os.Getenv(p.APIKeyEnv())
	}

	slog.Debug("environment variables loaded",
		"LIVEKIT_URL", config.LiveKitURL,
		"LIVEKIT_API_KEY_SET", config.LiveKitAPIKey != "",
		"LLM_PROVIDER", config.LLMProvider,
		"LLM_API_KEY_SET", config.LLMAPIKey != "",
		"LLM_MODEL", config.LLMModel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"API_ADDR", config.APIAddr,
		"CORS_ORIGIN", config.CORSOrigin,
		"WARMTRANSFER_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SESSION_RETENTION", config.SessionRetention)

	return config
}

// parseCommandLineFlags parses args with environment defaults. An empty
// -db-dsn keeps the event log in memory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.livekitURL, "livekit-url", config.LiveKitURL, "LiveKit server URL (overrides $LIVEKIT_URL)")
	fs.StringVar(&flags.livekitAPIKey, "livekit-api-key", config.LiveKitAPIKey, "LiveKit API key (overrides $LIVEKIT_API_KEY)")
	fs.StringVar(&flags.livekitAPISecret, "livekit-api-secret", config.LiveKitAPISecret, "LiveKit API secret (overrides $LIVEKIT_API_SECRET)")
	fs.StringVar(&flags.llmProvider, "llm-provider", config.LLMProvider, "LLM provider: openai, groq or openrouter (overrides $LLM_PROVIDER)")
	fs.StringVar(&flags.llmAPIKey, "llm-api-key", config.LLMAPIKey, "API key for the LLM provider")
	fs.StringVar(&flags.llmModel, "llm-model", config.LLMModel, "model name (overrides $LLM_MODEL)")
	fs.StringVar(&flags.twilioSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&flags.twilioToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&flags.twilioFrom, "twilio-phone-number", config.TwilioPhoneNumber, "Twilio caller number (overrides $TWILIO_PHONE_NUMBER)")
	fs.StringVar(&flags.publicBaseURL, "public-base-url", config.PublicBaseURL, "public URL Twilio webhooks call back to (overrides $PUBLIC_BASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.corsOrigin, "cors-origin", config.CORSOrigin, "allowed browser origin (overrides $CORS_ORIGIN)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for WarmTransfer data (overrides $WARMTRANSFER_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", buildStoreDSN(config.DatabaseURL, config.StateDir), "event log DSN (overrides $DATABASE_URL)")
	fs.DurationVar(&flags.sessionRetention, "session-retention", config.SessionRetention, "how long ended sessions stay in memory (overrides $SESSION_RETENTION)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A moved state directory moves the default SQLite file with it.
	dsnSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "db-dsn" {
			dsnSet = true
		}
	})
	if !dsnSet && config.DatabaseURL == "" && flags.stateDir != config.StateDir {
		flags.dbDSN = buildStoreDSN("", flags.stateDir)
		slog.Debug("Updated dbDSN based on state directory", "state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"livekitURL", flags.livekitURL,
		"llmProvider", flags.llmProvider,
		"llmKeySet", flags.llmAPIKey != "",
		"twilioSet", flags.twilioSID != "",
		"apiAddr", flags.apiAddr,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "")
	return flags, nil
}

// buildStoreDSN prefers an explicit database URL, else a SQLite file in stateDir.
func buildStoreDSN(databaseURL, stateDir string) string {
	if databaseURL != "" {
		return databaseURL
	}
	return filepath.Join(stateDir, DefaultDBFileName)
}

// buildRoomsOptions constructs LiveKit gateway options
func buildRoomsOptions(flags Flags) []rooms.Option {
	var opts []rooms.Option
	if flags.livekitURL != "" {
		opts = append(opts, rooms.WithURL(flags.livekitURL))
	}
	if flags.livekitAPIKey != "" {
		opts = append(opts, rooms.WithAPIKey(flags.livekitAPIKey))
	}
	if flags.livekitAPISecret != "" {
		opts = append(opts, rooms.WithAPISecret(flags.livekitAPISecret))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) ([]genai.Option, error) {
	provider, err := genai.ParseProvider(flags.llmProvider)
	if err != nil {
		return nil, err
	}
	opts := []genai.Option{genai.WithProvider(provider)}
	if flags.llmAPIKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.llmAPIKey))
	}
	if flags.llmModel != "" {
		opts = append(opts, genai.WithModel(flags.llmModel))
	}
	return opts, nil
}

// buildTwilioOptions constructs Twilio voice options
func buildTwilioOptions(flags Flags) []twiliovoice.Option {
	var opts []twiliovoice.Option
	if flags.twilioSID != "" {
		opts = append(opts, twiliovoice.WithAccountSID(flags.twilioSID))
	}
	if flags.twilioToken != "" {
		opts = append(opts, twiliovoice.WithAuthToken(flags.twilioToken))
	}
	if flags.twilioFrom != "" {
		opts = append(opts, twiliovoice.WithFromNumber(flags.twilioFrom))
	}
	if flags.publicBaseURL != "" {
		opts = append(opts, twiliovoice.WithPublicBaseURL(flags.publicBaseURL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(flags.apiAddr))
	}
	if flags.corsOrigin != "" {
		opts = append(opts, api.WithCORSOrigin(flags.corsOrigin))
	}
	return opts
}

// app is the assembled service.
type app struct {
	server   *api.Server
	eventLog store.Store
	lock     *lockfile.Lock
	sched    *scheduler.Scheduler
}

// newApp wires every component around gateway. The LLM provider and Twilio are
// optional: without them summaries degrade and the phone endpoints answer 503.
func newApp(flags Flags, gateway rooms.Gateway) (*app, error) {
	a := &app{}

	if flags.dbDSN != "" && store.DetectDSNType(flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.AcquireLock(filepath.Dir(flags.dbDSN))
		if err != nil {
			return nil, err
		}
		a.lock = lock
	}
	eventLog, err := store.Open(flags.dbDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.eventLog = eventLog

	genaiOpts, err := buildGenAIOptions(flags)
	if err != nil {
		a.close()
		return nil, err
	}
	var generator call.Generator = genai.Unconfigured{}
	llmOpts := []api.Option{api.WithProviderStatus(true, false)}
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("LLM provider not configured, summaries will be unavailable", "error", err)
	} else {
		generator = client
		llmOpts = []api.Option{
			api.WithProviderStatus(true, true),
			api.WithLLMModel(string(client.Provider()), client.Model()),
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	hub := events.NewHub(events.WithAllowedOrigin(flags.corsOrigin))
	registry := agents.NewDefaultRegistry()
	managerOpts := []call.Option{
		call.WithEventSink(store.NewRecorder(eventLog)),
		call.WithEventSink(hub),
		call.WithMetrics(m),
	}
	apiOpts := append(buildAPIOptions(flags),
		api.WithEventStore(eventLog),
		api.WithHub(hub),
		api.WithMetrics(m))
	apiOpts = append(apiOpts, llmOpts...)
	if voice, err := twiliovoice.NewClient(buildTwilioOptions(flags)...); err != nil {
		slog.Info("Twilio not configured, phone endpoints disabled", "reason", err)
	} else {
		managerOpts = append(managerOpts, call.WithPhoneLine(voice))
		apiOpts = append(apiOpts, api.WithVoiceBridge(voice), api.WithWebhookValidator(voice))
	}
	calls := call.NewManager(gateway, generator, registry, managerOpts...)

	if flags.sessionRetention > 0 {
		a.sched = scheduler.NewScheduler()
		retention := flags.sessionRetention
		if err := a.sched.AddJob(pruneSchedule, func() { calls.PruneEnded(retention) }); err != nil {
			a.close()
			return nil, fmt.Errorf("schedule session pruning: %w", err)
		}
	}

	a.server = api.NewServer(calls, registry, apiOpts...)
	return a, nil
}

// close stops housekeeping and releases the event log and state directory
// lock. Safe to call twice.
func (a *app) close() {
	if a.sched != nil {
		a.sched.Stop()
		a.sched = nil
	}
	if a.eventLog != nil {
		if err := a.eventLog.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Warn("Failed to close event log", "error", err)
		}
		a.eventLog = nil
	}
	if a.lock != nil {
		a.lock.Release()
		a.lock = nil
	}
}
