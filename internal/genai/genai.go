// Package genai generates call summaries and transfer explanations using an
// OpenAI-compatible chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the API responds without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Provider selects which OpenAI-compatible endpoint serves completions.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderGroq       Provider = "groq"
	ProviderOpenRouter Provider = "openrouter"
)

// providerConfig holds per-provider defaults.
type providerConfig struct {
	baseURL   string
	model     string
	apiKeyEnv string
	headers   map[string]string
}

var providers = map[Provider]providerConfig{
	ProviderOpenAI: {
		model:     openai.ChatModelGPT4oMini,
		apiKeyEnv: "OPENAI_API_KEY",
	},
	ProviderGroq: {
		baseURL:   "https://api.groq.com/openai/v1/",
		model:     "llama-3.1-8b-instant",
		apiKeyEnv: "GROQ_API_KEY",
	},
	ProviderOpenRouter: {
		baseURL:   "https://openrouter.ai/api/v1/",
		model:     "meta-llama/llama-3.1-8b-instruct:free",
		apiKeyEnv: "OPENROUTER_API_KEY",
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/BTreeMap/WarmTransfer",
			"X-Title":      "WarmTransfer",
		},
	},
}

// ParseProvider parses a provider name. Empty means openai.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return ProviderOpenAI, nil
	}
	if _, ok := providers[p]; !ok {
		return "", fmt.Errorf("unsupported LLM provider %q", name)
	}
	return p, nil
}

// APIKeyEnv returns the environment variable holding the provider's API key.
func (p Provider) APIKeyEnv() string {
	return providers[p].apiKeyEnv
}

// Generation parameters for the two prompt templates.
const (
	SummaryMaxTokens       = 300
	SummaryTemperature     = 0.3
	ExplanationMaxTokens   = 150
	ExplanationTemperature = 0.4
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the openai-go client to chatService.
type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey   string
	Provider Provider
	Model    string
	BaseURL  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key for the selected provider.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithProvider selects the completion provider.
func WithProvider(p Provider) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Client generates handoff text with a single chat completion per request.
type Client struct {
	chat     chatService
	provider Provider
	model    string
}

// NewClient creates a GenAI client. When no API key is supplied it is read
// from the provider's environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	pc, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(pc.apiKeyEnv)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s not set", pc.apiKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = pc.model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = pc.baseURL
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range pc.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	slog.Debug("GenAI client configured", "provider", cfg.Provider, "model", cfg.Model, "base_url", cfg.BaseURL)

	return &Client{
		chat:     &openAIChatService{client: openai.NewClient(reqOpts...)},
		provider: cfg.Provider,
		model:    cfg.Model,
	}, nil
}

// Provider returns the configured provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Summarize produces a short handoff summary of the transcript.
func (c *Client) Summarize(ctx context.Context, transcript []models.TranscriptTurn) (string, error) {
	if len(transcript) == 0 {
		return "", models.NewError(models.ErrGeneration, "transcript is empty")
	}
	out, err := c.complete(ctx, SummarySystemPrompt, BuildSummaryPrompt(transcript), SummaryMaxTokens, SummaryTemperature)
	if err != nil {
		return "", models.WrapError(models.ErrGeneration, err, "generate call summary")
	}
	return out, nil
}

// Explain produces what Agent A says to Agent B during the handoff.
func (c *Client) Explain(ctx context.Context, summary, reason, targetContext string) (string, error) {
	out, err := c.complete(ctx, ExplanationSystemPrompt, BuildExplanationPrompt(summary, reason, targetContext), ExplanationMaxTokens, ExplanationTemperature)
	if err != nil {
		return "", models.WrapError(models.ErrGeneration, err, "generate transfer explanation")
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int64, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(temperature),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.complete: chat completion failed", "provider", c.provider, "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI.complete: no choices returned", "provider", c.provider, "model", c.model)
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI.complete: chat completion succeeded",
		"provider", c.provider,
		"model", c.model,
		"tokens_used", resp.Usage.TotalTokens,
		"duration", time.Since(start))
	return content, nil
}

// Unconfigured stands in for a Client when no provider credentials are set.
// Every request fails with ErrGeneration, so summaries degrade to the
// placeholder and explanations are refused.
type Unconfigured struct{}

func (Unconfigured) Summarize(ctx context.Context, transcript []models.TranscriptTurn) (string, error) {
	return "", models.NewError(models.ErrGeneration, "LLM provider not configured")
}

func (Unconfigured) Explain(ctx context.Context, summary, reason, targetContext string) (string, error) {
	return "", models.NewError(models.ErrGeneration, "LLM provider not configured")
}
