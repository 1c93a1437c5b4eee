package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp  openai.ChatCompletion
	err   error
	calls int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

var testTranscript = []models.TranscriptTurn{
	{Speaker: "Caller", Content: "Hi, I'm having trouble with my account login"},
	{Speaker: "Agent A", Content: "Can you provide your email address?"},
}

func TestSummarize_Success(t *testing.T) {
	chat := &mockChatService{resp: completion("  Login issue caused by billing.  ")}
	client := &Client{chat: chat, provider: ProviderOpenAI, model: "test-model"}

	out, err := client.Summarize(context.Background(), testTranscript)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Login issue caused by billing." {
		t.Errorf("expected trimmed summary, got %q", out)
	}
	if chat.calls != 1 {
		t.Errorf("expected exactly one request, got %d", chat.calls)
	}
}

func TestSummarize_EmptyTranscript(t *testing.T) {
	chat := &mockChatService{resp: completion("unused")}
	client := &Client{chat: chat, model: "test-model"}

	_, err := client.Summarize(context.Background(), nil)
	if !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
	if chat.calls != 0 {
		t.Errorf("expected no request for an empty transcript, got %d", chat.calls)
	}
}

func TestSummarize_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "test-model"}
	_, err := client.Summarize(context.Background(), testTranscript)
	if !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure message, got %v", err)
	}
}

func TestExplain_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "test-model"}
	_, err := client.Explain(context.Background(), "summary", "billing", "Billing")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
	if !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}

func TestBuildSummaryPrompt_IgnoresTimestamps(t *testing.T) {
	a := []models.TranscriptTurn{{Speaker: "Caller", Content: "hello", Timestamp: time.Unix(1, 0)}}
	b := []models.TranscriptTurn{{Speaker: "Caller", Content: "hello", Timestamp: time.Unix(99, 0)}}
	if BuildSummaryPrompt(a) != BuildSummaryPrompt(b) {
		t.Error("summary prompt must not depend on timestamps")
	}
	if !strings.Contains(BuildSummaryPrompt(a), "Caller: hello") {
		t.Error("summary prompt must contain the formatted transcript")
	}
}

func TestBuildExplanationPrompt(t *testing.T) {
	p := BuildExplanationPrompt("Login issue", "Billing expertise needed", "Billing")
	for _, want := range []string{"Call Summary: Login issue", "Transfer Reason: Billing expertise needed", "Agent B specializes in: Billing"} {
		if !strings.Contains(p, want) {
			t.Errorf("explanation prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(BuildExplanationPrompt("s", "r", ""), "specializes") {
		t.Error("explanation prompt should omit the specialty line without target context")
	}
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in   string
		want Provider
		err  bool
	}{
		{"", ProviderOpenAI, false},
		{"OpenAI", ProviderOpenAI, false},
		{"groq", ProviderGroq, false},
		{" openrouter ", ProviderOpenRouter, false},
		{"anthropic", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseProvider(%q) = %q, %v", tt.in, got, err)
		}
	}
	if ProviderGroq.APIKeyEnv() != "GROQ_API_KEY" {
		t.Errorf("unexpected key env %s", ProviderGroq.APIKeyEnv())
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithProvider(ProviderGroq))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Provider() != ProviderGroq || cli.Model() != "llama-3.1-8b-instant" {
		t.Errorf("unexpected provider/model %s/%s", cli.Provider(), cli.Model())
	}
	cli, err = NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.Model() != "gpt-4o" {
		t.Errorf("expected model override, got %s", cli.Model())
	}
}

func TestNewClient_EnvKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "router-key")
	if _, err := NewClient(WithProvider(ProviderOpenRouter)); err != nil {
		t.Fatalf("expected key from environment, got %v", err)
	}
}

func TestUnconfigured(t *testing.T) {
	var g Unconfigured
	if _, err := g.Summarize(context.Background(), []models.TranscriptTurn{{Speaker: "Caller", Content: "hi"}}); !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
	if _, err := g.Explain(context.Background(), "s", "r", "t"); !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}
