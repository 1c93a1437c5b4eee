package genai

import (
	"context"
	"sync"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// SummarizeCall records the input of one MockGenerator.Summarize call.
type SummarizeCall struct {
	Prompt string
}

// ExplainCall records the input of one MockGenerator.Explain call.
type ExplainCall struct {
	Summary       string
	Reason        string
	TargetContext string
}

// MockGenerator is a deterministic generator for tests.
type MockGenerator struct {
	mu sync.Mutex

	Summary     string
	Explanation string
	SummaryErr  error
	ExplainErr  error

	SummarizeCalls []SummarizeCall
	ExplainCalls   []ExplainCall
}

// NewMockGenerator returns a generator with canned outputs.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Summary:     "Customer cannot log in because of a declined payment.",
		Explanation: "Hi, I have a customer with a billing issue blocking their login.",
	}
}

func (m *MockGenerator) Summarize(ctx context.Context, transcript []models.TranscriptTurn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SummarizeCalls = append(m.SummarizeCalls, SummarizeCall{Prompt: BuildSummaryPrompt(transcript)})
	if m.SummaryErr != nil {
		return "", models.WrapError(models.ErrGeneration, m.SummaryErr, "generate call summary")
	}
	return m.Summary, nil
}

func (m *MockGenerator) Explain(ctx context.Context, summary, reason, targetContext string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExplainCalls = append(m.ExplainCalls, ExplainCall{Summary: summary, Reason: reason, TargetContext: targetContext})
	if m.ExplainErr != nil {
		return "", models.WrapError(models.ErrGeneration, m.ExplainErr, "generate transfer explanation")
	}
	return m.Explanation, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockGenerator) Calls() ([]SummarizeCall, []ExplainCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SummarizeCall(nil), m.SummarizeCalls...), append([]ExplainCall(nil), m.ExplainCalls...)
}
