package genai

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// System prompts for the two generation requests.
const (
	SummarySystemPrompt     = "You are a professional call center supervisor creating handoff summaries."
	ExplanationSystemPrompt = "You are a professional agent making a warm transfer handoff."
)

const summaryTemplate = `Please create a concise call summary based on the following conversation:

%s

Provide a summary that includes:
1. Main topics discussed
2. Customer's primary concern or request
3. Actions taken or promised
4. Current status
5. Any important details for handoff

Keep it professional and under 200 words.`

const explanationTemplate = `You are Agent A explaining a call transfer to Agent B. Create a brief, professional explanation.

Call Summary: %s

Transfer Reason: %s
%s
Provide a clear, conversational explanation (under 100 words) that Agent A would speak to Agent B, including:
1. Quick introduction
2. Why you're transferring
3. Key points Agent B needs to know
4. Any urgent items

Make it sound natural and professional.`

// FormatTranscript renders turns as "speaker: content" lines.
func FormatTranscript(transcript []models.TranscriptTurn) string {
	lines := make([]string, 0, len(transcript))
	for _, turn := range transcript {
		lines = append(lines, turn.Speaker+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

// BuildSummaryPrompt fills the summary template. It depends only on the
// speakers and contents of the turns, never on their timestamps.
func BuildSummaryPrompt(transcript []models.TranscriptTurn) string {
	return fmt.Sprintf(summaryTemplate, FormatTranscript(transcript))
}

// BuildExplanationPrompt fills the explanation template.
func BuildExplanationPrompt(summary, reason, targetContext string) string {
	contextLine := ""
	if targetContext != "" {
		contextLine = "\nAgent B specializes in: " + targetContext + "\n"
	}
	return fmt.Sprintf(explanationTemplate, summary, reason, contextLine)
}
