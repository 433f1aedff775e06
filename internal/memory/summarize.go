package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fractalmem/internal/llm"
	"fractalmem/internal/memtypes"
)

const summarySystemPrompt = `You condense conversation turns into durable memory.
Respond with a single JSON object and nothing else:
{"summary": "...", "key_facts": ["..."], "importance": 0.0}
summary: 1-3 sentences capturing what matters long-term.
key_facts: stable facts about the user worth remembering.
importance: 0.0-1.0, how much future conversations need this.`

// summaryPayload is the shape the model is asked to return.
type summaryPayload struct {
	Summary    string   `json:"summary"`
	KeyFacts   []string `json:"key_facts"`
	Importance float64  `json:"importance"`
}

// summarize condenses a batch of turns. When the LLM is unavailable or
// returns garbage, the deterministic fallback keeps consolidation moving.
func (m *FractalMemory) summarize(ctx context.Context, turns []memtypes.Turn) summaryPayload {
	if m.llm != nil {
		payload, err := m.summarizeLLM(ctx, turns)
		if err == nil {
			return payload
		}
		m.logger.Warn("llm summary failed, using fallback", zap.Error(err))
	}
	return fallbackSummary(turns)
}

func (m *FractalMemory) summarizeLLM(ctx context.Context, turns []memtypes.Turn) (summaryPayload, error) {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	raw, err := m.llm.Complete(ctx, summarySystemPrompt, b.String())
	if err != nil {
		return summaryPayload{}, err
	}
	var payload summaryPayload
	if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &payload); err != nil {
		return summaryPayload{}, fmt.Errorf("parse summary response: %w", err)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return summaryPayload{}, fmt.Errorf("summary response had empty summary")
	}
	if payload.Importance < 0 {
		payload.Importance = 0
	}
	if payload.Importance > 1 {
		payload.Importance = 1
	}
	return payload, nil
}

// fallbackSummary concatenates the first sentence of each turn and
// averages the turn importances.
func fallbackSummary(turns []memtypes.Turn) summaryPayload {
	var sentences []string
	var total float64
	for _, t := range turns {
		if s := firstSentence(t.Content); s != "" {
			sentences = append(sentences, s)
		}
		total += t.Importance
	}
	importance := 0.0
	if len(turns) > 0 {
		importance = total / float64(len(turns))
	}
	return summaryPayload{
		Summary:    strings.Join(sentences, " "),
		Importance: importance,
	}
}

// firstSentence returns content up to the first terminator, trimmed.
func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return strings.TrimSpace(content[:i+1])
		}
	}
	return content
}
