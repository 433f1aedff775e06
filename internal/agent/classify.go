package agent

import "strings"

// Task types recognised by the classifier.
const (
	TaskCoding       = "coding"
	TaskGeneration   = "generation"
	TaskExplanation  = "explanation"
	TaskSearch       = "search"
	TaskMemoryRecall = "memory_recall"
	TaskGeneral      = "general"
)

var taskMarkers = []struct {
	taskType string
	markers  []string
}{
	// Order matters: recall markers beat the broader buckets so "what did
	// I say about the bug" classifies as recall, not coding.
	{TaskMemoryRecall, []string{
		"do you remember", "what did i", "did i tell", "did i mention",
		"what is my", "what's my", "who am i", "recall",
	}},
	{TaskCoding, []string{
		"code", "function", "bug", "compile", "debug", "implement",
		"refactor", "stack trace", "unit test", "golang", "python",
	}},
	{TaskGeneration, []string{
		"write a", "write me", "draft", "generate", "compose", "create a",
	}},
	{TaskExplanation, []string{
		"explain", "why does", "why is", "how does", "what does", "what is",
	}},
	{TaskSearch, []string{
		"find", "search", "look up", "where is", "where can",
	}},
}

// ClassifyTask buckets a user message by keyword. Unmatched messages are
// general.
func ClassifyTask(message string) string {
	msg := strings.ToLower(message)
	for _, tm := range taskMarkers {
		for _, marker := range tm.markers {
			if strings.Contains(msg, marker) {
				return tm.taskType
			}
		}
	}
	return TaskGeneral
}

var negativeTriggers = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"i cannot help",
	"i can't help",
	"unable to",
	"no information",
	"i don't have",
}

// JudgeOutcome decides whether a completed response counts as a success
// for the strategy bank. Responses that admit defeat count as failures.
func JudgeOutcome(response string) bool {
	resp := strings.ToLower(response)
	if strings.TrimSpace(resp) == "" {
		return false
	}
	for _, trigger := range negativeTriggers {
		if strings.Contains(resp, trigger) {
			return false
		}
	}
	return true
}

var (
	rememberMarkers = []string{"remember that", "remember this", "don't forget", "note that", "keep in mind"}
	personalMarkers = []string{
		"my name is", "i am ", "i'm ", "i live", "i work", "my favorite",
		"my favourite", "i like", "i love", "i hate", "my birthday",
	}
	projectMarkers = []string{"project", "deadline", "working on", "milestone", "sprint"}
	factMarkers    = []string{" is ", " are ", " was ", " has ", " have "}
)

// ScoreImportance assigns heuristic importance to a user message so the
// consolidation threshold sees explicit facts before small talk.
func ScoreImportance(message string) float64 {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, rememberMarkers):
		return 0.95
	case containsAny(msg, personalMarkers):
		return 0.9
	case containsAny(msg, projectMarkers):
		return 0.8
	case containsAny(msg, factMarkers):
		return 0.75
	}
	// No markers: longer messages tend to carry more content.
	switch {
	case len(msg) < 20:
		return 0.3
	case len(msg) < 100:
		return 0.5
	default:
		return 0.6
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
