package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
)

// MockCompleter is a deterministic offline Completer: the same prompt always
// yields the same response, so the full pipeline is reproducible without
// network access. Responses honor the strict output formats the agents ask
// for, keyed off markers in the prompt.
type MockCompleter struct {
	calls atomic.Int64
}

// NewMockCompleter returns a fresh mock.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

// Calls reports how many completions were served.
func (m *MockCompleter) Calls() int64 {
	return m.calls.Load()
}

// Complete implements Completer.
func (m *MockCompleter) Complete(_ context.Context, req Request) (*Response, error) {
	m.calls.Add(1)

	var prompt strings.Builder
	for _, msg := range req.Messages {
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}
	text := prompt.String()

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])[:12]

	content := mockContent(text, hash)
	promptTokens := len(strings.Fields(text))
	completionTokens := len(strings.Fields(content))

	return &Response{
		Content: content,
		Model:   "mock-deterministic",
		Usage: TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		FinishReason: "stop",
	}, nil
}

// mockContent selects a canned response matching the output format the
// prompt demands.
func mockContent(prompt, hash string) string {
	switch {
	case strings.Contains(prompt, "VERDICT:"):
		return "REASONING: Deterministic review " + hash + "; the change matches its task description.\n" +
			"VERDICT: PASS\n" +
			"ISSUES:\n"
	case strings.Contains(prompt, "REVISION_NEEDED"):
		return "REASON: Deterministic critique " + hash + "; failure looks task-local.\n" +
			"SEVERITY: low\n" +
			"REVISION_NEEDED: no\n" +
			"SUGGESTIONS:\n- none\n"
	case strings.Contains(prompt, "TASKS:"):
		return "REASONING: Deterministic plan " + hash + ".\n" +
			"TASKS:\n" +
			`[{"description": "Implement the requested change (mock plan ` + hash + `)", "file_path": "src/main.py", "language": "python"}]` + "\n"
	case strings.Contains(prompt, "CODE:"):
		return "REASONING: Deterministic implementation " + hash + ".\n" +
			"CODE:\n```python\n# generated " + hash + "\ndef main():\n    return \"ok\"\n```\n"
	default:
		return "Deterministic response for prompt hash " + hash + "."
	}
}
