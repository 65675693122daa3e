package replanner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
)

func TestParseDecisionRevisionNeeded(t *testing.T) {
	content := "REASON: The plan misses the auth module entirely.\n" +
		"SEVERITY: HIGH\n" +
		"REVISION_NEEDED: yes\n" +
		"SUGGESTIONS:\n- split the auth task in two\n- add an integration test task\n"

	d := parseDecision(content)
	assert.True(t, d.RevisionNeeded)
	assert.Equal(t, "high", d.Severity)
	assert.Equal(t, "The plan misses the auth module entirely.", d.Reason)
	assert.Equal(t, []string{"split the auth task in two", "add an integration test task"}, d.Suggestions)
}

func TestParseDecisionNoRevision(t *testing.T) {
	d := parseDecision("REASON: Task-local flake.\nSEVERITY: low\nREVISION_NEEDED: no\nSUGGESTIONS:\n- none\n")
	assert.False(t, d.RevisionNeeded)
	assert.Equal(t, "low", d.Severity)
	assert.Empty(t, d.Suggestions)
}

func TestParseDecisionDefaults(t *testing.T) {
	d := parseDecision("unstructured rambling without any keys")
	assert.False(t, d.RevisionNeeded, "missing REVISION_NEEDED means no revision")
	assert.Equal(t, "medium", d.Severity)
	assert.Empty(t, d.Suggestions)
}

func TestParseDecisionDropsPlaceholders(t *testing.T) {
	d := parseDecision("REVISION_NEEDED: yes\nSUGGESTIONS:\n- n/a\n- real fix\n")
	assert.Equal(t, []string{"real fix"}, d.Suggestions)
}

func TestSummarizeQA(t *testing.T) {
	summary := summarizeQA(event.QAResult{
		PlanID:    "p1",
		TaskID:    "t1",
		Passed:    false,
		Issues:    []string{"missing error handling", "undefined variable"},
		Reasoning: "the error path never runs",
	})

	assert.Contains(t, summary, "QA RESULT (FAILED) for task t1 in plan p1.")
	assert.Contains(t, summary, "missing error handling, undefined variable")
	assert.Contains(t, summary, "the error path never runs")
}

func TestSummarizeSecurityEnumeratesViolations(t *testing.T) {
	summary := summarizeSecurity(event.SecurityResult{
		PlanID:       "p1",
		BranchName:   "admadc/plan-p1",
		Approved:     false,
		FilesScanned: 2,
		Violations: []string{
			"[src/a.py] Rule 'dangerous_eval': pattern matched",
			"[src/b.py] Rule 'shell_injection_os': pattern matched",
		},
		Reasoning: "blocked",
	})

	assert.Contains(t, summary, "SECURITY RESULT: BLOCKED for plan p1, branch admadc/plan-p1.")
	assert.Contains(t, summary, "Files scanned: 2.")
	assert.Contains(t, summary, "1. [src/a.py] Rule 'dangerous_eval': pattern matched")
	assert.Contains(t, summary, "2. [src/b.py] Rule 'shell_injection_os': pattern matched")
}

func TestCritiquePromptIncludesSecurityInstruction(t *testing.T) {
	completer := &capturingCompleter{}
	_, _, err := Critique(context.Background(), completer, CritiqueInput{
		AgentGoal:       "goal",
		PlanID:          "p1",
		OutcomeSummary:  "SECURITY RESULT: BLOCKED",
		SecurityBlocked: true,
	})
	require.NoError(t, err)

	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "IMPORTANT (Security denied)")
	assert.Contains(t, completer.prompts[0], "MEMORY CONTEXT:\nNone.")
}

func TestCritiqueWithMockDeclines(t *testing.T) {
	d, usage, err := Critique(context.Background(), llm.NewMockCompleter(), CritiqueInput{
		AgentGoal:      "goal",
		PlanID:         "p1",
		OutcomeSummary: "QA RESULT (FAILED)",
	})
	require.NoError(t, err)
	assert.False(t, d.RevisionNeeded)
	assert.Positive(t, usage.PromptTokens)
}

// capturingCompleter records prompts and answers yes to every critique.
type capturingCompleter struct {
	prompts []string
}

func (c *capturingCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	var b strings.Builder
	for _, msg := range req.Messages {
		b.WriteString(msg.Content)
	}
	c.prompts = append(c.prompts, b.String())
	return &llm.Response{
		Content: "REASON: The failure is structural.\n" +
			"SEVERITY: high\n" +
			"REVISION_NEEDED: yes\n" +
			"SUGGESTIONS:\n- rework the task split\n",
		Usage: llm.TokenUsage{PromptTokens: 10, CompletionTokens: 10},
	}, nil
}
