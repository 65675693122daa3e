// Package qa is the quality gate between the developer and the security
// scanner: a deterministic static pass followed by an LLM review, with a
// bounded per-task retry loop back to the developer.
package qa

import (
	"context"
	"fmt"
	"strings"

	"github.com/admadc/admadc/llm"
)

// dangerousPatterns fail a change immediately, before any LLM cost.
var dangerousPatterns = []string{
	"eval(",
	"exec(",
	"__import__(",
	"os.system(",
	"subprocess.call(",
	"subprocess.Popen(",
	"pickle.loads(",
	"marshal.loads(",
}

const reviewPrompt = `You are a strict senior code reviewer performing a quality assurance check.

Analyse the following %s code intended for file ` + "`%s`" + `:

` + "```%s\n%s\n```" + `

The original task description was:
%s

The developer who wrote this code explained their approach as:
%s

Recent pipeline events for this plan (short-term memory):
%s

Your job:
1. Check that the code implements the described task correctly.
2. Identify any logic errors, missing error handling, or undefined variables.
3. Check for security anti-patterns (hardcoded secrets, dangerous functions, SQL injection, etc.).
4. Check code quality (readability, unnecessary complexity).

First provide your reasoning (what you checked, whether you agree with the developer's approach, and why you made your decision).
Then give your structured verdict.

Format your response EXACTLY as:
REASONING: <your review reasoning in 2-3 sentences>
VERDICT: PASS or FAIL
ISSUES:
- <issue 1 if any>
- <issue 2 if any>
(or "ISSUES: none" if PASS)`

// ReviewResult is the outcome of one gate pass.
type ReviewResult struct {
	Passed    bool
	Issues    []string
	Reasoning string
}

// ReviewInput is everything the LLM review draws on.
type ReviewInput struct {
	Code            string
	FilePath        string
	Language        string
	TaskDescription string
	DevReasoning    string
	ShortTermMemory string
}

// StaticCheck scans for known dangerous substrings. Deterministic and cheap;
// any hit rejects the change without an LLM call.
func StaticCheck(code string) []string {
	var issues []string
	for _, pattern := range dangerousPatterns {
		if strings.Contains(code, pattern) {
			issues = append(issues, fmt.Sprintf("Dangerous pattern detected: `%s`", pattern))
		}
	}
	return issues
}

// Review runs the semantic LLM pass.
func Review(ctx context.Context, completer llm.Completer, input ReviewInput) (*ReviewResult, llm.TokenUsage, error) {
	devReasoning := strings.TrimSpace(input.DevReasoning)
	if devReasoning == "" {
		devReasoning = "(none provided)"
	}
	memoryWindow := strings.TrimSpace(input.ShortTermMemory)
	if memoryWindow == "" {
		memoryWindow = "None."
	}

	prompt := fmt.Sprintf(reviewPrompt,
		input.Language,
		input.FilePath,
		input.Language,
		input.Code,
		input.TaskDescription,
		devReasoning,
		memoryWindow)

	resp, err := completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, llm.TokenUsage{}, fmt.Errorf("review completion: %w", err)
	}
	return parseReview(resp.Content), resp.Usage, nil
}

func parseReview(content string) *ReviewResult {
	blocks := llm.Sections(content, "REASONING", "VERDICT", "ISSUES")

	verdict := strings.ToUpper(strings.TrimSpace(blocks["VERDICT"]))
	passed := strings.HasPrefix(verdict, "PASS")

	result := &ReviewResult{
		Passed:    passed,
		Reasoning: blocks["REASONING"],
	}
	if passed {
		return result
	}

	result.Issues = llm.ListItems(blocks["ISSUES"])
	if len(result.Issues) == 0 {
		result.Issues = []string{"reviewer returned FAIL without specifics"}
	}
	return result
}
