// Package replanner is the critic of the pipeline: it watches failing QA
// and security outcomes and suggests structural plan revisions. It never
// modifies a plan itself; the planner or a human confirms the revision.
package replanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
)

const critiquePrompt = `You are an autonomous replanning agent in a multi-agent dev pipeline.

Your goal:
%s

You are analysing the outcome of a previous plan with id %s.

You receive:
- The final QA and/or Security result.
- A compact semantic memory window with past decisions and conclusions.

MEMORY CONTEXT:
%s

CURRENT OUTCOME SUMMARY:
%s
%s
Your job:
1. Decide whether the existing plan needs revision.
2. If yes, propose the smallest set of concrete, high-leverage adjustments.
3. Focus on structural changes to the plan, not line-by-line code fixes.

Respond EXACTLY in this format:
REASON: <1-3 sentences explaining why a revision is or is not needed>
SEVERITY: low|medium|high|critical
REVISION_NEEDED: yes|no
SUGGESTIONS:
- <suggestion 1 (if any)>
- <suggestion 2 (if any)>`

const securityBlockedInstruction = `
IMPORTANT (Security denied): The code was BLOCKED by the security scan. Your SUGGESTIONS must directly address EACH violation and the security reasoning above, so that the next implementation satisfies the security rules and the next run succeeds. Each suggestion should state what to remove, change or add to comply with security.
`

// Decision is the critic's structured verdict on a failing outcome.
type Decision struct {
	RevisionNeeded bool
	Severity       string
	Reason         string
	Suggestions    []string
}

// CritiqueInput feeds one LLM analysis.
type CritiqueInput struct {
	AgentGoal       string
	PlanID          string
	OutcomeSummary  string
	MemoryContext   string
	SecurityBlocked bool
}

// Critique asks the LLM whether the plan behind a failing outcome needs a
// structural revision.
func Critique(ctx context.Context, completer llm.Completer, input CritiqueInput) (*Decision, llm.TokenUsage, error) {
	memoryContext := strings.TrimSpace(input.MemoryContext)
	if memoryContext == "" {
		memoryContext = "None."
	}
	instruction := ""
	if input.SecurityBlocked {
		instruction = securityBlockedInstruction
	}

	prompt := fmt.Sprintf(critiquePrompt,
		input.AgentGoal,
		input.PlanID,
		memoryContext,
		input.OutcomeSummary,
		instruction)

	resp, err := completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, llm.TokenUsage{}, fmt.Errorf("critique completion: %w", err)
	}
	return parseDecision(resp.Content), resp.Usage, nil
}

func parseDecision(content string) *Decision {
	blocks := llm.Sections(content, "REASON", "SEVERITY", "REVISION_NEEDED", "SUGGESTIONS")

	severity := strings.ToLower(strings.TrimSpace(blocks["SEVERITY"]))
	if severity == "" {
		severity = "medium"
	}

	var suggestions []string
	for _, item := range llm.ListItems(blocks["SUGGESTIONS"]) {
		if strings.EqualFold(item, "n/a") {
			continue
		}
		suggestions = append(suggestions, item)
	}

	return &Decision{
		RevisionNeeded: strings.EqualFold(strings.TrimSpace(blocks["REVISION_NEEDED"]), "yes"),
		Severity:       severity,
		Reason:         blocks["REASON"],
		Suggestions:    suggestions,
	}
}

// summarizeQA renders a qa.failed payload for the critique prompt.
func summarizeQA(result event.QAResult) string {
	status := "FAILED"
	if result.Passed {
		status = "PASSED"
	}
	issues := "none"
	if len(result.Issues) > 0 {
		issues = strings.Join(result.Issues, ", ")
	}
	return fmt.Sprintf("QA RESULT (%s) for task %s in plan %s. Issues: %s. Reasoning: %s",
		status, result.TaskID, result.PlanID, issues, result.Reasoning)
}

// summarizeSecurity renders a security.blocked payload; violations are
// enumerated so the LLM can address each one.
func summarizeSecurity(result event.SecurityResult) string {
	status := "BLOCKED"
	if result.Approved {
		status = "APPROVED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SECURITY RESULT: %s for plan %s, branch %s.\n", status, result.PlanID, result.BranchName)
	fmt.Fprintf(&b, "Files scanned: %d.\n", result.FilesScanned)
	if len(result.Violations) > 0 {
		b.WriteString("Violations (code MUST be changed to fix these):\n")
		for i, v := range result.Violations {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, v)
		}
	} else {
		b.WriteString("Violations: none listed.\n")
	}
	if reasoning := strings.TrimSpace(result.Reasoning); reasoning != "" {
		fmt.Fprintf(&b, "Security reasoning: %s\n", reasoning)
	}
	return strings.TrimRight(b.String(), "\n")
}
