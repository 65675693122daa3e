// Package developer is the code-generating agent: it turns one assigned
// task into file content plus the reasoning that QA and security read
// downstream.
package developer

import (
	"context"
	"fmt"
	"strings"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
)

const codeGenPrompt = `You are an expert %s developer working inside a multi-agent pipeline.

The planning agent has already analysed the project and provided the following reasoning:
---
PLANNER'S REASONING:
%s
---

Your task is:
%s

Target file: %s

You also have access to a short memory window of recent events for this plan
(planner decisions, previous code generations, QA/security results). Use this
context to stay consistent with prior steps, but ignore anything that is
clearly irrelevant.

SHORT-TERM MEMORY:
%s
%s
Instructions:
1. Start your response by explicitly referencing and responding to the planner's reasoning above.
2. Explain the implementation approach you chose and why.
3. Write complete, production-quality %s code.

Format your response EXACTLY as:
REASONING: <2-4 sentences that (a) acknowledge the planner's analysis, (b) explain your implementation decisions>
CODE:
<the complete code, no markdown fences>`

const codeGenPromptNoPrior = `You are an expert %s developer.

Write production-quality code for the following task:
%s

The code should be written for file: %s
%s
First explain your reasoning: what approach you chose, why, and any trade-offs considered.
Then provide the complete code.

Format your response EXACTLY as:
REASONING: <your design reasoning in 2-3 sentences>
CODE:
<the complete code, no markdown fences>`

// GenerateInput is everything one code generation draws on.
type GenerateInput struct {
	Task            event.TaskSpec
	PlanReasoning   string
	ShortTermMemory string
	QAFeedback      string
	CurrentFile     string
}

// CodeResult is one parsed generation.
type CodeResult struct {
	Code      string
	Reasoning string
}

// Generate asks the model to implement the task and parses the
// REASONING/CODE answer.
func Generate(ctx context.Context, completer llm.Completer, input GenerateInput) (*CodeResult, llm.TokenUsage, error) {
	resp, err := completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: buildPrompt(input)}},
	})
	if err != nil {
		return nil, llm.TokenUsage{}, fmt.Errorf("code completion: %w", err)
	}
	return parseCode(resp.Content), resp.Usage, nil
}

func buildPrompt(input GenerateInput) string {
	var extra strings.Builder
	if input.CurrentFile != "" {
		extra.WriteString("\nCURRENT CONTENT OF THE TARGET FILE (modify rather than discard what still applies):\n")
		extra.WriteString(input.CurrentFile)
		extra.WriteString("\n")
	}
	if input.QAFeedback != "" {
		extra.WriteString("\nA previous attempt at this task failed review. ")
		extra.WriteString("Fix every issue below in this attempt:\n")
		extra.WriteString(input.QAFeedback)
		extra.WriteString("\n")
	}

	if strings.TrimSpace(input.PlanReasoning) != "" {
		memoryWindow := strings.TrimSpace(input.ShortTermMemory)
		if memoryWindow == "" {
			memoryWindow = "None."
		}
		return fmt.Sprintf(codeGenPrompt,
			input.Task.Language,
			input.PlanReasoning,
			input.Task.Description,
			input.Task.FilePath,
			memoryWindow,
			extra.String(),
			input.Task.Language)
	}

	return fmt.Sprintf(codeGenPromptNoPrior,
		input.Task.Language,
		input.Task.Description,
		input.Task.FilePath,
		extra.String())
}

func parseCode(raw string) *CodeResult {
	blocks := llm.Sections(raw, "REASONING", "CODE")
	reasoning := blocks["REASONING"]

	code, hasCode := blocks["CODE"]
	if !hasCode {
		if _, hasReasoning := blocks["REASONING"]; hasReasoning {
			code = ""
		} else {
			code = raw
		}
	}

	return &CodeResult{
		Code:      stripFences(strings.TrimSpace(code)),
		Reasoning: reasoning,
	}
}

// stripFences removes a surrounding markdown code fence, which models emit
// despite instructions.
func stripFences(code string) string {
	if !strings.HasPrefix(code, "```") {
		return code
	}
	if idx := strings.Index(code, "\n"); idx >= 0 {
		code = code[idx+1:]
	} else {
		return ""
	}
	code = strings.TrimSpace(code)
	code = strings.TrimSuffix(code, "```")
	return strings.TrimSpace(code)
}
