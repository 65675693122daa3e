// Package planner is the orchestrating agent. It decomposes user prompts
// into task plans via the LLM, assigns the tasks to the developer, and
// re-plans when the critic or a human asks for a revision.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
)

const promptTemplate = `You are a senior software architect. Decompose the user's request into concrete implementation tasks.

USER REQUEST:
%s

MEMORY CONTEXT (observations from earlier pipeline runs, may be empty):
%s

Each task creates or modifies exactly one file. Keep the plan as small as the request allows; a simple request should be a single task. Never assign two tasks to the same file_path.

Format your response EXACTLY as:
REASONING: <your architectural reasoning in 2-3 sentences>
TASKS: <JSON array of objects with keys: description, file_path, language>`

// fallbackTruncate bounds the raw text wrapped into a degraded plan.
const fallbackTruncate = 200

// Result is one decomposition outcome.
type Result struct {
	Reasoning string
	Tasks     []event.TaskSpec
}

// Decompose asks the model for a plan and parses the strict-format answer.
// An unparseable TASKS block degrades to a single catch-all task instead of
// failing the plan.
func Decompose(ctx context.Context, completer llm.Completer, prompt, memoryContext string) (*Result, llm.TokenUsage, error) {
	if memoryContext == "" {
		memoryContext = "None."
	}

	resp, err := completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(promptTemplate, prompt, memoryContext),
		}},
	})
	if err != nil {
		return nil, llm.TokenUsage{}, fmt.Errorf("plan completion: %w", err)
	}

	return parsePlan(resp.Content), resp.Usage, nil
}

type taskItem struct {
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	Language    string `json:"language"`
}

func parsePlan(content string) *Result {
	blocks := llm.Sections(content, "REASONING", "TASKS")
	reasoning := blocks["REASONING"]
	tasksRaw := blocks["TASKS"]

	var items []taskItem
	err := json.Unmarshal([]byte(llm.ExtractJSONArray(tasksRaw)), &items)
	if err != nil || len(items) == 0 {
		return &Result{
			Reasoning: reasoning,
			Tasks:     []event.TaskSpec{fallbackTask(tasksRaw, content)},
		}
	}

	tasks := make([]event.TaskSpec, 0, len(items))
	for _, item := range items {
		if item.FilePath == "" {
			item.FilePath = "unknown.py"
		}
		tasks = append(tasks, event.NewTaskSpec(item.Description, item.FilePath, item.Language))
	}
	return &Result{Reasoning: reasoning, Tasks: tasks}
}

// fallbackTask wraps a response that failed to parse into a single task so
// the pipeline still makes progress.
func fallbackTask(tasksRaw, content string) event.TaskSpec {
	source := tasksRaw
	if source == "" {
		source = content
	}
	if len(source) > fallbackTruncate {
		source = source[:fallbackTruncate]
	}
	return event.NewTaskSpec("Implement: "+source, "src/main.py", "python")
}
