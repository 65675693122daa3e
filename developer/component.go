package developer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/metrics"
	"github.com/admadc/admadc/tools"
)

const serviceName = "developer"

const taskQueue = "developer.tasks"

// preCheckScan bounds how far back the crash pre-check looks in the plan's
// event log.
const preCheckScan = 200

// Bus is the slice of the event bus the developer uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the developer uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
	GetEvents(ctx context.Context, eventType, planID string, limit int) ([]memory.EventRow, error)
	GetTasks(ctx context.Context, planID string) ([]memory.TaskRow, error)
	UpdateTask(ctx context.Context, update memory.TaskUpdate) error
}

// Component consumes task.assigned and emits code.generated.
type Component struct {
	logger    *slog.Logger
	bus       Bus
	mem       Memory
	completer llm.Completer
	registry  *tools.Registry

	memoryWindow int

	mu      sync.Mutex
	running bool
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithTools attaches a registry with the sandboxed read_file tool; the
// developer then feeds the target file's current content into the prompt.
func WithTools(registry *tools.Registry) Option {
	return func(c *Component) { c.registry = registry }
}

// WithMemoryWindow sets how many recent plan events feed the prompt.
func WithMemoryWindow(n int) Option {
	return func(c *Component) { c.memoryWindow = n }
}

// New builds the developer over its collaborators.
func New(b Bus, mem Memory, completer llm.Completer, opts ...Option) *Component {
	c := &Component{
		logger:       slog.Default(),
		bus:          b,
		mem:          mem,
		completer:    completer,
		memoryWindow: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the task queue.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("developer already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.bus.Subscribe(ctx, taskQueue, []string{string(event.TypeTaskAssigned)}, c.handleTask); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", taskQueue, err)
	}

	c.logger.Info("Developer started")
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Component) handleTask(ctx context.Context, env *event.Envelope) error {
	var payload event.TaskAssigned
	if err := event.Decode(env, &payload); err != nil {
		return err
	}
	task := payload.Task

	c.logger.Info("Processing task",
		"task_id", event.Short(task.TaskID),
		"plan_id", event.Short(payload.PlanID),
		"qa_feedback", payload.QAFeedback != "")

	timer := prometheus.NewTimer(metrics.AgentExecutionTime.WithLabelValues(serviceName, "code_gen"))
	defer timer.ObserveDuration()

	attempt := c.currentAttempt(ctx, payload.PlanID, task.TaskID)

	// Crash pre-check: a code.generated for this (task, attempt) means a
	// previous delivery got as far as publishing before it died.
	if c.alreadyGenerated(ctx, payload.PlanID, task.TaskID, attempt) {
		c.logger.Info("Code already generated for this attempt, skipping",
			"task_id", event.Short(task.TaskID),
			"qa_attempt", attempt)
		return nil
	}

	c.updateTask(ctx, memory.TaskUpdate{
		TaskID: task.TaskID,
		PlanID: payload.PlanID,
		Status: "in_progress",
	})

	result, usage, err := Generate(ctx, c.completer, GenerateInput{
		Task:            task,
		PlanReasoning:   payload.PlanReasoning,
		ShortTermMemory: c.shortTermMemory(ctx, payload.PlanID),
		QAFeedback:      payload.QAFeedback,
		CurrentFile:     c.currentFile(ctx, task.FilePath),
	})
	if err != nil {
		return err
	}

	generated := event.CodeGenerated{
		PlanID:    payload.PlanID,
		TaskID:    task.TaskID,
		FilePath:  task.FilePath,
		Code:      result.Code,
		Language:  task.Language,
		QAAttempt: attempt,
		Reasoning: result.Reasoning,
	}
	cgEnv, err := c.bus.Emit(ctx, event.TypeCodeGenerated, generated)
	if err != nil {
		return fmt.Errorf("publish code.generated: %w", err)
	}
	c.storeEvent(ctx, cgEnv)

	c.updateTask(ctx, memory.TaskUpdate{
		TaskID:   task.TaskID,
		PlanID:   payload.PlanID,
		Status:   "completed",
		FilePath: task.FilePath,
		Code:     result.Code,
		RepoURL:  payload.RepoURL,
	})

	c.recordTokens(ctx, payload.PlanID, usage)
	metrics.TasksCompleted.WithLabelValues(serviceName).Inc()

	c.logger.Info("Task code generated",
		"task_id", event.Short(task.TaskID),
		"file_path", task.FilePath,
		"chars", len(result.Code))
	return nil
}

// currentAttempt reads the task's qa_attempt from task state. QA owns the
// counter; the developer only stamps it onto code.generated.
func (c *Component) currentAttempt(ctx context.Context, planID, taskID string) int {
	rows, err := c.mem.GetTasks(ctx, planID)
	if err != nil {
		c.logger.Warn("Failed to read task state, assuming first attempt",
			"task_id", event.Short(taskID), "error", err)
		return 0
	}
	for _, row := range rows {
		if row.TaskID == taskID {
			return row.QAAttempt
		}
	}
	return 0
}

func (c *Component) alreadyGenerated(ctx context.Context, planID, taskID string, attempt int) bool {
	rows, err := c.mem.GetEvents(ctx, string(event.TypeCodeGenerated), planID, preCheckScan)
	if err != nil {
		c.logger.Warn("Pre-check read failed, generating anyway", "error", err)
		return false
	}
	for _, row := range rows {
		var probe struct {
			TaskID    string `json:"task_id"`
			QAAttempt int    `json:"qa_attempt"`
		}
		if err := json.Unmarshal(row.Payload, &probe); err != nil {
			continue
		}
		if probe.TaskID == taskID && probe.QAAttempt == attempt {
			return true
		}
	}
	return false
}

// shortTermMemory builds a compact window from the plan's recent events.
func (c *Component) shortTermMemory(ctx context.Context, planID string) string {
	rows, err := c.mem.GetEvents(ctx, "", planID, c.memoryWindow)
	if err != nil {
		c.logger.Debug("Failed to build memory window", "error", err)
		return ""
	}
	return FormatMemoryWindow(rows)
}

// currentFile reads the target file's existing content through the
// sandboxed tool, when a registry is attached and the file exists.
func (c *Component) currentFile(ctx context.Context, path string) string {
	if c.registry == nil {
		return ""
	}
	result := tools.Execute(ctx, c.registry, "read_file", map[string]any{"path": path})
	if !result.Success {
		return ""
	}
	content, _ := result.Output.(string)
	return content
}

// recordTokens accounts one completion's token usage; store-only, never on
// the bus.
func (c *Component) recordTokens(ctx context.Context, planID string, usage llm.TokenUsage) {
	metrics.ObserveTokens(serviceName, usage.PromptTokens, usage.CompletionTokens)

	env, err := event.New(event.TypeMetricsTokensUsed, serviceName, event.TokensUsed{
		PlanID:           planID,
		Service:          serviceName,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
	if err != nil {
		return
	}
	if _, err := c.mem.StoreEvent(ctx, env); err != nil {
		c.logger.Debug("Failed to store token usage", "error", err)
	}
}

func (c *Component) storeEvent(ctx context.Context, env *event.Envelope) {
	if _, err := c.mem.StoreEvent(ctx, env); err != nil {
		c.logger.Warn("Failed to store event",
			"event_type", env.EventType,
			"event_id", event.Short(env.EventID),
			"error", err)
	}
}

func (c *Component) updateTask(ctx context.Context, update memory.TaskUpdate) {
	if err := c.mem.UpdateTask(ctx, update); err != nil {
		c.logger.Warn("Failed to update task state",
			"task_id", event.Short(update.TaskID), "error", err)
	}
}

// FormatMemoryWindow renders event rows as the one-line-per-event context
// block shared by the developer and QA prompts.
func FormatMemoryWindow(rows []memory.EventRow) string {
	var lines []string
	for _, row := range rows {
		var probe struct {
			Reasoning   string `json:"reasoning"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(row.Payload, &probe)

		detail := probe.Reasoning
		if detail == "" {
			detail = probe.Description
		}
		detail = strings.ReplaceAll(detail, "\n", " ")
		if len(detail) > 160 {
			detail = detail[:160]
		}

		line := fmt.Sprintf("- [%s] by %s", row.EventType, row.Producer)
		if detail != "" {
			line += ": " + detail
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
