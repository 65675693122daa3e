package qa

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

const serviceName = "qa"

const reviewQueue = "qa.code_review"

// memoryWindowLimit bounds the short-term memory fed to the reviewer.
const memoryWindowLimit = 30

// Bus is the slice of the event bus QA uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client QA uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
	GetEvents(ctx context.Context, eventType, planID string, limit int) ([]memory.EventRow, error)
	GetTasks(ctx context.Context, planID string) ([]memory.TaskRow, error)
	UpdateTask(ctx context.Context, update memory.TaskUpdate) error
}

// Component consumes code.generated, gates each change, and runs the
// plan-readiness barrier that produces pr.requested.
type Component struct {
	logger    *slog.Logger
	bus       Bus
	mem       Memory
	completer llm.Completer
	registry  *tools.Registry

	maxQARetries int

	mu      sync.Mutex
	running bool
	// Reasoning caches are service-local; durability lives in memory rows.
	devReasoning map[string]string
	qaReasoning  map[string]string
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithTools attaches a registry carrying the python_lint tool.
func WithTools(registry *tools.Registry) Option {
	return func(c *Component) { c.registry = registry }
}

// WithMaxQARetries bounds how often a failing task is re-assigned before
// qa.failed becomes terminal.
func WithMaxQARetries(n int) Option {
	return func(c *Component) { c.maxQARetries = n }
}

// New builds the QA gate over its collaborators.
func New(b Bus, mem Memory, completer llm.Completer, opts ...Option) *Component {
	c := &Component{
		logger:       slog.Default(),
		bus:          b,
		mem:          mem,
		completer:    completer,
		maxQARetries: 2,
		devReasoning: make(map[string]string),
		qaReasoning:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the review queue.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("qa already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.bus.Subscribe(ctx, reviewQueue, []string{string(event.TypeCodeGenerated)}, c.handleReview); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", reviewQueue, err)
	}

	c.logger.Info("QA started", "max_qa_retries", c.maxQARetries)
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Component) handleReview(ctx context.Context, env *event.Envelope) error {
	var payload event.CodeGenerated
	if err := event.Decode(env, &payload); err != nil {
		return err
	}

	c.logger.Info("Reviewing code",
		"task_id", event.Short(payload.TaskID),
		"plan_id", event.Short(payload.PlanID),
		"qa_attempt", payload.QAAttempt)

	c.mu.Lock()
	c.devReasoning[payload.TaskID] = payload.Reasoning
	c.mu.Unlock()

	timer := prometheus.NewTimer(metrics.AgentExecutionTime.WithLabelValues(serviceName, "code_review"))
	defer timer.ObserveDuration()

	result, err := c.gate(ctx, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.qaReasoning[payload.TaskID] = result.Reasoning
	c.mu.Unlock()

	qaResult := event.QAResult{
		PlanID:    payload.PlanID,
		TaskID:    payload.TaskID,
		Passed:    result.Passed,
		Issues:    result.Issues,
		Code:      payload.Code,
		FilePath:  payload.FilePath,
		QAAttempt: payload.QAAttempt,
		Reasoning: result.Reasoning,
	}

	if result.Passed {
		c.logger.Info("QA passed", "task_id", event.Short(payload.TaskID))
		metrics.TasksCompleted.WithLabelValues(serviceName).Inc()

		passEnv, err := c.bus.Emit(ctx, event.TypeQAPassed, qaResult)
		if err != nil {
			return fmt.Errorf("publish qa.passed: %w", err)
		}
		c.storeEvent(ctx, passEnv)
		c.updateTask(ctx, memory.TaskUpdate{
			TaskID: payload.TaskID,
			PlanID: payload.PlanID,
			Status: "qa_passed",
		})
		c.checkPlanReady(ctx, payload.PlanID)
		return nil
	}

	c.logger.Warn("QA failed",
		"task_id", event.Short(payload.TaskID),
		"qa_attempt", payload.QAAttempt,
		"issues", len(result.Issues))

	if payload.QAAttempt < c.maxQARetries {
		return c.retryTask(ctx, payload, result.Issues)
	}

	c.logger.Error("QA retries exhausted, failing task",
		"task_id", event.Short(payload.TaskID))
	failEnv, err := c.bus.Emit(ctx, event.TypeQAFailed, qaResult)
	if err != nil {
		return fmt.Errorf("publish qa.failed: %w", err)
	}
	c.storeEvent(ctx, failEnv)
	c.updateTask(ctx, memory.TaskUpdate{
		TaskID: payload.TaskID,
		PlanID: payload.PlanID,
		Status: "qa_failed",
	})
	return nil
}

// gate runs the two-pass check: deterministic static analysis first, the
// LLM review only when the static pass is clean.
func (c *Component) gate(ctx context.Context, payload event.CodeGenerated) (*ReviewResult, error) {
	staticIssues := c.staticPass(ctx, payload)
	if len(staticIssues) > 0 {
		return &ReviewResult{
			Passed: false,
			Issues: staticIssues,
			Reasoning: fmt.Sprintf(
				"Static analysis detected %d issue(s) before LLM review. Rejecting this change until the reported issues are fixed.",
				len(staticIssues)),
		}, nil
	}

	result, usage, err := Review(ctx, c.completer, ReviewInput{
		Code:            payload.Code,
		FilePath:        payload.FilePath,
		Language:        payload.Language,
		TaskDescription: fmt.Sprintf("Generate %s code for %s", payload.Language, payload.FilePath),
		DevReasoning:    payload.Reasoning,
		ShortTermMemory: c.shortTermMemory(ctx, payload.PlanID),
	})
	if err != nil {
		return nil, err
	}
	c.recordTokens(ctx, payload.PlanID, usage)
	return result, nil
}

// staticPass combines the syntax check, the dangerous-pattern scan, and the
// linter. All three are deterministic.
func (c *Component) staticPass(ctx context.Context, payload event.CodeGenerated) []string {
	var issues []string

	syntaxIssues, err := CheckSyntax(ctx, payload.Code, payload.Language)
	if err != nil {
		c.logger.Warn("Syntax check failed to run", "error", err)
	}
	issues = append(issues, syntaxIssues...)

	issues = append(issues, StaticCheck(payload.Code)...)
	issues = append(issues, c.lint(ctx, payload)...)
	return issues
}

func (c *Component) lint(ctx context.Context, payload event.CodeGenerated) []string {
	if c.registry == nil || !strings.EqualFold(payload.Language, "python") {
		return nil
	}

	result := tools.Execute(ctx, c.registry, "python_lint", map[string]any{"code": payload.Code})
	if !result.Success {
		// A missing or broken linter is not a code defect.
		c.logger.Warn("python_lint tool failed", "error", result.Error)
		return nil
	}

	findings, _ := result.Output.([]string)
	formatted := make([]string, 0, len(findings))
	for _, finding := range findings {
		formatted = append(formatted, "[ruff] "+finding)
	}
	return formatted
}

// retryTask re-enqueues the task to the developer with the QA feedback
// embedded. QA owns the attempt counter and bumps it here.
func (c *Component) retryTask(ctx context.Context, payload event.CodeGenerated, issues []string) error {
	var feedback strings.Builder
	feedback.WriteString("Previous QA issues to fix:")
	for _, issue := range issues {
		feedback.WriteString("\n- ")
		feedback.WriteString(issue)
	}

	// The attempt number is bumped in task state before the retry is
	// published, so the developer reads the new value, and stamped on the
	// payload so identical feedback never collapses two retries into one
	// idempotency key.
	nextAttempt := payload.QAAttempt + 1
	c.updateTask(ctx, memory.TaskUpdate{
		TaskID:    payload.TaskID,
		PlanID:    payload.PlanID,
		Status:    "qa_retry",
		QAAttempt: &nextAttempt,
	})

	retry := event.TaskAssigned{
		PlanID: payload.PlanID,
		Task: event.TaskSpec{
			TaskID:      payload.TaskID,
			Description: fmt.Sprintf("Fix the following issues in %s:\n%s", payload.FilePath, feedback.String()),
			FilePath:    payload.FilePath,
			Language:    payload.Language,
		},
		QAFeedback: feedback.String(),
		QAAttempt:  nextAttempt,
	}
	retryEnv, err := c.bus.Emit(ctx, event.TypeTaskAssigned, retry)
	if err != nil {
		return fmt.Errorf("publish retry task.assigned: %w", err)
	}
	c.storeEvent(ctx, retryEnv)

	c.logger.Info("Task re-enqueued to developer",
		"task_id", event.Short(payload.TaskID),
		"qa_attempt", nextAttempt)
	return nil
}

// checkPlanReady is the plan-readiness barrier: once every task of the plan
// is qa_passed, aggregate the files into exactly one pr.requested.
func (c *Component) checkPlanReady(ctx context.Context, planID string) {
	rows, err := c.mem.GetTasks(ctx, planID)
	if err != nil {
		c.logger.Error("Barrier task read failed", "plan_id", event.Short(planID), "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	for _, row := range rows {
		if row.Status != "qa_passed" {
			return
		}
	}

	files := make([]event.CodeGenerated, 0, len(rows))
	repoURL := ""
	for _, row := range rows {
		if repoURL == "" {
			repoURL = row.RepoURL
		}
		files = append(files, event.CodeGenerated{
			PlanID:    planID,
			TaskID:    row.TaskID,
			FilePath:  row.FilePath,
			Code:      row.Code,
			Reasoning: c.chainReasoning(row.TaskID),
		})
	}

	pr := event.PRRequested{
		PlanID:           planID,
		RepoURL:          repoURL,
		BranchName:       "admadc/plan-" + event.Short(planID),
		Files:            files,
		CommitMessage:    fmt.Sprintf("feat: implement plan %s (QA approved)", event.Short(planID)),
		SecurityApproved: false,
	}
	prEnv, err := c.bus.Emit(ctx, event.TypePRRequested, pr)
	if err != nil {
		c.logger.Error("Failed to publish pr.requested", "plan_id", event.Short(planID), "error", err)
		return
	}
	c.storeEvent(ctx, prEnv)

	c.logger.Info("All tasks QA-passed, pr.requested published",
		"plan_id", event.Short(planID),
		"files", len(files))
}

// chainReasoning combines the developer's and reviewer's reasoning for one
// task into the chain shown in the final conclusion.
func (c *Component) chainReasoning(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parts []string
	if dev := c.devReasoning[taskID]; dev != "" {
		parts = append(parts, "[Developer] "+dev)
	}
	if qa := c.qaReasoning[taskID]; qa != "" {
		parts = append(parts, "[QA Reviewer] "+qa)
	}
	return strings.Join(parts, "\n")
}

// shortTermMemory summarizes the plan's recent events for the reviewer.
func (c *Component) shortTermMemory(ctx context.Context, planID string) string {
	rows, err := c.mem.GetEvents(ctx, "", planID, memoryWindowLimit)
	if err != nil {
		c.logger.Debug("Failed to build memory window", "error", err)
		return ""
	}

	var lines []string
	for _, row := range rows {
		summary := eventSummary(row)
		line := fmt.Sprintf("[%s] from %s at %s", row.EventType, row.Producer, row.CreatedAt.Format("15:04:05"))
		if summary != "" {
			line += " :: " + summary
		}
		lines = append(lines, line)
	}

	window := strings.Join(lines, "\n")
	if len(window) > 2000 {
		window = window[:2000]
	}
	return window
}

func eventSummary(row memory.EventRow) string {
	var probe struct {
		Reasoning string `json:"reasoning"`
		FilePath  string `json:"file_path"`
	}
	_ = json.Unmarshal(row.Payload, &probe)

	switch event.Type(row.EventType) {
	case event.TypeCodeGenerated:
		return probe.FilePath
	case event.TypePlanCreated, event.TypeQAPassed, event.TypeQAFailed,
		event.TypeSecurityApproved, event.TypeSecurityBlocked:
		summary := strings.ReplaceAll(probe.Reasoning, "\n", " ")
		if len(summary) > 200 {
			summary = summary[:200]
		}
		return summary
	default:
		return ""
	}
}

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
