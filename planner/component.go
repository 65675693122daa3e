package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/metrics"
)

const serviceName = "planner"

const (
	planRequestQueue  = "planner.plan_requests"
	planRevisionQueue = "planner.plan_revisions"
	planConfirmQueue  = "planner.plan_confirms"
)

// contextLimit is how many retrieved memories feed the planning prompt.
const contextLimit = 5

// Bus is the slice of the event bus the planner uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the planner uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
	GetEvents(ctx context.Context, eventType, planID string, limit int) ([]memory.EventRow, error)
	GetTasks(ctx context.Context, planID string) ([]memory.TaskRow, error)
	UpdateTask(ctx context.Context, update memory.TaskUpdate) error
	SemanticSearch(ctx context.Context, query, planID string, eventTypes []string, limit int) ([]memory.SearchResult, error)
}

// Component runs the planner's bus consumers and serves its HTTP surface.
type Component struct {
	logger    *slog.Logger
	bus       Bus
	mem       Memory
	completer llm.Completer

	idemTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	running bool
	idem    map[string]cachedPlan
}

type cachedPlan struct {
	resp     PlanResponse
	cachedAt time.Time
}

// PlanResponse is the synchronous answer to one planning request.
type PlanResponse struct {
	PlanID    string           `json:"plan_id"`
	TaskCount int              `json:"task_count"`
	Tasks     []event.TaskSpec `json:"tasks"`
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithIdempotencyTTL sets the window in which identical planning requests
// return the cached plan instead of re-running the pipeline.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Component) { c.idemTTL = ttl }
}

// New builds the planner over its collaborators.
func New(b Bus, mem Memory, completer llm.Completer, opts ...Option) *Component {
	c := &Component{
		logger:    slog.Default(),
		bus:       b,
		mem:       mem,
		completer: completer,
		idemTTL:   30 * time.Second,
		now:       time.Now,
		idem:      make(map[string]cachedPlan),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the planner's queues. The bus owns the consume loops.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("planner already started")
	}
	c.running = true
	c.mu.Unlock()

	subs := []struct {
		queue    string
		bindings []string
		handler  bus.Handler
	}{
		{planRequestQueue, []string{string(event.TypePlanRequested)}, c.handlePlanRequested},
		{planRevisionQueue, []string{string(event.TypePlanRevisionSuggested)}, c.handleRevisionSuggested},
		{planConfirmQueue, []string{string(event.TypePlanRevisionConfirmed)}, c.handleRevisionConfirmed},
	}
	for _, sub := range subs {
		if err := c.bus.Subscribe(ctx, sub.queue, sub.bindings, sub.handler); err != nil {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", sub.queue, err)
		}
	}

	c.logger.Info("Planner started")
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Plan runs one idempotent planning request: an identical request within the
// TTL window returns the cached plan instead of re-running the pipeline,
// avoiding duplicate task.assigned events and duplicate files.
func (c *Component) Plan(ctx context.Context, prompt, projectName, repoURL string) (*PlanResponse, error) {
	key := planIdemKey(prompt, projectName, repoURL)
	now := c.now()

	c.mu.Lock()
	if cached, ok := c.idem[key]; ok {
		if now.Sub(cached.cachedAt) < c.idemTTL {
			c.mu.Unlock()
			c.logger.Info("Idempotent plan request, returning cached plan",
				"plan_id", event.Short(cached.resp.PlanID))
			resp := cached.resp
			return &resp, nil
		}
		delete(c.idem, key)
	}
	c.mu.Unlock()

	resp, err := c.executePlan(ctx, prompt, repoURL, "")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.idem[key] = cachedPlan{resp: *resp, cachedAt: now}
	c.mu.Unlock()
	return resp, nil
}

func (c *Component) handlePlanRequested(ctx context.Context, env *event.Envelope) error {
	var payload event.PlanRequested
	if err := event.Decode(env, &payload); err != nil {
		return err
	}

	_, err := c.Plan(ctx, payload.UserPrompt, payload.ProjectName, payload.RepoURL)
	return err
}

// handleRevisionSuggested replans automatically, but only when the critic
// rated the failure high or critical. Lower severities wait for a human
// confirmation through the gateway.
func (c *Component) handleRevisionSuggested(ctx context.Context, env *event.Envelope) error {
	var payload event.PlanRevision
	if err := event.Decode(env, &payload); err != nil {
		return err
	}

	severity := strings.ToLower(payload.Severity)
	if severity == "" {
		severity = "medium"
	}
	if severity != "high" && severity != "critical" {
		c.logger.Info("Ignoring revision suggestion below auto-replan severity",
			"original_plan_id", event.Short(payload.OriginalPlanID),
			"severity", severity)
		return nil
	}
	return c.replan(ctx, payload)
}

// handleRevisionConfirmed replans regardless of severity: a human already
// confirmed the revision through the gateway.
func (c *Component) handleRevisionConfirmed(ctx context.Context, env *event.Envelope) error {
	var payload event.PlanRevision
	if err := event.Decode(env, &payload); err != nil {
		return err
	}
	return c.replan(ctx, payload)
}

func (c *Component) replan(ctx context.Context, rev event.PlanRevision) error {
	originalPrompt, originalReasoning := c.fetchOriginalPlan(ctx, rev.OriginalPlanID)
	if originalPrompt == "" {
		c.logger.Warn("Original plan.created not found, skipping replanning",
			"original_plan_id", event.Short(rev.OriginalPlanID))
		return nil
	}

	prompt := augmentedPrompt(originalPrompt, originalReasoning, rev)
	repoURL := c.inferRepoURL(ctx, rev.OriginalPlanID)

	c.logger.Info("Replanning",
		"original_plan_id", event.Short(rev.OriginalPlanID),
		"new_plan_id", event.Short(rev.NewPlanID),
		"severity", rev.Severity)

	_, err := c.executePlan(ctx, prompt, repoURL, rev.NewPlanID)
	return err
}

// executePlan is the core planning path: retrieve memory context, decompose
// via the LLM, then publish plan.created and one task.assigned per task.
func (c *Component) executePlan(ctx context.Context, prompt, repoURL, forcedPlanID string) (*PlanResponse, error) {
	timer := prometheus.NewTimer(metrics.AgentExecutionTime.WithLabelValues(serviceName, "plan"))
	defer timer.ObserveDuration()

	memoryContext := c.memoryContext(ctx, prompt)
	result, usage, err := Decompose(ctx, c.completer, prompt, memoryContext)
	if err != nil {
		return nil, err
	}

	planID := forcedPlanID
	if planID == "" {
		planID = uuid.New().String()
	}

	created := event.PlanCreated{
		PlanID:         planID,
		OriginalPrompt: prompt,
		Tasks:          result.Tasks,
		Reasoning:      result.Reasoning,
	}
	env, err := c.bus.Emit(ctx, event.TypePlanCreated, created)
	if err != nil {
		return nil, fmt.Errorf("publish plan.created: %w", err)
	}
	c.storeEvent(ctx, env)

	for _, task := range result.Tasks {
		assigned := event.TaskAssigned{
			PlanID:        planID,
			Task:          task,
			PlanReasoning: result.Reasoning,
			RepoURL:       repoURL,
		}
		taEnv, err := c.bus.Emit(ctx, event.TypeTaskAssigned, assigned)
		if err != nil {
			return nil, fmt.Errorf("publish task.assigned: %w", err)
		}
		c.storeEvent(ctx, taEnv)

		if err := c.mem.UpdateTask(ctx, memory.TaskUpdate{
			TaskID:   task.TaskID,
			PlanID:   planID,
			Status:   "assigned",
			FilePath: task.FilePath,
			RepoURL:  repoURL,
		}); err != nil {
			c.logger.Warn("Failed to record task state",
				"task_id", event.Short(task.TaskID), "error", err)
		}
	}

	c.recordTokens(ctx, planID, usage)
	metrics.TasksCompleted.WithLabelValues(serviceName).Inc()
	c.logger.Info("Plan created",
		"plan_id", event.Short(planID),
		"tasks", len(result.Tasks))

	return &PlanResponse{
		PlanID:    planID,
		TaskCount: len(result.Tasks),
		Tasks:     result.Tasks,
	}, nil
}

// fetchOriginalPlan recovers the prompt and reasoning of a prior plan from
// the event log. Both come back empty when the plan is unknown.
func (c *Component) fetchOriginalPlan(ctx context.Context, planID string) (prompt, reasoning string) {
	rows, err := c.mem.GetEvents(ctx, string(event.TypePlanCreated), planID, 1)
	if err != nil {
		c.logger.Warn("Failed to fetch original plan.created",
			"plan_id", event.Short(planID), "error", err)
		return "", ""
	}
	if len(rows) == 0 {
		return "", ""
	}

	var created event.PlanCreated
	if err := json.Unmarshal(rows[0].Payload, &created); err != nil {
		c.logger.Warn("Unreadable plan.created payload",
			"plan_id", event.Short(planID), "error", err)
		return "", ""
	}
	return strings.TrimSpace(created.OriginalPrompt), strings.TrimSpace(created.Reasoning)
}

// inferRepoURL keeps a replanned run targeting the same repository by
// reading the original plan's task state.
func (c *Component) inferRepoURL(ctx context.Context, planID string) string {
	tasks, err := c.mem.GetTasks(ctx, planID)
	if err != nil {
		c.logger.Warn("Failed to infer repo_url",
			"plan_id", event.Short(planID), "error", err)
		return ""
	}
	for _, task := range tasks {
		if url := strings.TrimSpace(task.RepoURL); url != "" {
			return url
		}
	}
	return ""
}

// memoryContext builds a compact textual window from semantic retrieval.
// No plan filter: the planner deliberately draws on memories from earlier
// runs. Retrieval failures degrade to an empty context.
func (c *Component) memoryContext(ctx context.Context, prompt string) string {
	results, err := c.mem.SemanticSearch(ctx, prompt, "", []string{
		string(event.TypePlanCreated),
		string(event.TypePipelineConclusion),
		string(event.TypeQAFailed),
		string(event.TypeSecurityBlocked),
	}, contextLimit)
	if err != nil {
		c.logger.Warn("Semantic search failed, planning without memory context", "error", err)
		return ""
	}

	var lines []string
	for _, item := range results {
		text := item.Payload.Text
		if len(text) > 400 {
			text = text[:400]
		}
		text = strings.ReplaceAll(text, "\n", " ")
		lines = append(lines, fmt.Sprintf("- [%s] plan_id=%s score=%.3f: %s",
			item.Payload.EventType, item.Payload.PlanID, item.HeuristicScore, text))
	}
	return strings.Join(lines, "\n")
}

// recordTokens accounts one completion's token usage. The envelope is
// store-only: it lands in the memory facade, never on the bus.
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

// augmentedPrompt combines the original request with the critic's findings
// so the new plan addresses what went wrong.
func augmentedPrompt(originalPrompt, originalReasoning string, rev event.PlanRevision) string {
	severity := rev.Severity
	if severity == "" {
		severity = "medium"
	}

	lines := []string{
		originalPrompt,
		"",
		"---",
		fmt.Sprintf("A replanning agent analysed the previous execution of plan %s and suggested revising the plan.",
			event.Short(rev.OriginalPlanID)),
		"Severity: " + severity,
	}
	if rev.Reason != "" {
		lines = append(lines, "Replanner reason: "+rev.Reason)
	}
	if originalReasoning != "" {
		lines = append(lines, "Original planner reasoning (for context, may be outdated): "+originalReasoning)
	}
	if len(rev.Suggestions) > 0 {
		lines = append(lines, "", "Replanner suggestions:")
		for _, s := range rev.Suggestions {
			lines = append(lines, "- "+s)
		}
	}
	return strings.Join(lines, "\n")
}

func planIdemKey(prompt, projectName, repoURL string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + projectName + "|" + repoURL))
	return hex.EncodeToString(sum[:])
}
