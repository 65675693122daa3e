package replanner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/metrics"
)

const serviceName = "replanner"

const outcomeQueue = "replanner.outcomes"

// contextLimit bounds the semantic memory window per critique.
const contextLimit = 5

const defaultAgentGoal = "Detect plans whose execution failed QA or security and propose the smallest structural revisions that let the next run succeed."

// Bus is the slice of the event bus the replanner uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the replanner uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
	SemanticSearch(ctx context.Context, query, planID string, eventTypes []string, limit int) ([]memory.SearchResult, error)
}

// Component consumes qa.failed and security.blocked and emits
// plan.revision_suggested when the critic calls for one.
type Component struct {
	logger    *slog.Logger
	bus       Bus
	mem       Memory
	completer llm.Completer
	goal      string
	newID     func() string

	mu      sync.Mutex
	running bool
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithAgentGoal overrides the goal statement embedded in the prompt.
func WithAgentGoal(goal string) Option {
	return func(c *Component) { c.goal = goal }
}

// New builds the critic over its collaborators.
func New(b Bus, mem Memory, completer llm.Completer, opts ...Option) *Component {
	c := &Component{
		logger:    slog.Default(),
		bus:       b,
		mem:       mem,
		completer: completer,
		goal:      defaultAgentGoal,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the outcome queue for both failure types.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("replanner already started")
	}
	c.running = true
	c.mu.Unlock()

	bindings := []string{string(event.TypeQAFailed), string(event.TypeSecurityBlocked)}
	if err := c.bus.Subscribe(ctx, outcomeQueue, bindings, c.handleOutcome); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", outcomeQueue, err)
	}

	c.logger.Info("Replanner started")
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Component) handleOutcome(ctx context.Context, env *event.Envelope) error {
	switch env.EventType {
	case event.TypeQAFailed:
		var result event.QAResult
		if err := event.Decode(env, &result); err != nil {
			return err
		}
		return c.analyse(ctx, result.PlanID, "qa_failed", summarizeQA(result), false)
	case event.TypeSecurityBlocked:
		var result event.SecurityResult
		if err := event.Decode(env, &result); err != nil {
			return err
		}
		return c.analyse(ctx, result.PlanID, "security_blocked", summarizeSecurity(result), true)
	default:
		c.logger.Debug("Ignoring event", "event_type", env.EventType)
		return nil
	}
}

// analyse runs one critique and emits plan.revision_suggested when the
// critic decides a revision is needed.
func (c *Component) analyse(ctx context.Context, planID, outcomeType, summary string, securityBlocked bool) error {
	c.logger.Info("Analysing outcome",
		"plan_id", event.Short(planID),
		"outcome", outcomeType)

	timer := prometheus.NewTimer(metrics.AgentExecutionTime.WithLabelValues(serviceName, "replan_"+outcomeType))
	defer timer.ObserveDuration()

	decision, usage, err := Critique(ctx, c.completer, CritiqueInput{
		AgentGoal:       c.goal,
		PlanID:          planID,
		OutcomeSummary:  summary,
		MemoryContext:   c.memoryContext(ctx, planID),
		SecurityBlocked: securityBlocked,
	})
	if err != nil {
		return err
	}
	c.recordTokens(ctx, planID, usage)

	if !decision.RevisionNeeded {
		c.logger.Info("No revision needed",
			"plan_id", event.Short(planID),
			"severity", decision.Severity)
		return nil
	}

	revision := event.PlanRevision{
		OriginalPlanID: planID,
		NewPlanID:      c.newID(),
		Reason:         decision.Reason,
		Summary:        fmt.Sprintf("Replanner suggests revising plan %s after %s.", event.Short(planID), outcomeType),
		Suggestions:    decision.Suggestions,
		Severity:       decision.Severity,
	}
	revEnv, err := c.bus.Emit(ctx, event.TypePlanRevisionSuggested, revision)
	if err != nil {
		return fmt.Errorf("publish plan.revision_suggested: %w", err)
	}
	c.storeEvent(ctx, revEnv)

	c.logger.Info("Revision suggested",
		"original_plan_id", event.Short(planID),
		"new_plan_id", event.Short(revision.NewPlanID),
		"severity", decision.Severity,
		"suggestions", len(decision.Suggestions))
	return nil
}

// memoryContext pulls plan-scoped conclusions and failures so the critic
// sees the history behind the outcome.
func (c *Component) memoryContext(ctx context.Context, planID string) string {
	results, err := c.mem.SemanticSearch(ctx,
		fmt.Sprintf("Outcome summary and reasoning for plan %s", planID),
		planID,
		[]string{
			string(event.TypePipelineConclusion),
			string(event.TypeQAFailed),
			string(event.TypeSecurityBlocked),
		},
		contextLimit)
	if err != nil {
		c.logger.Warn("Semantic search failed", "plan_id", event.Short(planID), "error", err)
		return ""
	}

	var lines []string
	for _, r := range results {
		text := strings.ReplaceAll(r.Payload.Text, "\n", " ")
		if len(text) > 400 {
			text = text[:400]
		}
		lines = append(lines, fmt.Sprintf("- [%s] score=%.3f: %s", r.Payload.EventType, r.HeuristicScore, text))
	}
	return strings.Join(lines, "\n")
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
