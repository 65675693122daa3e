package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/metrics"
)

const serviceName = "security"

const scanQueue = "security.pr_requests"

// Bus is the slice of the event bus the scanner uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the scanner uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
}

// Component consumes pr.requested and emits security.approved or
// security.blocked.
type Component struct {
	logger *slog.Logger
	bus    Bus
	mem    Memory

	mu      sync.Mutex
	running bool
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// New builds the security gate over its collaborators.
func New(b Bus, mem Memory, opts ...Option) *Component {
	c := &Component{
		logger: slog.Default(),
		bus:    b,
		mem:    mem,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the scan queue.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("security already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.bus.Subscribe(ctx, scanQueue, []string{string(event.TypePRRequested)}, c.handleScan); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", scanQueue, err)
	}

	c.logger.Info("Security gate started", "rules", len(catalogue))
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Component) handleScan(ctx context.Context, env *event.Envelope) error {
	var pr event.PRRequested
	if err := event.Decode(env, &pr); err != nil {
		return err
	}

	c.logger.Info("Security scan",
		"plan_id", event.Short(pr.PlanID),
		"files", len(pr.Files))

	timer := prometheus.NewTimer(metrics.AgentExecutionTime.WithLabelValues(serviceName, "security_scan"))
	result := Scan(pr.Files)
	timer.ObserveDuration()

	payload := event.SecurityResult{
		PlanID:       pr.PlanID,
		BranchName:   pr.BranchName,
		Approved:     result.Approved,
		Violations:   result.Violations,
		FilesScanned: result.FilesScanned,
		Reasoning:    result.Reasoning,
	}

	if result.Approved {
		// Downstream stages work off pr_context instead of re-aggregating.
		payload.PRContext = &pr

		c.logger.Info("Security APPROVED",
			"plan_id", event.Short(pr.PlanID),
			"files_scanned", result.FilesScanned)
		metrics.TasksCompleted.WithLabelValues(serviceName).Inc()

		approvedEnv, err := c.bus.Emit(ctx, event.TypeSecurityApproved, payload)
		if err != nil {
			return fmt.Errorf("publish security.approved: %w", err)
		}
		c.storeEvent(ctx, approvedEnv)
		return nil
	}

	c.logger.Error("Security BLOCKED",
		"plan_id", event.Short(pr.PlanID),
		"violations", len(result.Violations))

	blockedEnv, err := c.bus.Emit(ctx, event.TypeSecurityBlocked, payload)
	if err != nil {
		return fmt.Errorf("publish security.blocked: %w", err)
	}
	c.storeEvent(ctx, blockedEnv)
	return nil
}

func (c *Component) storeEvent(ctx context.Context, env *event.Envelope) {
	if _, err := c.mem.StoreEvent(ctx, env); err != nil {
		c.logger.Warn("Failed to store event",
			"event_type", env.EventType,
			"event_id", event.Short(env.EventID),
			"error", err)
	}
}
