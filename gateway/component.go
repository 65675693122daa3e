// Package gateway is the human-in-the-loop surface of the pipeline: it
// broadcasts every bus event to WebSocket clients, intercepts
// security.approved into pending approvals, and exposes the HTTP API the
// frontend drives the pipeline with.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/memory"
	"github.com/admadc/admadc/planner"
)

const serviceName = "gateway"

const (
	broadcastQueue = "gateway.broadcast"
	approvalQueue  = "gateway.approvals"
)

// Bus is the slice of the event bus the gateway uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the gateway uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
	GetEvents(ctx context.Context, eventType, planID string, limit int) ([]memory.EventRow, error)
	GetTasks(ctx context.Context, planID string) ([]memory.TaskRow, error)
}

// Planner answers synchronous planning requests. In-process it is the
// planner component itself; across processes it is an HTTP client.
type Planner interface {
	Plan(ctx context.Context, prompt, projectName, repoURL string) (*planner.PlanResponse, error)
}

type cachedPlan struct {
	resp     planner.PlanResponse
	cachedAt time.Time
}

// Component holds the gateway state: the WebSocket hub, the pending-approval
// set, and the plan-response cache.
type Component struct {
	logger  *slog.Logger
	bus     Bus
	mem     Memory
	planner Planner
	hub     *Hub

	historySize int
	planTTL     time.Duration
	now         func() time.Time
	newID       func() string

	mu        sync.Mutex
	running   bool
	pending   map[string]event.ApprovalDecision
	planCache map[string]cachedPlan
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
		c.hub.logger = logger
	}
}

// WithHistorySize sets how many recent events a new client receives.
func WithHistorySize(n int) Option {
	return func(c *Component) { c.historySize = n }
}

// WithPlanCacheTTL sets the idempotency window of POST /api/plan.
func WithPlanCacheTTL(ttl time.Duration) Option {
	return func(c *Component) { c.planTTL = ttl }
}

// New builds the gateway over its collaborators.
func New(b Bus, mem Memory, pl Planner, opts ...Option) *Component {
	logger := slog.Default()
	c := &Component{
		logger:      logger,
		bus:         b,
		mem:         mem,
		planner:     pl,
		hub:         NewHub(logger),
		historySize: 20,
		planTTL:     5 * time.Minute,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		pending:     make(map[string]event.ApprovalDecision),
		planCache:   make(map[string]cachedPlan),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hub exposes the WebSocket hub for the HTTP layer.
func (c *Component) Hub() *Hub {
	return c.hub
}

// Start subscribes the broadcaster and the approval interceptor.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	c.running = true
	c.mu.Unlock()

	fail := func(queue string, err error) error {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}

	if err := c.bus.Subscribe(ctx, broadcastQueue, []string{"#"}, c.handleBroadcast); err != nil {
		return fail(broadcastQueue, err)
	}
	if err := c.bus.Subscribe(ctx, approvalQueue, []string{string(event.TypeSecurityApproved)}, c.handleSecurityApproved); err != nil {
		return fail(approvalQueue, err)
	}

	c.logger.Info("Gateway started",
		"history_size", c.historySize,
		"plan_cache_ttl", c.planTTL)
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// handleBroadcast forwards every envelope on the bus to the live clients.
func (c *Component) handleBroadcast(_ context.Context, env *event.Envelope) error {
	c.hub.Broadcast(wsMessage{Type: "event", Event: env})
	c.logger.Debug("Broadcast",
		"event_type", env.EventType,
		"ws_connections", c.hub.Count())
	return nil
}

// handleSecurityApproved converts a security approval into the final
// pipeline conclusion plus exactly one pending human approval.
func (c *Component) handleSecurityApproved(ctx context.Context, env *event.Envelope) error {
	var sec event.SecurityResult
	if err := event.Decode(env, &sec); err != nil {
		return err
	}
	if sec.PRContext == nil {
		c.logger.Warn("security.approved without pr_context, nothing to hold",
			"plan_id", event.Short(sec.PlanID))
		return nil
	}

	files := make([]string, 0, len(sec.PRContext.Files))
	for _, f := range sec.PRContext.Files {
		files = append(files, f.FilePath)
	}

	conclusion := event.PipelineConclusion{
		PlanID:         sec.PlanID,
		BranchName:     sec.BranchName,
		ConclusionText: sec.Reasoning,
		FilesChanged:   files,
		Approved:       true,
	}
	conclusionEnv, err := c.bus.Emit(ctx, event.TypePipelineConclusion, conclusion)
	if err != nil {
		return fmt.Errorf("publish pipeline.conclusion: %w", err)
	}
	c.storeEvent(ctx, conclusionEnv)

	approval := event.ApprovalDecision{
		ApprovalID:        c.newID(),
		PlanID:            sec.PlanID,
		BranchName:        sec.BranchName,
		FilesCount:        len(sec.PRContext.Files),
		SecurityReasoning: sec.Reasoning,
		PRContext:         sec.PRContext,
	}
	pendingEnv, err := c.bus.Emit(ctx, event.TypePRPendingApproval, approval)
	if err != nil {
		return fmt.Errorf("publish pr.pending_approval: %w", err)
	}
	c.storeEvent(ctx, pendingEnv)

	c.mu.Lock()
	c.pending[approval.ApprovalID] = approval
	c.mu.Unlock()

	c.hub.Broadcast(wsMessage{Type: "approval", Approval: &approval})
	c.logger.Info("PR held for human approval",
		"approval_id", event.Short(approval.ApprovalID),
		"plan_id", event.Short(sec.PlanID),
		"files", approval.FilesCount)
	return nil
}

// ErrUnknownApproval reports a decision against an approval id the gateway
// does not hold.
var ErrUnknownApproval = fmt.Errorf("unknown approval id")

// Decide resolves one pending approval. Approving emits pr.human_approved;
// rejecting emits pr.human_rejected. Either way the entry is removed.
func (c *Component) Decide(ctx context.Context, approvalID string, approve bool) (*event.ApprovalDecision, error) {
	c.mu.Lock()
	approval, ok := c.pending[approvalID]
	if ok {
		delete(c.pending, approvalID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownApproval
	}

	eventType := event.TypePRHumanApproved
	approval.Decision = "approved"
	if !approve {
		eventType = event.TypePRHumanRejected
		approval.Decision = "rejected"
	}

	decidedEnv, err := c.bus.Emit(ctx, eventType, approval)
	if err != nil {
		// The human decision must not be lost; put the entry back.
		c.mu.Lock()
		approval.Decision = ""
		c.pending[approvalID] = approval
		c.mu.Unlock()
		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}
	c.storeEvent(ctx, decidedEnv)

	c.hub.Broadcast(wsMessage{
		Type:       "approval_decided",
		ApprovalID: approval.ApprovalID,
		Decision:   approval.Decision,
	})
	c.logger.Info("Approval decided",
		"approval_id", event.Short(approvalID),
		"decision", approval.Decision)
	return &approval, nil
}

// Pending lists the held approvals, oldest id first for stable output.
func (c *Component) Pending() []event.ApprovalDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]event.ApprovalDecision, 0, len(c.pending))
	for _, approval := range c.pending {
		out = append(out, approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovalID < out[j].ApprovalID })
	return out
}

// Plan answers POST /api/plan: an identical request inside the TTL window
// returns the cached response without contacting the planner.
func (c *Component) Plan(ctx context.Context, prompt, projectName, repoURL string) (*planner.PlanResponse, error) {
	key := planKey(prompt, projectName, repoURL)
	now := c.now()

	c.mu.Lock()
	if cached, ok := c.planCache[key]; ok && now.Sub(cached.cachedAt) < c.planTTL {
		c.mu.Unlock()
		c.logger.Info("Plan request served from cache",
			"plan_id", event.Short(cached.resp.PlanID))
		resp := cached.resp
		return &resp, nil
	}
	c.mu.Unlock()

	resp, err := c.planner.Plan(ctx, prompt, projectName, repoURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.planCache[key] = cachedPlan{resp: *resp, cachedAt: now}
	c.mu.Unlock()
	return resp, nil
}

// Replan publishes the human confirmation of a suggested revision; the
// planner replans regardless of severity.
func (c *Component) Replan(ctx context.Context, revision event.PlanRevision) error {
	env, err := c.bus.Emit(ctx, event.TypePlanRevisionConfirmed, revision)
	if err != nil {
		return fmt.Errorf("publish plan.revision_confirmed: %w", err)
	}
	c.storeEvent(ctx, env)

	c.logger.Info("Plan revision confirmed",
		"original_plan_id", event.Short(revision.OriginalPlanID),
		"new_plan_id", event.Short(revision.NewPlanID))
	return nil
}

// ServiceTokens is the per-service slice of a plan's token consumption.
type ServiceTokens struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PlanMetrics aggregates the stored metrics.tokens_used events of one plan.
func (c *Component) PlanMetrics(ctx context.Context, planID string) (map[string]ServiceTokens, error) {
	rows, err := c.mem.GetEvents(ctx, string(event.TypeMetricsTokensUsed), planID, 500)
	if err != nil {
		return nil, fmt.Errorf("read token events: %w", err)
	}

	totals := make(map[string]ServiceTokens)
	for _, row := range rows {
		var usage event.TokensUsed
		if err := decodeRow(row, &usage); err != nil {
			continue
		}
		t := totals[usage.Service]
		t.PromptTokens += usage.PromptTokens
		t.CompletionTokens += usage.CompletionTokens
		t.TotalTokens = t.PromptTokens + t.CompletionTokens
		totals[usage.Service] = t
	}
	return totals, nil
}

// onConnect seeds a fresh WebSocket client: recent history first, then the
// pending approvals.
func (c *Component) onConnect(ctx context.Context, client *Client) {
	rows, err := c.mem.GetEvents(ctx, "", "", c.historySize)
	if err != nil {
		c.logger.Warn("Could not fetch history for new client", "error", err)
	}
	// Rows arrive newest-first; replay oldest-first.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if err := client.Send(wsMessage{Type: "history", Row: &row}); err != nil {
			return
		}
	}
	for _, approval := range c.Pending() {
		a := approval
		if err := client.Send(wsMessage{Type: "approval", Approval: &a}); err != nil {
			return
		}
	}
}

// wsMessage is the single frame shape pushed to WebSocket clients.
type wsMessage struct {
	Type       string                  `json:"type"`
	Event      *event.Envelope         `json:"event,omitempty"`
	Row        *memory.EventRow        `json:"row,omitempty"`
	Approval   *event.ApprovalDecision `json:"approval,omitempty"`
	ApprovalID string                  `json:"approval_id,omitempty"`
	Decision   string                  `json:"decision,omitempty"`
}

func planKey(prompt, projectName, repoURL string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + projectName + "|" + repoURL))
	return hex.EncodeToString(sum[:])
}

func decodeRow(row memory.EventRow, dst any) error {
	return json.Unmarshal(row.Payload, dst)
}

func (c *Component) storeEvent(ctx context.Context, env *event.Envelope) {
	if _, err := c.mem.StoreEvent(ctx, env); err != nil {
		c.logger.Warn("Failed to store event",
			"event_type", env.EventType,
			"event_id", event.Short(env.EventID),
			"error", err)
	}
}
