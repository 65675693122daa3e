package planner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/llm"
	"github.com/admadc/admadc/memory"
)

type fakeBus struct {
	mu      sync.Mutex
	emitted []*event.Envelope
	queues  []string
}

func (f *fakeBus) Emit(_ context.Context, eventType event.Type, payload any) (*event.Envelope, error) {
	env, err := event.New(eventType, "test", payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, env)
	f.mu.Unlock()
	return env, nil
}

func (f *fakeBus) Subscribe(_ context.Context, queue string, _ []string, _ bus.Handler) error {
	f.mu.Lock()
	f.queues = append(f.queues, queue)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) byType(eventType event.Type) []*event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.Envelope
	for _, env := range f.emitted {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type fakeMemory struct {
	mu       sync.Mutex
	stored   []*event.Envelope
	updates  []memory.TaskUpdate
	rows     []memory.EventRow
	taskRows []memory.TaskRow
	search   []memory.SearchResult
}

func (f *fakeMemory) StoreEvent(_ context.Context, env *event.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, env)
	return true, nil
}

func (f *fakeMemory) GetEvents(_ context.Context, eventType, planID string, limit int) ([]memory.EventRow, error) {
	var out []memory.EventRow
	for _, row := range f.rows {
		if eventType != "" && row.EventType != eventType {
			continue
		}
		if planID != "" && row.PlanID != planID {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMemory) GetTasks(_ context.Context, _ string) ([]memory.TaskRow, error) {
	return f.taskRows, nil
}

func (f *fakeMemory) UpdateTask(_ context.Context, update memory.TaskUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeMemory) SemanticSearch(_ context.Context, _, _ string, _ []string, _ int) ([]memory.SearchResult, error) {
	return f.search, nil
}

func (f *fakeMemory) storedByType(eventType event.Type) []*event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.Envelope
	for _, env := range f.stored {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

func newTestComponent(b *fakeBus, mem *fakeMemory) *Component {
	return New(b, mem, llm.NewMockCompleter())
}

func TestStartSubscribesQueues(t *testing.T) {
	b := &fakeBus{}
	c := newTestComponent(b, &fakeMemory{})

	require.NoError(t, c.Start(context.Background()))
	assert.ElementsMatch(t, []string{planRequestQueue, planRevisionQueue, planConfirmQueue}, b.queues)

	assert.Error(t, c.Start(context.Background()), "second start must fail")
}

func TestPlanPublishesPlanAndTasks(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := newTestComponent(b, mem)

	resp, err := c.Plan(context.Background(), "build a todo API", "default", "https://example.com/repo.git")
	require.NoError(t, err)
	require.NotEmpty(t, resp.PlanID)
	require.Equal(t, len(resp.Tasks), resp.TaskCount)
	require.NotEmpty(t, resp.Tasks)

	created := b.byType(event.TypePlanCreated)
	require.Len(t, created, 1)

	var payload event.PlanCreated
	require.NoError(t, event.Decode(created[0], &payload))
	assert.Equal(t, resp.PlanID, payload.PlanID)
	assert.Equal(t, "build a todo API", payload.OriginalPrompt)
	assert.NotEmpty(t, payload.Reasoning)

	assigned := b.byType(event.TypeTaskAssigned)
	require.Len(t, assigned, resp.TaskCount)
	var ta event.TaskAssigned
	require.NoError(t, event.Decode(assigned[0], &ta))
	assert.Equal(t, resp.PlanID, ta.PlanID)
	assert.Equal(t, "https://example.com/repo.git", ta.RepoURL)

	// One task row per task, created as assigned.
	require.Len(t, mem.updates, resp.TaskCount)
	assert.Equal(t, "assigned", mem.updates[0].Status)
	assert.Equal(t, resp.PlanID, mem.updates[0].PlanID)
}

func TestPlanTokenAccountingIsStoreOnly(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := newTestComponent(b, mem)

	_, err := c.Plan(context.Background(), "build a todo API", "default", "")
	require.NoError(t, err)

	assert.Empty(t, b.byType(event.TypeMetricsTokensUsed), "token usage must not reach the bus")
	require.Len(t, mem.storedByType(event.TypeMetricsTokensUsed), 1)

	var usage event.TokensUsed
	require.NoError(t, event.Decode(mem.storedByType(event.TypeMetricsTokensUsed)[0], &usage))
	assert.Equal(t, serviceName, usage.Service)
	assert.Positive(t, usage.PromptTokens)
}

func TestPlanIdempotencyWindow(t *testing.T) {
	b := &fakeBus{}
	c := newTestComponent(b, &fakeMemory{})

	first, err := c.Plan(context.Background(), "same prompt", "default", "")
	require.NoError(t, err)
	second, err := c.Plan(context.Background(), "same prompt", "default", "")
	require.NoError(t, err)

	assert.Equal(t, first.PlanID, second.PlanID)
	assert.Len(t, b.byType(event.TypePlanCreated), 1, "cached plan must not re-run the pipeline")
}

func TestPlanIdempotencyExpires(t *testing.T) {
	b := &fakeBus{}
	c := newTestComponent(b, &fakeMemory{})

	now := time.Now()
	c.now = func() time.Time { return now }

	first, err := c.Plan(context.Background(), "same prompt", "default", "")
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(c.idemTTL + time.Second) }
	second, err := c.Plan(context.Background(), "same prompt", "default", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.PlanID, second.PlanID)
	assert.Len(t, b.byType(event.TypePlanCreated), 2)
}

func TestPlanIdempotencyKeyDistinguishesRequests(t *testing.T) {
	assert.NotEqual(t, planIdemKey("a", "p", "r"), planIdemKey("b", "p", "r"))
	assert.NotEqual(t, planIdemKey("a", "p", "r"), planIdemKey("a", "q", "r"))
	assert.Equal(t, planIdemKey("a", "p", "r"), planIdemKey("a", "p", "r"))
}

func revisionEnvelope(t *testing.T, rev event.PlanRevision) *event.Envelope {
	t.Helper()
	env, err := event.New(event.TypePlanRevisionSuggested, "replanner", rev)
	require.NoError(t, err)
	return env
}

func planCreatedRow(t *testing.T, planID, prompt string) memory.EventRow {
	t.Helper()
	payload, err := json.Marshal(event.PlanCreated{
		PlanID:         planID,
		OriginalPrompt: prompt,
		Reasoning:      "original reasoning",
	})
	require.NoError(t, err)
	return memory.EventRow{
		EventID:   "evt-1",
		EventType: string(event.TypePlanCreated),
		PlanID:    planID,
		Payload:   payload,
	}
}

func TestRevisionSuggestedBelowSeverityIgnored(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{rows: []memory.EventRow{planCreatedRow(t, "plan-1", "original request")}}
	c := newTestComponent(b, mem)

	env := revisionEnvelope(t, event.PlanRevision{
		OriginalPlanID: "plan-1",
		NewPlanID:      "plan-2",
		Severity:       "medium",
	})
	require.NoError(t, c.handleRevisionSuggested(context.Background(), env))
	assert.Empty(t, b.emitted)
}

func TestRevisionSuggestedHighSeverityReplans(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{
		rows: []memory.EventRow{planCreatedRow(t, "plan-1", "original request")},
		taskRows: []memory.TaskRow{
			{TaskID: "t1", PlanID: "plan-1", RepoURL: "https://example.com/repo.git"},
		},
	}
	c := newTestComponent(b, mem)

	env := revisionEnvelope(t, event.PlanRevision{
		OriginalPlanID: "plan-1",
		NewPlanID:      "plan-2",
		Reason:         "QA kept failing",
		Suggestions:    []string{"split the parser"},
		Severity:       "high",
	})
	require.NoError(t, c.handleRevisionSuggested(context.Background(), env))

	created := b.byType(event.TypePlanCreated)
	require.Len(t, created, 1)

	var payload event.PlanCreated
	require.NoError(t, event.Decode(created[0], &payload))
	assert.Equal(t, "plan-2", payload.PlanID, "replanned run must reuse the suggested plan id")
	assert.Contains(t, payload.OriginalPrompt, "original request")
	assert.Contains(t, payload.OriginalPrompt, "QA kept failing")
	assert.Contains(t, payload.OriginalPrompt, "split the parser")

	assigned := b.byType(event.TypeTaskAssigned)
	require.NotEmpty(t, assigned)
	var ta event.TaskAssigned
	require.NoError(t, event.Decode(assigned[0], &ta))
	assert.Equal(t, "https://example.com/repo.git", ta.RepoURL, "replanned tasks keep targeting the original repo")
}

func TestRevisionSuggestedUnknownPlanSkipped(t *testing.T) {
	b := &fakeBus{}
	c := newTestComponent(b, &fakeMemory{})

	env := revisionEnvelope(t, event.PlanRevision{
		OriginalPlanID: "missing",
		NewPlanID:      "plan-2",
		Severity:       "critical",
	})
	require.NoError(t, c.handleRevisionSuggested(context.Background(), env))
	assert.Empty(t, b.emitted)
}

func TestRevisionConfirmedReplansAnySeverity(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{rows: []memory.EventRow{planCreatedRow(t, "plan-1", "original request")}}
	c := newTestComponent(b, mem)

	env, err := event.New(event.TypePlanRevisionConfirmed, "gateway", event.PlanRevision{
		OriginalPlanID: "plan-1",
		NewPlanID:      "plan-3",
		Severity:       "low",
	})
	require.NoError(t, err)
	require.NoError(t, c.handleRevisionConfirmed(context.Background(), env))

	created := b.byType(event.TypePlanCreated)
	require.Len(t, created, 1)
	var payload event.PlanCreated
	require.NoError(t, event.Decode(created[0], &payload))
	assert.Equal(t, "plan-3", payload.PlanID)
}

func TestMemoryContextFormatting(t *testing.T) {
	mem := &fakeMemory{search: []memory.SearchResult{
		{
			HeuristicScore: 1.234,
			Payload: memory.IndexPayload{
				Text:      "plan created: add auth\nwith two tasks",
				EventType: "plan.created",
				PlanID:    "plan-9",
			},
		},
	}}
	c := newTestComponent(&fakeBus{}, mem)

	ctxText := c.memoryContext(context.Background(), "add auth")
	assert.Contains(t, ctxText, "[plan.created]")
	assert.Contains(t, ctxText, "plan_id=plan-9")
	assert.NotContains(t, ctxText, "\nwith", "newlines inside memory text are flattened")
}
