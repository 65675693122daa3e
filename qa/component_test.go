package qa

import (
	"context"
	"sync"
	"testing"

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
	f.queues = append(f.queues, queue)
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

// failCompleter always returns a FAIL verdict with the given issues.
type failCompleter struct {
	calls int
}

func (f *failCompleter) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	return &llm.Response{
		Content: "REASONING: The code does not implement the task.\n" +
			"VERDICT: FAIL\n" +
			"ISSUES:\n- missing error handling\n",
		Usage: llm.TokenUsage{PromptTokens: 5, CompletionTokens: 5},
	}, nil
}

func codeEnvelope(t *testing.T, payload event.CodeGenerated) *event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeCodeGenerated, "developer", payload)
	require.NoError(t, err)
	return env
}

func TestStartSubscribesReviewQueue(t *testing.T) {
	b := &fakeBus{}
	c := New(b, &fakeMemory{}, llm.NewMockCompleter())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{reviewQueue}, b.queues)
	assert.Error(t, c.Start(context.Background()))
}

func TestReviewPassEmitsQAPassed(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := New(b, mem, llm.NewMockCompleter())

	env := codeEnvelope(t, event.CodeGenerated{
		PlanID:    "p1",
		TaskID:    "t1",
		FilePath:  "src/main.py",
		Code:      "def main():\n    return 'ok'\n",
		Language:  "python",
		Reasoning: "kept it flat",
	})
	require.NoError(t, c.handleReview(context.Background(), env))

	passed := b.byType(event.TypeQAPassed)
	require.Len(t, passed, 1)

	var result event.QAResult
	require.NoError(t, event.Decode(passed[0], &result))
	assert.True(t, result.Passed)
	assert.Equal(t, "t1", result.TaskID)
	assert.NotEmpty(t, result.Reasoning)

	require.NotEmpty(t, mem.updates)
	assert.Equal(t, "qa_passed", mem.updates[0].Status)
}

func TestStaticRejectionSkipsLLM(t *testing.T) {
	b := &fakeBus{}
	completer := &failCompleter{}
	c := New(b, &fakeMemory{}, completer, WithMaxQARetries(0))

	env := codeEnvelope(t, event.CodeGenerated{
		PlanID:   "p1",
		TaskID:   "t1",
		FilePath: "src/main.py",
		Code:     "import os\nos.system('ls')\n",
		Language: "python",
	})
	require.NoError(t, c.handleReview(context.Background(), env))

	assert.Zero(t, completer.calls, "dangerous patterns reject before any LLM call")

	failed := b.byType(event.TypeQAFailed)
	require.Len(t, failed, 1)
	var result event.QAResult
	require.NoError(t, event.Decode(failed[0], &result))
	assert.Contains(t, result.Issues[0], "os.system(")
}

func TestSyntaxErrorRejectedStatically(t *testing.T) {
	b := &fakeBus{}
	completer := &failCompleter{}
	c := New(b, &fakeMemory{}, completer, WithMaxQARetries(0))

	env := codeEnvelope(t, event.CodeGenerated{
		PlanID:   "p1",
		TaskID:   "t1",
		FilePath: "src/main.py",
		Code:     "def broken(:\n",
		Language: "python",
	})
	require.NoError(t, c.handleReview(context.Background(), env))

	assert.Zero(t, completer.calls)
	require.Len(t, b.byType(event.TypeQAFailed), 1)
}

func TestReviewFailRetriesTask(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := New(b, mem, &failCompleter{}, WithMaxQARetries(2))

	env := codeEnvelope(t, event.CodeGenerated{
		PlanID:    "p1",
		TaskID:    "t1",
		FilePath:  "src/main.py",
		Code:      "def main():\n    return 1\n",
		Language:  "python",
		QAAttempt: 0,
	})
	require.NoError(t, c.handleReview(context.Background(), env))

	retries := b.byType(event.TypeTaskAssigned)
	require.Len(t, retries, 1)

	var retry event.TaskAssigned
	require.NoError(t, event.Decode(retries[0], &retry))
	assert.Equal(t, "t1", retry.Task.TaskID, "retry keeps the task id")
	assert.Contains(t, retry.QAFeedback, "Previous QA issues to fix:")
	assert.Contains(t, retry.QAFeedback, "missing error handling")

	require.NotEmpty(t, mem.updates)
	update := mem.updates[len(mem.updates)-1]
	assert.Equal(t, "qa_retry", update.Status)
	require.NotNil(t, update.QAAttempt)
	assert.Equal(t, 1, *update.QAAttempt, "QA owns and bumps the attempt counter")

	assert.Empty(t, b.byType(event.TypeQAFailed))
}

func TestRetryPayloadsDistinctAcrossAttempts(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := New(b, mem, &failCompleter{}, WithMaxQARetries(3))

	code := event.CodeGenerated{
		PlanID:   "p1",
		TaskID:   "t1",
		FilePath: "src/main.py",
		Code:     "def main():\n    return 1\n",
		Language: "python",
	}

	first := code
	first.QAAttempt = 0
	require.NoError(t, c.handleReview(context.Background(), codeEnvelope(t, first)))

	second := code
	second.QAAttempt = 1
	require.NoError(t, c.handleReview(context.Background(), codeEnvelope(t, second)))

	retries := b.byType(event.TypeTaskAssigned)
	require.Len(t, retries, 2)
	assert.NotEqual(t, retries[0].IdempotencyKey, retries[1].IdempotencyKey,
		"identical feedback must not collapse consecutive retries into one delivery")

	var r1, r2 event.TaskAssigned
	require.NoError(t, event.Decode(retries[0], &r1))
	require.NoError(t, event.Decode(retries[1], &r2))
	assert.Equal(t, 1, r1.QAAttempt)
	assert.Equal(t, 2, r2.QAAttempt)
}

func TestReviewFailExhaustedEmitsQAFailed(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	c := New(b, mem, &failCompleter{}, WithMaxQARetries(2))

	env := codeEnvelope(t, event.CodeGenerated{
		PlanID:    "p1",
		TaskID:    "t1",
		FilePath:  "src/main.py",
		Code:      "def main():\n    return 1\n",
		Language:  "python",
		QAAttempt: 2,
	})
	require.NoError(t, c.handleReview(context.Background(), env))

	assert.Empty(t, b.byType(event.TypeTaskAssigned))
	require.Len(t, b.byType(event.TypeQAFailed), 1)

	update := mem.updates[len(mem.updates)-1]
	assert.Equal(t, "qa_failed", update.Status)
}

func TestBarrierEmitsSinglePRRequested(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{
		taskRows: []memory.TaskRow{
			{TaskID: "t1", PlanID: "plan-12345678", Status: "qa_passed", FilePath: "src/a.py", Code: "a = 1", RepoURL: "https://example.com/repo.git"},
			{TaskID: "t2", PlanID: "plan-12345678", Status: "qa_passed", FilePath: "src/b.py", Code: "b = 2"},
		},
	}
	c := New(b, mem, llm.NewMockCompleter())
	c.devReasoning["t1"] = "dev reasoning one"
	c.qaReasoning["t1"] = "qa reasoning one"

	c.checkPlanReady(context.Background(), "plan-12345678")

	prs := b.byType(event.TypePRRequested)
	require.Len(t, prs, 1)

	var pr event.PRRequested
	require.NoError(t, event.Decode(prs[0], &pr))
	assert.Equal(t, "admadc/plan-plan-123", pr.BranchName)
	assert.Equal(t, "feat: implement plan plan-123 (QA approved)", pr.CommitMessage)
	assert.Equal(t, "https://example.com/repo.git", pr.RepoURL)
	assert.False(t, pr.SecurityApproved)
	require.Len(t, pr.Files, 2)
	assert.Contains(t, pr.Files[0].Reasoning, "[Developer] dev reasoning one")
	assert.Contains(t, pr.Files[0].Reasoning, "[QA Reviewer] qa reasoning one")
}

func TestBarrierWaitsForAllTasks(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{
		taskRows: []memory.TaskRow{
			{TaskID: "t1", PlanID: "p1", Status: "qa_passed"},
			{TaskID: "t2", PlanID: "p1", Status: "completed"},
		},
	}
	c := New(b, mem, llm.NewMockCompleter())

	c.checkPlanReady(context.Background(), "p1")
	assert.Empty(t, b.byType(event.TypePRRequested))
}

func TestBarrierIgnoresEmptyPlan(t *testing.T) {
	b := &fakeBus{}
	c := New(b, &fakeMemory{}, llm.NewMockCompleter())

	c.checkPlanReady(context.Background(), "p1")
	assert.Empty(t, b.emitted)
}
