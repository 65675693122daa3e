package scm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/bus"
	"github.com/admadc/admadc/event"
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

type fakeMemory struct {
	mu     sync.Mutex
	stored []*event.Envelope
}

func (f *fakeMemory) StoreEvent(_ context.Context, env *event.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, env)
	return true, nil
}

type fakeOpener struct {
	calls int
	repo  string
	title string
}

func (f *fakeOpener) OpenPullRequest(_ context.Context, repoURL, _, title, _ string) (*PRInfo, error) {
	f.calls++
	f.repo = repoURL
	f.title = title
	return &PRInfo{URL: "https://github.com/acme/widgets/pull/7", Number: 7}, nil
}

func approvedEnvelope(t *testing.T, approval event.ApprovalDecision) *event.Envelope {
	t.Helper()
	env, err := event.New(event.TypePRHumanApproved, "gateway", approval)
	require.NoError(t, err)
	return env
}

func approvedPR() event.ApprovalDecision {
	return event.ApprovalDecision{
		ApprovalID: "approval-1",
		PlanID:     "p1",
		Decision:   "approved",
		PRContext: &event.PRRequested{
			PlanID:        "p1",
			RepoURL:       "https://github.com/acme/widgets.git",
			BranchName:    "admadc/plan-p1",
			CommitMessage: "feat: implement plan p1 (QA approved)",
			Files: []event.CodeGenerated{
				{TaskID: "t1", FilePath: "src/a.py", Code: "a = 1\n", Reasoning: "[Developer] trivial"},
			},
		},
	}
}

func TestStartSubscribesApprovedQueue(t *testing.T) {
	b := &fakeBus{}
	c := New(b, &fakeMemory{}, testGit(&fakeRunner{}), t.TempDir())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{approvedQueue}, b.queues)
	assert.Error(t, c.Start(context.Background()))
}

func TestApprovedPRMaterialized(t *testing.T) {
	b := &fakeBus{}
	mem := &fakeMemory{}
	runner := &fakeRunner{}
	opener := &fakeOpener{}
	workDir := t.TempDir()
	c := New(b, mem, testGit(runner), workDir, WithGitHub(opener), WithToken("tok"))

	require.NoError(t, c.handleApproved(context.Background(), approvedEnvelope(t, approvedPR())))

	assert.True(t, runner.ran("clone"))
	assert.True(t, runner.ran("checkout -b admadc/plan-p1"))
	assert.True(t, runner.ran("commit -m feat: implement plan p1 (QA approved)"))
	assert.True(t, runner.ran("push -u origin admadc/plan-p1"))

	content, err := os.ReadFile(filepath.Join(workDir, "widgets", "src/a.py"))
	require.NoError(t, err)
	assert.Equal(t, "a = 1\n", string(content))

	assert.Equal(t, 1, opener.calls)
	assert.Equal(t, "feat: implement plan p1 (QA approved)", opener.title)

	require.Len(t, b.emitted, 1)
	var created event.PRCreated
	require.NoError(t, event.Decode(b.emitted[0], &created))
	assert.Equal(t, event.TypePRCreated, b.emitted[0].EventType)
	assert.Equal(t, "p1", created.PlanID)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", created.PRURL)
	assert.Equal(t, 7, created.PRNumber)
	require.Len(t, mem.stored, 1)
}

func TestApprovedPRWithoutOpenerStopsAfterPush(t *testing.T) {
	b := &fakeBus{}
	runner := &fakeRunner{}
	c := New(b, &fakeMemory{}, testGit(runner), t.TempDir())

	require.NoError(t, c.handleApproved(context.Background(), approvedEnvelope(t, approvedPR())))

	assert.True(t, runner.ran("push -u origin admadc/plan-p1"))
	require.Len(t, b.emitted, 1)
	var created event.PRCreated
	require.NoError(t, event.Decode(b.emitted[0], &created))
	assert.Empty(t, created.PRURL)
	assert.Zero(t, created.PRNumber)
}

func TestApprovedWithoutContextIgnored(t *testing.T) {
	b := &fakeBus{}
	c := New(b, &fakeMemory{}, testGit(&fakeRunner{}), t.TempDir())

	approval := approvedPR()
	approval.PRContext = nil
	require.NoError(t, c.handleApproved(context.Background(), approvedEnvelope(t, approval)))
	assert.Empty(t, b.emitted)
}

func TestApprovedWithoutRemoteFails(t *testing.T) {
	c := New(&fakeBus{}, &fakeMemory{}, testGit(&fakeRunner{}), t.TempDir())

	approval := approvedPR()
	approval.PRContext.RepoURL = ""
	err := c.handleApproved(context.Background(), approvedEnvelope(t, approval))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no repo_url")
}
