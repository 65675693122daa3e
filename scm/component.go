package scm

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

const serviceName = "scm"

const approvedQueue = "scm.approved_prs"

// Bus is the slice of the event bus the executor uses.
type Bus interface {
	Emit(ctx context.Context, eventType event.Type, payload any) (*event.Envelope, error)
	Subscribe(ctx context.Context, queue string, bindings []string, handler bus.Handler) error
}

// Memory is the slice of the memory facade client the executor uses.
type Memory interface {
	StoreEvent(ctx context.Context, env *event.Envelope) (bool, error)
}

// PROpener abstracts pull request creation so tests can fake GitHub.
type PROpener interface {
	OpenPullRequest(ctx context.Context, repoURL, branch, title, body string) (*PRInfo, error)
}

// Component consumes pr.human_approved and turns the held PR context into a
// real branch, commit, push, and pull request.
type Component struct {
	logger *slog.Logger
	bus    Bus
	mem    Memory
	git    *Git
	github PROpener

	workDir   string
	remoteURL string
	token     string

	mu      sync.Mutex
	running bool
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) { c.logger = logger }
}

// WithGitHub attaches a PR opener; without one, the executor stops after the
// push and reports an empty PR URL.
func WithGitHub(opener PROpener) Option {
	return func(c *Component) { c.github = opener }
}

// WithRemoteURL sets the fallback remote for plans without a repo_url.
func WithRemoteURL(url string) Option {
	return func(c *Component) { c.remoteURL = url }
}

// WithToken sets the token embedded in HTTPS remotes.
func WithToken(token string) Option {
	return func(c *Component) { c.token = token }
}

// New builds the executor over its collaborators.
func New(b Bus, mem Memory, git *Git, workDir string, opts ...Option) *Component {
	c := &Component{
		logger:  slog.Default(),
		bus:     b,
		mem:     mem,
		git:     git,
		workDir: workDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the approved-PR queue.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("scm already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.bus.Subscribe(ctx, approvedQueue, []string{string(event.TypePRHumanApproved)}, c.handleApproved); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", approvedQueue, err)
	}

	c.logger.Info("Source-control executor started", "work_dir", c.workDir)
	return nil
}

// Stop marks the component stopped; consume loops end when the bus closes.
func (c *Component) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Component) handleApproved(ctx context.Context, env *event.Envelope) error {
	var approval event.ApprovalDecision
	if err := event.Decode(env, &approval); err != nil {
		return err
	}
	if approval.PRContext == nil {
		c.logger.Warn("pr.human_approved without pr_context, nothing to execute",
			"approval_id", event.Short(approval.ApprovalID))
		return nil
	}
	pr := approval.PRContext

	repoURL := pr.RepoURL
	if repoURL == "" {
		repoURL = c.remoteURL
	}
	if repoURL == "" {
		return fmt.Errorf("plan %s has no repo_url and no default remote is configured", event.Short(pr.PlanID))
	}

	c.logger.Info("Executing approved PR",
		"plan_id", event.Short(pr.PlanID),
		"branch", pr.BranchName,
		"files", len(pr.Files))

	timer := prometheus.NewTimer(metrics.PRCreationLatency)
	info, err := c.execute(ctx, repoURL, pr)
	timer.ObserveDuration()
	if err != nil {
		return err
	}

	created := event.PRCreated{
		PlanID:     pr.PlanID,
		BranchName: pr.BranchName,
	}
	if info != nil {
		created.PRURL = info.URL
		created.PRNumber = info.Number
	}
	createdEnv, err := c.bus.Emit(ctx, event.TypePRCreated, created)
	if err != nil {
		return fmt.Errorf("publish pr.created: %w", err)
	}
	c.storeEvent(ctx, createdEnv)
	metrics.TasksCompleted.WithLabelValues(serviceName).Inc()

	c.logger.Info("Pull request materialized",
		"plan_id", event.Short(pr.PlanID),
		"pr_url", created.PRURL,
		"pr_number", created.PRNumber)
	return nil
}

// execute runs the git side and, when a PR opener is configured, the GitHub
// side of one approved PR.
func (c *Component) execute(ctx context.Context, repoURL string, pr *event.PRRequested) (*PRInfo, error) {
	repoPath, err := c.git.Clone(ctx, repoURL, c.workDir, c.token)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", repoURL, err)
	}
	if err := c.git.CreateBranch(ctx, repoPath, pr.BranchName); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", pr.BranchName, err)
	}
	written, err := c.git.WriteFiles(repoPath, pr.Files)
	if err != nil {
		return nil, err
	}
	if err := c.git.CommitAndPush(ctx, repoPath, pr.BranchName, pr.CommitMessage, written); err != nil {
		return nil, fmt.Errorf("commit and push: %w", err)
	}

	if c.github == nil {
		c.logger.Info("No PR opener configured, stopping after push",
			"branch", pr.BranchName)
		return nil, nil
	}

	body := BuildPRBody(pr.PlanID, pr.Files)
	info, err := c.github.OpenPullRequest(ctx, repoURL, pr.BranchName, pr.CommitMessage, body)
	if err != nil {
		return nil, fmt.Errorf("open pull request: %w", err)
	}
	return info, nil
}

func (c *Component) storeEvent(ctx context.Context, env *event.Envelope) {
	if _, err := c.mem.StoreEvent(ctx, env); err != nil {
		c.logger.Warn("Failed to store event",
			"event_type", env.EventType,
			"event_id", event.Short(env.EventID),
			"error", err)
	}
}
