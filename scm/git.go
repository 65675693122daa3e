// Package scm materializes approved pull requests: git CLI for the
// repository work, GitHub REST for PR creation.
package scm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/admadc/admadc/event"
)

// Runner executes one git invocation in dir and returns trimmed stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the git CLI.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Git wraps repository operations with a fixed commit identity. The identity
// is configured per repository before any commit so the pipeline stays
// auditable in the git log.
type Git struct {
	logger      *slog.Logger
	runner      Runner
	authorName  string
	authorEmail string
}

// NewGit builds the git layer.
func NewGit(logger *slog.Logger, runner Runner, authorName, authorEmail string) *Git {
	return &Git{
		logger:      logger,
		runner:      runner,
		authorName:  authorName,
		authorEmail: authorEmail,
	}
}

// authURL embeds the token for GitHub HTTPS remotes.
func authURL(repoURL, token string) string {
	if token != "" && strings.Contains(repoURL, "github.com") {
		return strings.Replace(repoURL, "https://", "https://x-access-token:"+token+"@", 1)
	}
	return repoURL
}

// repoName extracts the directory name a remote clones into.
func repoName(repoURL string) string {
	name := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Clone fetches the repository into workDir and returns the local path. A
// remote with no commits gets an initial commit pushed to main so feature
// branches have a base to merge into.
func (g *Git) Clone(ctx context.Context, repoURL, workDir, token string) (string, error) {
	localPath := filepath.Join(workDir, repoName(repoURL))
	remote := authURL(repoURL, token)

	if _, err := os.Stat(localPath); err == nil {
		g.logger.Info("Repository already cloned", "path", localPath)
		if !g.isEmpty(ctx, localPath) {
			if _, err := g.runner.Run(ctx, localPath, "pull", "--ff-only"); err != nil {
				if isMissingBaseBranch(err) {
					// The remote never got its base branch; our local main
					// becomes it.
					g.logger.Warn("Remote has no base branch, pushing local main")
					if _, err := g.runner.Run(ctx, localPath, "push", "-u", remote, "main"); err != nil {
						return "", err
					}
				} else {
					return "", err
				}
			}
		}
		return localPath, nil
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if _, err := g.runner.Run(ctx, workDir, "clone", remote, localPath); err != nil {
		return "", err
	}
	g.logger.Info("Cloned repository", "repo", repoURL, "path", localPath)

	if g.isEmpty(ctx, localPath) {
		if err := g.bootstrapEmptyRepo(ctx, localPath, remote); err != nil {
			return "", err
		}
	}
	return localPath, nil
}

// isEmpty reports whether the repository has no commits yet.
func (g *Git) isEmpty(ctx context.Context, repoPath string) bool {
	_, err := g.runner.Run(ctx, repoPath, "rev-parse", "HEAD")
	return err != nil
}

func isMissingBaseBranch(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such ref was fetched") ||
		strings.Contains(msg, "couldn't find remote ref")
}

// bootstrapEmptyRepo pushes an initial commit on main.
func (g *Git) bootstrapEmptyRepo(ctx context.Context, repoPath, remote string) error {
	g.logger.Info("Repository is empty, creating initial commit on main")

	if err := g.configureIdentity(ctx, repoPath); err != nil {
		return err
	}
	if _, err := g.runner.Run(ctx, repoPath, "checkout", "-b", "main"); err != nil {
		return err
	}

	readme := filepath.Join(repoPath, "README.md")
	if err := os.WriteFile(readme, []byte("# Project\n\nInitialized by the admadc pipeline.\n"), 0o644); err != nil {
		return fmt.Errorf("write README: %w", err)
	}
	for _, args := range [][]string{
		{"add", "README.md"},
		{"commit", "-m", "chore: initial commit"},
		{"push", "-u", remote, "main"},
	} {
		if _, err := g.runner.Run(ctx, repoPath, args...); err != nil {
			return err
		}
	}
	return nil
}

func (g *Git) configureIdentity(ctx context.Context, repoPath string) error {
	if _, err := g.runner.Run(ctx, repoPath, "config", "user.name", g.authorName); err != nil {
		return err
	}
	if _, err := g.runner.Run(ctx, repoPath, "config", "user.email", g.authorEmail); err != nil {
		return err
	}
	return nil
}

// CreateBranch checks out a new feature branch.
func (g *Git) CreateBranch(ctx context.Context, repoPath, branch string) error {
	if _, err := g.runner.Run(ctx, repoPath, "checkout", "-b", branch); err != nil {
		return err
	}
	g.logger.Info("Created branch", "branch", branch)
	return nil
}

// WriteFiles lays the generated code into the working tree and returns the
// relative paths written.
func (g *Git) WriteFiles(repoPath string, files []event.CodeGenerated) ([]string, error) {
	written := make([]string, 0, len(files))
	for _, f := range files {
		target, err := resolveInRepo(repoPath, f.FilePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create dir for %s: %w", f.FilePath, err)
		}
		if err := os.WriteFile(target, []byte(f.Code), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.FilePath, err)
		}
		written = append(written, f.FilePath)
	}
	g.logger.Info("Wrote generated files", "count", len(written))
	return written, nil
}

// resolveInRepo maps a generated file path into the working tree and rejects
// anything that would land outside it. File paths arrive from LLM output and
// must never be trusted to stay inside the clone on their own.
func resolveInRepo(repoPath, filePath string) (string, error) {
	if filePath == "" || filepath.IsAbs(filePath) {
		return "", fmt.Errorf("file path %q must be relative to the repository", filePath)
	}
	target := filepath.Join(repoPath, filePath)
	rel, err := filepath.Rel(repoPath, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q escapes the repository", filePath)
	}
	return target, nil
}

// CommitAndPush stages the given paths, commits with the configured
// identity, and pushes the branch.
func (g *Git) CommitAndPush(ctx context.Context, repoPath, branch, message string, paths []string) error {
	if err := g.configureIdentity(ctx, repoPath); err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := g.runner.Run(ctx, repoPath, "add", p); err != nil {
			return err
		}
	}
	if _, err := g.runner.Run(ctx, repoPath, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := g.runner.Run(ctx, repoPath, "push", "-u", "origin", branch); err != nil {
		return err
	}
	g.logger.Info("Pushed branch", "branch", branch)
	return nil
}
