package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/admadc/admadc/planner"
)

// HTTPPlanClient reaches a planner running in another process. The planner's
// own idempotency cache makes resubmitting an identical request safe.
type HTTPPlanClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPlanClient builds a client for the planner at baseURL.
func NewHTTPPlanClient(baseURL string) *HTTPPlanClient {
	return &HTTPPlanClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// Plan implements Planner over HTTP.
func (c *HTTPPlanClient) Plan(ctx context.Context, prompt, projectName, repoURL string) (*planner.PlanResponse, error) {
	body, err := json.Marshal(planner.PlanRequest{
		Prompt:      prompt,
		ProjectName: projectName,
		RepoURL:     repoURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call planner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("planner returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var plan planner.PlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan response: %w", err)
	}
	return &plan, nil
}
