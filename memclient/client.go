// Package memclient is the HTTP client every service uses to talk to the
// memory facade. Calls retry transient failures with capped exponential
// backoff; 4xx responses are terminal.
package memclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/admadc/admadc/event"
	"github.com/admadc/admadc/memory"
)

// Client talks to one memory facade instance.
type Client struct {
	logger  *slog.Logger
	base    string
	http    *http.Client
	maxWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetryWait caps the total time spent retrying one call.
func WithMaxRetryWait(d time.Duration) Option {
	return func(c *Client) { c.maxWait = d }
}

// New builds a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		logger:  slog.Default(),
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		maxWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// terminalError marks HTTP failures that must not be retried.
type terminalError struct {
	status int
	body   string
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("memory returned %d: %s", e.status, e.body)
}

// IsNotFound reports whether err is a 404 from the facade.
func IsNotFound(err error) bool {
	var te *terminalError
	return errors.As(err, &te) && te.status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("memory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&terminalError{
				status: resp.StatusCode,
				body:   strings.TrimSpace(string(raw)),
			})
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
			backoff.WithMaxElapsedTime(c.maxWait),
		), ctx)

	return backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		c.logger.Debug("Memory call retrying",
			"method", method, "path", path, "next", next, "error", err)
	})
}

// StoreEvent persists one envelope; false means the event_id was already
// stored.
func (c *Client) StoreEvent(ctx context.Context, env *event.Envelope) (bool, error) {
	var resp struct {
		Stored bool `json:"stored"`
	}
	if err := c.do(ctx, http.MethodPost, "/events", env, &resp); err != nil {
		return false, err
	}
	return resp.Stored, nil
}

// GetEvents lists event rows, most recent first. Empty filters match all.
func (c *Client) GetEvents(ctx context.Context, eventType, planID string, limit int) ([]memory.EventRow, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", eventType)
	}
	if planID != "" {
		q.Set("plan_id", planID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/events"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var rows []memory.EventRow
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateTask upserts one task row.
func (c *Client) UpdateTask(ctx context.Context, update memory.TaskUpdate) error {
	return c.do(ctx, http.MethodPost, "/tasks", update, nil)
}

// GetTasks lists the tasks of one plan.
func (c *Client) GetTasks(ctx context.Context, planID string) ([]memory.TaskRow, error) {
	var rows []memory.TaskRow
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(planID), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SemanticSearch runs heuristic retrieval over the vector index.
func (c *Client) SemanticSearch(ctx context.Context, query, planID string, eventTypes []string, limit int) ([]memory.SearchResult, error) {
	req := map[string]any{"query": query, "limit": limit}
	if planID != "" {
		req["plan_id"] = planID
	}
	if len(eventTypes) > 0 {
		req["event_types"] = eventTypes
	}

	var resp struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/semantic/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CacheSet writes one operational cache entry.
func (c *Client) CacheSet(ctx context.Context, key, value string, ttlSeconds int) error {
	req := map[string]any{"key": key, "value": value, "ttl": ttlSeconds}
	return c.do(ctx, http.MethodPost, "/cache", req, nil)
}

// CacheGet reads one cache entry; the second return is false on a miss.
func (c *Client) CacheGet(ctx context.Context, key string) (string, bool, error) {
	var resp struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, "/cache/"+url.PathEscape(key), nil, &resp)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return resp.Value, true, nil
}

// IdempotencyCheck returns true iff the key was already seen.
func (c *Client) IdempotencyCheck(ctx context.Context, key string) (bool, error) {
	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := c.do(ctx, http.MethodPost, "/idempotency/check", map[string]string{"key": key}, &resp); err != nil {
		return false, err
	}
	return resp.Duplicate, nil
}
