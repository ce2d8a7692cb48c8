// Package githost provides HTTP access to the source-code host (ISSUE_HOST):
// issue CRUD, pull request state, CI status, and merge operations.
//
// The host is the source of truth for issues and PRs; the orchestrator only
// mirrors its state. Transient failures are retried with jittered exponential
// backoff (budget 5 attempts); permanent failures surface to the caller for
// per-issue escalation.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"

	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/version"
)

const (
	requestTimeout = 30 * time.Second

	// retryBudget is the total number of attempts for transient failures.
	retryBudget = 5

	// Read-side lookups are polled by several background loops; a short
	// cache keeps the host rate limits comfortable.
	prCacheTTL = 10 * time.Second
	ciCacheTTL = 20 * time.Second
)

// CIState is the aggregate CI verdict for a PR's head commit.
type CIState string

// CI states as reported by the host.
const (
	CIPassing CIState = "passing"
	CIFailing CIState = "failing"
	CIPending CIState = "pending"
)

// Client is an HTTP client for the issue host.
// The token may be empty only against unauthenticated test hosts.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      *gocache.Cache
	logger     *slog.Logger
}

// NewClient creates a host client for baseURL (no trailing slash required).
func NewClient(baseURL, token string) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		cache:      gocache.New(prCacheTTL, time.Minute),
		logger:     slog.Default().With("component", "githost"),
	}
}

// Validate probes the host's authenticated user endpoint. An auth failure
// here is unrecoverable and must abort startup (exit 3).
func (c *Client) Validate(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/user", nil, nil)
}

// CreateIssue opens a new issue and returns the host's record of it.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (models.Issue, error) {
	req := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		req["labels"] = labels
	}
	var resp struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		URL    string `json:"html_url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/issues", req, &resp); err != nil {
		return models.Issue{}, err
	}
	return models.Issue{Number: resp.Number, Title: resp.Title, URL: resp.URL}, nil
}

// CloseIssue closes an issue on the host.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	req := map[string]string{"state": "closed"}
	return c.doJSON(ctx, http.MethodPatch, "/api/issues/"+strconv.Itoa(number), req, nil)
}

// ListOpenIssues returns the host's open issues carrying the given label.
func (c *Client) ListOpenIssues(ctx context.Context, label string) ([]models.Issue, error) {
	path := "/api/issues?state=open"
	if label != "" {
		path += "&labels=" + label
	}
	var resp []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		URL    string `json:"html_url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	issues := make([]models.Issue, 0, len(resp))
	for _, it := range resp {
		issues = append(issues, models.Issue{Number: it.Number, Title: it.Title, URL: it.URL})
	}
	return issues, nil
}

// GetPullRequest fetches a PR's current state. Responses are cached briefly.
func (c *Client) GetPullRequest(ctx context.Context, pr int) (models.PullRequest, error) {
	cacheKey := "pr:" + strconv.Itoa(pr)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(models.PullRequest), nil
	}

	var resp struct {
		Number int    `json:"number"`
		Issue  int    `json:"issue"`
		Branch string `json:"head_branch"`
		URL    string `json:"html_url"`
		Draft  bool   `json:"draft"`
		Merged bool   `json:"merged"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/pulls/"+strconv.Itoa(pr), nil, &resp); err != nil {
		return models.PullRequest{}, err
	}
	out := models.PullRequest{
		Number: resp.Number, Issue: resp.Issue, Branch: resp.Branch,
		URL: resp.URL, Draft: resp.Draft, Merged: resp.Merged,
	}
	c.cache.Set(cacheKey, out, prCacheTTL)
	return out, nil
}

// ListOpenPullRequests returns the host's open PRs.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]models.PullRequest, error) {
	var resp []struct {
		Number int    `json:"number"`
		Issue  int    `json:"issue"`
		Branch string `json:"head_branch"`
		URL    string `json:"html_url"`
		Draft  bool   `json:"draft"`
		Merged bool   `json:"merged"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/pulls?state=open", nil, &resp); err != nil {
		return nil, err
	}
	prs := make([]models.PullRequest, 0, len(resp))
	for _, it := range resp {
		prs = append(prs, models.PullRequest{
			Number: it.Number, Issue: it.Issue, Branch: it.Branch,
			URL: it.URL, Draft: it.Draft, Merged: it.Merged,
		})
	}
	return prs, nil
}

// MergePullRequest asks the host to merge the PR. The merge watcher confirms
// the terminal state by polling GetPullRequest afterwards.
func (c *Client) MergePullRequest(ctx context.Context, pr int) error {
	err := c.doJSON(ctx, http.MethodPut, "/api/pulls/"+strconv.Itoa(pr)+"/merge", nil, nil)
	if err == nil {
		c.cache.Delete("pr:" + strconv.Itoa(pr))
	}
	return err
}

// CIStatus returns the aggregate CI verdict for a PR. Responses are cached.
func (c *Client) CIStatus(ctx context.Context, pr int) (CIState, error) {
	cacheKey := "ci:" + strconv.Itoa(pr)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(CIState), nil
	}

	var resp struct {
		State string `json:"state"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/pulls/"+strconv.Itoa(pr)+"/status", nil, &resp); err != nil {
		return "", err
	}
	state := CIState(resp.State)
	switch state {
	case CIPassing, CIFailing, CIPending:
	default:
		state = CIPending
	}
	c.cache.Set(cacheKey, state, ciCacheTTL)
	return state, nil
}

// doJSON performs one API call with retry on transient failures. A non-nil
// `out` is decoded from the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	operation := func() error {
		err := c.doOnce(ctx, method, path, in, out)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryBudget-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.logger.Warn("Host request failed", "method", method, "path", path, "error", err)
		return err
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Full())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindTransient, Message: "decode response: " + err.Error(), Err: err}
		}
	}
	return nil
}
