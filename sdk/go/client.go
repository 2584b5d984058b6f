package paritysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal parity HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
	// PollInterval paces WaitForCompletion.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/api/v1",
		Timeout:      10 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// User represents a registered user.
type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message,omitempty"`
}

// Scope selects catalog plans; an empty Type means all plans.
type Scope struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// StartRequest describes a run to start.
type StartRequest struct {
	UserID      string `json:"user_id"`
	TargetEnv   string `json:"target_env"`
	BaselineEnv string `json:"baseline_env"`
	Scope       Scope  `json:"scope,omitempty"`
	AIPrompt    string `json:"ai_prompt,omitempty"`
}

// Plan is the per-plan state shared by status and result payloads (partial).
type Plan struct {
	PlanID      string         `json:"plan_id"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep *string        `json:"current_step"`
	Error       *string        `json:"error"`
	Calls       []any          `json:"calls"`
	Comparison  map[string]any `json:"comparison,omitempty"`
}

// Status is the polling view of a run.
type Status struct {
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep *string         `json:"current_step"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Plans       map[string]Plan `json:"plans"`
	TargetEnv   string          `json:"target_env"`
	BaselineEnv string          `json:"baseline_env"`
}

// Completed reports whether the run reached its terminal state.
func (s Status) Completed() bool { return s.Status == "completed" }

// Summary holds the aggregate counters of a run.
type Summary struct {
	TotalPlans      int   `json:"total_plans"`
	CompletedPlans  int   `json:"completed_plans"`
	FailedPlans     int   `json:"failed_plans"`
	TotalCalls      int   `json:"total_api_calls"`
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// Result is the stored result document (partial).
type Result struct {
	RunID            string          `json:"run_id"`
	TestMetadata     map[string]any  `json:"test_metadata"`
	ExecutionSummary Summary         `json:"execution_summary"`
	PlanResults      map[string]Plan `json:"plan_results"`
}

// RunSummary is one entry of a user's run history.
type RunSummary struct {
	RunID            string     `json:"run_id"`
	OwnerID          string     `json:"owner_id"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExecutionSummary Summary    `json:"execution_summary"`
}

// Event represents a run lifecycle entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	PlanID  string         `json:"plan_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// CreateUser registers a user; an existing user is returned as is.
func (c *Client) CreateUser(ctx context.Context, name string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", map[string]any{"name": name}, &resp)
	return resp, err
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// StartRun starts a test run and returns its id.
func (c *Client) StartRun(ctx context.Context, req StartRequest) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	err := c.do(ctx, http.MethodPost, "tests/start", req, &resp)
	return resp.RunID, err
}

// Status polls the state of a run.
func (c *Client) Status(ctx context.Context, runID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tests/%s/status", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// Result fetches the stored result document of a run.
func (c *Client) Result(ctx context.Context, runID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, "results/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns the most recent runs of a user, newest first.
func (c *Client) ListRuns(ctx context.Context, userID string) ([]RunSummary, error) {
	var resp struct {
		Tests []RunSummary `json:"tests"`
	}
	err := c.do(ctx, http.MethodGet, "results/user/"+url.PathEscape(userID), nil, &resp)
	return resp.Tests, err
}

// Events returns the lifecycle events of a run, oldest first.
func (c *Client) Events(ctx context.Context, runID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tests/%s/events", url.PathEscape(runID)), nil, &resp)
	return resp.Items, err
}

// WaitForCompletion polls Status until the run completes or ctx is done.
func (c *Client) WaitForCompletion(ctx context.Context, runID string) (Status, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, runID)
		if err != nil {
			return st, err
		}
		if st.Completed() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
