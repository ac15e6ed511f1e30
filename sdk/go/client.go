package fixlinesdk

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

// Client is a minimal Fixline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Finding is one scanner verdict to hand the engine.
type Finding struct {
	Category     string `json:"category"`
	Severity     string `json:"severity,omitempty"`
	FilePath     string `json:"file_path"`
	LineNumber   int    `json:"line_number"`
	Description  string `json:"description,omitempty"`
	OriginalCode string `json:"original_code,omitempty"`
}

// StartSessionRequest opens a remediation session.
type StartSessionRequest struct {
	RepoOwner  string    `json:"repo_owner"`
	RepoName   string    `json:"repo_name"`
	RepoURL    string    `json:"repo_url,omitempty"`
	Publish    bool      `json:"publish,omitempty"`
	MaxTasks   int       `json:"max_tasks,omitempty"`
	TotalFiles int       `json:"total_files,omitempty"`
	Findings   []Finding `json:"findings"`
}

// Accepted acknowledges an asynchronous operation.
type Accepted struct {
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
}

// Progress tracks how far a session has come through the scanned files.
type Progress struct {
	TotalFiles     int     `json:"total_files"`
	FilesProcessed int     `json:"files_processed"`
	Percent        float64 `json:"percent"`
}

// Results counts what a session produced.
type Results struct {
	VulnerabilitiesFound int `json:"vulnerabilities_found"`
	TasksCreated         int `json:"tasks_created"`
	PRsCreated           int `json:"prs_created"`
}

// Session represents the API session model (partial).
type Session struct {
	ID           string   `json:"id"`
	RepoOwner    string   `json:"repo_owner"`
	RepoName     string   `json:"repo_name"`
	Status       string   `json:"status"`
	Publish      bool     `json:"publish"`
	Progress     Progress `json:"progress"`
	Results      Results  `json:"results"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	StartedAt    string   `json:"started_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

// SessionStatus is a session with derived pipeline numbers.
type SessionStatus struct {
	Session    Session        `json:"session"`
	TaskCounts map[string]int `json:"task_counts"`
	Remaining  int            `json:"remaining"`
	ETASeconds *int           `json:"eta_seconds,omitempty"`
	Stuck      bool           `json:"stuck,omitempty"`
}

// TaskSummary is the list view of a task, without code bodies.
type TaskSummary struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Category         string  `json:"category"`
	Severity         string  `json:"severity"`
	FilePath         string  `json:"file_path"`
	LineNumber       int     `json:"line_number"`
	Status           string  `json:"status"`
	TestStatus       string  `json:"test_status"`
	FixStatus        string  `json:"fix_status"`
	RetryCount       int     `json:"retry_count"`
	ChangeRequestRef *string `json:"change_request_ref,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// Task is the full task model with generated code attached.
type Task struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Category         string  `json:"category"`
	Severity         string  `json:"severity"`
	FilePath         string  `json:"file_path"`
	LineNumber       int     `json:"line_number"`
	Description      string  `json:"description,omitempty"`
	OriginalCode     string  `json:"original_code"`
	TestCode         *string `json:"test_code,omitempty"`
	FixCode          *string `json:"fix_code,omitempty"`
	FixExplanation   *string `json:"fix_explanation,omitempty"`
	Status           string  `json:"status"`
	TestStatus       string  `json:"test_status"`
	FixStatus        string  `json:"fix_status"`
	RetryCount       int     `json:"retry_count"`
	LastDiagnostic   *string `json:"last_diagnostic,omitempty"`
	ChangeRequestRef *string `json:"change_request_ref,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	VerifiedAt       *string `json:"verified_at,omitempty"`
}

// Event is one task transition log entry.
type Event struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	SessionID  string         `json:"session_id,omitempty"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status"`
	Attempt    int            `json:"attempt"`
	Payload    map[string]any `json:"payload,omitempty"`
	TS         string         `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSessions wraps session listings with cursors.
type PaginatedSessions struct {
	Items      []Session `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []TaskSummary `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// StartSession submits findings and kicks off background processing.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (Accepted, error) {
	var resp Accepted
	err := c.do(ctx, http.MethodPost, c.path("sessions"), req, &resp)
	return resp, err
}

// Sessions returns recent sessions.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	page, err := c.SessionsPage(ctx, "", limit, "")
	return page.Items, err
}

// SessionsPage returns a paginated session listing.
func (c *Client) SessionsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedSessions, error) {
	var resp PaginatedSessions
	endpoint := c.path("sessions") + listQuery(status, limit, cursor)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SessionStatus fetches the progress report for a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var resp SessionStatus
	endpoint := c.path(fmt.Sprintf("sessions/%s", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SessionTasks returns the tasks of a session.
func (c *Client) SessionTasks(ctx context.Context, sessionID string) ([]TaskSummary, error) {
	page, err := c.SessionTasksPage(ctx, sessionID, "", 0, "")
	return page.Items, err
}

// SessionTasksPage returns a paginated task listing for a session.
func (c *Client) SessionTasksPage(ctx context.Context, sessionID, status string, limit int, cursor string) (PaginatedTasks, error) {
	var resp PaginatedTasks
	endpoint := c.path(fmt.Sprintf("sessions/%s/tasks", url.PathEscape(sessionID))) + listQuery(status, limit, cursor)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResumeSession puts an interrupted session back to work.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (Accepted, error) {
	var resp Accepted
	endpoint := c.path(fmt.Sprintf("sessions/%s/resume", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ProcessSession restarts background processing. A non-nil publish also
// flips whether verified fixes go out as change requests.
func (c *Client) ProcessSession(ctx context.Context, sessionID string, publish *bool) (Accepted, error) {
	var body any
	if publish != nil {
		body = map[string]any{"publish": *publish}
	}
	var resp Accepted
	endpoint := c.path(fmt.Sprintf("sessions/%s/process", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Task fetches one task with its generated code.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.path(fmt.Sprintf("tasks/%s", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TaskEvents returns a task's transition history, oldest first.
func (c *Client) TaskEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	endpoint := c.path(fmt.Sprintf("tasks/%s/events", url.PathEscape(taskID))) + listQuery("", limit, "")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// VerifyTask runs sandbox verification for one task. With publish set,
// an already verified fix goes out as a change request.
func (c *Client) VerifyTask(ctx context.Context, taskID string, publish bool) (Accepted, error) {
	var body any
	if publish {
		body = map[string]any{"publish": true}
	}
	var resp Accepted
	endpoint := c.path(fmt.Sprintf("tasks/%s/verify", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent transitions, newest first, optionally filtered
// by session or task.
func (c *Client) Events(ctx context.Context, limit int, sessionID, taskID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func listQuery(status string, limit int, cursor string) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
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

func (c *Client) path(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
