// Package v3ktorsdk is a thin HTTP client for the v3ktor backend API.
package v3ktorsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"v3ktor/internal/domain"
)

// ErrNotFound is returned when the backend reports 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

type Client struct {
	BaseURL    string
	AccessKey  string
	HTTPClient *http.Client
}

func New(baseURL, accessKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccessKey:  accessKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FromEnv builds a client from V3KTOR_URL and V3KTOR_KEY.
func FromEnv() *Client {
	return New(os.Getenv("V3KTOR_URL"), os.Getenv("V3KTOR_KEY"))
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool {
	return c.BaseURL != ""
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.Configured() {
		return errors.New("backend url not configured")
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AccessKey != "" {
		req.Header.Set("X-Access-Key", c.AccessKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
		var envelope struct {
			Err struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Err.Message != "" {
			apiErr.Code = envelope.Err.Code
			apiErr.Message = envelope.Err.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// --- tasks ---

type CreateTaskRequest struct {
	TaskID      string `json:"task_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (domain.Task, error) {
	var task domain.Task
	err := c.do(ctx, http.MethodPost, "/v0/tasks", req, &task)
	return task, err
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (domain.Task, error) {
	var task domain.Task
	err := c.do(ctx, http.MethodPatch, "/v0/tasks/"+url.PathEscape(taskID), patch, &task)
	return task, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v0/tasks/"+url.PathEscape(id), nil, nil)
}

// --- activity ---

type LogActivityRequest struct {
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor,omitempty"`
	Target     *string        `json:"target,omitempty"`
	Outcome    *string        `json:"outcome,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (c *Client) ListActivity(ctx context.Context) ([]domain.ActivityLogEntry, error) {
	var out struct {
		Entries []domain.ActivityLogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/activity", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) LogActivity(ctx context.Context, req LogActivityRequest) (domain.ActivityLogEntry, error) {
	var entry domain.ActivityLogEntry
	err := c.do(ctx, http.MethodPost, "/v0/activity", req, &entry)
	return entry, err
}

// --- notes ---

type NotePatch struct {
	Status        *string `json:"status,omitempty"`
	RelatedTaskID *string `json:"related_task_id,omitempty"`
}

func (c *Client) ListNotes(ctx context.Context) ([]domain.Note, error) {
	var out struct {
		Notes []domain.Note `json:"notes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/notes", nil, &out); err != nil {
		return nil, err
	}
	return out.Notes, nil
}

func (c *Client) AddNote(ctx context.Context, content string, relatedTaskID *string) (domain.Note, error) {
	var note domain.Note
	err := c.do(ctx, http.MethodPost, "/v0/notes", map[string]any{
		"content":         content,
		"related_task_id": relatedTaskID,
	}, &note)
	return note, err
}

func (c *Client) UpdateNote(ctx context.Context, id string, patch NotePatch) (domain.Note, error) {
	var note domain.Note
	err := c.do(ctx, http.MethodPatch, "/v0/notes/"+url.PathEscape(id), patch, &note)
	return note, err
}

// --- deliverables ---

type CreateDeliverableRequest struct {
	Title         string  `json:"title"`
	Type          string  `json:"type,omitempty"`
	FilePath      *string `json:"file_path,omitempty"`
	ExternalURL   *string `json:"external_url,omitempty"`
	RelatedTaskID *string `json:"related_task_id,omitempty"`
}

func (c *Client) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	var out struct {
		Deliverables []domain.Deliverable `json:"deliverables"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/deliverables", nil, &out); err != nil {
		return nil, err
	}
	return out.Deliverables, nil
}

func (c *Client) CreateDeliverable(ctx context.Context, req CreateDeliverableRequest) (domain.Deliverable, error) {
	var d domain.Deliverable
	err := c.do(ctx, http.MethodPost, "/v0/deliverables", req, &d)
	return d, err
}

// --- status ---

type StatusPatch struct {
	OperationalState *string           `json:"operational_state,omitempty"`
	CurrentTask      *string           `json:"current_task,omitempty"`
	CurrentTaskID    *string           `json:"current_task_id,omitempty"`
	ActiveSubAgents  []domain.SubAgent `json:"active_sub_agents,omitempty"`
	ActiveModel      *string           `json:"active_model,omitempty"`
}

// GetStatus returns ErrNotFound while no status row exists.
func (c *Client) GetStatus(ctx context.Context) (domain.Status, error) {
	var status domain.Status
	err := c.do(ctx, http.MethodGet, "/v0/status", nil, &status)
	return status, err
}

func (c *Client) UpdateStatus(ctx context.Context, patch StatusPatch) (domain.Status, error) {
	var status domain.Status
	err := c.do(ctx, http.MethodPatch, "/v0/status", patch, &status)
	return status, err
}

// --- token usage ---

type LogTokenUsageRequest struct {
	SessionID    string  `json:"session_id"`
	TokensUsed   int64   `json:"tokens_used,omitempty"`
	InputTokens  *int64  `json:"input_tokens,omitempty"`
	OutputTokens *int64  `json:"output_tokens,omitempty"`
	Model        *string `json:"model,omitempty"`
	ContextUsed  *int64  `json:"context_used,omitempty"`
	ContextMax   *int64  `json:"context_max,omitempty"`
}

func (c *Client) ListTokenUsage(ctx context.Context) ([]domain.TokenUsage, error) {
	var out struct {
		Usage []domain.TokenUsage `json:"usage"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/tokens", nil, &out); err != nil {
		return nil, err
	}
	return out.Usage, nil
}

func (c *Client) LogTokenUsage(ctx context.Context, req LogTokenUsageRequest) (domain.TokenUsage, error) {
	var usage domain.TokenUsage
	err := c.do(ctx, http.MethodPost, "/v0/tokens", req, &usage)
	return usage, err
}

// --- goals ---

type CreateGoalRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	TargetDate  *string `json:"target_date,omitempty"`
}

type GoalPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	TargetDate  *string `json:"target_date,omitempty"`
}

func (c *Client) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	var out struct {
		Goals []domain.Goal `json:"goals"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/goals", nil, &out); err != nil {
		return nil, err
	}
	return out.Goals, nil
}

func (c *Client) CreateGoal(ctx context.Context, req CreateGoalRequest) (domain.Goal, error) {
	var goal domain.Goal
	err := c.do(ctx, http.MethodPost, "/v0/goals", req, &goal)
	return goal, err
}

func (c *Client) UpdateGoal(ctx context.Context, id string, patch GoalPatch) (domain.Goal, error) {
	var goal domain.Goal
	err := c.do(ctx, http.MethodPatch, "/v0/goals/"+url.PathEscape(id), patch, &goal)
	return goal, err
}

// --- summary ---

func (c *Client) Summary(ctx context.Context, window string) (domain.Summary, error) {
	var sum domain.Summary
	err := c.do(ctx, http.MethodGet, "/v0/summary?window="+url.QueryEscape(window), nil, &sum)
	return sum, err
}

// --- files ---

type UploadResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Upload stores a blob on the backend and returns its stored path.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	var result UploadResult
	if !c.Configured() {
		return result, errors.New("backend url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v0/files/"+url.PathEscape(name), r)
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.AccessKey != "" {
		req.Header.Set("X-Access-Key", c.AccessKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return result, &APIError{Status: resp.StatusCode, Code: "upload_failed"}
	}
	err = json.NewDecoder(resp.Body).Decode(&result)
	return result, err
}

// --- change feed ---

// Event is one change delivered over the stream.
type Event struct {
	ID         int64             `json:"id"`
	TS         string            `json:"ts"`
	Collection domain.Collection `json:"collection"`
	Kind       domain.ChangeKind `json:"kind"`
	RowID      string            `json:"row_id"`
	Payload    json.RawMessage   `json:"payload"`
}

// Subscription is one open change stream. Unsubscribe is idempotent.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed when the stream reader has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe opens the live change stream and calls handler for every
// event on the given collections (all collections when empty). Events
// for one collection arrive in feed order. The handler runs on the
// stream goroutine.
func (c *Client) Subscribe(ctx context.Context, collections []domain.Collection, handler func(Event)) (*Subscription, error) {
	if !c.Configured() {
		return nil, errors.New("backend url not configured")
	}
	streamURL := c.BaseURL + "/v0/changes/stream"
	if len(collections) > 0 {
		names := make([]string, len(collections))
		for i, col := range collections {
			names[i] = string(col)
		}
		streamURL += "?collections=" + url.QueryEscape(strings.Join(names, ","))
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.AccessKey != "" {
		req.Header.Set("X-Access-Key", c.AccessKey)
	}

	// Streams must not share the client's request timeout.
	streamClient := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &APIError{Status: resp.StatusCode, Code: "stream_failed"}
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data = line[len("data: "):]
			case line == "":
				if data == "" {
					continue
				}
				var event Event
				if err := json.Unmarshal([]byte(data), &event); err == nil {
					handler(event)
				}
				data = ""
			}
		}
	}()
	return sub, nil
}
