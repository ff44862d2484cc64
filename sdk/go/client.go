package dealerdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Dealerdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	DealershipID       *string    `json:"dealership_id,omitempty"`
	TaskType           string     `json:"task_type"`
	ResponseType       string     `json:"response_type"`
	Deadline           time.Time  `json:"deadline"`
	AssigneeIDs        []string   `json:"assignee_ids"`
	Status             string     `json:"status"`
	CompletionProgress Progress   `json:"completion_progress"`
	Responses          []Response `json:"responses,omitempty"`
	SharedProofs       []Proof    `json:"shared_proofs,omitempty"`
}

type Progress struct {
	TotalAssignees     int `json:"total_assignees"`
	CompletedCount     int `json:"completed_count"`
	PendingReviewCount int `json:"pending_review_count"`
	RejectedCount      int `json:"rejected_count"`
	PendingCount       int `json:"pending_count"`
	Percentage         int `json:"percentage"`
}

type Response struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	UserID          string  `json:"user_id"`
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	RejectionCount  int     `json:"rejection_count"`
	IsLate          bool    `json:"is_late"`
	Proofs          []Proof `json:"proofs"`
}

// Proof carries a signed, expiring download URL.
type Proof struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	FileSize         int64  `json:"file_size"`
	URL              string `json:"url"`
}

type HistoryEntry struct {
	ID          string    `json:"id"`
	ResponseID  string    `json:"task_response_id"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type DayInfo struct {
	Date       string `json:"date"`
	Type       string `json:"type"`
	IsHoliday  bool   `json:"is_holiday"`
	Source     string `json:"source"`
	UsesGlobal bool   `json:"uses_global"`
}

type Generator struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Recurrence string     `json:"recurrence"`
	IsActive   bool       `json:"is_active"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// CreateTaskInput mirrors the create-task request body.
type CreateTaskInput struct {
	Title        string    `json:"title"`
	Description  *string   `json:"description,omitempty"`
	DealershipID *string   `json:"dealership_id,omitempty"`
	TaskType     string    `json:"task_type"`
	ResponseType string    `json:"response_type"`
	Deadline     time.Time `json:"deadline"`
	Tags         []string  `json:"tags,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	AssigneeIDs  []string  `json:"assignee_ids,omitempty"`
}

// StatusInput mirrors the status-change request body.
type StatusInput struct {
	Status         string  `json:"status"`
	CompleteForAll bool    `json:"complete_for_all,omitempty"`
	PreserveProofs bool    `json:"preserve_proofs,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	Comment        *string `json:"comment,omitempty"`
}

// File is one proof upload.
type File struct {
	Name string
	Body io.Reader
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// ListTasksOptions filters ListTasks; zero values are omitted.
type ListTasksOptions struct {
	DealershipID    string
	Status          string
	IncludeArchived bool
	Limit           int
	Cursor          string
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task with its responses.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) (PaginatedTasks, error) {
	q := url.Values{}
	if opts.DealershipID != "" {
		q.Set("dealership_id", opts.DealershipID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.IncludeArchived {
		q.Set("include_archived", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStatus changes the caller's response, or all responses for a
// manager, without attaching files.
func (c *Client) UpdateStatus(ctx context.Context, taskID string, in StatusInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(taskID)+"/status", in, &resp)
	return resp, err
}

// SubmitWithProofs uploads proof files together with a status change.
func (c *Client) SubmitWithProofs(ctx context.Context, taskID string, in StatusInput, files []File) (Task, error) {
	fields := map[string]string{"status": in.Status}
	if in.CompleteForAll {
		fields["complete_for_all"] = "true"
	}
	if in.PreserveProofs {
		fields["preserve_proofs"] = "true"
	}
	if in.UserID != nil {
		fields["user_id"] = *in.UserID
	}
	if in.Comment != nil {
		fields["comment"] = *in.Comment
	}
	var resp Task
	err := c.upload(ctx, "tasks/"+url.PathEscape(taskID)+"/status", fields, files, &resp)
	return resp, err
}

// Approve accepts a pending_review response.
func (c *Client) Approve(ctx context.Context, responseID string) (Response, error) {
	var resp Response
	err := c.do(ctx, http.MethodPost, "responses/"+url.PathEscape(responseID)+"/approve", nil, &resp)
	return resp, err
}

// Reject returns a pending_review response to the employee with a reason.
func (c *Client) Reject(ctx context.Context, responseID, reason string) (Response, error) {
	var resp Response
	body := map[string]string{"reason": reason}
	err := c.do(ctx, http.MethodPost, "responses/"+url.PathEscape(responseID)+"/reject", body, &resp)
	return resp, err
}

// History returns the verification history of a response.
func (c *Client) History(ctx context.Context, responseID string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "responses/"+url.PathEscape(responseID)+"/history", nil, &resp)
	return resp.Items, err
}

// Day resolves a date against the holiday calendar.
func (c *Client) Day(ctx context.Context, date, dealershipID string) (DayInfo, error) {
	endpoint := "calendar/days/" + url.PathEscape(date)
	if dealershipID != "" {
		endpoint += "?dealership_id=" + url.QueryEscape(dealershipID)
	}
	var resp DayInfo
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Generators lists recurring task generators.
func (c *Client) Generators(ctx context.Context) ([]Generator, error) {
	var resp struct {
		Items []Generator `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "generators", nil, &resp)
	return resp.Items, err
}

// SetGeneratorActive pauses or resumes a generator.
func (c *Client) SetGeneratorActive(ctx context.Context, id string, active bool) (Generator, error) {
	action := "pause"
	if active {
		action = "resume"
	}
	var resp Generator
	err := c.do(ctx, http.MethodPost, "generators/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) upload(ctx context.Context, endpoint string, fields map[string]string, files []File, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("proof_files", f.Name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
