package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/conductor/pkg/orchestrator"
	"github.com/cuemby/conductor/pkg/types"
)

// Client is a thin HTTP client for the daemon's task surface, used by
// cmd/taskctl and pkg/submitter's fired cron entries.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:8000").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// StatusError is returned when the daemon answers with a non-2xx status;
// callers use Status to choose an exit code.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (c *Client) do(method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &StatusError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit posts a new task.
func (c *Client) Submit(req orchestrator.SubmitRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodPost, "/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns tasks, optionally filtered to one state.
func (c *Client) List(state string) ([]*types.Task, error) {
	path := "/tasks"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var tasks []*types.Task
	if err := c.do(http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Show returns a single task by ID.
func (c *Client) Show(id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Unblock moves a task out of needs_human_review.
func (c *Client) Unblock(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/unblock", nil, nil)
}

// Pause pauses a pending or processing task.
func (c *Client) Pause(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/pause", nil, nil)
}

// Resume resumes a paused task.
func (c *Client) Resume(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/resume", nil, nil)
}

// ForceResumeRateLimit clears the Arbiter's unavailability immediately.
func (c *Client) ForceResumeRateLimit() error {
	return c.do(http.MethodPost, "/rate-limit/force-resume", nil, nil)
}
