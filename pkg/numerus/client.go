package numerus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client calls the numerusd HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("numerus api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("numerus api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health reports whether the daemon answered /health.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Submit starts a new job for objective (spec §4.1 submit()) and returns its id.
func (c *Client) Submit(ctx context.Context, objective, workingDir string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	body := map[string]string{"objective": objective, "working_dir": workingDir}
	err := c.doJSON(ctx, http.MethodPost, "/jobs", body, &out)
	return out.JobID, err
}

// ListJobs returns the most recent jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	path := "/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Job
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// JobStatusResult is the job's current state together with every task's record.
type JobStatusResult struct {
	Job   Job    `json:"job"`
	Tasks []Task `json:"tasks"`
}

// Status returns one job and its tasks (spec §4.1 status()).
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatusResult, error) {
	var out JobStatusResult
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	return &out, err
}

// Cancel requests cancellation of a job (spec §4.1 cancel()).
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// TaskLogs returns the raw NDJSON event log for one task.
func (c *Client) TaskLogs(ctx context.Context, jobID, taskID string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/tasks/"+url.PathEscape(taskID)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("numerus api task logs: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// StreamTaskLogs follows a task's terminal.* events live, calling fn for
// each decoded Event until ctx is done or the connection closes.
func (c *Client) StreamTaskLogs(ctx context.Context, jobID, taskID string, fn func(Event)) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID) + "/logs?follow=1"
	return c.streamSSE(ctx, path, fn)
}

// StreamEvents subscribes to the daemon's bus over SSE, filtered by
// pattern (e.g. "job.*", "*"), calling fn for each event until ctx is done.
func (c *Client) StreamEvents(ctx context.Context, pattern string, fn func(Event)) error {
	path := "/events"
	if pattern != "" {
		path += "?topic=" + url.QueryEscape(pattern)
	}
	return c.streamSSE(ctx, path, fn)
}

func (c *Client) streamSSE(ctx context.Context, path string, fn func(Event)) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("numerus api stream %s: status %d", path, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Topic == "" {
			continue // the "connected" preamble and keepalive comments aren't events
		}
		fn(ev)
	}
	return sc.Err()
}
