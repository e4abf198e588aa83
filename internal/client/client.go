// Package client talks to a taskgraphd HTTP server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	api "github.com/fyrsmithlabs/taskgraph/internal/http"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// DefaultURL is where taskgraphd listens by default.
const DefaultURL = "http://127.0.0.1:8484"

const maxErrorBody = 64 << 10

// Client is a typed wrapper over the REST API. Engine rejections come back
// as *task.Error or *auditor.Error, so errors.Is works as it does in-process.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for baseURL ("" means DefaultURL).
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.base
}

// do sends in as JSON and decodes the response into out. It reports
// whether the server answered 204.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	if resp.StatusCode >= 300 {
		return false, decodeError(resp)
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return false, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er api.ErrorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Kind == "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return er.Err()
}

// Health returns the daemon health report.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Statuses   []task.Status
	Priorities []task.Priority
	IDs        []string
	Tag        string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if len(o.Statuses) > 0 {
		parts := make([]string, len(o.Statuses))
		for i, s := range o.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if len(o.Priorities) > 0 {
		parts := make([]string, len(o.Priorities))
		for i, p := range o.Priorities {
			parts[i] = p.String()
		}
		q.Set("priority", strings.Join(parts, ","))
	}
	if len(o.IDs) > 0 {
		q.Set("id", strings.Join(o.IDs, ","))
	}
	if o.Tag != "" {
		q.Set("tag", o.Tag)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListTasks returns tasks in scheduling order.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]*task.Task, error) {
	var out []*task.Task
	_, err := c.do(ctx, http.MethodGet, "/api/v1/tasks"+opts.query(), nil, &out)
	return out, err
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit creates t (Version 0) or updates it.
func (c *Client) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	method, path := http.MethodPost, "/api/v1/tasks"
	if t.Version > 0 {
		method, path = http.MethodPut, "/api/v1/tasks/"+url.PathEscape(t.ID)
	}
	var out task.Task
	if _, err := c.do(ctx, method, path, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) taskAction(ctx context.Context, id, action string, in any) (*task.Task, error) {
	var out task.Task
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/"+action, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start leases a todo task for owner.
func (c *Client) Start(ctx context.Context, id, owner, deliverable string) (*task.Task, error) {
	return c.taskAction(ctx, id, "start", api.StartBody{Owner: owner, Deliverable: deliverable})
}

// Block parks a doing task.
func (c *Client) Block(ctx context.Context, id, owner, reason string) (*task.Task, error) {
	return c.taskAction(ctx, id, "block", api.TransitionBody{Owner: owner, Reason: reason})
}

// Unblock returns a blocked task to todo.
func (c *Client) Unblock(ctx context.Context, id, reason string) (*task.Task, error) {
	return c.taskAction(ctx, id, "unblock", api.TransitionBody{Reason: reason})
}

// Skip abandons a task permanently.
func (c *Client) Skip(ctx context.Context, id, owner, reason string) (*task.Task, error) {
	return c.taskAction(ctx, id, "skip", api.TransitionBody{Owner: owner, Reason: reason})
}

// Release drops the lease on a doing task.
func (c *Client) Release(ctx context.Context, id, owner, reason string) (*task.Task, error) {
	return c.taskAction(ctx, id, "release", api.TransitionBody{Owner: owner, Reason: reason})
}

// AddNote appends a note.
func (c *Client) AddNote(ctx context.Context, id, text string) (*task.Task, error) {
	return c.taskAction(ctx, id, "notes", api.NoteBody{Text: text})
}

// Verify submits evidence. A fail verdict is not an error; use res.Err().
func (c *Client) Verify(ctx context.Context, id, owner string, ev verify.Evidence) (*orchestrator.VerifyResult, error) {
	var out orchestrator.VerifyResult
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/verify"
	if _, err := c.do(ctx, http.MethodPost, path, api.VerifyBody{Owner: owner, Evidence: ev}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lease starts the next ready task for owner, or returns nil.
func (c *Client) Lease(ctx context.Context, owner string) (*task.Task, error) {
	var out task.Task
	empty, err := c.do(ctx, http.MethodPost, "/api/v1/lease", api.LeaseBody{Owner: owner}, &out)
	if err != nil || empty {
		return nil, err
	}
	return &out, nil
}

// NextReady returns the recommended task, or nil.
func (c *Client) NextReady(ctx context.Context) (*task.Task, error) {
	var out task.Task
	empty, err := c.do(ctx, http.MethodGet, "/api/v1/next", nil, &out)
	if err != nil || empty {
		return nil, err
	}
	return &out, nil
}

// Ready returns every ready task in order.
func (c *Client) Ready(ctx context.Context) ([]*task.Task, error) {
	var out []*task.Task
	_, err := c.do(ctx, http.MethodGet, "/api/v1/ready", nil, &out)
	return out, err
}

// Audit invokes an auditor.
func (c *Client) Audit(ctx context.Context, req orchestrator.AuditRequest) (*orchestrator.AuditResult, error) {
	var out orchestrator.AuditResult
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/audits", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Latest returns the ledger head, or nil when nothing has completed.
func (c *Client) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	var out checkpoint.Checkpoint
	empty, err := c.do(ctx, http.MethodGet, "/api/v1/checkpoints/latest", nil, &out)
	if err != nil || empty {
		return nil, err
	}
	return &out, nil
}

// Checkpoints returns ledger entries after afterSeq.
func (c *Client) Checkpoints(ctx context.Context, afterSeq int64, limit int) ([]*checkpoint.Checkpoint, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*checkpoint.Checkpoint
	_, err := c.do(ctx, http.MethodGet, "/api/v1/checkpoints?"+q.Encode(), nil, &out)
	return out, err
}

// Snapshot returns the full graph, decisions and ledger head.
func (c *Client) Snapshot(ctx context.Context) (*orchestrator.Snapshot, error) {
	var out orchestrator.Snapshot
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume starts a new daemon session from the caller's expectation.
func (c *Client) Resume(ctx context.Context, expected string) (*orchestrator.Recovery, error) {
	var out orchestrator.Recovery
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/resume", api.ResumeBody{Expected: expected}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDecisions returns decisions, optionally filtered by status.
func (c *Client) ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error) {
	path := "/api/v1/decisions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []*task.Decision
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetDecision returns one decision.
func (c *Client) GetDecision(ctx context.Context, id string) (*task.Decision, error) {
	var out task.Decision
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/decisions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeDecision records a new proposed decision.
func (c *Client) ProposeDecision(ctx context.Context, d *task.Decision) (*task.Decision, error) {
	var out task.Decision
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/decisions", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditDecision updates a proposed decision.
func (c *Client) EditDecision(ctx context.Context, d *task.Decision) (*task.Decision, error) {
	if d.ID == "" {
		return nil, errors.New("decision id is required")
	}
	var out task.Decision
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/decisions/"+url.PathEscape(d.ID), d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide accepts (accept=true) or rejects a proposed decision.
func (c *Client) Decide(ctx context.Context, id string, accept bool, by, reasoning string) (*task.Decision, error) {
	action := "reject"
	if accept {
		action = "accept"
	}
	var out task.Decision
	path := "/api/v1/decisions/" + url.PathEscape(id) + "/" + action
	if _, err := c.do(ctx, http.MethodPost, path, api.DecideBody{By: by, Reasoning: reasoning}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
