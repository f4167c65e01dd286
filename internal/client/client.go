// Package client implements the workstation side of the queue service: the
// HTTP API client, the background heartbeat sender and the job loop that
// fetches, runs and reports tasks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"labtasker/internal/apierr"
	"labtasker/internal/config"
	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/logging"
	"labtasker/internal/models"
	"labtasker/internal/redact"
)

// Client talks to a labtasker server on behalf of one queue.
type Client struct {
	baseURL  *url.URL
	queue    string
	password string
	httpc    *http.Client
	log      logging.Logger

	// maxElapsed bounds the retry budget for transient failures.
	maxElapsed time.Duration
}

// New builds a client for the given server and queue credentials.
func New(baseURL, queue, password string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api_base_url %q: %w", baseURL, err)
	}
	redact.Register(password)
	return &Client{
		baseURL:    u,
		queue:      queue,
		password:   password,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		log:        logging.NewComponentLogger("client"),
		maxElapsed: 30 * time.Second,
	}, nil
}

// FromConfig builds a client from the loaded client configuration.
func FromConfig(cfg *config.ClientConfig) (*Client, error) {
	return New(cfg.APIBaseURL, cfg.QueueName, cfg.Password)
}

// Queue returns the queue name the client authenticates as.
func (c *Client) Queue() string { return c.queue }

type errorEnvelope struct {
	Error string `json:"error"`
}

// do sends one authenticated request, retrying transient failures (network
// errors and 5xx) with exponential backoff. 4xx responses are returned to
// the caller immediately: repeating a rejected request cannot help.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.queue, c.password)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			var envelope errorEnvelope
			msg := resp.Status
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
				msg = envelope.Error
			}
			return backoff.Permanent(apierr.New(resp.StatusCode, "%s", msg))
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed
	err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx),
		func(err error, next time.Duration) {
			c.log.Warn("%s %s failed (%v), retrying in %s", method, path, err, next.Round(time.Millisecond))
		})
	return err
}

// Health checks server liveness without credentials.
func (c *Client) Health(ctx context.Context) (*models.HealthResponse, error) {
	var out models.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateQueue registers a new queue on the server.
func (c *Client) CreateQueue(ctx context.Context, req models.QueueCreateRequest) (string, error) {
	var out models.QueueCreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues", nil, req, &out); err != nil {
		return "", err
	}
	return out.QueueID, nil
}

// GetQueue returns the authenticated queue.
func (c *Client) GetQueue(ctx context.Context) (*models.Queue, error) {
	var out models.Queue
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateQueue renames the queue, rotates its password or merges metadata.
func (c *Client) UpdateQueue(ctx context.Context, req models.QueueUpdateRequest) (*models.Queue, error) {
	var out models.Queue
	if err := c.do(ctx, http.MethodPut, "/api/v1/queues/me", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteQueue removes the queue; with cascade, its tasks and workers too.
func (c *Client) DeleteQueue(ctx context.Context, cascade bool) error {
	var query url.Values
	if cascade {
		query = url.Values{"cascade_delete": {"true"}}
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/queues/me", query, nil, nil)
}

// SubmitTask enqueues a task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, req models.TaskSubmitRequest) (string, error) {
	var out models.TaskSubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks", nil, req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// FetchTask claims the next dispatchable task matching the request.
func (c *Client) FetchTask(ctx context.Context, req models.TaskFetchRequest) (*models.TaskFetchResponse, error) {
	var out models.TaskFetchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/next", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LsTasksOptions narrows a task listing.
type LsTasksOptions struct {
	TaskID      string
	TaskName    string
	ExtraFilter filter.Filter
	Limit       int
	Offset      int
}

// LsTasks lists tasks in submission order.
func (c *Client) LsTasks(ctx context.Context, opts LsTasksOptions) (*models.TaskLsResponse, error) {
	query, err := listQuery(opts.TaskID, "task_id", opts.TaskName, "task_name",
		opts.ExtraFilter, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	var out models.TaskLsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/me/tasks", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/me/tasks/"+taskID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportTaskStatus reports success, failed or cancelled, merging summary.
func (c *Client) ReportTaskStatus(ctx context.Context, taskID string, req models.TaskStatusReportRequest) (*models.Task, error) {
	var out models.Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/status", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshHeartbeat signals that the task is still being worked on.
func (c *Client) RefreshHeartbeat(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/heartbeat", nil, nil, nil)
}

// ResetTask requeues a task with optional field overrides.
func (c *Client) ResetTask(ctx context.Context, taskID string, overrides doc.Doc) (*models.Task, error) {
	var out models.Task
	req := models.TaskResetRequest{Overrides: overrides}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/reset", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask removes a task permanently.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/queues/me/tasks/"+taskID, nil, nil, nil)
}

// CreateWorker registers a worker and returns its id.
func (c *Client) CreateWorker(ctx context.Context, req models.WorkerCreateRequest) (string, error) {
	var out models.WorkerCreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/workers", nil, req, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

// LsWorkersOptions narrows a worker listing.
type LsWorkersOptions struct {
	WorkerID    string
	WorkerName  string
	Status      string
	ExtraFilter filter.Filter
	Limit       int
	Offset      int
}

// LsWorkers lists workers in registration order.
func (c *Client) LsWorkers(ctx context.Context, opts LsWorkersOptions) (*models.WorkerLsResponse, error) {
	query, err := listQuery(opts.WorkerID, "worker_id", opts.WorkerName, "worker_name",
		opts.ExtraFilter, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	var out models.WorkerLsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/me/workers", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportWorkerStatus applies a manual worker transition.
func (c *Client) ReportWorkerStatus(ctx context.Context, workerID, status string) (*models.Worker, error) {
	var out models.Worker
	req := models.WorkerStatusReportRequest{Status: status}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/workers/"+workerID+"/status", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorker removes a worker; its unfinished tasks return to the queue.
func (c *Client) DeleteWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/queues/me/workers/"+workerID, nil, nil, nil)
}

func listQuery(id, idKey, name, nameKey string, extra filter.Filter, limit, offset int) (url.Values, error) {
	query := url.Values{}
	if id != "" {
		query.Set(idKey, id)
	}
	if name != "" {
		query.Set(nameKey, name)
	}
	if extra != nil {
		raw, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("encode extra_filter: %w", err)
		}
		query.Set("extra_filter", string(raw))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	return query, nil
}
