package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"labtasker/internal/models"
	"labtasker/internal/storage"
)

const (
	testQueue    = "train"
	testPassword = "swordfish1"
)

type testServer struct {
	srv    *httptest.Server
	engine *storage.Engine
}

func newTestServer(t *testing.T, allowUnsafe bool) *testServer {
	t.Helper()
	engine, err := storage.Open(storage.Options{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		Pepper:      "test-pepper",
		BcryptCost:  bcrypt.MinCost,
		AllowUnsafe: allowUnsafe,
	})
	require.NoError(t, err)

	s := NewServer(engine, Options{MinPasswordLength: 8})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})
	return &testServer{srv: srv, engine: engine}
}

// do issues an authenticated JSON request and decodes the response into out
// when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	return ts.doAs(t, testQueue, testPassword, method, path, body, out)
}

func (ts *testServer) doAs(t *testing.T, user, password, method, path string, body, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp
}

func (ts *testServer) createQueue(t *testing.T) string {
	t.Helper()
	var created models.QueueCreateResponse
	resp := ts.doAs(t, "", "", http.MethodPost, "/api/v1/queues",
		models.QueueCreateRequest{QueueName: testQueue, Password: testPassword}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.QueueID)
	return created.QueueID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	var health models.HealthResponse
	resp := ts.doAs(t, "", "", http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "connected", health.Database)
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	queueID := ts.createQueue(t)

	t.Run("short password is unprocessable", func(t *testing.T) {
		resp := ts.doAs(t, "", "", http.MethodPost, "/api/v1/queues",
			models.QueueCreateRequest{QueueName: "other", Password: "short"}, nil)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("missing required fields", func(t *testing.T) {
		resp := ts.doAs(t, "", "", http.MethodPost, "/api/v1/queues",
			map[string]any{"queue_name": "other"}, nil)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		resp := ts.doAs(t, "", "", http.MethodPost, "/api/v1/queues",
			models.QueueCreateRequest{QueueName: testQueue, Password: testPassword}, nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("get resolves the authenticated queue", func(t *testing.T) {
		var q models.Queue
		resp := ts.do(t, http.MethodGet, "/api/v1/queues/me", nil, &q)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, queueID, q.QueueID)
		require.Equal(t, testQueue, q.QueueName)
	})

	t.Run("update", func(t *testing.T) {
		var q models.Queue
		resp := ts.do(t, http.MethodPut, "/api/v1/queues/me",
			models.QueueUpdateRequest{MetadataUpdate: map[string]any{"owner": "alice"}}, &q)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "alice", q.Metadata["owner"])
	})

	t.Run("short rotation password is unprocessable", func(t *testing.T) {
		resp := ts.do(t, http.MethodPut, "/api/v1/queues/me",
			models.QueueUpdateRequest{NewPassword: "short"}, nil)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("delete rejects a bad cascade flag", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/api/v1/queues/me?cascade_delete=maybe", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/api/v1/queues/me?cascade_delete=true", nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = ts.do(t, http.MethodGet, "/api/v1/queues/me", nil, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, false)
	queueID := ts.createQueue(t)

	t.Run("missing credentials", func(t *testing.T) {
		resp := ts.doAs(t, "", "", http.MethodGet, "/api/v1/queues/me", nil, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := ts.doAs(t, testQueue, "wrong", http.MethodGet, "/api/v1/queues/me", nil, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown queue looks like a wrong password", func(t *testing.T) {
		resp := ts.doAs(t, "ghost", testPassword, http.MethodGet, "/api/v1/queues/me", nil, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("queue id works as the username", func(t *testing.T) {
		resp := ts.doAs(t, queueID, testPassword, http.MethodGet, "/api/v1/queues/me", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	ts.createQueue(t)

	var submitted models.TaskSubmitResponse
	resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks",
		models.TaskSubmitRequest{TaskName: "baseline", Args: map[string]any{"lr": 0.1}}, &submitted)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	taskID := submitted.TaskID

	t.Run("malformed body is unprocessable", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/queues/me/tasks",
			strings.NewReader("{not json"))
		require.NoError(t, err)
		req.SetBasicAuth(testQueue, testPassword)
		raw, err := ts.srv.Client().Do(req)
		require.NoError(t, err)
		raw.Body.Close()
		require.Equal(t, http.StatusUnprocessableEntity, raw.StatusCode)
	})

	t.Run("ls", func(t *testing.T) {
		var list models.TaskLsResponse
		resp := ts.do(t, http.MethodGet, "/api/v1/queues/me/tasks?task_name=baseline", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, list.Found)
		require.Len(t, list.Content, 1)
		require.Equal(t, taskID, list.Content[0].TaskID)

		resp = ts.do(t, http.MethodGet, "/api/v1/queues/me/tasks?task_name=nope", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.False(t, list.Found)

		resp = ts.do(t, http.MethodGet, "/api/v1/queues/me/tasks?limit=bogus", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = ts.do(t, http.MethodGet,
			`/api/v1/queues/me/tasks?extra_filter={"args.lr":0.1}`, nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, list.Found)
	})

	t.Run("get", func(t *testing.T) {
		var task models.Task
		resp := ts.do(t, http.MethodGet, "/api/v1/queues/me/tasks/"+taskID, nil, &task)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "baseline", task.TaskName)

		resp = ts.do(t, http.MethodGet, "/api/v1/queues/me/tasks/nope", nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("fetch report heartbeat cycle", func(t *testing.T) {
		var fetched models.TaskFetchResponse
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/next",
			models.TaskFetchRequest{StartHeartbeat: true}, &fetched)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, fetched.Found)
		require.Equal(t, taskID, fetched.Task.TaskID)

		resp = ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/heartbeat", nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		var reported models.Task
		resp = ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/status",
			models.TaskStatusReportRequest{Status: "success", Summary: map[string]any{"loss": 0.01}},
			&reported)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "success", string(reported.Status))
		require.Equal(t, 0.01, reported.Summary["loss"])

		// Heartbeating a finished task conflicts.
		resp = ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/heartbeat", nil, nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		// An empty queue is a miss, not an error.
		resp = ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/next",
			models.TaskFetchRequest{}, &fetched)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.False(t, fetched.Found)
	})

	t.Run("reset and delete", func(t *testing.T) {
		var task models.Task
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/reset",
			models.TaskResetRequest{Overrides: map[string]any{"task_name": "rerun"}}, &task)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "pending", string(task.Status))
		require.Equal(t, "rerun", task.TaskName)

		resp = ts.do(t, http.MethodDelete, "/api/v1/queues/me/tasks/"+taskID, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp = ts.do(t, http.MethodDelete, "/api/v1/queues/me/tasks/"+taskID, nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestWorkerEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	ts.createQueue(t)

	var created models.WorkerCreateResponse
	resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/workers",
		models.WorkerCreateRequest{WorkerName: "gpu-01"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	workerID := created.WorkerID

	t.Run("ls filters by status", func(t *testing.T) {
		var list models.WorkerLsResponse
		resp := ts.do(t, http.MethodGet, "/api/v1/queues/me/workers?status=active", nil, &list)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, list.Found)
		require.Equal(t, workerID, list.Content[0].WorkerID)
	})

	t.Run("suspend and resume", func(t *testing.T) {
		var w models.Worker
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/workers/"+workerID+"/status",
			models.WorkerStatusReportRequest{Status: "suspended"}, &w)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "suspended", string(w.Status))

		resp = ts.do(t, http.MethodPost, "/api/v1/queues/me/workers/"+workerID+"/status",
			models.WorkerStatusReportRequest{Status: "active"}, &w)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "active", string(w.Status))
	})

	t.Run("get and delete", func(t *testing.T) {
		var w models.Worker
		resp := ts.do(t, http.MethodGet, "/api/v1/queues/me/workers/"+workerID, nil, &w)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "gpu-01", w.WorkerName)

		resp = ts.do(t, http.MethodDelete, "/api/v1/queues/me/workers/"+workerID, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp = ts.do(t, http.MethodGet, "/api/v1/queues/me/workers/"+workerID, nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCollectionEndpoints(t *testing.T) {
	t.Run("disabled server forbids access", func(t *testing.T) {
		ts := newTestServer(t, false)
		ts.createQueue(t)
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/query",
			map[string]any{"collection": "tasks"}, nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	ts := newTestServer(t, true)
	ts.createQueue(t)
	ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks",
		models.TaskSubmitRequest{TaskName: "a"}, nil)
	ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks",
		models.TaskSubmitRequest{TaskName: "b"}, nil)

	t.Run("query", func(t *testing.T) {
		var result struct {
			Found   bool             `json:"found"`
			Content []map[string]any `json:"content"`
		}
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/query",
			map[string]any{"collection": "tasks", "query": map[string]any{"task_name": "a"}},
			&result)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, result.Found)
		require.Len(t, result.Content, 1)
		require.Equal(t, "a", result.Content[0]["task_name"])
	})

	t.Run("update", func(t *testing.T) {
		var result struct {
			Updated int `json:"updated"`
		}
		resp := ts.do(t, http.MethodPost, "/api/v1/queues/me/update",
			map[string]any{
				"collection": "tasks",
				"query":      map[string]any{"task_name": "b"},
				"update":     map[string]any{"priority": 20},
			}, &result)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, result.Updated)
	})
}

func TestEventStreamEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.createQueue(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/v1/queues/me/events", nil)
	require.NoError(t, err)
	req.SetBasicAuth(testQueue, testPassword)

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	event, data := readSSEFrame(t, reader)
	require.Equal(t, "connection", event)
	var sub models.EventSubscriptionResponse
	require.NoError(t, json.Unmarshal([]byte(data), &sub))
	require.Equal(t, "connected", sub.Status)
	require.NotEmpty(t, sub.ClientID)

	// Trigger a transition: submit and claim a task.
	var submitted models.TaskSubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks", models.TaskSubmitRequest{}, &submitted)
	var fetched models.TaskFetchResponse
	ts.do(t, http.MethodPost, "/api/v1/queues/me/tasks/next", models.TaskFetchRequest{}, &fetched)
	require.True(t, fetched.Found)

	event, data = readSSEFrame(t, reader)
	require.Equal(t, "event", event)
	var delivered models.EventResponse
	require.NoError(t, json.Unmarshal([]byte(data), &delivered))
	require.Equal(t, uint64(1), delivered.Sequence)
	require.Equal(t, submitted.TaskID, delivered.Event.EntityID)
	require.Equal(t, "pending", delivered.Event.FromState)
	require.Equal(t, "running", delivered.Event.ToState)
}

// readSSEFrame parses one event/data frame, skipping pings.
func readSSEFrame(t *testing.T, reader *bufio.Reader) (event, data string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out reading SSE frame")
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "ping" {
				event, data = "", ""
				continue
			}
			if event != "" {
				return event, data
			}
		default:
			require.Failf(t, "unexpected SSE line", "%q", line)
		}
	}
}
