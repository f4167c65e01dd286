package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"labtasker/internal/api"
	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/models"
	"labtasker/internal/storage"
)

const (
	testQueue    = "train"
	testPassword = "swordfish1"
)

// newTestClient spins up a real server over a throwaway database and returns
// a client already holding a created queue's credentials.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	engine, err := storage.Open(storage.Options{
		Path:       filepath.Join(t.TempDir(), "test.db"),
		Pepper:     "test-pepper",
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(engine, api.Options{MinPasswordLength: 8}).Handler())
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})

	c, err := New(srv.URL, testQueue, testPassword)
	require.NoError(t, err)
	c.maxElapsed = 5 * time.Second

	_, err = c.CreateQueue(context.Background(), models.QueueCreateRequest{
		QueueName: testQueue, Password: testPassword,
	})
	require.NoError(t, err)
	return c
}

func TestClientTaskRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)

	q, err := c.GetQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, testQueue, q.QueueName)

	taskID, err := c.SubmitTask(ctx, models.TaskSubmitRequest{
		TaskName: "baseline",
		Args:     doc.Doc{"lr": 0.1},
	})
	require.NoError(t, err)

	list, err := c.LsTasks(ctx, LsTasksOptions{TaskName: "baseline"})
	require.NoError(t, err)
	require.True(t, list.Found)
	require.Len(t, list.Content, 1)

	list, err = c.LsTasks(ctx, LsTasksOptions{
		ExtraFilter: filter.Filter{"args.lr": filter.Filter{"$gt": 0.5}},
	})
	require.NoError(t, err)
	require.False(t, list.Found)

	workerID, err := c.CreateWorker(ctx, models.WorkerCreateRequest{WorkerName: "gpu-01"})
	require.NoError(t, err)

	fetched, err := c.FetchTask(ctx, models.TaskFetchRequest{WorkerID: workerID})
	require.NoError(t, err)
	require.True(t, fetched.Found)
	require.Equal(t, taskID, fetched.Task.TaskID)

	require.NoError(t, c.RefreshHeartbeat(ctx, taskID))

	reported, err := c.ReportTaskStatus(ctx, taskID, models.TaskStatusReportRequest{
		Status: "success", Summary: doc.Doc{"loss": 0.01},
	})
	require.NoError(t, err)
	require.Equal(t, "success", string(reported.Status))

	reset, err := c.ResetTask(ctx, taskID, doc.Doc{"priority": models.PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, "pending", string(reset.Status))
	require.Equal(t, models.PriorityHigh, reset.Priority)

	workers, err := c.LsWorkers(ctx, LsWorkersOptions{Status: "active"})
	require.NoError(t, err)
	require.True(t, workers.Found)

	require.NoError(t, c.DeleteWorker(ctx, workerID))
	require.NoError(t, c.DeleteTask(ctx, taskID))

	err = c.DeleteTask(ctx, taskID)
	require.Equal(t, 404, apierr.StatusOf(err))
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.HealthResponse{Status: "healthy", Database: "connected"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, testQueue, testPassword)
	require.NoError(t, err)
	c.maxElapsed = 10 * time.Second

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "task t1 not found"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, testQueue, testPassword)
	require.NoError(t, err)

	_, err = c.GetTask(context.Background(), "t1")
	require.Equal(t, 404, apierr.StatusOf(err))
	require.Contains(t, err.Error(), "task t1 not found")
	require.Equal(t, int32(1), calls.Load())
}

func TestHeartbeaterStopsWhenTaskIsGone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "cannot heartbeat task in success state"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, testQueue, testPassword)
	require.NoError(t, err)

	h := c.StartHeartbeat(context.Background(), "t1", 20*time.Millisecond)

	// The first rejected beat terminates the loop on its own.
	require.Eventually(t, func() bool {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	h.Stop() // idempotent after self-termination
}

func TestHeartbeaterKeepsTaskAlive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, testQueue, testPassword)
	require.NoError(t, err)

	h := c.StartHeartbeat(context.Background(), "t1", 20*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	h.Stop()

	settled := calls.Load()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, settled, calls.Load())
}
