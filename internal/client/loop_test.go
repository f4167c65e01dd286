package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"labtasker/internal/doc"
	"labtasker/internal/models"
)

func TestRunLoopDrainsQueue(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", t.TempDir())
	c := newTestClient(t)
	ctx := context.Background()

	id1, err := c.SubmitTask(ctx, models.TaskSubmitRequest{Args: doc.Doc{"lr": 0.1}})
	require.NoError(t, err)
	id2, err := c.SubmitTask(ctx, models.TaskSubmitRequest{Args: doc.Doc{"lr": 0.2}})
	require.NoError(t, err)

	var seen []string
	err = c.RunLoop(ctx, LoopOptions{
		Params:     ParamSpecs{"lr": {}},
		WorkerName: "test-loop",
	}, func(ctx context.Context, job *JobContext) error {
		seen = append(seen, job.Task.TaskID)
		require.Contains(t, []any{0.1, 0.2}, job.Params["lr"])
		job.SetSummary("done", true)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{id1, id2}, seen)

	for _, id := range []string{id1, id2} {
		task, err := c.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "success", string(task.Status))
		require.Equal(t, true, task.Summary["done"])
	}
}

func TestRunLoopRetriesFailingTask(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", t.TempDir())
	c := newTestClient(t)
	ctx := context.Background()

	taskID, err := c.SubmitTask(ctx, models.TaskSubmitRequest{MaxRetries: 2})
	require.NoError(t, err)

	var attempts, handled atomic.Int32
	err = c.RunLoop(ctx, LoopOptions{
		WorkerName: "flaky",
		ErrorHandler: func(err error, job *JobContext) {
			handled.Add(1)
		},
	}, func(ctx context.Context, job *JobContext) error {
		attempts.Add(1)
		return errors.New("cuda out of memory")
	})
	require.NoError(t, err) // the loop survives task failures

	// The task ran once per budgeted retry before landing in failed.
	require.Equal(t, int32(2), attempts.Load())
	require.Equal(t, int32(2), handled.Load())

	task, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "failed", string(task.Status))
	require.Contains(t, task.Summary["labtasker_error"], "cuda out of memory")
}

func TestRunLoopRecoversFromPanic(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", t.TempDir())
	c := newTestClient(t)
	ctx := context.Background()

	taskID, err := c.SubmitTask(ctx, models.TaskSubmitRequest{MaxRetries: 1})
	require.NoError(t, err)

	err = c.RunLoop(ctx, LoopOptions{WorkerName: "panicky"},
		func(ctx context.Context, job *JobContext) error {
			panic("index out of range")
		})
	require.NoError(t, err)

	task, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "failed", string(task.Status))
	require.Contains(t, task.Summary["labtasker_error"], "job panicked")
}

func TestRunLoopHonorsEarlyFinish(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", t.TempDir())
	c := newTestClient(t)
	ctx := context.Background()

	taskID, err := c.SubmitTask(ctx, models.TaskSubmitRequest{})
	require.NoError(t, err)

	err = c.RunLoop(ctx, LoopOptions{WorkerName: "early"},
		func(ctx context.Context, job *JobContext) error {
			// Report before returning; the loop's implicit success report
			// must become a no-op.
			return job.Finish(ctx, "cancelled")
		})
	require.NoError(t, err)

	task, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", string(task.Status))
}

func TestRunLoopSkipsNonMatchingTasks(t *testing.T) {
	t.Setenv("LABTASKER_ROOT", t.TempDir())
	c := newTestClient(t)
	ctx := context.Background()

	// Lacks the declared parameter, so the loop never sees it.
	other, err := c.SubmitTask(ctx, models.TaskSubmitRequest{Args: doc.Doc{"epochs": 5}})
	require.NoError(t, err)
	match, err := c.SubmitTask(ctx, models.TaskSubmitRequest{Args: doc.Doc{"lr": 0.1}})
	require.NoError(t, err)

	var seen []string
	err = c.RunLoop(ctx, LoopOptions{
		Params:     ParamSpecs{"lr": {}},
		WorkerName: "selective",
	}, func(ctx context.Context, job *JobContext) error {
		seen = append(seen, job.Task.TaskID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{match}, seen)

	task, err := c.GetTask(ctx, other)
	require.NoError(t, err)
	require.Equal(t, "pending", string(task.Status))
}
