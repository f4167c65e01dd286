package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/logging"
	"labtasker/internal/models"
	"labtasker/internal/redact"
)

// JobFunc is the user's task body. Returning an error fails the task
// through its retry budget; returning nil finishes it successfully unless
// the job already reported an outcome itself.
type JobFunc func(ctx context.Context, job *JobContext) error

// LoopOptions configures the fetch-run-report loop.
type LoopOptions struct {
	// Params declares the task arguments the job needs; their paths become
	// the fetch's required-fields template.
	Params ParamSpecs
	// ExtraFilter further restricts which tasks this loop accepts.
	ExtraFilter filter.Filter
	// WorkerName labels the worker registered for this loop.
	WorkerName string
	// EtaMax caps per-task execution time, e.g. "2h" (empty = task default).
	EtaMax string
	// HeartbeatInterval is the refresh cadence (default 30s).
	HeartbeatInterval time.Duration
	// PollInterval is how long to wait when the queue has no matching
	// work. Zero makes the loop exit once the queue is drained.
	PollInterval time.Duration
	// ErrorHandler observes job failures before they are reported.
	ErrorHandler func(err error, job *JobContext)
}

// JobContext carries everything one task execution needs.
type JobContext struct {
	Task   *models.Task
	Params map[string]any
	RunDir *RunDir
	Log    logging.Logger

	client   *Client
	summary  doc.Doc
	finished bool
}

// Args returns the task's full argument document.
func (j *JobContext) Args() doc.Doc { return j.Task.Args }

// SetSummary records a summary value reported with the task outcome.
func (j *JobContext) SetSummary(key string, value any) {
	doc.SetPath(j.summary, key, value)
}

// MergeSummary deep-merges a document into the pending summary.
func (j *JobContext) MergeSummary(d doc.Doc) {
	doc.Merge(j.summary, d)
}

// Cmd returns the task command with {{ path }} placeholders resolved
// against the task args.
func (j *JobContext) Cmd() (string, error) {
	raw, ok := cmdString(j.Task.Cmd)
	if !ok {
		return "", fmt.Errorf("task %s has no usable cmd", j.Task.TaskID)
	}
	cmd, _, err := InterpolateCmd(raw, j.Task.Args)
	return cmd, err
}

// Env returns the task execution environment for subprocesses.
func (j *JobContext) Env() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"LABTASKER_TASK_ID="+j.Task.TaskID,
		"LABTASKER_TASK_NAME="+j.Task.TaskName,
		"LABTASKER_QUEUE_ID="+j.Task.QueueID,
		"LABTASKER_RUN_DIR="+j.RunDir.Path,
	)
	if j.Task.WorkerID != nil {
		env = append(env, "LABTASKER_WORKER_ID="+*j.Task.WorkerID)
	}
	return env
}

// Finish reports the task outcome exactly once. status is "success",
// "failed" or "cancelled". Subsequent calls (including the loop's implicit
// one) are no-ops, so a job may report early and keep running cleanup.
func (j *JobContext) Finish(ctx context.Context, status string) error {
	if j.finished || j.RunDir.Finished() {
		return nil
	}
	_, err := j.client.ReportTaskStatus(ctx, j.Task.TaskID, models.TaskStatusReportRequest{
		Status:  status,
		Summary: j.summary,
	})
	if err != nil {
		return err
	}
	j.finished = true
	if err := j.RunDir.WriteSummary(j.summary); err != nil {
		j.Log.Warn("persist summary: %v", err)
	}
	if err := j.RunDir.WriteStatus(status, nil); err != nil {
		j.Log.Warn("persist status: %v", err)
	}
	return nil
}

// RunLoop registers a worker and processes matching tasks until the context
// is cancelled, the worker crashes, or (with no poll interval) the queue
// runs dry.
func (c *Client) RunLoop(ctx context.Context, opts LoopOptions, job JobFunc) error {
	heartbeatEvery := opts.HeartbeatInterval
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	workerID, err := c.CreateWorker(ctx, models.WorkerCreateRequest{WorkerName: opts.WorkerName})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	c.log.Info("worker %s registered, entering job loop", workerID)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := c.FetchTask(ctx, models.TaskFetchRequest{
			WorkerID:       workerID,
			EtaMax:         opts.EtaMax,
			StartHeartbeat: true,
			RequiredFields: opts.Params.template(),
			ExtraFilter:    opts.ExtraFilter,
		})
		if err != nil {
			// A suspended or crashed worker cannot continue.
			return fmt.Errorf("fetch task: %w", err)
		}
		if !resp.Found {
			if opts.PollInterval <= 0 {
				c.log.Info("queue drained, job loop exiting")
				return nil
			}
			select {
			case <-time.After(opts.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.runOne(ctx, resp.Task, opts, job, heartbeatEvery); err != nil {
			c.log.Error("task %s: %v", resp.Task.TaskID, err)
		}
	}
}

func (c *Client) runOne(ctx context.Context, task *models.Task, opts LoopOptions, job JobFunc, heartbeatEvery time.Duration) error {
	runDir, err := newRunDir(task.TaskID, time.Now())
	if err != nil {
		// Nothing was executed; hand the task back untouched.
		_, reportErr := c.ReportTaskStatus(ctx, task.TaskID, models.TaskStatusReportRequest{
			Status:  "failed",
			Summary: doc.Doc{"labtasker_error": redact.Scrub(err.Error())},
		})
		if reportErr != nil {
			return fmt.Errorf("%v (report also failed: %v)", err, reportErr)
		}
		return err
	}

	// Tee log output into the run directory for the duration of the task.
	logFile, err := runDir.LogFile()
	if err == nil {
		logging.SetDefaultSink(io.MultiWriter(os.Stderr, logFile))
		defer func() {
			logging.SetDefaultSink(os.Stderr)
			logFile.Close()
		}()
	}

	jc := &JobContext{
		Task:    task,
		RunDir:  runDir,
		Log:     logging.NewComponentLogger("job"),
		client:  c,
		summary: doc.Doc{},
	}
	jc.Log.Info("task %s started (attempt %d/%d)", task.TaskID, task.Retries+1, task.MaxRetries)

	heartbeat := c.StartHeartbeat(ctx, task.TaskID, heartbeatEvery)
	defer heartbeat.Stop()

	params, err := opts.Params.resolve(task.Args)
	if err != nil {
		jc.SetSummary("labtasker_error", redact.Scrub(err.Error()))
		if finishErr := jc.Finish(ctx, "failed"); finishErr != nil {
			return finishErr
		}
		return err
	}
	jc.Params = params

	jobErr := runGuarded(ctx, job, jc)
	if jobErr != nil {
		if opts.ErrorHandler != nil {
			opts.ErrorHandler(jobErr, jc)
		}
		jc.SetSummary("labtasker_error", redact.Scrub(jobErr.Error()))
		if err := jc.Finish(ctx, "failed"); err != nil {
			return err
		}
		jc.Log.Warn("task %s failed: %v", task.TaskID, jobErr)
		return nil
	}

	if err := jc.Finish(ctx, "success"); err != nil {
		return err
	}
	jc.Log.Info("task %s finished", task.TaskID)
	return nil
}

// runGuarded converts a panicking job into an ordinary task failure so one
// bad task cannot take the whole loop down.
func runGuarded(ctx context.Context, job JobFunc, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx, jc)
}
