package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/fsm"
	"labtasker/internal/metrics"
	"labtasker/internal/models"
	"labtasker/internal/timeutil"
)

// Defaults applied at submission time.
const (
	DefaultHeartbeatTimeout = 60 // seconds
	DefaultTaskMaxRetries   = 3
)

type taskRow struct {
	TaskID           string         `db:"task_id"`
	QueueID          string         `db:"queue_id"`
	Status           string         `db:"status"`
	TaskName         string         `db:"task_name"`
	CreatedAt        string         `db:"created_at"`
	StartTime        sql.NullString `db:"start_time"`
	LastHeartbeat    sql.NullString `db:"last_heartbeat"`
	LastModified     string         `db:"last_modified"`
	HeartbeatTimeout int            `db:"heartbeat_timeout"`
	TaskTimeout      sql.NullInt64  `db:"task_timeout"`
	MaxRetries       int            `db:"max_retries"`
	Retries          int            `db:"retries"`
	Priority         int            `db:"priority"`
	Metadata         string         `db:"metadata"`
	Args             string         `db:"args"`
	Cmd              sql.NullString `db:"cmd"`
	Summary          string         `db:"summary"`
	WorkerID         sql.NullString `db:"worker_id"`
}

func (r taskRow) toModel() (*models.Task, error) {
	t := &models.Task{
		TaskID:           r.TaskID,
		QueueID:          r.QueueID,
		Status:           fsm.TaskState(r.Status),
		TaskName:         r.TaskName,
		HeartbeatTimeout: r.HeartbeatTimeout,
		TaskTimeout:      fromNullInt(r.TaskTimeout),
		MaxRetries:       r.MaxRetries,
		Retries:          r.Retries,
		Priority:         r.Priority,
		WorkerID:         fromNullString(r.WorkerID),
	}
	var err error
	if t.CreatedAt, err = decodeTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if t.LastModified, err = decodeTime(r.LastModified); err != nil {
		return nil, err
	}
	if t.StartTime, err = decodeNullTime(r.StartTime); err != nil {
		return nil, err
	}
	if t.LastHeartbeat, err = decodeNullTime(r.LastHeartbeat); err != nil {
		return nil, err
	}
	if t.Metadata, err = decodeDoc(r.Metadata); err != nil {
		return nil, err
	}
	if t.Args, err = decodeDoc(r.Args); err != nil {
		return nil, err
	}
	if t.Summary, err = decodeDoc(r.Summary); err != nil {
		return nil, err
	}
	if t.Cmd, err = decodeCmd(r.Cmd); err != nil {
		return nil, err
	}
	return t, nil
}

// taskDoc lowers a task to the document form filters match against, so
// extra_filter paths line up with the JSON field names clients see.
func taskDoc(t *models.Task) (doc.Doc, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, internal("encode task document", err)
	}
	var d doc.Doc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, internal("decode task document", err)
	}
	return d, nil
}

// SubmitTask creates a task in pending state and returns its id.
func (e *Engine) SubmitTask(ctx context.Context, queueID string, req models.TaskSubmitRequest) (string, error) {
	if err := doc.Sanitize(req.Args); err != nil {
		return "", err
	}
	if err := doc.Sanitize(req.Metadata); err != nil {
		return "", err
	}
	if err := validateCmd(req.Cmd); err != nil {
		return "", err
	}

	heartbeat := req.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultTaskMaxRetries
	}
	priority := models.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	}
	if req.TaskTimeout != nil && *req.TaskTimeout <= 0 {
		return "", apierr.BadRequest("task_timeout must be positive")
	}

	args, err := encodeDoc(req.Args)
	if err != nil {
		return "", err
	}
	meta, err := encodeDoc(req.Metadata)
	if err != nil {
		return "", err
	}
	cmd, err := encodeCmd(req.Cmd)
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	now := encodeTime(e.now())
	if _, err := e.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, queue_id, status, task_name, created_at, last_modified,
			heartbeat_timeout, task_timeout, max_retries, retries, priority,
			metadata, args, cmd, summary, worker_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, '{}', NULL)`,
		taskID, queueID, fsm.TaskPending, req.TaskName, now, now,
		heartbeat, nullInt(req.TaskTimeout), maxRetries, priority,
		meta, args, cmd); err != nil {
		return "", internal("submit task", err)
	}

	metrics.TasksSubmitted.WithLabelValues(queueID).Inc()
	e.log.Debug("task %s submitted to queue %s (priority %d)", taskID, queueID, priority)
	return taskID, nil
}

// validateCmd accepts a command string, a token list of strings, or nothing.
func validateCmd(cmd any) error {
	switch c := cmd.(type) {
	case nil, string:
		return nil
	case []any:
		for _, tok := range c {
			if _, ok := tok.(string); !ok {
				return apierr.BadRequest("cmd token list must contain only strings")
			}
		}
		return nil
	default:
		return apierr.BadRequest("cmd must be a string or a list of strings")
	}
}

// GetTask returns a task scoped to the queue.
func (e *Engine) GetTask(ctx context.Context, queueID, taskID string) (*models.Task, error) {
	var row taskRow
	err := e.q(ctx).GetContext(ctx, &row,
		`SELECT * FROM tasks WHERE task_id = ? AND queue_id = ?`, taskID, queueID)
	if isNoRows(err) {
		return nil, apierr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, internal("get task", err)
	}
	return row.toModel()
}

// LsTasks lists the queue's tasks in submission order. extra is an optional
// filter document applied to the task's JSON form; limit/offset paginate the
// filtered result.
func (e *Engine) LsTasks(ctx context.Context, queueID string, extra filter.Filter, limit, offset int) ([]models.Task, error) {
	var rows []taskRow
	if err := e.q(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE queue_id = ? ORDER BY created_at ASC`, queueID); err != nil {
		return nil, internal("list tasks", err)
	}

	out := make([]models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		if extra != nil {
			d, err := taskDoc(t)
			if err != nil {
				return nil, err
			}
			ok, err := filter.Match(extra, d)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, *t)
	}
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// FetchTask atomically claims the next dispatchable task: highest priority
// first, oldest first within a priority, restricted by the caller's
// required-fields template and extra filter. A miss is not an error.
func (e *Engine) FetchTask(ctx context.Context, queueID string, req models.TaskFetchRequest) (*models.TaskFetchResponse, error) {
	if err := doc.Sanitize(req.RequiredFields); err != nil {
		return nil, err
	}

	var worker *models.Worker
	if req.WorkerID != "" {
		w, err := e.GetWorker(ctx, queueID, req.WorkerID)
		if err != nil {
			return nil, err
		}
		if w.Status != fsm.WorkerActive {
			return nil, apierr.BadRequest("worker %s is %s and cannot fetch tasks", w.WorkerID, w.Status)
		}
		worker = w
	}

	var etaOverride *int
	if req.EtaMax != "" {
		secs, err := timeutil.ParseTimeout(req.EtaMax)
		if err != nil {
			return nil, apierr.BadRequest("invalid eta_max: %v", err)
		}
		etaOverride = &secs
	}

	combined := filter.And(filter.RequiredFields(req.RequiredFields, "args"), req.ExtraFilter)

	var rows []taskRow
	if err := e.q(ctx).SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE queue_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC`,
		queueID, fsm.TaskPending); err != nil {
		return nil, internal("scan pending tasks", err)
	}

	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		// Structural second pass: the template must resolve against args
		// even when the existence filter was satisfied by a nil leaf.
		if req.RequiredFields != nil && !doc.Match(req.RequiredFields, t.Args) {
			continue
		}
		if combined != nil {
			d, err := taskDoc(t)
			if err != nil {
				return nil, err
			}
			ok, err := filter.Match(combined, d)
			if err != nil {
				return nil, apierr.BadRequest("invalid extra_filter: %v", err)
			}
			if !ok {
				continue
			}
		}

		claimed, err := e.claimTask(ctx, t, worker, req.StartHeartbeat, etaOverride)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			// Lost the race for this candidate; try the next one.
			continue
		}
		metrics.TasksFetched.WithLabelValues(queueID).Inc()
		metrics.TaskTransitions.WithLabelValues(string(fsm.TaskRunning)).Inc()
		e.publishTaskTransition(claimed, fsm.TaskPending, fsm.TaskRunning)
		return &models.TaskFetchResponse{Found: true, Task: claimed}, nil
	}
	return &models.TaskFetchResponse{Found: false}, nil
}

// claimTask promotes one pending candidate to running. The status guard in
// the WHERE clause makes the claim atomic: a concurrent fetch that already
// took the task leaves zero rows affected.
func (e *Engine) claimTask(ctx context.Context, t *models.Task, worker *models.Worker, startHeartbeat bool, etaOverride *int) (*models.Task, error) {
	now := e.now()
	nowText := encodeTime(now)

	heartbeat := sql.NullString{}
	if startHeartbeat {
		heartbeat = sql.NullString{String: nowText, Valid: true}
	}
	workerID := sql.NullString{}
	if worker != nil {
		workerID = sql.NullString{String: worker.WorkerID, Valid: true}
	}
	timeout := nullInt(t.TaskTimeout)
	if etaOverride != nil {
		timeout = nullInt(etaOverride)
	}

	res, err := e.q(ctx).ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, start_time = ?, last_heartbeat = ?, worker_id = ?,
		    task_timeout = ?, last_modified = ?
		WHERE task_id = ? AND status = ?`,
		fsm.TaskRunning, nowText, heartbeat, workerID,
		timeout, nowText,
		t.TaskID, fsm.TaskPending)
	if err != nil {
		return nil, internal("claim task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return e.GetTask(ctx, t.QueueID, t.TaskID)
}

// ReportTaskStatus applies a client-reported outcome: success, failed or
// cancelled. Summaries are deep-merged. A failed report charges the
// reporting worker's failure budget; a success resets it.
func (e *Engine) ReportTaskStatus(ctx context.Context, queueID, taskID string, req models.TaskStatusReportRequest) (*models.Task, error) {
	if err := doc.Sanitize(req.Summary); err != nil {
		return nil, err
	}

	var updated *models.Task
	err := e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		t, err := e.GetTask(ctx, queueID, taskID)
		if err != nil {
			return err
		}
		machine, err := fsm.NewTaskFSM(t.Status, t.Retries, t.MaxRetries)
		if err != nil {
			return err
		}

		from := t.Status
		switch req.Status {
		case "success":
			err = machine.Complete()
		case "failed":
			err = machine.Fail()
		case "cancelled":
			err = machine.Cancel()
		default:
			return apierr.BadRequest("invalid status %q: expected success, failed or cancelled", req.Status)
		}
		if err != nil {
			return err
		}

		summary := t.Summary
		if summary == nil {
			summary = doc.Doc{}
		}
		if req.Summary != nil {
			doc.Merge(summary, req.Summary)
		}
		summaryText, err := encodeDoc(summary)
		if err != nil {
			return err
		}

		// A budgeted retry re-enters the queue unclaimed.
		requeued := req.Status == "failed" && machine.State == fsm.TaskPending
		nowText := encodeTime(e.now())
		if requeued {
			_, err = e.q(ctx).ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, retries = ?, summary = ?, worker_id = NULL,
				    start_time = NULL, last_heartbeat = NULL, last_modified = ?
				WHERE task_id = ?`,
				machine.State, machine.Retries, summaryText, nowText, taskID)
		} else {
			_, err = e.q(ctx).ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, retries = ?, summary = ?, last_modified = ?
				WHERE task_id = ?`,
				machine.State, machine.Retries, summaryText, nowText, taskID)
		}
		if err != nil {
			return internal("update task status", err)
		}

		if t.WorkerID != nil && from == fsm.TaskRunning {
			switch req.Status {
			case "failed":
				if err := e.chargeWorker(ctx, queueID, *t.WorkerID); err != nil {
					return err
				}
			case "success":
				if err := e.resetWorkerRetries(ctx, queueID, *t.WorkerID); err != nil {
					return err
				}
			}
		}

		updated, err = e.GetTask(ctx, queueID, taskID)
		if err != nil {
			return err
		}
		metrics.TaskTransitions.WithLabelValues(string(machine.State)).Inc()
		e.publishTaskTransition(updated, from, machine.State)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RefreshTaskHeartbeat records a liveness signal for a running task.
func (e *Engine) RefreshTaskHeartbeat(ctx context.Context, queueID, taskID string) error {
	res, err := e.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET last_heartbeat = ?, last_modified = ?
		WHERE task_id = ? AND queue_id = ? AND status = ?`,
		encodeTime(e.now()), encodeTime(e.now()), taskID, queueID, fsm.TaskRunning)
	if err != nil {
		return internal("refresh heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := e.GetTask(ctx, queueID, taskID)
	if err != nil {
		return err
	}
	return apierr.Conflict("cannot heartbeat task in %s state", t.Status)
}

// resettableFields routes reset overrides to their columns. Keys outside
// this set are rejected.
var resettableFields = map[string]bool{
	"task_name":         true,
	"args":              true,
	"metadata":          true,
	"summary":           true,
	"cmd":               true,
	"priority":          true,
	"heartbeat_timeout": true,
	"task_timeout":      true,
	"max_retries":       true,
}

// ResetTask requeues a task from any state: status returns to pending, the
// retry budget refills and the worker claim is released. Overrides replace
// the named fields before the task re-enters the queue.
func (e *Engine) ResetTask(ctx context.Context, queueID, taskID string, overrides doc.Doc) (*models.Task, error) {
	if err := doc.SanitizeUpdate(overrides); err != nil {
		return nil, err
	}
	for key := range overrides {
		if !resettableFields[key] {
			return nil, apierr.BadRequest("field %q cannot be overridden on reset", key)
		}
	}

	var updated *models.Task
	err := e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		t, err := e.GetTask(ctx, queueID, taskID)
		if err != nil {
			return err
		}
		machine, err := fsm.NewTaskFSM(t.Status, t.Retries, t.MaxRetries)
		if err != nil {
			return err
		}
		from := t.Status
		if err := machine.Reset(); err != nil {
			return err
		}

		if err := applyResetOverrides(t, overrides); err != nil {
			return err
		}

		args, err := encodeDoc(t.Args)
		if err != nil {
			return err
		}
		meta, err := encodeDoc(t.Metadata)
		if err != nil {
			return err
		}
		summary, err := encodeDoc(t.Summary)
		if err != nil {
			return err
		}
		cmd, err := encodeCmd(t.Cmd)
		if err != nil {
			return err
		}

		if _, err := e.q(ctx).ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retries = 0, worker_id = NULL, start_time = NULL,
			    last_heartbeat = NULL, task_name = ?, args = ?, metadata = ?,
			    summary = ?, cmd = ?, priority = ?, heartbeat_timeout = ?,
			    task_timeout = ?, max_retries = ?, last_modified = ?
			WHERE task_id = ?`,
			fsm.TaskPending, t.TaskName, args, meta,
			summary, cmd, t.Priority, t.HeartbeatTimeout,
			nullInt(t.TaskTimeout), t.MaxRetries, encodeTime(e.now()),
			taskID); err != nil {
			return internal("reset task", err)
		}

		updated, err = e.GetTask(ctx, queueID, taskID)
		if err != nil {
			return err
		}
		metrics.TaskTransitions.WithLabelValues(string(fsm.TaskPending)).Inc()
		e.publishTaskTransition(updated, from, fsm.TaskPending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyResetOverrides(t *models.Task, overrides doc.Doc) error {
	for key, v := range overrides {
		switch key {
		case "task_name":
			s, ok := v.(string)
			if !ok {
				return apierr.BadRequest("task_name override must be a string")
			}
			t.TaskName = s
		case "args", "metadata", "summary":
			m, ok := v.(map[string]any)
			if !ok {
				return apierr.BadRequest("%s override must be an object", key)
			}
			switch key {
			case "args":
				t.Args = m
			case "metadata":
				t.Metadata = m
			case "summary":
				t.Summary = m
			}
		case "cmd":
			if err := validateCmd(v); err != nil {
				return err
			}
			t.Cmd = v
		case "priority", "heartbeat_timeout", "max_retries", "task_timeout":
			n, ok := toInt(v)
			if !ok {
				return apierr.BadRequest("%s override must be an integer", key)
			}
			switch key {
			case "priority":
				t.Priority = n
			case "heartbeat_timeout":
				if n <= 0 {
					return apierr.BadRequest("heartbeat_timeout must be positive")
				}
				t.HeartbeatTimeout = n
			case "max_retries":
				if n <= 0 {
					return apierr.BadRequest("max_retries must be positive")
				}
				t.MaxRetries = n
			case "task_timeout":
				if n <= 0 {
					return apierr.BadRequest("task_timeout must be positive")
				}
				t.TaskTimeout = &n
			}
		}
	}
	return nil
}

// toInt accepts the integer encodings JSON decoding produces.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// DeleteTask removes a task permanently.
func (e *Engine) DeleteTask(ctx context.Context, queueID, taskID string) error {
	res, err := e.q(ctx).ExecContext(ctx,
		`DELETE FROM tasks WHERE task_id = ? AND queue_id = ?`, taskID, queueID)
	if err != nil {
		return internal("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("task %s not found", taskID)
	}
	return nil
}

func (e *Engine) publishTaskTransition(t *models.Task, from, to fsm.TaskState) {
	e.bus.Publish(t.QueueID, models.StateTransitionEvent{
		QueueID:    t.QueueID,
		EntityType: models.EntityTask,
		EntityID:   t.TaskID,
		FromState:  string(from),
		ToState:    string(to),
	})
}
