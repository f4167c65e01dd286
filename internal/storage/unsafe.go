package storage

import (
	"context"

	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/fsm"
)

// Raw collection access for debugging and migrations. Both operations are
// disabled unless the server was started with unsafe behavior allowed, and
// they never escape the authenticated queue's scope.

func (e *Engine) requireUnsafe() error {
	if !e.allowUnsafe {
		return apierr.Forbidden("unsafe collection access is disabled on this server")
	}
	return nil
}

// QueryCollection filters a collection's documents in their JSON form.
// Collection must be "tasks" or "workers".
func (e *Engine) QueryCollection(ctx context.Context, queueID, collection string, f filter.Filter, limit, offset int) ([]doc.Doc, error) {
	if err := e.requireUnsafe(); err != nil {
		return nil, err
	}

	var docs []doc.Doc
	switch collection {
	case "tasks":
		tasks, err := e.LsTasks(ctx, queueID, f, 0, 0)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			d, err := taskDoc(&tasks[i])
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
	case "workers":
		workers, err := e.LsWorkers(ctx, queueID, f, 0, 0)
		if err != nil {
			return nil, err
		}
		for i := range workers {
			docs = append(docs, workerDoc(&workers[i]))
		}
	default:
		return nil, apierr.BadRequest("unknown collection %q", collection)
	}
	return paginate(docs, limit, offset), nil
}

// UpdateCollection applies a sanitized field update to every task matching
// the filter. Only the tasks collection is writable this way; workers carry
// too little mutable state to justify raw updates.
func (e *Engine) UpdateCollection(ctx context.Context, queueID, collection string, f filter.Filter, update doc.Doc) (int, error) {
	if err := e.requireUnsafe(); err != nil {
		return 0, err
	}
	if collection != "tasks" {
		return 0, apierr.BadRequest("collection %q does not support raw updates", collection)
	}
	if len(update) == 0 {
		return 0, apierr.BadRequest("empty update")
	}
	if err := doc.SanitizeUpdate(update); err != nil {
		return 0, err
	}
	for key := range update {
		if !resettableFields[key] && key != "status" && key != "retries" {
			return 0, apierr.BadRequest("field %q cannot be updated", key)
		}
	}

	tasks, err := e.LsTasks(ctx, queueID, f, 0, 0)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range tasks {
		t := tasks[i]
		overrides := doc.Doc{}
		for k, v := range update {
			if k == "status" || k == "retries" {
				continue
			}
			overrides[k] = v
		}
		if err := applyResetOverrides(&t, overrides); err != nil {
			return updated, err
		}
		if v, ok := update["retries"]; ok {
			n, ok := toInt(v)
			if !ok || n < 0 {
				return updated, apierr.BadRequest("retries update must be a non-negative integer")
			}
			t.Retries = n
		}
		status := t.Status
		if v, ok := update["status"]; ok {
			s, isStr := v.(string)
			if !isStr {
				return updated, apierr.BadRequest("status update must be a string")
			}
			status = taskStateOrInvalid(s)
			if status == "" {
				return updated, apierr.BadRequest("invalid status %q", s)
			}
		}

		args, err := encodeDoc(t.Args)
		if err != nil {
			return updated, err
		}
		meta, err := encodeDoc(t.Metadata)
		if err != nil {
			return updated, err
		}
		summary, err := encodeDoc(t.Summary)
		if err != nil {
			return updated, err
		}
		cmd, err := encodeCmd(t.Cmd)
		if err != nil {
			return updated, err
		}
		if _, err := e.q(ctx).ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retries = ?, task_name = ?, args = ?, metadata = ?,
			    summary = ?, cmd = ?, priority = ?, heartbeat_timeout = ?,
			    task_timeout = ?, max_retries = ?, last_modified = ?
			WHERE task_id = ? AND queue_id = ?`,
			status, t.Retries, t.TaskName, args, meta,
			summary, cmd, t.Priority, t.HeartbeatTimeout,
			nullInt(t.TaskTimeout), t.MaxRetries, encodeTime(e.now()),
			t.TaskID, queueID); err != nil {
			return updated, internal("update collection", err)
		}
		updated++
	}
	e.log.Warn("unsafe update touched %d task(s) in queue %s", updated, queueID)
	return updated, nil
}

func taskStateOrInvalid(s string) fsm.TaskState {
	st := fsm.TaskState(s)
	if !st.IsValid() {
		return ""
	}
	return st
}
