package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"labtasker/internal/doc"
	"labtasker/internal/fsm"
	"labtasker/internal/metrics"
	"labtasker/internal/models"
)

// timeoutError is written to summary.labtasker_error for every swept task;
// the specific reason only shows up in the server log.
const timeoutError = "Either heartbeat or task execution timed out"

// HandleTimeouts sweeps every running task whose heartbeat lapsed or whose
// execution exceeded its task_timeout. Each expired task is failed through
// the normal retry budget in its own transaction, so one bad record never
// blocks the rest of the sweep. Returns the ids of the tasks transitioned.
func (e *Engine) HandleTimeouts(ctx context.Context) ([]string, error) {
	var rows []taskRow
	if err := e.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE status = ?`, fsm.TaskRunning); err != nil {
		return nil, internal("scan running tasks", err)
	}

	now := e.now()
	var transitioned []string
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			e.log.Error("timeout sweep: decode task %s: %v", row.TaskID, err)
			continue
		}
		reason := expiredReason(t, now)
		if reason == "" {
			continue
		}
		if err := e.failExpiredTask(ctx, t, reason); err != nil {
			e.log.Error("timeout sweep: task %s: %v", t.TaskID, err)
			continue
		}
		transitioned = append(transitioned, t.TaskID)
	}
	if len(transitioned) > 0 {
		e.log.Info("timeout sweep transitioned %d task(s)", len(transitioned))
	}
	return transitioned, nil
}

// expiredReason reports why a running task is expired, or "" if it is not.
func expiredReason(t *models.Task, now time.Time) string {
	if t.LastHeartbeat != nil && t.HeartbeatTimeout > 0 {
		if now.Sub(*t.LastHeartbeat) > time.Duration(t.HeartbeatTimeout)*time.Second {
			return "heartbeat timeout"
		}
	}
	if t.TaskTimeout != nil && t.StartTime != nil {
		if now.Sub(*t.StartTime) > time.Duration(*t.TaskTimeout)*time.Second {
			return "task execution timeout"
		}
	}
	return ""
}

func (e *Engine) failExpiredTask(ctx context.Context, t *models.Task, reason string) error {
	return e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		// Re-read under the transaction: the task may have been reported
		// or reset since the scan.
		cur, err := e.GetTask(ctx, t.QueueID, t.TaskID)
		if err != nil {
			return err
		}
		if cur.Status != fsm.TaskRunning {
			return nil
		}
		machine, err := fsm.NewTaskFSM(cur.Status, cur.Retries, cur.MaxRetries)
		if err != nil {
			return err
		}
		if err := machine.Fail(); err != nil {
			return err
		}

		summary := cur.Summary
		if summary == nil {
			summary = doc.Doc{}
		}
		summary["labtasker_error"] = timeoutError
		summaryText, err := encodeDoc(summary)
		if err != nil {
			return err
		}

		if _, err := e.q(ctx).ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retries = ?, summary = ?, worker_id = NULL,
			    start_time = NULL, last_heartbeat = NULL, last_modified = ?
			WHERE task_id = ?`,
			machine.State, machine.Retries, summaryText,
			encodeTime(e.now()), cur.TaskID); err != nil {
			return internal("fail expired task", err)
		}

		if cur.WorkerID != nil {
			if err := e.chargeWorker(ctx, cur.QueueID, *cur.WorkerID); err != nil {
				return err
			}
		}

		metrics.TimeoutsSwept.Inc()
		metrics.TaskTransitions.WithLabelValues(string(machine.State)).Inc()
		cur.Status = machine.State
		e.publishTaskTransition(cur, fsm.TaskRunning, machine.State)
		e.log.Warn("task %s expired (%s), now %s", cur.TaskID, reason, machine.State)
		return nil
	})
}
