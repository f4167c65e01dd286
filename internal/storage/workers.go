package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/fsm"
	"labtasker/internal/metrics"
	"labtasker/internal/models"
)

// DefaultWorkerMaxRetries is the consecutive-failure budget for new workers.
const DefaultWorkerMaxRetries = 3

type workerRow struct {
	WorkerID     string `db:"worker_id"`
	QueueID      string `db:"queue_id"`
	Status       string `db:"status"`
	WorkerName   string `db:"worker_name"`
	Metadata     string `db:"metadata"`
	Retries      int    `db:"retries"`
	MaxRetries   int    `db:"max_retries"`
	CreatedAt    string `db:"created_at"`
	LastModified string `db:"last_modified"`
}

func (r workerRow) toModel() (*models.Worker, error) {
	meta, err := decodeDoc(r.Metadata)
	if err != nil {
		return nil, err
	}
	createdAt, err := decodeTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	lastModified, err := decodeTime(r.LastModified)
	if err != nil {
		return nil, err
	}
	return &models.Worker{
		WorkerID:     r.WorkerID,
		QueueID:      r.QueueID,
		Status:       fsm.WorkerState(r.Status),
		WorkerName:   r.WorkerName,
		Metadata:     meta,
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		CreatedAt:    createdAt,
		LastModified: lastModified,
	}, nil
}

// CreateWorker registers an active worker in the queue.
func (e *Engine) CreateWorker(ctx context.Context, queueID string, req models.WorkerCreateRequest) (string, error) {
	if err := doc.Sanitize(req.Metadata); err != nil {
		return "", err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultWorkerMaxRetries
	}
	meta, err := encodeDoc(req.Metadata)
	if err != nil {
		return "", err
	}

	workerID := uuid.NewString()
	now := encodeTime(e.now())
	if _, err := e.q(ctx).ExecContext(ctx, `
		INSERT INTO workers (worker_id, queue_id, status, worker_name, metadata,
			retries, max_retries, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		workerID, queueID, fsm.WorkerActive, req.WorkerName, meta,
		maxRetries, now, now); err != nil {
		return "", internal("create worker", err)
	}
	e.log.Debug("worker %s created in queue %s", workerID, queueID)
	return workerID, nil
}

// GetWorker returns a worker scoped to the queue.
func (e *Engine) GetWorker(ctx context.Context, queueID, workerID string) (*models.Worker, error) {
	var row workerRow
	err := e.q(ctx).GetContext(ctx, &row,
		`SELECT * FROM workers WHERE worker_id = ? AND queue_id = ?`, workerID, queueID)
	if isNoRows(err) {
		return nil, apierr.NotFound("worker %s not found", workerID)
	}
	if err != nil {
		return nil, internal("get worker", err)
	}
	return row.toModel()
}

// LsWorkers lists the queue's workers in registration order, optionally
// restricted by a filter document over the worker's JSON form.
func (e *Engine) LsWorkers(ctx context.Context, queueID string, extra filter.Filter, limit, offset int) ([]models.Worker, error) {
	var rows []workerRow
	if err := e.q(ctx).SelectContext(ctx, &rows,
		`SELECT * FROM workers WHERE queue_id = ? ORDER BY created_at ASC`, queueID); err != nil {
		return nil, internal("list workers", err)
	}

	out := make([]models.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		if extra != nil {
			ok, err := filter.Match(extra, workerDoc(w))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, *w)
	}
	return paginate(out, limit, offset), nil
}

func workerDoc(w *models.Worker) doc.Doc {
	return doc.Doc{
		"worker_id":   w.WorkerID,
		"queue_id":    w.QueueID,
		"status":      string(w.Status),
		"worker_name": w.WorkerName,
		"metadata":    map[string]any(w.Metadata),
		"retries":     w.Retries,
		"max_retries": w.MaxRetries,
	}
}

// ReportWorkerStatus applies a manual worker transition: active resumes a
// suspended or crashed worker and refills its budget, suspended pauses it,
// failed charges one failure.
func (e *Engine) ReportWorkerStatus(ctx context.Context, queueID, workerID string, req models.WorkerStatusReportRequest) (*models.Worker, error) {
	var updated *models.Worker
	err := e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		w, err := e.GetWorker(ctx, queueID, workerID)
		if err != nil {
			return err
		}
		machine, err := fsm.NewWorkerFSM(w.Status, w.Retries, w.MaxRetries)
		if err != nil {
			return err
		}

		from := w.Status
		switch req.Status {
		case "active":
			err = machine.Activate()
		case "suspended":
			err = machine.Suspend()
		case "failed":
			err = machine.Fail()
		default:
			return apierr.BadRequest("invalid status %q: expected active, suspended or failed", req.Status)
		}
		if err != nil {
			return err
		}

		if err := e.saveWorkerState(ctx, workerID, machine); err != nil {
			return err
		}
		updated, err = e.GetWorker(ctx, queueID, workerID)
		if err != nil {
			return err
		}
		if machine.State == fsm.WorkerCrashed && from != fsm.WorkerCrashed {
			metrics.WorkersCrashed.Inc()
		}
		if machine.State != from {
			e.publishWorkerTransition(updated, from, machine.State)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// chargeWorker records one task failure against the worker. Runs inside the
// caller's transaction.
func (e *Engine) chargeWorker(ctx context.Context, queueID, workerID string) error {
	w, err := e.GetWorker(ctx, queueID, workerID)
	if err != nil {
		return err
	}
	machine, err := fsm.NewWorkerFSM(w.Status, w.Retries, w.MaxRetries)
	if err != nil {
		return err
	}
	// Only active workers carry a budget; a suspended or crashed worker
	// reporting a stale result is not charged again.
	if machine.State != fsm.WorkerActive {
		return nil
	}
	from := machine.State
	if err := machine.Fail(); err != nil {
		return err
	}
	if err := e.saveWorkerState(ctx, workerID, machine); err != nil {
		return err
	}
	if machine.State == fsm.WorkerCrashed {
		metrics.WorkersCrashed.Inc()
		w.Status = machine.State
		w.Retries = machine.Retries
		e.publishWorkerTransition(w, from, machine.State)
		e.log.Warn("worker %s crashed after %d consecutive failures", workerID, machine.Retries)
	}
	return nil
}

// resetWorkerRetries clears the failure streak after a successful task.
func (e *Engine) resetWorkerRetries(ctx context.Context, queueID, workerID string) error {
	w, err := e.GetWorker(ctx, queueID, workerID)
	if err != nil {
		return err
	}
	if w.Status != fsm.WorkerActive || w.Retries == 0 {
		return nil
	}
	machine := &fsm.WorkerFSM{State: w.Status, Retries: 0, MaxRetries: w.MaxRetries}
	return e.saveWorkerState(ctx, workerID, machine)
}

func (e *Engine) saveWorkerState(ctx context.Context, workerID string, machine *fsm.WorkerFSM) error {
	if _, err := e.q(ctx).ExecContext(ctx, `
		UPDATE workers SET status = ?, retries = ?, last_modified = ?
		WHERE worker_id = ?`,
		machine.State, machine.Retries, encodeTime(e.now()), workerID); err != nil {
		return internal("update worker", err)
	}
	return nil
}

// DeleteWorker removes a worker. Its unfinished tasks lose the claim and
// return to the queue so the work is not stranded.
func (e *Engine) DeleteWorker(ctx context.Context, queueID, workerID string) error {
	return e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		res, err := e.q(ctx).ExecContext(ctx,
			`DELETE FROM workers WHERE worker_id = ? AND queue_id = ?`, workerID, queueID)
		if err != nil {
			return internal("delete worker", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apierr.NotFound("worker %s not found", workerID)
		}
		if _, err := e.q(ctx).ExecContext(ctx, `
			UPDATE tasks SET worker_id = NULL, last_modified = ?
			WHERE worker_id = ? AND queue_id = ?`,
			encodeTime(e.now()), workerID, queueID); err != nil {
			return internal("release worker tasks", err)
		}
		return nil
	})
}

func (e *Engine) publishWorkerTransition(w *models.Worker, from, to fsm.WorkerState) {
	e.bus.Publish(w.QueueID, models.StateTransitionEvent{
		QueueID:    w.QueueID,
		EntityType: models.EntityWorker,
		EntityID:   w.WorkerID,
		FromState:  string(from),
		ToState:    string(to),
	})
}
