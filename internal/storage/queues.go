package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"labtasker/internal/apierr"
	"labtasker/internal/doc"
	"labtasker/internal/models"
)

type queueRow struct {
	QueueID      string `db:"queue_id"`
	QueueName    string `db:"queue_name"`
	Password     string `db:"password"`
	Metadata     string `db:"metadata"`
	CreatedAt    string `db:"created_at"`
	LastModified string `db:"last_modified"`
}

func (r queueRow) toModel() (*models.Queue, error) {
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
	return &models.Queue{
		QueueID:      r.QueueID,
		QueueName:    r.QueueName,
		Password:     r.Password,
		Metadata:     meta,
		CreatedAt:    createdAt,
		LastModified: lastModified,
	}, nil
}

// CreateQueue creates a queue and returns its id. Queue names are unique
// across the service.
func (e *Engine) CreateQueue(ctx context.Context, req models.QueueCreateRequest) (string, error) {
	if err := doc.Sanitize(req.Metadata); err != nil {
		return "", err
	}
	hash, err := e.hashPassword(req.Password)
	if err != nil {
		return "", err
	}
	meta, err := encodeDoc(req.Metadata)
	if err != nil {
		return "", err
	}

	var exists int
	if err := e.q(ctx).GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM queues WHERE queue_name = ?`, req.QueueName); err != nil {
		return "", internal("check queue name", err)
	}
	if exists > 0 {
		return "", apierr.Conflict("queue %q already exists", req.QueueName)
	}

	queueID := uuid.NewString()
	now := encodeTime(e.now())
	if _, err := e.q(ctx).ExecContext(ctx, `
		INSERT INTO queues (queue_id, queue_name, password, metadata, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)`,
		queueID, req.QueueName, hash, meta, now, now); err != nil {
		return "", internal("create queue", err)
	}
	e.log.Info("queue %s created (id %s)", req.QueueName, queueID)
	return queueID, nil
}

// GetQueue returns the queue by id.
func (e *Engine) GetQueue(ctx context.Context, queueID string) (*models.Queue, error) {
	var row queueRow
	err := e.q(ctx).GetContext(ctx, &row,
		`SELECT * FROM queues WHERE queue_id = ?`, queueID)
	if isNoRows(err) {
		return nil, apierr.NotFound("queue %s not found", queueID)
	}
	if err != nil {
		return nil, internal("get queue", err)
	}
	return row.toModel()
}

func (e *Engine) getQueueByNameOrID(ctx context.Context, nameOrID string) (*models.Queue, error) {
	var row queueRow
	err := e.q(ctx).GetContext(ctx, &row,
		`SELECT * FROM queues WHERE queue_name = ? OR queue_id = ?`, nameOrID, nameOrID)
	if isNoRows(err) {
		return nil, apierr.NotFound("queue %s not found", nameOrID)
	}
	if err != nil {
		return nil, internal("get queue", err)
	}
	return row.toModel()
}

// UpdateQueue renames a queue, rotates its password and/or deep-merges
// metadata. Metadata leaves set to nil in the update are deleted.
func (e *Engine) UpdateQueue(ctx context.Context, queueID string, req models.QueueUpdateRequest) (*models.Queue, error) {
	q, err := e.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	name := q.QueueName
	if req.NewQueueName != "" && req.NewQueueName != q.QueueName {
		var taken int
		if err := e.q(ctx).GetContext(ctx, &taken,
			`SELECT COUNT(*) FROM queues WHERE queue_name = ? AND queue_id != ?`,
			req.NewQueueName, queueID); err != nil {
			return nil, internal("check queue name", err)
		}
		if taken > 0 {
			return nil, apierr.Conflict("queue %q already exists", req.NewQueueName)
		}
		name = req.NewQueueName
	}

	hash := q.Password
	if req.NewPassword != "" {
		if hash, err = e.hashPassword(req.NewPassword); err != nil {
			return nil, err
		}
	}

	meta := q.Metadata
	if meta == nil {
		meta = doc.Doc{}
	}
	if req.MetadataUpdate != nil {
		if err := doc.Sanitize(req.MetadataUpdate); err != nil {
			return nil, err
		}
		doc.Merge(meta, req.MetadataUpdate)
	}
	metaText, err := encodeDoc(meta)
	if err != nil {
		return nil, err
	}

	if _, err := e.q(ctx).ExecContext(ctx, `
		UPDATE queues SET queue_name = ?, password = ?, metadata = ?, last_modified = ?
		WHERE queue_id = ?`,
		name, hash, metaText, encodeTime(e.now()), queueID); err != nil {
		return nil, internal("update queue", err)
	}
	return e.GetQueue(ctx, queueID)
}

// DeleteQueue removes the queue. Tasks and workers are preserved unless
// cascade is set, in which case they go with it.
func (e *Engine) DeleteQueue(ctx context.Context, queueID string, cascade bool) error {
	return e.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		res, err := e.q(ctx).ExecContext(ctx, `DELETE FROM queues WHERE queue_id = ?`, queueID)
		if err != nil {
			return internal("delete queue", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apierr.NotFound("queue %s not found", queueID)
		}
		if cascade {
			if _, err := e.q(ctx).ExecContext(ctx,
				`DELETE FROM tasks WHERE queue_id = ?`, queueID); err != nil {
				return internal("delete queue tasks", err)
			}
			if _, err := e.q(ctx).ExecContext(ctx,
				`DELETE FROM workers WHERE queue_id = ?`, queueID); err != nil {
				return internal("delete queue workers", err)
			}
		}
		e.log.Info("queue %s deleted (cascade=%v)", queueID, cascade)
		return nil
	})
}
