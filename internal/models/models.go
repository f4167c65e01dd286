// Package models holds the entity documents and API request/response types
// shared by the server, the storage engine and the client.
package models

import (
	"time"

	"labtasker/internal/doc"
	"labtasker/internal/filter"
	"labtasker/internal/fsm"
)

// Task priorities. Dispatch is strict-priority with FIFO tiebreak.
const (
	PriorityLow    = 0
	PriorityMedium = 10
	PriorityHigh   = 20
)

// Queue is the authentication and isolation boundary; every task and worker
// belongs to exactly one queue.
type Queue struct {
	QueueID      string    `json:"queue_id" db:"queue_id"`
	QueueName    string    `json:"queue_name" db:"queue_name"`
	Password     string    `json:"-" db:"password"` // hashed, never serialized
	Metadata     doc.Doc   `json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// Task is a unit of schedulable work.
type Task struct {
	TaskID           string        `json:"task_id"`
	QueueID          string        `json:"queue_id"`
	Status           fsm.TaskState `json:"status"`
	TaskName         string        `json:"task_name,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	LastHeartbeat    *time.Time    `json:"last_heartbeat,omitempty"`
	LastModified     time.Time     `json:"last_modified"`
	HeartbeatTimeout int           `json:"heartbeat_timeout"` // seconds
	TaskTimeout      *int          `json:"task_timeout,omitempty"`
	MaxRetries       int           `json:"max_retries"`
	Retries          int           `json:"retries"`
	Priority         int           `json:"priority"`
	Metadata         doc.Doc       `json:"metadata"`
	Args             doc.Doc       `json:"args"`
	Cmd              any           `json:"cmd,omitempty"` // string or token list
	Summary          doc.Doc       `json:"summary"`
	WorkerID         *string       `json:"worker_id,omitempty"`
}

// Worker executes tasks and carries a consecutive-failure budget.
type Worker struct {
	WorkerID     string          `json:"worker_id"`
	QueueID      string          `json:"queue_id"`
	Status       fsm.WorkerState `json:"status"`
	WorkerName   string          `json:"worker_name,omitempty"`
	Metadata     doc.Doc         `json:"metadata"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    time.Time       `json:"created_at"`
	LastModified time.Time       `json:"last_modified"`
}

// QueueCreateRequest creates a queue.
type QueueCreateRequest struct {
	QueueName string  `json:"queue_name" binding:"required"`
	Password  string  `json:"password" binding:"required"`
	Metadata  doc.Doc `json:"metadata,omitempty"`
}

// QueueCreateResponse returns the new queue id.
type QueueCreateResponse struct {
	QueueID string `json:"queue_id"`
}

// QueueUpdateRequest updates queue settings. Metadata is deep-merged.
type QueueUpdateRequest struct {
	NewQueueName   string  `json:"new_queue_name,omitempty"`
	NewPassword    string  `json:"new_password,omitempty"`
	MetadataUpdate doc.Doc `json:"metadata_update,omitempty"`
}

// TaskSubmitRequest creates a task in PENDING state.
type TaskSubmitRequest struct {
	TaskName         string  `json:"task_name,omitempty"`
	Args             doc.Doc `json:"args,omitempty"`
	Metadata         doc.Doc `json:"metadata,omitempty"`
	Cmd              any     `json:"cmd,omitempty"`
	HeartbeatTimeout int     `json:"heartbeat_timeout,omitempty"`
	TaskTimeout      *int    `json:"task_timeout,omitempty"`
	MaxRetries       int     `json:"max_retries,omitempty"`
	Priority         *int    `json:"priority,omitempty"`
}

// TaskSubmitResponse returns the new task id.
type TaskSubmitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskFetchRequest asks for the next dispatchable task.
type TaskFetchRequest struct {
	WorkerID       string        `json:"worker_id,omitempty"`
	EtaMax         string        `json:"eta_max,omitempty"`
	StartHeartbeat bool          `json:"start_heartbeat"`
	RequiredFields doc.Doc       `json:"required_fields,omitempty"`
	ExtraFilter    filter.Filter `json:"extra_filter,omitempty"`
}

// TaskFetchResponse carries the claimed task, if any. Found=false is not an
// error: it means the queue has no matching pending work.
type TaskFetchResponse struct {
	Found bool  `json:"found"`
	Task  *Task `json:"task,omitempty"`
}

// TaskLsResponse lists tasks in submission order.
type TaskLsResponse struct {
	Found   bool   `json:"found"`
	Content []Task `json:"content"`
}

// TaskStatusReportRequest reports a task outcome: success, failed or
// cancelled.
type TaskStatusReportRequest struct {
	Status  string  `json:"status" binding:"required"`
	Summary doc.Doc `json:"summary,omitempty"`
}

// TaskResetRequest requeues a task with optional sanitized field overrides.
type TaskResetRequest struct {
	Overrides doc.Doc `json:"overrides,omitempty"`
}

// WorkerCreateRequest creates an active worker.
type WorkerCreateRequest struct {
	WorkerName string  `json:"worker_name,omitempty"`
	Metadata   doc.Doc `json:"metadata,omitempty"`
	MaxRetries int     `json:"max_retries,omitempty"`
}

// WorkerCreateResponse returns the new worker id.
type WorkerCreateResponse struct {
	WorkerID string `json:"worker_id"`
}

// WorkerLsResponse lists workers.
type WorkerLsResponse struct {
	Found   bool     `json:"found"`
	Content []Worker `json:"content"`
}

// WorkerStatusReportRequest updates a worker: active, suspended or failed.
type WorkerStatusReportRequest struct {
	Status string `json:"status" binding:"required"`
}

// HealthResponse reports service and database health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
