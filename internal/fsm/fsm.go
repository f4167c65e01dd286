// Package fsm holds the pure state machines governing task and worker
// lifecycles. The machines do no I/O and take no clock; the storage engine
// drives them inside a transaction and persists the resulting state.
package fsm

import (
	"labtasker/internal/apierr"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSuccess   TaskState = "success"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// validTaskTransitions lists every allowed (from, to) pair.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending:   {TaskPending: true, TaskRunning: true, TaskCancelled: true},
	TaskRunning:   {TaskPending: true, TaskSuccess: true, TaskFailed: true, TaskCancelled: true},
	TaskSuccess:   {TaskPending: true},
	TaskFailed:    {TaskPending: true, TaskCancelled: true},
	TaskCancelled: {TaskPending: true},
}

// IsValid reports whether s is a recognized task state.
func (s TaskState) IsValid() bool {
	_, ok := validTaskTransitions[s]
	return ok
}

// Terminal reports whether s admits no further automatic transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// TaskFSM validates task transitions and tracks the retry budget.
type TaskFSM struct {
	State      TaskState
	Retries    int
	MaxRetries int
}

// NewTaskFSM builds a machine from a persisted task snapshot.
func NewTaskFSM(state TaskState, retries, maxRetries int) (*TaskFSM, error) {
	if !state.IsValid() {
		return nil, apierr.BadRequest("invalid task state %q", state)
	}
	return &TaskFSM{State: state, Retries: retries, MaxRetries: maxRetries}, nil
}

func (f *TaskFSM) transition(to TaskState) error {
	if !validTaskTransitions[f.State][to] {
		return apierr.BadRequest("cannot transition task from %s to %s", f.State, to)
	}
	f.State = to
	return nil
}

// Fetch promotes a pending task to running.
func (f *TaskFSM) Fetch() error {
	if f.State != TaskPending {
		return apierr.BadRequest("cannot fetch task in %s state", f.State)
	}
	return f.transition(TaskRunning)
}

// Complete marks a running task successful.
func (f *TaskFSM) Complete() error {
	if f.State != TaskRunning {
		return apierr.BadRequest("cannot complete task in %s state", f.State)
	}
	return f.transition(TaskSuccess)
}

// Fail charges one retry against a running task. The task re-enters the
// queue while retries remain and lands in failed once the budget is spent.
func (f *TaskFSM) Fail() error {
	if f.State != TaskRunning {
		return apierr.BadRequest("cannot fail task in %s state", f.State)
	}
	f.Retries++
	if f.Retries < f.MaxRetries {
		return f.transition(TaskPending)
	}
	return f.transition(TaskFailed)
}

// Cancel aborts a task that has not yet succeeded.
func (f *TaskFSM) Cancel() error {
	switch f.State {
	case TaskPending, TaskRunning, TaskFailed:
		return f.transition(TaskCancelled)
	default:
		return apierr.BadRequest("cannot cancel task in %s state", f.State)
	}
}

// Reset requeues the task from any state and clears its retry count.
func (f *TaskFSM) Reset() error {
	f.Retries = 0
	return f.transition(TaskPending)
}

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerActive    WorkerState = "active"
	WorkerSuspended WorkerState = "suspended"
	WorkerCrashed   WorkerState = "crashed"
)

// IsValid reports whether s is a recognized worker state.
func (s WorkerState) IsValid() bool {
	switch s {
	case WorkerActive, WorkerSuspended, WorkerCrashed:
		return true
	}
	return false
}

// WorkerFSM validates worker transitions and tracks consecutive failures.
type WorkerFSM struct {
	State      WorkerState
	Retries    int
	MaxRetries int
}

// NewWorkerFSM builds a machine from a persisted worker snapshot.
func NewWorkerFSM(state WorkerState, retries, maxRetries int) (*WorkerFSM, error) {
	if !state.IsValid() {
		return nil, apierr.BadRequest("invalid worker state %q", state)
	}
	return &WorkerFSM{State: state, Retries: retries, MaxRetries: maxRetries}, nil
}

// Activate manually reactivates a worker and clears its failure count.
func (f *WorkerFSM) Activate() error {
	f.State = WorkerActive
	f.Retries = 0
	return nil
}

// Suspend pauses an active worker.
func (f *WorkerFSM) Suspend() error {
	if f.State != WorkerActive {
		return apierr.BadRequest("cannot suspend worker in %s state", f.State)
	}
	f.State = WorkerSuspended
	return nil
}

// Fail charges one task failure; the worker crashes once the budget is spent.
func (f *WorkerFSM) Fail() error {
	if f.State != WorkerActive {
		return apierr.BadRequest("cannot fail worker in %s state", f.State)
	}
	f.Retries++
	if f.Retries >= f.MaxRetries {
		f.State = WorkerCrashed
	}
	return nil
}
