// Package tasks defines the task record shared by the HTTP server, the worker and
// the polling client. A task is one run of the external OPGEE model (or any other
// registered runner), tracked by the broker through an enumerated status.
package tasks

import (
	"time"
)

// Status is the lifecycle state of a task as reported by the broker.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether polling must stop at this status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Task is the unit of background work carried through the queue.
//
// Only ID, Type and RetryCount travel in the queue payload; the status and
// timestamps live in the task's record and are read back with queue.Client.Get.
type Task struct {
	// ID is a unique identifier for the task (UUID).
	ID string `json:"id"`

	// Type selects the runner, e.g. "simulation". It is passed through unmodified
	// from the submission request.
	Type string `json:"type"`

	Status Status `json:"status,omitempty"`

	// Result is the result-store key of the output, set once the task finished.
	Result string `json:"result,omitempty"`

	// Error holds the last runner error for failed tasks.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// RetryCount tracks how many times this task has been retried after failures.
	RetryCount int `json:"retry_count"`

	// Queue is the name of the queue the task was submitted to.
	Queue string `json:"queue,omitempty"`
}

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Type string `json:"type"`
}

// SubmitResponse is the body returned by POST /tasks.
type SubmitResponse struct {
	Status string     `json:"status"`
	Data   SubmitData `json:"data"`
}

type SubmitData struct {
	TaskID string `json:"task_id"`
}

// StatusResponse is the body returned by GET /tasks/{taskID}.
type StatusResponse struct {
	Status string     `json:"status"`
	Data   StatusData `json:"data"`
}

type StatusData struct {
	TaskID     string `json:"task_id"`
	TaskStatus Status `json:"task_status"`
}
