package models

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusGenerating TaskStatus = "generating"
	TaskStatusValidating TaskStatus = "validating"
	TaskStatusFixing     TaskStatus = "fixing"
	TaskStatusLaunching  TaskStatus = "launching"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusExhausted  TaskStatus = "exhausted"
)

// Terminal reports whether no further phase transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusRunning || s == TaskStatusExhausted
}

// FailureKind records why a task entered the failed state, so a retry can
// resume into the right phase without parsing LastError text.
type FailureKind string

const (
	// FailureKindNone marks ordinary failures; a retry re-enters the
	// generate/fix cycle.
	FailureKindNone FailureKind = ""
	// FailureKindNoPort marks port-window exhaustion; the artifact is fine
	// and a retry goes straight back to launching.
	FailureKindNoPort FailureKind = "no_port"
	// FailureKindStopped marks a user-initiated stop; a retry relaunches
	// the already-validated artifact.
	FailureKindStopped FailureKind = "stopped"
)

// Task is one user-initiated generation request and its attempt history.
// The description is immutable after creation; every other field is owned
// by the state machine and persisted through the registry.
type Task struct {
	ID            string      `json:"id"`
	Description   string      `json:"description"`
	Status        TaskStatus  `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	AttemptCount  int         `json:"attempt_count"`
	LastError     string      `json:"last_error,omitempty"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	Warnings      []string    `json:"warnings,omitempty"`
	PublishedPage string      `json:"published_page,omitempty"`
}
