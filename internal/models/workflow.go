package models

import "time"

// WorkflowEntry binds a completed task to a published page. Entries are
// keyed in the workflow registry by a string-encoded sequence number that
// is never reused.
type WorkflowEntry struct {
	Filename    string    `json:"filename"`
	DisplayName string    `json:"workflow_name"`
	TaskID      string    `json:"task_id"`
	CreatedAt   time.Time `json:"created_at"`
}
