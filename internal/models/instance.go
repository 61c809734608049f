package models

import "time"

// RunningInstance is a launched subprocess serving a validated artifact.
// At most one instance exists per task; its port is not reassigned until
// the process terminates.
type RunningInstance struct {
	TaskID       string    `json:"task_id"`
	Port         int       `json:"port"`
	PID          int       `json:"process_id"`
	StartedAt    time.Time `json:"started_at"`
	ArtifactPath string    `json:"code_path"`
}
