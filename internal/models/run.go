package models

import (
	"time"
)

// RunStatus enumerates pipeline run states kept in the status cache.
type RunStatus string

const (
	RunNotStarted       RunStatus = "not_started"
	RunInProgress       RunStatus = "in_progress"
	RunWaitingForReview RunStatus = "waiting_for_review"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// StepResult records one completed pipeline step.
type StepResult struct {
	Stage     string         `json:"stage"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	OK        bool           `json:"ok"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// PipelineRun is the ephemeral, cache-backed view of one run.
// It can be rebuilt from persisted aggregates except for step timing.
type PipelineRun struct {
	ProjectID string       `json:"project_id"`
	Stage     string       `json:"stage"`
	Status    RunStatus    `json:"status"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message,omitempty"`
	Steps     []StepResult `json:"steps,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunResult is the persisted-longer final summary of a run.
type RunResult struct {
	ProjectID   string        `json:"project_id"`
	Success     bool          `json:"success"`
	Insights    int           `json:"insights"`
	Posts       int           `json:"posts"`
	Scheduled   int           `json:"scheduled"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Job represents a queued background task persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ProjectID      string         `json:"project_id"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Job statuses.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobDeadLetter = "dead_lettered"
)

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
