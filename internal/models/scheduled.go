package models

import (
	"time"
)

// ScheduledPost statuses persisted in Postgres.
const (
	ScheduleStatusPending      = "pending"
	ScheduleStatusPublished    = "published"
	ScheduleStatusFailed       = "failed"
	ScheduleStatusRetry        = "retry"
	ScheduleStatusCancelled    = "cancelled"
	ScheduleStatusRepublishing = "republishing"
)

// ScheduledPost is the execution record for one (post, platform) publish attempt.
// It references its post and project by id only; publish history survives the post.
type ScheduledPost struct {
	ID            string     `json:"id"`
	PostID        string     `json:"post_id"`
	ProjectID     string     `json:"project_id"`
	Platform      string     `json:"platform"`
	Status        string     `json:"status"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	RetryCount    int        `json:"retry_count"`
	RequeueCount  int        `json:"requeue_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ExternalID    *string    `json:"external_id,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
