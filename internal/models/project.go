package models

import (
	"time"
)

// Stage enumerates the project lifecycle persisted in Postgres.
type Stage string

const (
	StageRawContent        Stage = "raw_content"
	StageProcessingContent Stage = "processing_content"
	StageInsightsReady     Stage = "insights_ready"
	StageInsightsApproved  Stage = "insights_approved"
	StagePostsGenerated    Stage = "posts_generated"
	StagePostsApproved     Stage = "posts_approved"
	StageScheduled         Stage = "scheduled"
	StagePublishing        Stage = "publishing"
	StagePublished         Stage = "published"
	StageFailed            Stage = "failed"
	StageArchived          Stage = "archived"
)

// Trigger is a named input event that may advance the lifecycle.
type Trigger string

const (
	TriggerStartProcessing    Trigger = "start_processing"
	TriggerCompleteProcessing Trigger = "complete_processing"
	TriggerApproveInsights    Trigger = "approve_insights"
	TriggerGeneratePosts      Trigger = "generate_posts"
	TriggerApprovePosts       Trigger = "approve_posts"
	TriggerSchedulePosts      Trigger = "schedule_posts"
	TriggerStartPublishing    Trigger = "start_publishing"
	TriggerPublishNow         Trigger = "publish_now"
	TriggerCompletePublishing Trigger = "complete_publishing"
	TriggerFail               Trigger = "fail"
	TriggerRetryProcessing    Trigger = "retry_processing"
	TriggerReset              Trigger = "reset"
	TriggerArchive            Trigger = "archive"
	TriggerRestore            Trigger = "restore"
)

// WorkflowConfig controls how the pipeline treats one project.
type WorkflowConfig struct {
	InsightTarget       int      `json:"insight_target"`
	Platforms           []string `json:"platforms"`
	AutoApproveInsights bool     `json:"auto_approve_insights"`
	AutoApprovePosts    bool     `json:"auto_approve_posts"`
	// PublishOffsets spreads scheduled posts relative to schedule start,
	// one offset per post in minutes. Empty means back-to-back buckets.
	PublishOffsets []int `json:"publish_offsets,omitempty"`
}

// Metrics is a snapshot of child entity counts per status.
type Metrics struct {
	InsightsTotal    int `json:"insights_total"`
	InsightsApproved int `json:"insights_approved"`
	PostsTotal       int `json:"posts_total"`
	PostsApproved    int `json:"posts_approved"`
	PostsPublished   int `json:"posts_published"`
	PostsFailed      int `json:"posts_failed"`
}

// Project is the aggregate root for one piece of raw content.
type Project struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Stage          Stage          `json:"stage"`
	Progress       int            `json:"progress"`
	RawContent     string         `json:"raw_content"`
	CleanedContent string         `json:"cleaned_content,omitempty"`
	Workflow       WorkflowConfig `json:"workflow"`
	Metrics        Metrics        `json:"metrics"`
	LastError      *string        `json:"last_error,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StageTransition is one immutable audit entry for a lifecycle change.
type StageTransition struct {
	ProjectID string    `json:"project_id"`
	FromStage Stage     `json:"from_stage"`
	ToStage   Stage     `json:"to_stage"`
	Trigger   Trigger   `json:"trigger"`
	Actor     string    `json:"actor"`
	Recorded  time.Time `json:"recorded_at"`
}
