package models

import (
	"time"
)

// Review statuses shared by insights and posts. Posts use the full set.
const (
	ReviewDraft       = "draft"
	ReviewNeedsReview = "needs_review"
	ReviewApproved    = "approved"
	ReviewRejected    = "rejected"
	ReviewScheduled   = "scheduled"
	ReviewPublished   = "published"
	ReviewFailed      = "failed"
	ReviewArchived    = "archived"
)

// InsightScores are the four 1-10 review dimensions.
type InsightScores struct {
	Urgency      int `json:"urgency"`
	Relatability int `json:"relatability"`
	Specificity  int `json:"specificity"`
	Authority    int `json:"authority"`
}

// Overall is the rounded mean of the four scores.
func (s InsightScores) Overall() int {
	sum := s.Urgency + s.Relatability + s.Specificity + s.Authority
	return (sum + 2) / 4
}

// Insight is a reviewable takeaway extracted from cleaned content.
type Insight struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Status    string        `json:"status"`
	Content   string        `json:"content"`
	Scores    InsightScores `json:"scores"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PublishRecord is one append-only entry in a post's publish history.
type PublishRecord struct {
	Platform   string    `json:"platform"`
	ExternalID string    `json:"external_id"`
	Published  time.Time `json:"published_at"`
}

// Post is a platform-targeted rendering of one insight.
type Post struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	InsightID string          `json:"insight_id"`
	Platform  string          `json:"platform"`
	Status    string          `json:"status"`
	Content   string          `json:"content"`
	MediaKey  *string         `json:"media_key,omitempty"`
	History   []PublishRecord `json:"history,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
