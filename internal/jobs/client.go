package jobs

import (
	"context"
	"fmt"
	"time"

	"postpilot/internal/models"
	"postpilot/internal/queue"
	"postpilot/internal/store"
)

// Job types handled by the worker.
const (
	TypeRunPipeline   = "pipeline:run"
	TypeGeneratePosts = "posts:generate"
	TypeProcessMedia  = "media:process"
)

// Client persists a job row and makes it visible to workers. Both the API and
// the review gate enqueue through it; the idempotency key is what keeps
// approval side effects exactly-once.
type Client struct {
	store          *store.Store
	queue          *queue.RedisQueue
	maxAttempts    int
	idempotencyTTL time.Duration
}

func NewClient(st *store.Store, q *queue.RedisQueue, maxAttempts int, idempotencyTTL time.Duration) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Client{store: st, queue: q, maxAttempts: maxAttempts, idempotencyTTL: idempotencyTTL}
}

// EnqueueParams describes one background task.
type EnqueueParams struct {
	Type           string
	ProjectID      string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
}

// Enqueue creates the job row and pushes it onto the queue. When the
// idempotency key matches an existing job, the existing job is returned and
// nothing new is queued.
func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	job, existing, err := c.store.CreateJob(ctx, store.CreateJobParams{
		Type:           p.Type,
		ProjectID:      p.ProjectID,
		Payload:        p.Payload,
		IdempotencyKey: p.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    c.maxAttempts,
		IdempotencyTTL: c.idempotencyTTL,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if existing {
		return job, true, nil
	}
	if err := c.queue.Enqueue(ctx, job.ID, runAt); err != nil {
		msg := err.Error()
		_ = c.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, job.Attempts, runAt, &msg)
		return models.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	_ = c.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s project=%s", p.Type, p.ProjectID))
	return job, false, nil
}

// Cancel withdraws a queued job everywhere it might be.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	if err := c.store.MarkJobCancelled(ctx, jobID); err != nil {
		return err
	}
	return c.store.AppendAudit(ctx, jobID, "cancelled", "cancel requested")
}
