package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"postpilot/internal/models"
)

// InsertScheduledPosts creates execution records for approved posts.
func (s *Store) InsertScheduledPosts(ctx context.Context, items []models.ScheduledPost) ([]models.ScheduledPost, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	out := make([]models.ScheduledPost, 0, len(items))
	for _, sp := range items {
		sp.ID = uuid.New().String()
		if sp.Status == "" {
			sp.Status = models.ScheduleStatusPending
		}
		if sp.NextAttemptAt.IsZero() {
			sp.NextAttemptAt = sp.ScheduledAt
		}
		sp.CreatedAt, sp.UpdatedAt = now, now
		_, err := tx.Exec(ctx, `
			INSERT INTO scheduled_posts (id, post_id, project_id, platform, status, scheduled_at, next_attempt_at, retry_count, requeue_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $8)
		`, sp.ID, sp.PostID, sp.ProjectID, sp.Platform, sp.Status, sp.ScheduledAt, sp.NextAttemptAt, now)
		if err != nil {
			return nil, fmt.Errorf("insert scheduled post: %w", err)
		}
		out = append(out, sp)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// GetScheduledPost fetches one execution record.
func (s *Store) GetScheduledPost(ctx context.Context, id string) (models.ScheduledPost, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, post_id, project_id, platform, status, scheduled_at, next_attempt_at, retry_count, requeue_count, last_attempt_at, external_id, last_error, created_at, updated_at
		FROM scheduled_posts WHERE id = $1
	`, id)
	return scanScheduled(row)
}

// DueScheduledPosts selects pending items inside the lookahead window plus
// retry items whose backoff has expired, ordered by scheduled time, capped.
// Retry items are gated on now rather than the window end so a retry is never
// dispatched before its next-attempt time.
func (s *Store) DueScheduledPosts(ctx context.Context, until, now time.Time, limit int) ([]models.ScheduledPost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, project_id, platform, status, scheduled_at, next_attempt_at, retry_count, requeue_count, last_attempt_at, external_id, last_error, created_at, updated_at
		FROM scheduled_posts
		WHERE (status = 'pending' AND scheduled_at <= $1)
		   OR (status = 'retry' AND next_attempt_at <= $2)
		ORDER BY scheduled_at
		LIMIT $3
	`, until, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled posts: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledPost
	for rows.Next() {
		sp, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// MarkScheduledPublished flips an item to published exactly once. The status
// guard makes a repeat call a no-op; the bool reports whether this call won.
func (s *Store) MarkScheduledPublished(ctx context.Context, id, externalID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'published', external_id = $2, last_attempt_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'published'
	`, id, externalID)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkScheduledRetry records a failed attempt that still has retry budget.
func (s *Store) MarkScheduledRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'retry', retry_count = $2, next_attempt_at = $3, last_attempt_at = NOW(), last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, retryCount, nextAttempt, errMsg)
	return err
}

// MarkScheduledFailed records a terminal failure. No automatic reschedule.
func (s *Store) MarkScheduledFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'failed', retry_count = $2, last_attempt_at = NOW(), last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, retryCount, errMsg)
	return err
}

// RequeueFailedBefore resets terminally failed items older than the cutoff back
// to pending, up to the overall requeue cap, and returns how many moved.
func (s *Store) RequeueFailedBefore(ctx context.Context, cutoff, newScheduledAt time.Time, requeueCap int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'pending', scheduled_at = $2, next_attempt_at = $2, requeue_count = requeue_count + 1, last_error = NULL, updated_at = NOW()
		WHERE status = 'failed' AND last_attempt_at < $1 AND requeue_count < $3
	`, cutoff, newScheduledAt, requeueCap)
	if err != nil {
		return 0, fmt.Errorf("requeue failed posts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelScheduledForPost withdraws not-yet-published execution records for a post.
func (s *Store) CancelScheduledForPost(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts SET status = 'cancelled', updated_at = NOW()
		WHERE post_id = $1 AND status IN ('pending', 'retry')
	`, postID)
	return err
}

// CountUnfinishedScheduled counts a project's items that still owe a publish.
func (s *Store) CountUnfinishedScheduled(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_posts
		WHERE project_id = $1 AND status IN ('pending', 'retry', 'republishing')
	`, projectID).Scan(&n)
	return n, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanScheduled(row scannable) (models.ScheduledPost, error) {
	var sp models.ScheduledPost
	var lastAttempt pgtype.Timestamptz
	var externalID, lastErr pgtype.Text
	err := row.Scan(&sp.ID, &sp.PostID, &sp.ProjectID, &sp.Platform, &sp.Status,
		&sp.ScheduledAt, &sp.NextAttemptAt, &sp.RetryCount, &sp.RequeueCount,
		&lastAttempt, &externalID, &lastErr, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledPost{}, fmt.Errorf("scheduled post: %w", ErrNotFound)
	}
	if err != nil {
		return models.ScheduledPost{}, fmt.Errorf("scan scheduled post: %w", err)
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		sp.LastAttemptAt = &t
	}
	sp.ExternalID = textPtr(externalID)
	sp.LastError = textPtr(lastErr)
	return sp, nil
}
