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

// InsertInsights writes extracted insight drafts in one transaction and
// returns them with ids assigned.
func (s *Store) InsertInsights(ctx context.Context, projectID string, drafts []models.Insight) ([]models.Insight, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	out := make([]models.Insight, 0, len(drafts))
	for _, d := range drafts {
		d.ID = uuid.New().String()
		d.ProjectID = projectID
		if d.Status == "" {
			d.Status = models.ReviewDraft
		}
		d.CreatedAt, d.UpdatedAt = now, now
		_, err := tx.Exec(ctx, `
			INSERT INTO insights (id, project_id, status, content, urgency, relatability, specificity, authority, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		`, d.ID, d.ProjectID, d.Status, d.Content, d.Scores.Urgency, d.Scores.Relatability, d.Scores.Specificity, d.Scores.Authority, now)
		if err != nil {
			return nil, fmt.Errorf("insert insight: %w", err)
		}
		out = append(out, d)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// GetInsight fetches one insight by id.
func (s *Store) GetInsight(ctx context.Context, id string) (models.Insight, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, status, content, urgency, relatability, specificity, authority, created_at, updated_at
		FROM insights WHERE id = $1
	`, id)
	var in models.Insight
	err := row.Scan(&in.ID, &in.ProjectID, &in.Status, &in.Content,
		&in.Scores.Urgency, &in.Scores.Relatability, &in.Scores.Specificity, &in.Scores.Authority,
		&in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Insight{}, fmt.Errorf("insight %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Insight{}, fmt.Errorf("scan insight: %w", err)
	}
	return in, nil
}

// UpdateInsightStatus moves an insight between review states.
func (s *Store) UpdateInsightStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE insights SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insight %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListInsights returns a project's insights, optionally filtered by status.
func (s *Store) ListInsights(ctx context.Context, projectID, status string) ([]models.Insight, error) {
	query := `
		SELECT id, project_id, status, content, urgency, relatability, specificity, authority, created_at, updated_at
		FROM insights WHERE project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var out []models.Insight
	for rows.Next() {
		var in models.Insight
		if err := rows.Scan(&in.ID, &in.ProjectID, &in.Status, &in.Content,
			&in.Scores.Urgency, &in.Scores.Relatability, &in.Scores.Specificity, &in.Scores.Authority,
			&in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CountInsights counts a project's insights in a given status.
func (s *Store) CountInsights(ctx context.Context, projectID, status string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM insights WHERE project_id = $1 AND status = $2
	`, projectID, status).Scan(&n)
	return n, err
}

// InsertPosts writes generated posts in one transaction.
func (s *Store) InsertPosts(ctx context.Context, posts []models.Post) ([]models.Post, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	out := make([]models.Post, 0, len(posts))
	for _, p := range posts {
		p.ID = uuid.New().String()
		if p.Status == "" {
			p.Status = models.ReviewDraft
		}
		p.CreatedAt, p.UpdatedAt = now, now
		_, err := tx.Exec(ctx, `
			INSERT INTO posts (id, project_id, insight_id, platform, status, content, media_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, p.ID, p.ProjectID, p.InsightID, p.Platform, p.Status, p.Content, p.MediaKey, now)
		if err != nil {
			return nil, fmt.Errorf("insert post: %w", err)
		}
		out = append(out, p)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// GetPost fetches one post by id, including its publish history.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, insight_id, platform, status, content, media_key, created_at, updated_at
		FROM posts WHERE id = $1
	`, id)
	var p models.Post
	var mediaKey pgtype.Text
	err := row.Scan(&p.ID, &p.ProjectID, &p.InsightID, &p.Platform, &p.Status, &p.Content, &mediaKey, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	p.MediaKey = textPtr(mediaKey)

	history, err := s.PublishHistory(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	p.History = history
	return p, nil
}

// UpdatePostStatus moves a post between review states.
func (s *Store) UpdatePostStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdatePostContent rewrites the body; the review machine decides when Edit is legal.
func (s *Store) UpdatePostContent(ctx context.Context, id, content, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET content = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, id, content, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetPostMediaKey attaches a processed media object to the post.
func (s *Store) SetPostMediaKey(ctx context.Context, id, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET media_key = $2, updated_at = NOW() WHERE id = $1
	`, id, key)
	return err
}

// ListPosts returns a project's posts, optionally filtered by status.
func (s *Store) ListPosts(ctx context.Context, projectID, status string) ([]models.Post, error) {
	query := `
		SELECT id, project_id, insight_id, platform, status, content, media_key, created_at, updated_at
		FROM posts WHERE project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var out []models.Post
	for rows.Next() {
		var p models.Post
		var mediaKey pgtype.Text
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.InsightID, &p.Platform, &p.Status, &p.Content, &mediaKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.MediaKey = textPtr(mediaKey)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPosts counts a project's posts in a given status.
func (s *Store) CountPosts(ctx context.Context, projectID, status string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts WHERE project_id = $1 AND status = $2
	`, projectID, status).Scan(&n)
	return n, err
}

// AppendPublishRecord adds one row to the post's append-only publish history.
func (s *Store) AppendPublishRecord(ctx context.Context, postID string, rec models.PublishRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publish_records (post_id, platform, external_id, published_at)
		VALUES ($1, $2, $3, $4)
	`, postID, rec.Platform, rec.ExternalID, rec.Published)
	return err
}

// PublishHistory lists a post's publish records, oldest first.
func (s *Store) PublishHistory(ctx context.Context, postID string) ([]models.PublishRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT platform, external_id, published_at FROM publish_records WHERE post_id = $1 ORDER BY published_at
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("query publish records: %w", err)
	}
	defer rows.Close()

	var out []models.PublishRecord
	for rows.Next() {
		var r models.PublishRecord
		if err := rows.Scan(&r.Platform, &r.ExternalID, &r.Published); err != nil {
			return nil, fmt.Errorf("scan publish record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
