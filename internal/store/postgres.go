package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"postpilot/internal/models"
)

// ErrConflict signals an optimistic concurrency violation on a stage update.
// Callers retry with a fresh read.
var ErrConflict = errors.New("store: stage changed concurrently")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateProject inserts a new project in the raw_content stage.
func (s *Store) CreateProject(ctx context.Context, name, rawContent string, wf models.WorkflowConfig) (models.Project, error) {
	wfJSON, err := json.Marshal(wf)
	if err != nil {
		return models.Project{}, fmt.Errorf("marshal workflow: %w", err)
	}
	now := time.Now().UTC()
	p := models.Project{
		ID:             uuid.New().String(),
		Name:           name,
		Stage:          models.StageRawContent,
		Progress:       10,
		RawContent:     rawContent,
		Workflow:       wf,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, stage, progress, raw_content, cleaned_content, workflow, created_at, updated_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, $7, $7, $7)
	`, p.ID, p.Name, p.Stage, p.Progress, p.RawContent, wfJSON, now)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, stage, progress, raw_content, cleaned_content, workflow, last_error, last_activity_at, created_at, updated_at
		FROM projects WHERE id = $1
	`, id)

	var p models.Project
	var wfJSON []byte
	var lastErr pgtype.Text
	if err := row.Scan(&p.ID, &p.Name, &p.Stage, &p.Progress, &p.RawContent, &p.CleanedContent, &wfJSON, &lastErr, &p.LastActivityAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal(wfJSON, &p.Workflow); err != nil {
		return models.Project{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	p.LastError = textPtr(lastErr)

	metrics, err := s.ProjectMetrics(ctx, id)
	if err != nil {
		return models.Project{}, err
	}
	p.Metrics = metrics
	return p, nil
}

// SwapProjectStage moves a project from one stage to another atomically.
// The WHERE clause on the current stage makes the update a compare-and-swap;
// zero affected rows means another writer got there first.
func (s *Store) SwapProjectStage(ctx context.Context, id string, from, to models.Stage, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET stage = $3, progress = $4, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND stage = $2
	`, id, from, to, progress)
	if err != nil {
		return fmt.Errorf("swap stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AppendStageTransition records one immutable lifecycle history entry.
func (s *Store) AppendStageTransition(ctx context.Context, t models.StageTransition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_history (project_id, from_stage, to_stage, trigger, actor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ProjectID, t.FromStage, t.ToStage, t.Trigger, t.Actor, t.Recorded)
	return err
}

// StageHistory returns the audit trail for a project, oldest first.
func (s *Store) StageHistory(ctx context.Context, projectID string) ([]models.StageTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, from_stage, to_stage, trigger, actor, recorded_at
		FROM stage_history WHERE project_id = $1 ORDER BY recorded_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()

	var out []models.StageTransition
	for rows.Next() {
		var t models.StageTransition
		if err := rows.Scan(&t.ProjectID, &t.FromStage, &t.ToStage, &t.Trigger, &t.Actor, &t.Recorded); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetProjectCleaned stores the cleaned transcript.
func (s *Store) SetProjectCleaned(ctx context.Context, id, cleaned string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE projects SET cleaned_content = $2, last_activity_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, cleaned)
	return err
}

// SetProjectError attaches a human-readable failure message for audit.
func (s *Store) SetProjectError(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE projects SET last_error = $2, updated_at = NOW() WHERE id = $1
	`, id, msg)
	return err
}

// ProjectMetrics counts child entities per status for the dashboard snapshot.
func (s *Store) ProjectMetrics(ctx context.Context, id string) (models.Metrics, error) {
	var m models.Metrics
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM insights WHERE project_id = $1),
			(SELECT COUNT(*) FROM insights WHERE project_id = $1 AND status = 'approved'),
			(SELECT COUNT(*) FROM posts WHERE project_id = $1),
			(SELECT COUNT(*) FROM posts WHERE project_id = $1 AND status = 'approved'),
			(SELECT COUNT(*) FROM posts WHERE project_id = $1 AND status = 'published'),
			(SELECT COUNT(*) FROM posts WHERE project_id = $1 AND status = 'failed')
	`, id).Scan(&m.InsightsTotal, &m.InsightsApproved, &m.PostsTotal, &m.PostsApproved, &m.PostsPublished, &m.PostsFailed)
	if err != nil {
		return models.Metrics{}, fmt.Errorf("project metrics: %w", err)
	}
	return m, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
