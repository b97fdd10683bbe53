package runstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"postpilot/internal/models"
)

// ErrNotFound is returned when no cached run exists for a project.
var ErrNotFound = errors.New("runstatus: not found")

// Cache stores the live pipeline run view in Redis, keyed by project id.
// It is best-effort: the run can be rebuilt from persisted aggregates, minus
// step timing, so cache errors never fail the pipeline.
type Cache struct {
	client    *redis.Client
	statusTTL time.Duration
	resultTTL time.Duration
}

func New(client *redis.Client) *Cache {
	return &Cache{
		client:    client,
		statusTTL: 6 * time.Hour,
		resultTTL: 7 * 24 * time.Hour,
	}
}

func statusKey(projectID string) string { return "run:status:" + projectID }
func resultKey(projectID string) string { return "run:result:" + projectID }

// Put writes the live run status.
func (c *Cache) Put(ctx context.Context, run models.PipelineRun) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return c.client.Set(ctx, statusKey(run.ProjectID), b, c.statusTTL).Err()
}

// Get reads the live run status.
func (c *Cache) Get(ctx context.Context, projectID string) (models.PipelineRun, error) {
	b, err := c.client.Get(ctx, statusKey(projectID)).Bytes()
	if err == redis.Nil {
		return models.PipelineRun{}, ErrNotFound
	}
	if err != nil {
		return models.PipelineRun{}, err
	}
	var run models.PipelineRun
	if err := json.Unmarshal(b, &run); err != nil {
		return models.PipelineRun{}, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

// PutResult writes the final run summary with the longer retention.
func (c *Cache) PutResult(ctx context.Context, res models.RunResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.client.Set(ctx, resultKey(res.ProjectID), b, c.resultTTL).Err()
}

// GetResult reads the final run summary.
func (c *Cache) GetResult(ctx context.Context, projectID string) (models.RunResult, error) {
	b, err := c.client.Get(ctx, resultKey(projectID)).Bytes()
	if err == redis.Nil {
		return models.RunResult{}, ErrNotFound
	}
	if err != nil {
		return models.RunResult{}, err
	}
	var res models.RunResult
	if err := json.Unmarshal(b, &res); err != nil {
		return models.RunResult{}, fmt.Errorf("unmarshal result: %w", err)
	}
	return res, nil
}

// Clear drops both the live status and the final result. Used by retry-from-stage.
func (c *Cache) Clear(ctx context.Context, projectID string) error {
	return c.client.Del(ctx, statusKey(projectID), resultKey(projectID)).Err()
}
