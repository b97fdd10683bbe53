package runstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"postpilot/internal/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	run := models.PipelineRun{
		ProjectID: "p1",
		Stage:     "extract_insights",
		Status:    models.RunInProgress,
		Progress:  30,
		Steps: []models.StepResult{
			{Stage: "clean", OK: true, StartedAt: time.Now().UTC().Truncate(time.Second)},
		},
	}
	if err := c.Put(ctx, run); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RunInProgress || got.Progress != 30 || len(got.Steps) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearRemovesBothKeys(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_ = c.Put(ctx, models.PipelineRun{ProjectID: "p1", Status: models.RunFailed})
	_ = c.PutResult(ctx, models.RunResult{ProjectID: "p1", Success: false})
	if err := c.Clear(ctx, "p1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := c.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status survived clear: %v", err)
	}
	if _, err := c.GetResult(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("result survived clear: %v", err)
	}
}
