package publisher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/platforms"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

type engineStore interface {
	DueScheduledPosts(ctx context.Context, until, now time.Time, limit int) ([]models.ScheduledPost, error)
	GetScheduledPost(ctx context.Context, id string) (models.ScheduledPost, error)
	MarkScheduledPublished(ctx context.Context, id, externalID string) (bool, error)
	MarkScheduledRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time, errMsg string) error
	MarkScheduledFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	RequeueFailedBefore(ctx context.Context, cutoff, newScheduledAt time.Time, requeueCap int) (int, error)
	CountUnfinishedScheduled(ctx context.Context, projectID string) (int, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	UpdatePostStatus(ctx context.Context, id, status string) error
	AppendPublishRecord(ctx context.Context, postID string, rec models.PublishRecord) error
}

type limiter interface {
	Allow(ctx context.Context, platform string) (bool, float64, error)
}

type stageAdvancer interface {
	Fire(ctx context.Context, projectID string, trigger models.Trigger, actor string) (models.Stage, error)
}

// Engine drives scheduled posts out to their platforms. Each sweep selects
// due items, groups them into time buckets, and dispatches each bucket with
// bounded concurrency. Per-item publish failures are recorded and retried with
// exponential backoff; only store-level errors abort a sweep.
type Engine struct {
	store     engineStore
	publisher platforms.Publisher
	limiter   limiter
	advancer  stageAdvancer
	log       *logging.Logger

	pollInterval   time.Duration
	lookahead      time.Duration
	bucketSize     time.Duration
	batchSize      int
	maxConcurrency int
	retryCeiling   int
	backoffBaseMin int
	publishTimeout time.Duration
	failedCooldown time.Duration
	requeueCap     int

	now func() time.Time
}

func NewEngine(cfg config.Config, st engineStore, pub platforms.Publisher, lim limiter, adv stageAdvancer, log *logging.Logger) *Engine {
	return &Engine{
		store:          st,
		publisher:      pub,
		limiter:        lim,
		advancer:       adv,
		log:            log,
		pollInterval:   cfg.PublishPollInterval,
		lookahead:      cfg.PublishLookahead,
		bucketSize:     cfg.PublishBucket,
		batchSize:      cfg.PublishBatchSize,
		maxConcurrency: cfg.PublishMaxConcurrency,
		retryCeiling:   cfg.PublishRetryCeiling,
		backoffBaseMin: cfg.PublishBackoffBaseMin,
		publishTimeout: cfg.PublishTimeout,
		failedCooldown: cfg.FailedCooldown,
		requeueCap:     cfg.FailedRequeueCap,
		now:            time.Now,
	}
}

// Run polls until the context is cancelled, sweeping due posts and requeueing
// cooled-down failures on every tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if err := e.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("publish sweep failed", "err", err)
		}
		if _, err := e.RetryFailedPosts(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("failed-post requeue failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one publishing pass: select due items inside the lookahead
// window, bucket them by scheduled time, and dispatch bucket by bucket.
// Sibling items in a bucket never block each other; a store error aborts the
// sweep and leaves the remainder for the next tick.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now().UTC()
	due, err := e.store.DueScheduledPosts(ctx, now.Add(e.lookahead), now, e.batchSize)
	if err != nil {
		return fmt.Errorf("select due posts: %w", err)
	}
	telemetry.PublishSweeps.Inc()
	if len(due) == 0 {
		return nil
	}

	buckets := make(map[time.Time][]models.ScheduledPost)
	for _, sp := range due {
		key := sp.ScheduledAt.UTC().Truncate(e.bucketSize)
		buckets[key] = append(buckets[key], sp)
	}
	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	for _, key := range keys {
		if wait := key.Sub(e.now().UTC()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxConcurrency)
		for _, sp := range buckets[key] {
			sp := sp
			g.Go(func() error {
				return e.dispatch(gctx, sp)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// dispatch publishes one scheduled item. Capability failures are recorded on
// the item and return nil; only store errors propagate.
func (e *Engine) dispatch(ctx context.Context, sp models.ScheduledPost) error {
	// Re-read under the sweep: another worker, or a publish-now request, may
	// have finished this item since selection.
	fresh, err := e.store.GetScheduledPost(ctx, sp.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	switch fresh.Status {
	case models.ScheduleStatusPublished, models.ScheduleStatusCancelled, models.ScheduleStatusFailed:
		return nil
	case models.ScheduleStatusRetry:
		// Backoff is absolute: a retry waits out its full next-attempt time
		// even when the sweep's lookahead window has already reached it.
		if fresh.NextAttemptAt.After(e.now().UTC()) {
			return nil
		}
	}

	allowed, _, err := e.limiter.Allow(ctx, fresh.Platform)
	if err != nil {
		// The limiter is advisory; on limiter outage we publish anyway.
		e.log.Warn("rate limiter unavailable", "platform", fresh.Platform, "err", err)
	} else if !allowed {
		telemetry.RateLimitRejects.Inc()
		e.log.Debug("publish deferred by rate limit", "scheduled_id", fresh.ID, "platform", fresh.Platform)
		return nil
	}

	post, err := e.store.GetPost(ctx, fresh.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.store.MarkScheduledFailed(ctx, fresh.ID, fresh.RetryCount, "post no longer exists")
		}
		return err
	}

	req := platforms.PublishRequest{
		PostID:   post.ID,
		Platform: fresh.Platform,
		Content:  Transform(fresh.Platform, post.Content),
	}
	if post.MediaKey != nil {
		req.MediaKey = *post.MediaKey
	}

	pctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	externalID, err := e.publisher.Publish(pctx, req)
	cancel()
	if err != nil {
		return e.recordFailure(ctx, fresh, err)
	}
	return e.recordSuccess(ctx, fresh, post, externalID)
}

func (e *Engine) recordSuccess(ctx context.Context, sp models.ScheduledPost, post models.Post, externalID string) error {
	won, err := e.store.MarkScheduledPublished(ctx, sp.ID, externalID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	telemetry.PostsPublished.Inc()

	rec := models.PublishRecord{Platform: sp.Platform, ExternalID: externalID, Published: e.now().UTC()}
	if err := e.store.AppendPublishRecord(ctx, post.ID, rec); err != nil {
		return err
	}
	if err := e.store.UpdatePostStatus(ctx, post.ID, models.ReviewPublished); err != nil {
		return err
	}
	e.log.Info("post published", "scheduled_id", sp.ID, "post_id", post.ID, "platform", sp.Platform, "external_id", externalID)

	// First successful publish moves the project into publishing; the advancer
	// treats a repeat fire as a no-op.
	if _, err := e.advancer.Fire(ctx, sp.ProjectID, models.TriggerStartPublishing, "publisher"); err != nil {
		e.log.Debug("start-publishing fire skipped", "project_id", sp.ProjectID, "err", err)
	}

	remaining, err := e.store.CountUnfinishedScheduled(ctx, sp.ProjectID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := e.advancer.Fire(ctx, sp.ProjectID, models.TriggerCompletePublishing, "publisher"); err != nil {
			e.log.Debug("complete-publishing fire skipped", "project_id", sp.ProjectID, "err", err)
		}
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, sp models.ScheduledPost, pubErr error) error {
	retryCount := sp.RetryCount + 1
	if retryCount < e.retryCeiling {
		next := e.now().UTC().Add(e.backoff(retryCount))
		telemetry.PublishRetries.Inc()
		e.log.Warn("publish attempt failed, retrying",
			"scheduled_id", sp.ID, "platform", sp.Platform, "retry_count", retryCount, "next_attempt_at", next, "err", pubErr)
		return e.store.MarkScheduledRetry(ctx, sp.ID, retryCount, next, pubErr.Error())
	}

	telemetry.PublishFailures.Inc()
	e.log.Error("publish failed terminally", "scheduled_id", sp.ID, "platform", sp.Platform, "retry_count", retryCount, "err", pubErr)
	if err := e.store.MarkScheduledFailed(ctx, sp.ID, retryCount, pubErr.Error()); err != nil {
		return err
	}
	return e.store.UpdatePostStatus(ctx, sp.PostID, models.ReviewFailed)
}

func (e *Engine) backoff(retryCount int) time.Duration {
	minutes := math.Pow(float64(e.backoffBaseMin), float64(retryCount))
	return time.Duration(minutes * float64(time.Minute))
}

// RetryFailedPosts requeues terminally failed items whose last attempt is
// older than the cool-down, giving them a fresh scheduled time one bucket out.
// The per-item requeue cap bounds how often an item can come back.
func (e *Engine) RetryFailedPosts(ctx context.Context) (int, error) {
	now := e.now().UTC()
	moved, err := e.store.RequeueFailedBefore(ctx, now.Add(-e.failedCooldown), now.Add(e.bucketSize), e.requeueCap)
	if err != nil {
		return 0, fmt.Errorf("requeue failed posts: %w", err)
	}
	if moved > 0 {
		telemetry.PublishRequeues.Add(float64(moved))
		e.log.Info("requeued failed posts", "count", moved)
	}
	return moved, nil
}
