package jobs

import (
	"context"
	"fmt"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/queue"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

// Handler executes one job of a registered type.
type Handler func(ctx context.Context, job models.Job) error

// Runner drives the worker execution loop: promote due scheduled jobs, reclaim
// expired leases, lease one job, dispatch it, and apply the retry policy.
type Runner struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    *store.Store
	log      *logging.Logger
	retry    RetryPolicy
	handlers map[string]Handler
}

func NewRunner(cfg config.Config, q *queue.RedisQueue, st *store.Store, log *logging.Logger) *Runner {
	return &Runner{
		cfg:   cfg,
		queue: q,
		store: st,
		log:   log,
		retry: RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			Initial:     cfg.JobBackoffInitial,
			Max:         cfg.JobBackoffMax,
		},
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type.
func (r *Runner) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize))
		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.JobsInFlight.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if job, err := r.store.GetJob(ctx, id); err == nil {
					_ = r.store.UpdateJobStatus(ctx, id, models.JobQueued, job.Attempts, time.Now(), job.LastError)
				}
			}
			r.log.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.JobQueueDepth.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err != nil {
				r.log.Error("dequeue failed", "err", err)
			}
			if !sleepCtx(ctx, r.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			_ = r.queue.Ack(ctx, jobID)
			continue
		}
		if job.Status == models.JobCancelled {
			_ = r.queue.Ack(ctx, jobID)
			continue
		}

		r.runOne(ctx, job)
	}
}

func (r *Runner) runOne(ctx context.Context, job models.Job) {
	_ = r.store.UpdateJobStatus(ctx, job.ID, models.JobInProgress, job.Attempts, job.NextRunAt, nil)
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	err := r.dispatch(ctx, job)
	if err == nil {
		_ = r.queue.Ack(ctx, job.ID)
		_ = r.store.MarkJobSuccess(ctx, job.ID)
		_ = r.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.JobsSucceeded.Inc()
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job; leave the lease to expire and be reclaimed.
		return
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if r.retry.MaxAttempts > 0 && r.retry.MaxAttempts < maxAttempts {
		maxAttempts = r.retry.MaxAttempts
	}
	if attempts >= maxAttempts {
		_ = r.store.MarkJobDeadLetter(ctx, job.ID, err.Error())
		_ = r.queue.Ack(ctx, job.ID)
		_ = r.queue.DLQPush(ctx, job.ID)
		_ = r.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.JobsDeadLettered.Inc()
		r.log.Error("job dead-lettered", "job_id", job.ID, "type", job.Type, "attempts", attempts, "err", err)
		return
	}

	nextRun := time.Now().Add(r.retry.Backoff(attempts))
	_ = r.store.UpdateJobAttempts(ctx, job.ID, attempts, nextRun, err.Error())
	_ = r.queue.Ack(ctx, job.ID)
	_ = r.queue.Schedule(ctx, job.ID, nextRun)
	_ = r.store.AppendAudit(ctx, job.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.JobsRetried.Inc()
	r.log.Warn("job failed, retry scheduled",
		"job_id", job.ID, "type", job.Type, "attempts", attempts, "next_run", nextRun, "err", err)
}

func (r *Runner) dispatch(ctx context.Context, job models.Job) error {
	handler, ok := r.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

// sleepCtx waits for d or until ctx is done; it reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
