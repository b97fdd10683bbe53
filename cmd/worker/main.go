package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/jobs"
	"postpilot/internal/lifecycle"
	"postpilot/internal/logging"
	"postpilot/internal/media"
	"postpilot/internal/models"
	"postpilot/internal/notify"
	"postpilot/internal/pipeline"
	"postpilot/internal/platforms"
	"postpilot/internal/publisher"
	"postpilot/internal/queue"
	"postpilot/internal/ratelimit"
	"postpilot/internal/runstatus"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", "err", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(rdb, cfg)
	jc := jobs.NewClient(st, q, cfg.JobMaxAttempts, cfg.IdempotencyTTL)
	cache := runstatus.New(rdb)
	sink := notify.NewRedisSink(rdb, logger)
	bus := notify.NewBus(rdb, logger)

	advancer := lifecycle.NewAdvancer(st, logger)
	completer := content.NewClient(cfg)
	waiter := pipeline.NewWaiter()
	runner := pipeline.NewRunner(cfg, st, completer, cache, advancer, jc, waiter, sink, logger)

	// Cancel requests and review wakeups arrive from the API process.
	go func() {
		if err := bus.Listen(ctx,
			func(projectID string) {
				if err := runner.Cancel(projectID); err != nil && !errors.Is(err, pipeline.ErrNoActiveRun) {
					logger.Warn("cancel failed", "project_id", projectID, "err", err)
				}
			},
			waiter.Signal,
		); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control bus stopped", "err", err)
		}
	}()

	mediaHandler, err := media.NewHandler(ctx, cfg, st, logger)
	if err != nil {
		logger.Fatal("init media handler", "err", err)
	}

	jr := jobs.NewRunner(cfg, q, st, logger)
	jr.Register(jobs.TypeRunPipeline, func(ctx context.Context, job models.Job) error {
		projectID := job.ProjectID
		if projectID == "" {
			v, _ := job.Payload["project_id"].(string)
			projectID = v
		}
		if projectID == "" {
			return fmt.Errorf("job %s has no project id", job.ID)
		}
		_, err := runner.Run(ctx, projectID)
		switch {
		case errors.Is(err, pipeline.ErrRunActive):
			// Another worker owns the run.
			return nil
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			// Deliberate cancel; the cached run carries the cancelled state.
			return nil
		}
		return err
	})
	jr.Register(jobs.TypeGeneratePosts, func(ctx context.Context, job models.Job) error {
		return runner.GeneratePosts(ctx, job.ProjectID)
	})
	jr.Register(jobs.TypeProcessMedia, mediaHandler.Handle)

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	engine := publisher.NewEngine(cfg, st, platforms.NewClient(cfg), limiter, advancer, logger)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("publisher stopped", "err", err)
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker started",
		"visibility", cfg.VisibilityTimeout,
		"publish_poll", cfg.PublishPollInterval,
		"platforms", cfg.Platforms)
	if err := jr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}
}
