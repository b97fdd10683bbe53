package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"postpilot/internal/api"
	"postpilot/internal/config"
	"postpilot/internal/jobs"
	"postpilot/internal/lifecycle"
	"postpilot/internal/logging"
	"postpilot/internal/notify"
	"postpilot/internal/queue"
	"postpilot/internal/review"
	"postpilot/internal/runstatus"
	"postpilot/internal/store"
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
	bus := notify.NewBus(rdb, logger)

	advancer := lifecycle.NewAdvancer(st, logger)
	reviewSvc := review.NewService(st, advancer, jc, logger)
	reviewSvc.SetSignaler(bus)

	server := api.New(cfg, st, jc, cache, reviewSvc, advancer, bus, q, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
