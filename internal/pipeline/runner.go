package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/jobs"
	"postpilot/internal/lifecycle"
	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/notify"
	"postpilot/internal/telemetry"
)

var (
	// ErrReviewTimeout ends a review-wait that nobody decided within the window.
	ErrReviewTimeout = errors.New("review wait timed out")
	// ErrRunActive rejects a second concurrent run for the same project.
	ErrRunActive = errors.New("pipeline run already active for project")
	// ErrNoActiveRun is returned by Cancel when nothing is running.
	ErrNoActiveRun = errors.New("no active pipeline run for project")
)

type pipelineStore interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	SetProjectCleaned(ctx context.Context, id, cleaned string) error
	SetProjectError(ctx context.Context, id, msg string) error
	ListInsights(ctx context.Context, projectID, status string) ([]models.Insight, error)
	InsertInsights(ctx context.Context, projectID string, drafts []models.Insight) ([]models.Insight, error)
	UpdateInsightStatus(ctx context.Context, id, status string) error
	ListPosts(ctx context.Context, projectID, status string) ([]models.Post, error)
	InsertPosts(ctx context.Context, posts []models.Post) ([]models.Post, error)
	UpdatePostStatus(ctx context.Context, id, status string) error
	InsertScheduledPosts(ctx context.Context, items []models.ScheduledPost) ([]models.ScheduledPost, error)
}

type runCache interface {
	Put(ctx context.Context, run models.PipelineRun) error
	PutResult(ctx context.Context, res models.RunResult) error
	Clear(ctx context.Context, projectID string) error
}

type stageAdvancer interface {
	Fire(ctx context.Context, projectID string, trigger models.Trigger, actor string) (models.Stage, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (models.Job, bool, error)
}

// Runner drives the full content pipeline for one project: clean, extract
// insights, wait for (or auto-grant) insight approval, generate posts, wait
// for (or auto-grant) post approval, schedule, complete. Runs execute inside
// the background job runtime; the runner owns the active-run set so each
// project has at most one run in flight.
type Runner struct {
	store     pipelineStore
	completer content.Completer
	cache     runCache
	advancer  stageAdvancer
	enqueue   enqueuer
	waiter    *Waiter
	sink      notify.Sink
	log       *logging.Logger

	reviewCheckInterval time.Duration
	reviewTimeout       time.Duration
	insightTarget       int
	platforms           []string
	scheduleSpacing     time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc

	now func() time.Time
}

func NewRunner(cfg config.Config, st pipelineStore, comp content.Completer, cache runCache, adv stageAdvancer, enq enqueuer, waiter *Waiter, sink notify.Sink, log *logging.Logger) *Runner {
	return &Runner{
		store:               st,
		completer:           comp,
		cache:               cache,
		advancer:            adv,
		enqueue:             enq,
		waiter:              waiter,
		sink:                sink,
		log:                 log,
		reviewCheckInterval: cfg.ReviewCheckInterval,
		reviewTimeout:       cfg.ReviewTimeout,
		insightTarget:       cfg.InsightTarget,
		platforms:           cfg.Platforms,
		scheduleSpacing:     cfg.PublishBucket,
		active:              map[string]context.CancelFunc{},
		now:                 time.Now,
	}
}

// Run executes the pipeline for one project and returns its final summary.
// The returned error is what the job runner's retry policy acts on.
func (r *Runner) Run(ctx context.Context, projectID string) (models.RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !r.activate(projectID, cancel) {
		return models.RunResult{}, ErrRunActive
	}
	defer r.deactivate(projectID)

	started := r.now().UTC()
	run := models.PipelineRun{
		ProjectID: projectID,
		Status:    models.RunInProgress,
		StartedAt: started,
		UpdatedAt: started,
	}

	counts, err := r.execute(ctx, projectID, &run)
	res := models.RunResult{
		ProjectID:   projectID,
		Success:     err == nil,
		Insights:    counts.insights,
		Posts:       counts.posts,
		Scheduled:   counts.scheduled,
		Duration:    r.now().UTC().Sub(started),
		CompletedAt: r.now().UTC(),
	}

	// Bookkeeping below must outlive a cancelled run context.
	bctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		run.Status = models.RunCompleted
		run.Progress = lifecycle.ProgressFor(models.StageScheduled)
		telemetry.RunsCompleted.Inc()
		r.log.Info("pipeline run completed", "project_id", projectID,
			"insights", counts.insights, "posts", counts.posts, "scheduled", counts.scheduled)
	case errors.Is(err, context.Canceled):
		run.Status = models.RunCancelled
		run.Message = "run cancelled"
		res.Error = "cancelled"
		telemetry.RunsCancelled.Inc()
		r.log.Info("pipeline run cancelled", "project_id", projectID, "stage", run.Stage)
	default:
		run.Status = models.RunFailed
		run.Message = err.Error()
		res.Error = err.Error()
		telemetry.RunsFailed.Inc()
		r.log.Error("pipeline run failed", "project_id", projectID, "stage", run.Stage, "err", err)
		if serr := r.store.SetProjectError(bctx, projectID, err.Error()); serr != nil {
			r.log.Warn("record project error failed", "project_id", projectID, "err", serr)
		}
		r.fire(bctx, projectID, models.TriggerFail)
	}

	run.UpdatedAt = r.now().UTC()
	r.putRun(bctx, run)
	if cerr := r.cache.PutResult(bctx, res); cerr != nil {
		r.log.Warn("cache run result failed", "project_id", projectID, "err", cerr)
	}
	return res, err
}

// Cancel interrupts the project's active run. Completed steps are kept; the
// run's own error path marks the cached run cancelled.
func (r *Runner) Cancel(projectID string) error {
	r.mu.Lock()
	cancel, ok := r.active[projectID]
	r.mu.Unlock()
	if !ok {
		return ErrNoActiveRun
	}
	cancel()
	return nil
}

// Retry clears the cached run and result and enqueues a fresh run. The
// pipeline restarts from the beginning; it does not resume mid-run.
func (r *Runner) Retry(ctx context.Context, projectID string) (models.Job, error) {
	r.mu.Lock()
	_, running := r.active[projectID]
	r.mu.Unlock()
	if running {
		return models.Job{}, ErrRunActive
	}
	if err := r.cache.Clear(ctx, projectID); err != nil {
		return models.Job{}, fmt.Errorf("clear cached run: %w", err)
	}
	r.fire(ctx, projectID, models.TriggerRetryProcessing)

	job, _, err := r.enqueue.Enqueue(ctx, jobs.EnqueueParams{
		Type:      jobs.TypeRunPipeline,
		ProjectID: projectID,
		Payload:   map[string]any{"project_id": projectID},
		RunAt:     r.now().UTC(),
	})
	return job, err
}

type runCounts struct {
	insights  int
	posts     int
	scheduled int
}

func (r *Runner) execute(ctx context.Context, projectID string, run *models.PipelineRun) (runCounts, error) {
	var counts runCounts

	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return counts, fmt.Errorf("load project: %w", err)
	}
	wf := p.Workflow

	// Clean.
	err = r.step(ctx, run, "clean", func(ctx context.Context) (string, map[string]any, error) {
		r.fire(ctx, projectID, models.TriggerStartProcessing)
		if p.CleanedContent != "" {
			return "already cleaned", nil, nil
		}
		cleaned, err := r.completer.Clean(ctx, p.RawContent)
		if err != nil {
			return "", nil, err
		}
		if err := r.store.SetProjectCleaned(ctx, projectID, cleaned); err != nil {
			return "", nil, err
		}
		p.CleanedContent = cleaned
		return "content cleaned", map[string]any{"chars": len(cleaned)}, nil
	})
	if err != nil {
		return counts, err
	}

	// Extract insights. Skipped on restart when they already exist.
	err = r.step(ctx, run, "extract_insights", func(ctx context.Context) (string, map[string]any, error) {
		existing, err := r.store.ListInsights(ctx, projectID, "")
		if err != nil {
			return "", nil, err
		}
		if len(existing) == 0 {
			target := wf.InsightTarget
			if target <= 0 {
				target = r.insightTarget
			}
			drafts, err := r.completer.ExtractInsights(ctx, p.CleanedContent, target)
			if err != nil {
				return "", nil, err
			}
			for i := range drafts {
				drafts[i].Status = models.ReviewNeedsReview
			}
			existing, err = r.store.InsertInsights(ctx, projectID, drafts)
			if err != nil {
				return "", nil, err
			}
		}
		counts.insights = len(existing)
		r.fire(ctx, projectID, models.TriggerCompleteProcessing)
		return fmt.Sprintf("%d insights ready for review", len(existing)), map[string]any{"insights": len(existing)}, nil
	})
	if err != nil {
		return counts, err
	}

	// Insight review gate.
	err = r.step(ctx, run, "insight_review", func(ctx context.Context) (string, map[string]any, error) {
		if wf.AutoApproveInsights {
			return r.autoApproveInsights(ctx, projectID)
		}
		return r.awaitReview(ctx, run, projectID, models.StageInsightsApproved)
	})
	if err != nil {
		return counts, err
	}

	// Generate posts, one per approved insight per platform.
	err = r.step(ctx, run, "generate_posts", func(ctx context.Context) (string, map[string]any, error) {
		posts, err := r.generatePosts(ctx, projectID, wf)
		if err != nil {
			return "", nil, err
		}
		counts.posts = len(posts)
		r.fire(ctx, projectID, models.TriggerGeneratePosts)
		return fmt.Sprintf("%d posts generated", len(posts)), map[string]any{"posts": len(posts)}, nil
	})
	if err != nil {
		return counts, err
	}

	// Post review gate.
	err = r.step(ctx, run, "post_review", func(ctx context.Context) (string, map[string]any, error) {
		if wf.AutoApprovePosts {
			return r.autoApprovePosts(ctx, projectID)
		}
		return r.awaitReview(ctx, run, projectID, models.StagePostsApproved)
	})
	if err != nil {
		return counts, err
	}

	// Schedule approved posts.
	err = r.step(ctx, run, "schedule_posts", func(ctx context.Context) (string, map[string]any, error) {
		approved, err := r.store.ListPosts(ctx, projectID, models.ReviewApproved)
		if err != nil {
			return "", nil, err
		}
		start := r.now().UTC().Add(r.scheduleSpacing)
		items := make([]models.ScheduledPost, 0, len(approved))
		for i, post := range approved {
			at := start.Add(time.Duration(i) * r.scheduleSpacing)
			if i < len(wf.PublishOffsets) {
				at = start.Add(time.Duration(wf.PublishOffsets[i]) * time.Minute)
			}
			items = append(items, models.ScheduledPost{
				PostID:      post.ID,
				ProjectID:   projectID,
				Platform:    post.Platform,
				Status:      models.ScheduleStatusPending,
				ScheduledAt: at,
			})
		}
		if _, err := r.store.InsertScheduledPosts(ctx, items); err != nil {
			return "", nil, err
		}
		for _, post := range approved {
			if err := r.store.UpdatePostStatus(ctx, post.ID, models.ReviewScheduled); err != nil {
				return "", nil, err
			}
		}
		counts.scheduled = len(items)
		r.fire(ctx, projectID, models.TriggerSchedulePosts)
		return fmt.Sprintf("%d posts scheduled", len(items)), map[string]any{"scheduled": len(items)}, nil
	})
	if err != nil {
		return counts, err
	}

	return counts, nil
}

// generatePosts renders one post per approved insight per target platform.
// Insights that already carry posts are skipped, so restarts and the
// standalone generation job never duplicate work, while an insight approved
// after an earlier wave still gets its posts.
func (r *Runner) generatePosts(ctx context.Context, projectID string, wf models.WorkflowConfig) ([]models.Post, error) {
	posts, err := r.store.ListPosts(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	covered := make(map[string]bool, len(posts))
	for _, p := range posts {
		covered[p.InsightID] = true
	}

	approved, err := r.store.ListInsights(ctx, projectID, models.ReviewApproved)
	if err != nil {
		return nil, err
	}
	if len(approved) == 0 && len(posts) == 0 {
		return nil, fmt.Errorf("no approved insights to generate posts from")
	}
	targets := wf.Platforms
	if len(targets) == 0 {
		targets = r.platforms
	}
	drafts := make([]models.Post, 0, len(approved)*len(targets))
	for _, in := range approved {
		if covered[in.ID] {
			continue
		}
		for _, platform := range targets {
			body, err := r.completer.GeneratePost(ctx, in.Content, platform)
			if err != nil {
				return nil, err
			}
			drafts = append(drafts, models.Post{
				ProjectID: projectID,
				InsightID: in.ID,
				Platform:  platform,
				Status:    models.ReviewNeedsReview,
				Content:   body,
			})
		}
	}
	if len(drafts) == 0 {
		return posts, nil
	}
	created, err := r.store.InsertPosts(ctx, drafts)
	if err != nil {
		return nil, err
	}
	return append(posts, created...), nil
}

// GeneratePosts backs the standalone posts:generate job. When the project has
// an active run, that run owns generation and this is a no-op.
func (r *Runner) GeneratePosts(ctx context.Context, projectID string) error {
	r.mu.Lock()
	_, running := r.active[projectID]
	r.mu.Unlock()
	if running {
		return nil
	}
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	posts, err := r.generatePosts(ctx, projectID, p.Workflow)
	if err != nil {
		return err
	}
	r.fire(ctx, projectID, models.TriggerGeneratePosts)
	r.log.Info("posts generated", "project_id", projectID, "count", len(posts))
	return nil
}

func (r *Runner) autoApproveInsights(ctx context.Context, projectID string) (string, map[string]any, error) {
	pending, err := r.store.ListInsights(ctx, projectID, models.ReviewNeedsReview)
	if err != nil {
		return "", nil, err
	}
	for _, in := range pending {
		if err := r.store.UpdateInsightStatus(ctx, in.ID, models.ReviewApproved); err != nil {
			return "", nil, err
		}
	}
	r.fire(ctx, projectID, models.TriggerApproveInsights)
	return fmt.Sprintf("auto-approved %d insights", len(pending)), nil, nil
}

func (r *Runner) autoApprovePosts(ctx context.Context, projectID string) (string, map[string]any, error) {
	pending, err := r.store.ListPosts(ctx, projectID, models.ReviewNeedsReview)
	if err != nil {
		return "", nil, err
	}
	for _, post := range pending {
		if err := r.store.UpdatePostStatus(ctx, post.ID, models.ReviewApproved); err != nil {
			return "", nil, err
		}
	}
	r.fire(ctx, projectID, models.TriggerApprovePosts)
	return fmt.Sprintf("auto-approved %d posts", len(pending)), nil, nil
}

// awaitReview blocks until the project reaches target (or further), the
// review window times out, or the run is cancelled. Review decisions wake it
// through the waiter; the poll ticker is the fallback.
func (r *Runner) awaitReview(ctx context.Context, run *models.PipelineRun, projectID string, target models.Stage) (string, map[string]any, error) {
	run.Status = models.RunWaitingForReview
	r.putRun(ctx, *run)
	defer func() { run.Status = models.RunInProgress }()

	ch := r.waiter.register(projectID)
	defer r.waiter.release(projectID)

	deadline := time.NewTimer(r.reviewTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.reviewCheckInterval)
	defer ticker.Stop()

	for {
		p, err := r.store.GetProject(ctx, projectID)
		if err != nil {
			return "", nil, err
		}
		switch {
		case p.Stage == models.StageFailed || p.Stage == models.StageArchived:
			return "", nil, fmt.Errorf("review aborted: project moved to %s", p.Stage)
		case lifecycle.ProgressFor(p.Stage) >= lifecycle.ProgressFor(target):
			return "review approved", nil, nil
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-deadline.C:
			return "", nil, ErrReviewTimeout
		case <-ch:
		case <-ticker.C:
		}
	}
}

// step wraps one pipeline stage with timing, the step record, the status
// cache write, and the progress push.
func (r *Runner) step(ctx context.Context, run *models.PipelineRun, name string, fn func(context.Context) (string, map[string]any, error)) error {
	run.Stage = name
	started := r.now().UTC()

	msg, data, err := fn(ctx)
	rec := models.StepResult{
		Stage:     name,
		StartedAt: started,
		EndedAt:   r.now().UTC(),
		OK:        err == nil,
		Message:   msg,
		Data:      data,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	run.Steps = append(run.Steps, rec)
	run.UpdatedAt = rec.EndedAt
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}

	if p, perr := r.store.GetProject(ctx, run.ProjectID); perr == nil {
		run.Progress = p.Progress
	}
	r.putRun(ctx, *run)
	if r.sink != nil {
		r.sink.PublishProgress(ctx, notify.Progress{
			ProjectID: run.ProjectID,
			Stage:     name,
			Progress:  run.Progress,
			Message:   msg,
		})
	}
	return nil
}

// fire advances the lifecycle and tolerates triggers that do not apply, so a
// restarted run can walk past stages it already passed.
func (r *Runner) fire(ctx context.Context, projectID string, trigger models.Trigger) {
	if _, err := r.advancer.Fire(ctx, projectID, trigger, "pipeline"); err != nil {
		var invalid *lifecycle.ErrInvalidTransition
		if errors.As(err, &invalid) {
			r.log.Debug("lifecycle trigger skipped", "project_id", projectID, "trigger", trigger, "err", err)
			return
		}
		r.log.Warn("lifecycle trigger failed", "project_id", projectID, "trigger", trigger, "err", err)
	}
}

func (r *Runner) putRun(ctx context.Context, run models.PipelineRun) {
	if err := r.cache.Put(ctx, run); err != nil {
		r.log.Warn("cache run status failed", "project_id", run.ProjectID, "err", err)
	}
}

func (r *Runner) activate(projectID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[projectID]; ok {
		return false
	}
	r.active[projectID] = cancel
	return true
}

func (r *Runner) deactivate(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, projectID)
}
