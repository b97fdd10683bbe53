package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"postpilot/internal/config"
	"postpilot/internal/jobs"
	"postpilot/internal/lifecycle"
	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/notify"
	"postpilot/internal/queue"
	"postpilot/internal/review"
	"postpilot/internal/runstatus"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

// Server wires the HTTP surface: project lifecycle, pipeline runs, review
// decisions, and publish controls.
type Server struct {
	cfg      config.Config
	store    *store.Store
	jobs     *jobs.Client
	cache    *runstatus.Cache
	review   *review.Service
	advancer *lifecycle.Advancer
	bus      *notify.Bus
	queue    *queue.RedisQueue
	log      *logging.Logger
}

func New(cfg config.Config, st *store.Store, jc *jobs.Client, cache *runstatus.Cache, rv *review.Service, adv *lifecycle.Advancer, bus *notify.Bus, q *queue.RedisQueue, log *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		jobs:     jc,
		cache:    cache,
		review:   rv,
		advancer: adv,
		bus:      bus,
		queue:    q,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/{id}", s.handleGetProject)
		r.Get("/{id}/history", s.handleStageHistory)
		r.Get("/{id}/insights", s.handleListInsights)
		r.Get("/{id}/posts", s.handleListPosts)
		r.Post("/{id}/run", s.handleStartRun)
		r.Get("/{id}/run", s.handleGetRun)
		r.Post("/{id}/run/cancel", s.handleCancelRun)
		r.Post("/{id}/run/retry", s.handleRetryRun)
		r.Post("/{id}/publish-now", s.handlePublishNow)
		r.Post("/{id}/archive", s.handleTrigger(models.TriggerArchive))
		r.Post("/{id}/restore", s.handleTrigger(models.TriggerRestore))
	})

	r.Post("/insights/{id}/review", s.handleReviewInsight)
	r.Post("/posts/{id}/review", s.handleReviewPost)
	r.Patch("/posts/{id}", s.handleEditPost)
	r.Post("/posts/{id}/media", s.handleAttachMedia)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type createProjectRequest struct {
	Name       string                `json:"name"`
	RawContent string                `json:"raw_content"`
	Workflow   models.WorkflowConfig `json:"workflow"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.RawContent == "" {
		http.Error(w, "name and raw_content are required", http.StatusBadRequest)
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.Name, req.RawContent, req.Workflow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleStageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.StageHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListInsights(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": items})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListPosts(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": items})
}

type startRunResponse struct {
	Job      models.Job `json:"job"`
	Existing bool       `json:"existing"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	job, existing, err := s.jobs.Enqueue(r.Context(), jobs.EnqueueParams{
		Type:           jobs.TypeRunPipeline,
		ProjectID:      id,
		Payload:        map[string]any{"project_id": id},
		IdempotencyKey: "run:" + id,
		RunAt:          time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{Job: job, Existing: existing})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.cache.Get(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, run)
		return
	}
	if !errors.Is(err, runstatus.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res, err := s.cache.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, runstatus.ErrNotFound) {
			writeJSON(w, http.StatusOK, models.PipelineRun{ProjectID: id, Status: models.RunNotStarted})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.bus.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "cancel request failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.cache.Clear(r.Context(), id); err != nil {
		http.Error(w, "clear cached run failed", http.StatusInternalServerError)
		return
	}
	if _, err := s.advancer.Fire(r.Context(), id, models.TriggerRetryProcessing, "api"); err != nil {
		var invalid *lifecycle.ErrInvalidTransition
		if !errors.As(err, &invalid) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	// A fresh run, not deduplicated against the previous one.
	job, _, err := s.jobs.Enqueue(r.Context(), jobs.EnqueueParams{
		Type:      jobs.TypeRunPipeline,
		ProjectID: id,
		Payload:   map[string]any{"project_id": id},
		RunAt:     time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{Job: job})
}

// handlePublishNow schedules every approved post for immediate dispatch and
// moves the project straight to publishing, skipping the scheduled stage.
func (s *Server) handlePublishNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if project.Stage != models.StagePostsApproved {
		http.Error(w, "publish-now requires approved posts", http.StatusConflict)
		return
	}
	approved, err := s.store.ListPosts(r.Context(), id, models.ReviewApproved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(approved) == 0 {
		http.Error(w, "no approved posts", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	items := make([]models.ScheduledPost, 0, len(approved))
	for _, post := range approved {
		items = append(items, models.ScheduledPost{
			PostID:      post.ID,
			ProjectID:   id,
			Platform:    post.Platform,
			Status:      models.ScheduleStatusPending,
			ScheduledAt: now,
		})
	}
	if _, err := s.store.InsertScheduledPosts(r.Context(), items); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, post := range approved {
		if err := s.store.UpdatePostStatus(r.Context(), post.ID, models.ReviewScheduled); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	stage, err := s.advancer.Fire(r.Context(), id, models.TriggerPublishNow, "api")
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stage": stage, "scheduled": len(items)})
}

func (s *Server) handleTrigger(trigger models.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage, err := s.advancer.Fire(r.Context(), chi.URLParam(r, "id"), trigger, "api")
		if err != nil {
			var invalid *lifecycle.ErrInvalidTransition
			if errors.As(err, &invalid) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stage": stage})
	}
}

type reviewRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

func (s *Server) handleReviewInsight(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}
	insight, err := s.review.TransitionInsight(r.Context(), chi.URLParam(r, "id"), review.Action(req.Action), actorOr(req.Actor))
	if err != nil {
		writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insight)
}

func (s *Server) handleReviewPost(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}
	post, err := s.review.TransitionPost(r.Context(), chi.URLParam(r, "id"), review.Action(req.Action), actorOr(req.Actor))
	if err != nil {
		writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

type editPostRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditPost(w http.ResponseWriter, r *http.Request) {
	var req editPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	post, err := s.review.EditPost(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

type attachMediaRequest struct {
	SourceURL string `json:"source_url"`
	Width     int    `json:"width"`
}

func (s *Server) handleAttachMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}
	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job, existing, err := s.jobs.Enqueue(r.Context(), jobs.EnqueueParams{
		Type:      jobs.TypeProcessMedia,
		ProjectID: post.ProjectID,
		Payload:   map[string]any{"post_id": id, "source_url": req.SourceURL, "width": req.Width},
		RunAt:     time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{Job: job, Existing: existing})
}

// handleDLQ returns dead-lettered job ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func actorOr(actor string) string {
	if actor == "" {
		return "reviewer"
	}
	return actor
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeReviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case review.IsIllegal(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
