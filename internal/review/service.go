package review

import (
	"context"
	"errors"
	"fmt"

	"postpilot/internal/jobs"
	"postpilot/internal/logging"
	"postpilot/internal/models"
)

// reviewStore is the slice of the store the service needs.
type reviewStore interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	GetInsight(ctx context.Context, id string) (models.Insight, error)
	UpdateInsightStatus(ctx context.Context, id, status string) error
	CountInsights(ctx context.Context, projectID, status string) (int, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	UpdatePostStatus(ctx context.Context, id, status string) error
	UpdatePostContent(ctx context.Context, id, content, status string) error
	CountPosts(ctx context.Context, projectID, status string) (int, error)
	CancelScheduledForPost(ctx context.Context, postID string) error
}

// stageAdvancer fires lifecycle triggers; lifecycle.Advancer satisfies it.
type stageAdvancer interface {
	Fire(ctx context.Context, projectID string, trigger models.Trigger, actor string) (models.Stage, error)
}

// enqueuer queues the decoupled post-generation side effect.
type enqueuer interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (models.Job, bool, error)
}

// Signaler wakes a pipeline run blocked on review.
type Signaler interface {
	Signal(projectID string)
}

// Service applies review actions and runs the gate that couples the review
// layer to the lifecycle: when the first approval lands while the project sits
// in the matching "ready/generated" stage, the lifecycle advances, and the
// post-generation side effect is enqueued exactly once per approved insight.
type Service struct {
	store    reviewStore
	advancer stageAdvancer
	enqueue  enqueuer
	signaler Signaler
	log      *logging.Logger
}

func NewService(st reviewStore, adv stageAdvancer, enq enqueuer, log *logging.Logger) *Service {
	return &Service{store: st, advancer: adv, enqueue: enq, log: log}
}

// SetSignaler attaches the run-loop waiter. Optional; nil is fine.
func (s *Service) SetSignaler(sig Signaler) {
	s.signaler = sig
}

// TransitionInsight applies one review action to an insight.
func (s *Service) TransitionInsight(ctx context.Context, insightID string, action Action, actor string) (models.Insight, error) {
	in, err := s.store.GetInsight(ctx, insightID)
	if err != nil {
		return models.Insight{}, err
	}
	next, err := NextInsightStatus(in.Status, action)
	if err != nil {
		return in, err
	}
	if err := s.store.UpdateInsightStatus(ctx, insightID, next); err != nil {
		return in, err
	}
	in.Status = next

	if action == ActionApprove {
		s.onInsightApproved(ctx, in.ProjectID, insightID, actor)
	}
	s.signal(in.ProjectID)
	return in, nil
}

// TransitionPost applies one review action to a post.
func (s *Service) TransitionPost(ctx context.Context, postID string, action Action, actor string) (models.Post, error) {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return models.Post{}, err
	}
	next, err := NextPostStatus(p.Status, action)
	if err != nil {
		return p, err
	}
	if err := s.store.UpdatePostStatus(ctx, postID, next); err != nil {
		return p, err
	}
	p.Status = next

	switch action {
	case ActionApprove:
		s.onPostApproved(ctx, p.ProjectID, actor)
	case ActionUnschedule, ActionArchive:
		// Withdraw execution records that have not published yet.
		if err := s.store.CancelScheduledForPost(ctx, postID); err != nil {
			s.log.Warn("cancel scheduled records", "post_id", postID, "err", err)
		}
	}
	s.signal(p.ProjectID)
	return p, nil
}

// EditPost rewrites a post body; the machine decides whether Edit is legal.
func (s *Service) EditPost(ctx context.Context, postID, content string) (models.Post, error) {
	p, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return models.Post{}, err
	}
	next, err := NextPostStatus(p.Status, ActionEdit)
	if err != nil {
		return p, err
	}
	if err := s.store.UpdatePostContent(ctx, postID, content, next); err != nil {
		return p, err
	}
	p.Content, p.Status = content, next
	return p, nil
}

// onInsightApproved runs the single coupling point between the review layer
// and the lifecycle. Both halves are idempotent: the advance is a no-op when
// the stage already moved, and the enqueue is deduplicated per insight, so an
// approval that lands after the first generation wave still gets its job.
func (s *Service) onInsightApproved(ctx context.Context, projectID, insightID, actor string) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.log.Warn("gate: load project", "project_id", projectID, "err", err)
		return
	}
	approved, err := s.store.CountInsights(ctx, projectID, models.ReviewApproved)
	if err != nil || approved == 0 {
		return
	}
	if project.Stage == models.StageInsightsReady {
		if _, err := s.advancer.Fire(ctx, projectID, models.TriggerApproveInsights, actor); err != nil {
			s.log.Warn("gate: advance after insight approval", "project_id", projectID, "err", err)
		}
	}
	// Post-generation is a side effect, not a state machine concern; it runs
	// as a background job so the machine stays pure.
	_, _, err = s.enqueue.Enqueue(ctx, jobs.EnqueueParams{
		Type:           jobs.TypeGeneratePosts,
		ProjectID:      projectID,
		IdempotencyKey: fmt.Sprintf("genposts:%s:%s", projectID, insightID),
	})
	if err != nil {
		s.log.Error("gate: enqueue post generation", "project_id", projectID, "err", err)
	}
}

func (s *Service) onPostApproved(ctx context.Context, projectID, actor string) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.log.Warn("gate: load project", "project_id", projectID, "err", err)
		return
	}
	approved, err := s.store.CountPosts(ctx, projectID, models.ReviewApproved)
	if err != nil || approved == 0 {
		return
	}
	if project.Stage == models.StagePostsGenerated {
		if _, err := s.advancer.Fire(ctx, projectID, models.TriggerApprovePosts, actor); err != nil {
			s.log.Warn("gate: advance after post approval", "project_id", projectID, "err", err)
		}
	}
}

func (s *Service) signal(projectID string) {
	if s.signaler != nil {
		s.signaler.Signal(projectID)
	}
}

// IsIllegal reports whether err is a review machine rejection.
func IsIllegal(err error) bool {
	var illegal *ErrIllegalTransition
	return errors.As(err, &illegal)
}
