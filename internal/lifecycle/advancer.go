package lifecycle

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/store"
)

// projectStore is the slice of the store the advancer needs.
type projectStore interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	SwapProjectStage(ctx context.Context, id string, from, to models.Stage, progress int) error
	AppendStageTransition(ctx context.Context, t models.StageTransition) error
}

// Advancer applies lifecycle triggers to persisted projects with optimistic
// concurrency. Both the pipeline and the publishing engine go through it, so
// a conflicting write is re-read and re-evaluated instead of lost.
type Advancer struct {
	store      projectStore
	log        *logging.Logger
	maxRetries int
}

func NewAdvancer(st projectStore, log *logging.Logger) *Advancer {
	return &Advancer{store: st, log: log, maxRetries: 3}
}

// Fire applies trigger to the project. If another writer moved the project to
// the trigger's target stage already, Fire is a no-op. An ErrInvalidTransition
// from any other stage is returned to the caller untouched.
func (a *Advancer) Fire(ctx context.Context, projectID string, trigger models.Trigger, actor string) (models.Stage, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		project, err := a.store.GetProject(ctx, projectID)
		if err != nil {
			return "", err
		}
		next, err := Fire(project.Stage, trigger)
		if err != nil {
			// Someone already advanced us to where this trigger leads.
			if target, ok := targetOf(trigger); ok && project.Stage == target {
				return project.Stage, nil
			}
			return project.Stage, err
		}
		err = a.store.SwapProjectStage(ctx, projectID, project.Stage, next, ProgressFor(next))
		if errors.Is(err, store.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return project.Stage, err
		}
		_ = a.store.AppendStageTransition(ctx, models.StageTransition{
			ProjectID: projectID,
			FromStage: project.Stage,
			ToStage:   next,
			Trigger:   trigger,
			Actor:     actor,
			Recorded:  time.Now().UTC(),
		})
		a.log.Info("stage advanced",
			"project_id", projectID, "from", project.Stage, "to", next, "trigger", trigger, "actor", actor)
		return next, nil
	}
	return "", lastErr
}

// targetOf reports the unique destination stage of a trigger, when it has one.
func targetOf(trigger models.Trigger) (models.Stage, bool) {
	if trigger == models.TriggerArchive {
		return models.StageArchived, true
	}
	var target models.Stage
	found := false
	for _, row := range transitions {
		if next, ok := row[trigger]; ok {
			if found && next != target {
				return "", false
			}
			target, found = next, true
		}
	}
	return target, found
}
