package lifecycle

import (
	"fmt"

	"postpilot/internal/models"
)

// ErrInvalidTransition is returned when a (stage, trigger) pair is not in the table.
// It is a caller error and is never retried.
type ErrInvalidTransition struct {
	Stage   models.Stage
	Trigger models.Trigger
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: trigger %q not allowed from stage %q", e.Trigger, e.Stage)
}

// transitions is the full lifecycle table. Absence of an entry means the
// trigger cannot fire from that stage. Archive is handled separately because
// it is allowed from every stage except archived itself.
var transitions = map[models.Stage]map[models.Trigger]models.Stage{
	models.StageRawContent: {
		models.TriggerStartProcessing: models.StageProcessingContent,
	},
	models.StageProcessingContent: {
		models.TriggerCompleteProcessing: models.StageInsightsReady,
		models.TriggerFail:               models.StageFailed,
	},
	models.StageInsightsReady: {
		models.TriggerApproveInsights: models.StageInsightsApproved,
	},
	models.StageInsightsApproved: {
		models.TriggerGeneratePosts: models.StagePostsGenerated,
	},
	models.StagePostsGenerated: {
		models.TriggerApprovePosts: models.StagePostsApproved,
	},
	models.StagePostsApproved: {
		models.TriggerSchedulePosts: models.StageScheduled,
		models.TriggerPublishNow:    models.StagePublishing,
	},
	models.StageScheduled: {
		models.TriggerStartPublishing: models.StagePublishing,
	},
	models.StagePublishing: {
		models.TriggerCompletePublishing: models.StagePublished,
		models.TriggerFail:               models.StageFailed,
	},
	models.StagePublished: {},
	models.StageFailed: {
		models.TriggerRetryProcessing: models.StageProcessingContent,
		models.TriggerReset:           models.StageRawContent,
	},
	models.StageArchived: {
		models.TriggerRestore: models.StageRawContent,
	},
}

// progress is the fixed stage-to-percentage lookup.
var progress = map[models.Stage]int{
	models.StageRawContent:        10,
	models.StageProcessingContent: 20,
	models.StageInsightsReady:     30,
	models.StageInsightsApproved:  40,
	models.StagePostsGenerated:    55,
	models.StagePostsApproved:     70,
	models.StageScheduled:         80,
	models.StagePublishing:        90,
	models.StagePublished:         100,
	models.StageFailed:            0,
	models.StageArchived:          0,
}

// CanFire reports whether trigger may fire from stage.
func CanFire(stage models.Stage, trigger models.Trigger) bool {
	if trigger == models.TriggerArchive {
		return stage != models.StageArchived
	}
	_, ok := transitions[stage][trigger]
	return ok
}

// Fire computes the next stage for (stage, trigger). The machine is pure;
// recording the transition is the caller's job.
func Fire(stage models.Stage, trigger models.Trigger) (models.Stage, error) {
	if trigger == models.TriggerArchive {
		if stage == models.StageArchived {
			return stage, &ErrInvalidTransition{Stage: stage, Trigger: trigger}
		}
		return models.StageArchived, nil
	}
	next, ok := transitions[stage][trigger]
	if !ok {
		return stage, &ErrInvalidTransition{Stage: stage, Trigger: trigger}
	}
	return next, nil
}

// ProgressFor returns the fixed progress percentage for a stage.
func ProgressFor(stage models.Stage) int {
	return progress[stage]
}
