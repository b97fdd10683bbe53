package review

import (
	"fmt"

	"postpilot/internal/models"
)

// Action is a named input event on a reviewable entity.
type Action string

const (
	ActionSubmitForReview Action = "submit_for_review"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionEdit            Action = "edit"
	ActionSchedule        Action = "schedule"
	ActionUnschedule      Action = "unschedule"
	ActionPublish         Action = "publish"
	ActionMarkFailed      Action = "mark_failed"
	ActionArchive         Action = "archive"
	ActionRestore         Action = "restore"
)

// ErrIllegalTransition names the current status and the requested action.
type ErrIllegalTransition struct {
	Entity string
	Status string
	Action Action
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal %s transition: action %q not allowed in status %q", e.Entity, e.Action, e.Status)
}

// insightTable is total: no entry means the action is not allowed.
var insightTable = map[string]map[Action]string{
	models.ReviewDraft: {
		ActionSubmitForReview: models.ReviewNeedsReview,
		ActionArchive:         models.ReviewArchived,
	},
	models.ReviewNeedsReview: {
		ActionApprove: models.ReviewApproved,
		ActionReject:  models.ReviewRejected,
		ActionArchive: models.ReviewArchived,
	},
	models.ReviewApproved: {
		// Approved insights are never deleted; archive supersedes them.
		ActionArchive: models.ReviewArchived,
	},
	models.ReviewRejected: {
		ActionSubmitForReview: models.ReviewNeedsReview,
		ActionArchive:         models.ReviewArchived,
	},
	models.ReviewArchived: {
		ActionRestore: models.ReviewDraft,
	},
}

// postTable extends the insight shape with scheduling and editing.
var postTable = map[string]map[Action]string{
	models.ReviewDraft: {
		ActionSubmitForReview: models.ReviewNeedsReview,
		ActionEdit:            models.ReviewDraft,
		ActionArchive:         models.ReviewArchived,
	},
	models.ReviewNeedsReview: {
		ActionApprove: models.ReviewApproved,
		ActionReject:  models.ReviewRejected,
		ActionEdit:    models.ReviewDraft,
		ActionArchive: models.ReviewArchived,
	},
	models.ReviewApproved: {
		ActionSchedule: models.ReviewScheduled,
		ActionEdit:     models.ReviewDraft,
		ActionArchive:  models.ReviewArchived,
	},
	models.ReviewRejected: {
		ActionSubmitForReview: models.ReviewNeedsReview,
		ActionArchive:         models.ReviewArchived,
	},
	models.ReviewScheduled: {
		ActionUnschedule: models.ReviewApproved,
		ActionPublish:    models.ReviewPublished,
		ActionMarkFailed: models.ReviewFailed,
		ActionArchive:    models.ReviewArchived,
	},
	models.ReviewPublished: {},
	models.ReviewFailed: {
		ActionEdit:    models.ReviewDraft,
		ActionArchive: models.ReviewArchived,
	},
	models.ReviewArchived: {
		ActionRestore: models.ReviewDraft,
	},
}

// CanTransitionInsight reports whether action is legal for an insight in status.
func CanTransitionInsight(status string, action Action) bool {
	_, ok := insightTable[status][action]
	return ok
}

// NextInsightStatus resolves the insight transition or fails with ErrIllegalTransition.
func NextInsightStatus(status string, action Action) (string, error) {
	next, ok := insightTable[status][action]
	if !ok {
		return status, &ErrIllegalTransition{Entity: "insight", Status: status, Action: action}
	}
	return next, nil
}

// CanTransitionPost reports whether action is legal for a post in status.
func CanTransitionPost(status string, action Action) bool {
	_, ok := postTable[status][action]
	return ok
}

// NextPostStatus resolves the post transition or fails with ErrIllegalTransition.
func NextPostStatus(status string, action Action) (string, error) {
	next, ok := postTable[status][action]
	if !ok {
		return status, &ErrIllegalTransition{Entity: "post", Status: status, Action: action}
	}
	return next, nil
}
