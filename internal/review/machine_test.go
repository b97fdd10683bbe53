package review

import (
	"errors"
	"testing"

	"postpilot/internal/models"
)

func TestInsightHappyPath(t *testing.T) {
	status := models.ReviewDraft
	for _, step := range []struct {
		action Action
		want   string
	}{
		{ActionSubmitForReview, models.ReviewNeedsReview},
		{ActionApprove, models.ReviewApproved},
	} {
		next, err := NextInsightStatus(status, step.action)
		if err != nil {
			t.Fatalf("%s from %s: %v", step.action, status, err)
		}
		if next != step.want {
			t.Fatalf("%s from %s: got %s want %s", step.action, status, next, step.want)
		}
		status = next
	}
}

func TestInsightRejectResubmit(t *testing.T) {
	next, err := NextInsightStatus(models.ReviewNeedsReview, ActionReject)
	if err != nil || next != models.ReviewRejected {
		t.Fatalf("reject: next=%s err=%v", next, err)
	}
	next, err = NextInsightStatus(next, ActionSubmitForReview)
	if err != nil || next != models.ReviewNeedsReview {
		t.Fatalf("resubmit: next=%s err=%v", next, err)
	}
}

func TestInsightIllegalTransitions(t *testing.T) {
	cases := []struct {
		status string
		action Action
	}{
		{models.ReviewDraft, ActionApprove},
		{models.ReviewApproved, ActionApprove}, // approving twice is not a transition
		{models.ReviewApproved, ActionReject},
		{models.ReviewArchived, ActionApprove},
	}
	for _, tc := range cases {
		if CanTransitionInsight(tc.status, tc.action) {
			t.Fatalf("CanTransitionInsight(%s, %s) = true", tc.status, tc.action)
		}
		next, err := NextInsightStatus(tc.status, tc.action)
		var illegal *ErrIllegalTransition
		if !errors.As(err, &illegal) {
			t.Fatalf("%s from %s: expected ErrIllegalTransition, got %v", tc.action, tc.status, err)
		}
		if illegal.Status != tc.status || illegal.Action != tc.action {
			t.Fatalf("error does not name status/action: %v", illegal)
		}
		if next != tc.status {
			t.Fatalf("status changed on illegal transition: %s", next)
		}
	}
}

func TestInsightArchiveRestore(t *testing.T) {
	for _, status := range []string{models.ReviewDraft, models.ReviewNeedsReview, models.ReviewApproved, models.ReviewRejected} {
		next, err := NextInsightStatus(status, ActionArchive)
		if err != nil || next != models.ReviewArchived {
			t.Fatalf("archive from %s: next=%s err=%v", status, next, err)
		}
	}
	next, err := NextInsightStatus(models.ReviewArchived, ActionRestore)
	if err != nil || next != models.ReviewDraft {
		t.Fatalf("restore: next=%s err=%v", next, err)
	}
}

func TestPostScheduleUnschedule(t *testing.T) {
	next, err := NextPostStatus(models.ReviewApproved, ActionSchedule)
	if err != nil || next != models.ReviewScheduled {
		t.Fatalf("schedule: next=%s err=%v", next, err)
	}
	next, err = NextPostStatus(next, ActionUnschedule)
	if err != nil || next != models.ReviewApproved {
		t.Fatalf("unschedule: next=%s err=%v", next, err)
	}
}

func TestPostEditAllowedStatuses(t *testing.T) {
	for _, status := range []string{models.ReviewDraft, models.ReviewNeedsReview, models.ReviewApproved, models.ReviewFailed} {
		next, err := NextPostStatus(status, ActionEdit)
		if err != nil || next != models.ReviewDraft {
			t.Fatalf("edit from %s: next=%s err=%v", status, next, err)
		}
	}
	for _, status := range []string{models.ReviewScheduled, models.ReviewPublished, models.ReviewArchived} {
		if _, err := NextPostStatus(status, ActionEdit); err == nil {
			t.Fatalf("edit from %s should be illegal", status)
		}
	}
}

func TestPublishedIsTerminal(t *testing.T) {
	for _, action := range []Action{ActionSubmitForReview, ActionApprove, ActionReject, ActionEdit, ActionSchedule, ActionPublish} {
		if CanTransitionPost(models.ReviewPublished, action) {
			t.Fatalf("published allowed %s", action)
		}
	}
}
