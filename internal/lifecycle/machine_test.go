package lifecycle

import (
	"errors"
	"testing"

	"postpilot/internal/models"
)

func TestFireHappyPath(t *testing.T) {
	sequence := []models.Trigger{
		models.TriggerStartProcessing,
		models.TriggerCompleteProcessing,
		models.TriggerApproveInsights,
		models.TriggerGeneratePosts,
		models.TriggerApprovePosts,
		models.TriggerSchedulePosts,
		models.TriggerStartPublishing,
		models.TriggerCompletePublishing,
	}
	stage := models.StageRawContent
	lastProgress := ProgressFor(stage)
	for _, trig := range sequence {
		next, err := Fire(stage, trig)
		if err != nil {
			t.Fatalf("fire %s from %s: %v", trig, stage, err)
		}
		if p := ProgressFor(next); p < lastProgress {
			t.Fatalf("progress regressed %d -> %d at %s", lastProgress, p, next)
		} else {
			lastProgress = p
		}
		stage = next
	}
	if stage != models.StagePublished {
		t.Fatalf("expected published, got %s", stage)
	}
	if ProgressFor(stage) != 100 {
		t.Fatalf("published progress = %d", ProgressFor(stage))
	}
}

func TestFireInvalidLeavesStageUnchanged(t *testing.T) {
	cases := []struct {
		stage models.Stage
		trig  models.Trigger
	}{
		{models.StageRawContent, models.TriggerCompletePublishing},
		{models.StagePublished, models.TriggerStartProcessing},
		{models.StageInsightsReady, models.TriggerSchedulePosts},
		{models.StageArchived, models.TriggerArchive},
	}
	for _, tc := range cases {
		got, err := Fire(tc.stage, tc.trig)
		var inv *ErrInvalidTransition
		if !errors.As(err, &inv) {
			t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", tc.trig, tc.stage, err)
		}
		if got != tc.stage {
			t.Fatalf("%s from %s: stage changed to %s", tc.trig, tc.stage, got)
		}
		if CanFire(tc.stage, tc.trig) {
			t.Fatalf("CanFire(%s, %s) = true", tc.stage, tc.trig)
		}
	}
}

func TestArchiveFromAnyStage(t *testing.T) {
	for stage := range transitions {
		if stage == models.StageArchived {
			continue
		}
		next, err := Fire(stage, models.TriggerArchive)
		if err != nil || next != models.StageArchived {
			t.Fatalf("archive from %s: next=%s err=%v", stage, next, err)
		}
	}
	next, err := Fire(models.StageArchived, models.TriggerRestore)
	if err != nil || next != models.StageRawContent {
		t.Fatalf("restore: next=%s err=%v", next, err)
	}
}

func TestPublishNowBypassesScheduled(t *testing.T) {
	next, err := Fire(models.StagePostsApproved, models.TriggerPublishNow)
	if err != nil || next != models.StagePublishing {
		t.Fatalf("publish now: next=%s err=%v", next, err)
	}
}

func TestFailureRouting(t *testing.T) {
	for _, from := range []models.Stage{models.StageProcessingContent, models.StagePublishing} {
		next, err := Fire(from, models.TriggerFail)
		if err != nil || next != models.StageFailed {
			t.Fatalf("fail from %s: next=%s err=%v", from, next, err)
		}
	}
	if next, _ := Fire(models.StageFailed, models.TriggerRetryProcessing); next != models.StageProcessingContent {
		t.Fatalf("retry from failed landed in %s", next)
	}
	if next, _ := Fire(models.StageFailed, models.TriggerReset); next != models.StageRawContent {
		t.Fatalf("reset from failed landed in %s", next)
	}
	if ProgressFor(models.StageFailed) != 0 {
		t.Fatalf("failed progress should be 0")
	}
}
