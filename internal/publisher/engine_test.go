package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/logging"
	"postpilot/internal/models"
	"postpilot/internal/platforms"
	"postpilot/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	scheduled map[string]*models.ScheduledPost
	posts     map[string]*models.Post
	records   map[string][]models.PublishRecord
	requeued  int
}

func newMemStore() *memStore {
	return &memStore{
		scheduled: map[string]*models.ScheduledPost{},
		posts:     map[string]*models.Post{},
		records:   map[string][]models.PublishRecord{},
	}
}

func (m *memStore) add(sp models.ScheduledPost, content string) {
	m.scheduled[sp.ID] = &sp
	m.posts[sp.PostID] = &models.Post{ID: sp.PostID, ProjectID: sp.ProjectID, Platform: sp.Platform, Status: models.ReviewScheduled, Content: content}
}

func (m *memStore) DueScheduledPosts(_ context.Context, until, now time.Time, limit int) ([]models.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledPost
	for _, sp := range m.scheduled {
		due := (sp.Status == models.ScheduleStatusPending && !sp.ScheduledAt.After(until)) ||
			(sp.Status == models.ScheduleStatusRetry && !sp.NextAttemptAt.After(now))
		if due && len(out) < limit {
			out = append(out, *sp)
		}
	}
	return out, nil
}

func (m *memStore) GetScheduledPost(_ context.Context, id string) (models.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.scheduled[id]
	if !ok {
		return models.ScheduledPost{}, store.ErrNotFound
	}
	return *sp, nil
}

func (m *memStore) MarkScheduledPublished(_ context.Context, id, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp := m.scheduled[id]
	if sp.Status == models.ScheduleStatusPublished {
		return false, nil
	}
	sp.Status = models.ScheduleStatusPublished
	sp.ExternalID = &externalID
	return true, nil
}

func (m *memStore) MarkScheduledRetry(_ context.Context, id string, retryCount int, nextAttempt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp := m.scheduled[id]
	sp.Status = models.ScheduleStatusRetry
	sp.RetryCount = retryCount
	sp.NextAttemptAt = nextAttempt
	sp.LastError = &errMsg
	return nil
}

func (m *memStore) MarkScheduledFailed(_ context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp := m.scheduled[id]
	sp.Status = models.ScheduleStatusFailed
	sp.RetryCount = retryCount
	sp.LastError = &errMsg
	return nil
}

func (m *memStore) RequeueFailedBefore(_ context.Context, cutoff, newScheduledAt time.Time, requeueCap int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sp := range m.scheduled {
		if sp.Status == models.ScheduleStatusFailed && sp.LastAttemptAt != nil && sp.LastAttemptAt.Before(cutoff) && sp.RequeueCount < requeueCap {
			sp.Status = models.ScheduleStatusPending
			sp.ScheduledAt = newScheduledAt
			sp.NextAttemptAt = newScheduledAt
			sp.RequeueCount++
			n++
		}
	}
	m.requeued += n
	return n, nil
}

func (m *memStore) CountUnfinishedScheduled(_ context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sp := range m.scheduled {
		if sp.ProjectID != projectID {
			continue
		}
		switch sp.Status {
		case models.ScheduleStatusPending, models.ScheduleStatusRetry, models.ScheduleStatusRepublishing:
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetPost(_ context.Context, id string) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return models.Post{}, store.ErrNotFound
	}
	return *p, nil
}

func (m *memStore) UpdatePostStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.posts[id]; ok {
		p.Status = status
	}
	return nil
}

func (m *memStore) AppendPublishRecord(_ context.Context, postID string, rec models.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[postID] = append(m.records[postID], rec)
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []string // post ids in dispatch order
	fail  func(req platforms.PublishRequest) error
}

func (f *fakePublisher) Publish(_ context.Context, req platforms.PublishRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.PostID)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return "", err
		}
	}
	return "ext-" + req.PostID, nil
}

func (f *fakePublisher) TestConnection(context.Context, string) (bool, error) { return true, nil }

type fakeLimiter struct {
	deny map[string]bool
}

func (f *fakeLimiter) Allow(_ context.Context, platform string) (bool, float64, error) {
	if f.deny[platform] {
		return false, 0, nil
	}
	return true, 0, nil
}

type fakeAdvancer struct {
	mu    sync.Mutex
	fires []models.Trigger
}

func (f *fakeAdvancer) Fire(_ context.Context, _ string, trigger models.Trigger, _ string) (models.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, trigger)
	return models.StagePublishing, nil
}

func testEngine(st *memStore, pub *fakePublisher, lim *fakeLimiter, adv *fakeAdvancer, now time.Time) *Engine {
	cfg := config.Config{
		PublishPollInterval:   time.Minute,
		PublishLookahead:      5 * time.Minute,
		PublishBucket:         5 * time.Minute,
		PublishBatchSize:      20,
		PublishMaxConcurrency: 5,
		PublishRetryCeiling:   3,
		PublishBackoffBaseMin: 5,
		PublishTimeout:        time.Second,
		FailedCooldown:        time.Hour,
		FailedRequeueCap:      3,
	}
	e := NewEngine(cfg, st, pub, lim, adv, logging.NewNop())
	e.now = func() time.Time { return now }
	return e
}

func at(hhmm string) time.Time {
	t, _ := time.Parse("15:04", hhmm)
	return time.Date(2026, 3, 10, t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func TestSweepDispatchesBucketsInOrder(t *testing.T) {
	st := newMemStore()
	st.add(models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusPending, ScheduledAt: at("10:02"), NextAttemptAt: at("10:02")}, "one")
	st.add(models.ScheduledPost{ID: "s2", PostID: "p2", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusPending, ScheduledAt: at("10:03"), NextAttemptAt: at("10:03")}, "two")
	st.add(models.ScheduledPost{ID: "s3", PostID: "p3", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusPending, ScheduledAt: at("10:07"), NextAttemptAt: at("10:07")}, "three")

	pub := &fakePublisher{}
	adv := &fakeAdvancer{}
	e := testEngine(st, pub, &fakeLimiter{}, adv, at("10:10"))

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(pub.calls) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(pub.calls))
	}
	// 10:02 and 10:03 share the 10:00 bucket and go first in either order;
	// 10:07 is the 10:05 bucket and must come last.
	if pub.calls[2] != "p3" {
		t.Fatalf("later bucket dispatched before earlier one: %v", pub.calls)
	}
	for id, sp := range st.scheduled {
		if sp.Status != models.ScheduleStatusPublished {
			t.Fatalf("item %s not published: %s", id, sp.Status)
		}
	}
	for _, p := range st.posts {
		if p.Status != models.ReviewPublished {
			t.Fatalf("post %s status %s, want published", p.ID, p.Status)
		}
	}

	var sawStart, sawComplete bool
	for _, tr := range adv.fires {
		if tr == models.TriggerStartPublishing {
			sawStart = true
		}
		if tr == models.TriggerCompletePublishing {
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Fatalf("expected start and complete publishing fires, got %v", adv.fires)
	}
}

func TestDispatchSkipsAlreadyPublished(t *testing.T) {
	st := newMemStore()
	ext := "ext-earlier"
	st.add(models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusPublished, ScheduledAt: at("10:00"), NextAttemptAt: at("10:00"), ExternalID: &ext}, "one")

	pub := &fakePublisher{}
	e := testEngine(st, pub, &fakeLimiter{}, &fakeAdvancer{}, at("10:10"))

	if err := e.dispatch(context.Background(), *st.scheduled["s1"]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatal("published item must not be dispatched again")
	}
	if got := *st.scheduled["s1"].ExternalID; got != ext {
		t.Fatalf("external id overwritten: %s", got)
	}
}

func TestFailureBacksOffThenFailsTerminally(t *testing.T) {
	st := newMemStore()
	st.add(models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "linkedin", Status: models.ScheduleStatusPending, ScheduledAt: at("10:00"), NextAttemptAt: at("10:00")}, "content")

	pub := &fakePublisher{fail: func(platforms.PublishRequest) error {
		return &platforms.PublishError{Platform: "linkedin", Err: errors.New("gateway 502")}
	}}
	now := at("10:10")
	e := testEngine(st, pub, &fakeLimiter{}, &fakeAdvancer{}, now)

	// Attempt 1: retry with 5^1 minutes of backoff.
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep 1: %v", err)
	}
	sp := st.scheduled["s1"]
	if sp.Status != models.ScheduleStatusRetry || sp.RetryCount != 1 {
		t.Fatalf("after attempt 1: status=%s retry=%d", sp.Status, sp.RetryCount)
	}
	if want := now.Add(5 * time.Minute); !sp.NextAttemptAt.Equal(want) {
		t.Fatalf("backoff 1: got %v want %v", sp.NextAttemptAt, want)
	}

	// Attempt 2: 5^2 minutes.
	now = sp.NextAttemptAt
	e.now = func() time.Time { return now }
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep 2: %v", err)
	}
	if sp.RetryCount != 2 {
		t.Fatalf("after attempt 2: retry=%d", sp.RetryCount)
	}
	if want := now.Add(25 * time.Minute); !sp.NextAttemptAt.Equal(want) {
		t.Fatalf("backoff 2: got %v want %v", sp.NextAttemptAt, want)
	}

	// Attempt 3 crosses the ceiling: terminal failure, no reschedule.
	now = sp.NextAttemptAt
	e.now = func() time.Time { return now }
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep 3: %v", err)
	}
	if sp.Status != models.ScheduleStatusFailed || sp.RetryCount != 3 {
		t.Fatalf("after attempt 3: status=%s retry=%d", sp.Status, sp.RetryCount)
	}
	if st.posts["p1"].Status != models.ReviewFailed {
		t.Fatalf("post status %s, want failed", st.posts["p1"].Status)
	}
	if sp.LastError == nil || !strings.Contains(*sp.LastError, "gateway 502") {
		t.Fatal("last error not recorded")
	}
}

func TestRetryWaitsOutFullBackoffDespiteLookahead(t *testing.T) {
	st := newMemStore()
	errMsg := "gateway 502"
	// Failed once at its 10:00 slot; backoff pushed the next attempt to 10:14.
	st.add(models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusRetry, ScheduledAt: at("10:00"), NextAttemptAt: at("10:14"), RetryCount: 1, LastError: &errMsg}, "content")

	pub := &fakePublisher{}
	e := testEngine(st, pub, &fakeLimiter{}, &fakeAdvancer{}, at("10:10"))

	// 10:14 sits inside the 10:10+5m lookahead, but the stale 10:00 slot must
	// not let the item through four minutes early.
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep at 10:10: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatal("retry dispatched before its next-attempt time")
	}
	sp := st.scheduled["s1"]
	if sp.Status != models.ScheduleStatusRetry || sp.RetryCount != 1 {
		t.Fatalf("waiting retry mutated: status=%s retry=%d", sp.Status, sp.RetryCount)
	}

	// Once the backoff has elapsed the same item goes straight out.
	e.now = func() time.Time { return at("10:14") }
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep at 10:14: %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish after backoff expiry, got %d", len(pub.calls))
	}
	if sp.Status != models.ScheduleStatusPublished {
		t.Fatalf("item status %s, want published", sp.Status)
	}
}

func TestRateLimitDefersWithoutStateChange(t *testing.T) {
	st := newMemStore()
	st.add(models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "instagram", Status: models.ScheduleStatusPending, ScheduledAt: at("10:00"), NextAttemptAt: at("10:00")}, "content")

	pub := &fakePublisher{}
	e := testEngine(st, pub, &fakeLimiter{deny: map[string]bool{"instagram": true}}, &fakeAdvancer{}, at("10:10"))

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Fatal("rate-limited item must not be published")
	}
	sp := st.scheduled["s1"]
	if sp.Status != models.ScheduleStatusPending || sp.RetryCount != 0 {
		t.Fatalf("deferred item mutated: status=%s retry=%d", sp.Status, sp.RetryCount)
	}
}

func TestPartialFailureDoesNotBlockSiblings(t *testing.T) {
	st := newMemStore()
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("s%d", i)
		postID := fmt.Sprintf("p%d", i)
		st.add(models.ScheduledPost{ID: id, PostID: postID, ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusPending, ScheduledAt: at("10:00"), NextAttemptAt: at("10:00")}, "content "+id)
	}

	pub := &fakePublisher{fail: func(req platforms.PublishRequest) error {
		if req.PostID == "p2" {
			return &platforms.PublishError{Platform: "twitter", Err: errors.New("boom")}
		}
		return nil
	}}
	e := testEngine(st, pub, &fakeLimiter{}, &fakeAdvancer{}, at("10:10"))

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	published := 0
	for _, sp := range st.scheduled {
		if sp.Status == models.ScheduleStatusPublished {
			published++
		}
	}
	if published != 3 {
		t.Fatalf("siblings blocked by one failure: %d published, want 3", published)
	}
	if st.scheduled["s2"].Status != models.ScheduleStatusRetry {
		t.Fatalf("failed item status %s, want retry", st.scheduled["s2"].Status)
	}
}

func TestRetryFailedPostsRequeuesAfterCooldown(t *testing.T) {
	st := newMemStore()
	old := at("08:00")
	recent := at("10:00")
	errMsg := "dead"

	sp1 := models.ScheduledPost{ID: "s1", PostID: "p1", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusFailed, ScheduledAt: at("07:00"), LastAttemptAt: &old, LastError: &errMsg}
	sp2 := models.ScheduledPost{ID: "s2", PostID: "p2", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusFailed, ScheduledAt: at("09:00"), LastAttemptAt: &recent, LastError: &errMsg}
	sp3 := models.ScheduledPost{ID: "s3", PostID: "p3", ProjectID: "proj", Platform: "twitter", Status: models.ScheduleStatusFailed, ScheduledAt: at("07:00"), LastAttemptAt: &old, RequeueCount: 3, LastError: &errMsg}
	st.add(sp1, "a")
	st.add(sp2, "b")
	st.add(sp3, "c")

	e := testEngine(st, &fakePublisher{}, &fakeLimiter{}, &fakeAdvancer{}, at("10:30"))

	moved, err := e.RetryFailedPosts(context.Background())
	if err != nil {
		t.Fatalf("retry failed posts: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved %d, want 1 (only the cooled-down, under-cap item)", moved)
	}
	if st.scheduled["s1"].Status != models.ScheduleStatusPending || st.scheduled["s1"].RequeueCount != 1 {
		t.Fatalf("s1 not requeued: %+v", st.scheduled["s1"])
	}
	if st.scheduled["s2"].Status != models.ScheduleStatusFailed {
		t.Fatal("s2 requeued before cool-down elapsed")
	}
	if st.scheduled["s3"].Status != models.ScheduleStatusFailed {
		t.Fatal("s3 requeued past the requeue cap")
	}
}
