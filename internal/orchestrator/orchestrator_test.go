package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborlight/fieldnotes/internal/bluesky"
	"github.com/harborlight/fieldnotes/internal/storage"
	"github.com/harborlight/fieldnotes/internal/strategy"
)

type fakeStrategy struct {
	id        string
	text      string
	genErr    string
	improved  bool
	invalid   bool
	panics    bool
	callCount int
}

func (f *fakeStrategy) ID() string     { return f.id }
func (f *fakeStrategy) Name() string   { return f.id }
func (f *fakeStrategy) Marker() string { return "⚓" }

func (f *fakeStrategy) Generate(ctx context.Context) (string, strategy.Trace) {
	f.callCount++
	if f.panics {
		panic("strategy blew up")
	}
	tr := strategy.NewTrace(f.id, "test prompt")
	tr.ImprovementMade = f.improved
	tr.SelectedText = f.text
	tr.Err = f.genErr
	return f.text, tr
}

func (f *fakeStrategy) Validate(text string) bool { return !f.invalid }

type fakePoster struct {
	mu          sync.Mutex
	posts       []string
	postErr     error
	followers   int
	followerErr error
	engagement  bluesky.Engagement
}

func (f *fakePoster) Post(ctx context.Context, text string) (bluesky.PostRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return bluesky.PostRef{}, f.postErr
	}
	f.posts = append(f.posts, text)
	uri := fmt.Sprintf("at://did:plc:test/app.bsky.feed.post/%d", len(f.posts))
	return bluesky.PostRef{URI: uri, CID: "cid"}, nil
}

func (f *fakePoster) PostEngagement(ctx context.Context, uri string) (bluesky.Engagement, error) {
	return f.engagement, nil
}

func (f *fakePoster) FollowerCount(ctx context.Context) (int, error) {
	if f.followerErr != nil {
		return 0, f.followerErr
	}
	return f.followers, nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testOrchestrator(t *testing.T, strategies []strategy.Strategy, poster *fakePoster) (*Orchestrator, *storage.Store) {
	t.Helper()
	store := testStore(t)
	o, err := New(Config{
		ShiftInterval:    time.Hour,
		MetricsInterval:  time.Hour,
		CampaignDuration: 24 * time.Hour,
	}, strategies, poster, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, store
}

func TestRoundRobinRotation(t *testing.T) {
	a := &fakeStrategy{id: "alpha", text: "first post from alpha ⚓"}
	b := &fakeStrategy{id: "bravo", text: "first post from bravo ⚓"}
	c := &fakeStrategy{id: "charlie", text: "first post from charlie ⚓"}
	poster := &fakePoster{}
	o, _ := testOrchestrator(t, []strategy.Strategy{a, b, c}, poster)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		o.runShift(ctx)
	}

	for _, f := range []*fakeStrategy{a, b, c} {
		if f.callCount != 2 {
			t.Errorf("strategy %s invoked %d times, want exactly 2", f.id, f.callCount)
		}
	}
	want := []string{
		"first post from alpha ⚓", "first post from bravo ⚓", "first post from charlie ⚓",
		"first post from alpha ⚓", "first post from bravo ⚓", "first post from charlie ⚓",
	}
	for i, text := range want {
		if poster.posts[i] != text {
			t.Errorf("post %d = %q, want %q (rotation order broken)", i, poster.posts[i], text)
		}
	}
}

func TestShiftPersistsPostAndTrace(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "a successful post ⚓", improved: true}
	poster := &fakePoster{}
	o, store := testOrchestrator(t, []strategy.Strategy{st}, poster)

	o.runShift(context.Background())

	posts, err := store.RecentPosts(10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	if posts[0].Content != "a successful post ⚓" || posts[0].StrategyID != "alpha" {
		t.Errorf("stored post = %+v", posts[0])
	}

	traces, err := store.RecentTraces(10)
	if err != nil {
		t.Fatalf("RecentTraces: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1", len(traces))
	}
	if !traces[0].PostSuccess || !traces[0].ImprovementMade {
		t.Errorf("trace = %+v, want success with improvement", traces[0])
	}
}

func TestFailedValidationRecordsTraceAndContinues(t *testing.T) {
	bad := &fakeStrategy{id: "alpha", text: "missing the marker", invalid: true}
	good := &fakeStrategy{id: "bravo", text: "valid post ⚓"}
	poster := &fakePoster{}
	o, store := testOrchestrator(t, []strategy.Strategy{bad, good}, poster)

	ctx := context.Background()
	o.runShift(ctx)
	o.runShift(ctx)

	posts, err := store.RecentPosts(10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1 (failed shift must not publish)", len(posts))
	}

	traces, err := store.RecentTraces(10)
	if err != nil {
		t.Fatalf("RecentTraces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("got %d traces, want 2 (failures are traced too)", len(traces))
	}
	var failed storage.Trace
	for _, tr := range traces {
		if tr.StrategyID == "alpha" {
			failed = tr
		}
	}
	if failed.PostSuccess {
		t.Error("failed shift marked as posted")
	}
	if !strings.Contains(failed.Error, "validation") {
		t.Errorf("trace error = %q, want validation failure", failed.Error)
	}
}

func TestPublishErrorRecordsTrace(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "fine post ⚓"}
	poster := &fakePoster{postErr: errors.New("pds unavailable")}
	o, store := testOrchestrator(t, []strategy.Strategy{st}, poster)

	o.runShift(context.Background())

	traces, err := store.RecentTraces(10)
	if err != nil {
		t.Fatalf("RecentTraces: %v", err)
	}
	if len(traces) != 1 || traces[0].PostSuccess {
		t.Fatalf("traces = %+v, want one failed trace", traces)
	}
	if !strings.Contains(traces[0].Error, "pds unavailable") {
		t.Errorf("trace error = %q, want publish error", traces[0].Error)
	}
}

func TestPanickingStrategyIsContained(t *testing.T) {
	bad := &fakeStrategy{id: "alpha", panics: true}
	good := &fakeStrategy{id: "bravo", text: "still alive ⚓"}
	poster := &fakePoster{}
	o, store := testOrchestrator(t, []strategy.Strategy{bad, good}, poster)

	ctx := context.Background()
	o.runShift(ctx)
	o.runShift(ctx)

	if len(poster.posts) != 1 || poster.posts[0] != "still alive ⚓" {
		t.Errorf("posts = %v, want the second shift to survive the panic", poster.posts)
	}

	traces, err := store.RecentTraces(10)
	if err != nil {
		t.Fatalf("RecentTraces: %v", err)
	}
	var panicked storage.Trace
	for _, tr := range traces {
		if tr.StrategyID == "alpha" {
			panicked = tr
		}
	}
	if !strings.Contains(panicked.Error, "panicked") {
		t.Errorf("panic trace error = %q, want non-empty panic error", panicked.Error)
	}
}

func TestCollectMetricsSnapshot(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "metrics post ⚓", improved: true}
	poster := &fakePoster{followers: 42, engagement: bluesky.Engagement{Likes: 3, Reposts: 1, Replies: 2}}
	o, store := testOrchestrator(t, []strategy.Strategy{st}, poster)

	ctx := context.Background()
	o.runShift(ctx)
	o.collectMetrics(ctx)

	snap, err := store.LatestMetricsSnapshot()
	if err != nil {
		t.Fatalf("LatestMetricsSnapshot: %v", err)
	}
	if snap.Followers != 42 {
		t.Errorf("Followers = %d, want 42", snap.Followers)
	}
	if snap.TotalPosts != 1 {
		t.Errorf("TotalPosts = %d, want 1", snap.TotalPosts)
	}
	if snap.TotalLikes != 3 || snap.TotalReposts != 1 {
		t.Errorf("engagement totals = %d likes / %d reposts, want 3/1", snap.TotalLikes, snap.TotalReposts)
	}
	if !strings.Contains(snap.StrategyStatsJSON, `"posts_created":1`) {
		t.Errorf("strategy stats = %s", snap.StrategyStatsJSON)
	}
}

func TestCollectMetricsFollowerFailSoft(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "post ⚓"}
	poster := &fakePoster{followers: 10}
	o, store := testOrchestrator(t, []strategy.Strategy{st}, poster)

	ctx := context.Background()
	o.collectMetrics(ctx)
	poster.followerErr = errors.New("profile endpoint down")
	o.collectMetrics(ctx)

	snap, err := store.LatestMetricsSnapshot()
	if err != nil {
		t.Fatalf("LatestMetricsSnapshot: %v", err)
	}
	if snap.Followers != 10 {
		t.Errorf("Followers = %d, want last known value 10", snap.Followers)
	}
}

func TestRunStopsAtCampaignEnd(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "short campaign ⚓"}
	poster := &fakePoster{}
	store := testStore(t)
	o, err := New(Config{
		ShiftInterval:    10 * time.Millisecond,
		MetricsInterval:  time.Hour,
		CampaignDuration: 25 * time.Millisecond,
	}, []strategy.Strategy{st}, poster, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil at campaign end", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after campaign duration elapsed")
	}
	if st.callCount == 0 {
		t.Error("no shifts ran before campaign end")
	}
	if o.Status().Running {
		t.Error("status still reports running after exit")
	}
}

func TestStopRequestsShutdown(t *testing.T) {
	st := &fakeStrategy{id: "alpha", text: "stoppable ⚓"}
	poster := &fakePoster{}
	store := testStore(t)
	o, err := New(Config{
		ShiftInterval:    10 * time.Millisecond,
		MetricsInterval:  time.Hour,
		CampaignDuration: time.Hour,
	}, []strategy.Strategy{st}, poster, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	o.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestStatusReflectsRotation(t *testing.T) {
	a := &fakeStrategy{id: "alpha", text: "one ⚓"}
	b := &fakeStrategy{id: "bravo", text: "two ⚓"}
	o, _ := testOrchestrator(t, []strategy.Strategy{a, b}, &fakePoster{})

	if s := o.Status(); s.ActiveStrategy != "" {
		t.Errorf("ActiveStrategy before first shift = %q, want empty", s.ActiveStrategy)
	}

	o.runShift(context.Background())
	s := o.Status()
	if s.ActiveStrategy != "alpha" {
		t.Errorf("ActiveStrategy = %q, want alpha", s.ActiveStrategy)
	}
	if s.NextFireTime.IsZero() {
		t.Error("NextFireTime not set after a shift")
	}
}

func TestNewRequiresStrategies(t *testing.T) {
	_, err := New(Config{}, nil, &fakePoster{}, testStore(t))
	if err == nil {
		t.Fatal("New accepted an empty strategy set")
	}
}
