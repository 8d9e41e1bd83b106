package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harborlight/fieldnotes/internal/bluesky"
	"github.com/harborlight/fieldnotes/internal/storage"
	"github.com/harborlight/fieldnotes/internal/strategy"
)

// stopCheckInterval is how often the campaign stop condition is evaluated
// between posting shifts.
const stopCheckInterval = time.Minute

// engagementRefreshLimit caps how many recent posts get their engagement
// counters refreshed per metrics pass.
const engagementRefreshLimit = 25

// Poster is the publishing boundary. Implemented by bluesky.Client.
type Poster interface {
	Post(ctx context.Context, text string) (bluesky.PostRef, error)
	PostEngagement(ctx context.Context, uri string) (bluesky.Engagement, error)
	FollowerCount(ctx context.Context) (int, error)
}

// Store is the persistence surface the orchestrator writes to.
// Implemented by storage.Store.
type Store interface {
	SavePost(p storage.Post) error
	SaveTrace(tr storage.Trace) error
	RecentPosts(limit int) ([]storage.Post, error)
	UpdateEngagement(uri string, likes, reposts, replies int) error
	Totals() (storage.PostTotals, error)
	SaveMetricsSnapshot(m storage.MetricsSnapshot) error
}

// Config holds the campaign cadence.
type Config struct {
	ShiftInterval    time.Duration
	MetricsInterval  time.Duration
	CampaignDuration time.Duration
}

// Status is a point-in-time view of the running campaign for the console.
type Status struct {
	Running        bool          `json:"running"`
	ActiveStrategy string        `json:"active_strategy"`
	Elapsed        time.Duration `json:"elapsed"`
	NextFireTime   time.Time     `json:"next_fire_time"`
}

type strategyStats struct {
	PostsCreated int `json:"posts_created"`
	Improvements int `json:"improvements"`
	Failures     int `json:"failures"`
}

// Orchestrator rotates through the enabled strategies on a fixed cadence,
// publishing one post per shift. All mutable state lives on the struct; one
// goroutine (Run) drives everything, so shifts never overlap.
type Orchestrator struct {
	cfg        Config
	strategies []strategy.Strategy
	poster     Poster
	store      Store

	stopped atomic.Bool
	running atomic.Bool

	mu        sync.Mutex
	cursor    int
	active    string
	startTime time.Time
	nextFire  time.Time
	stats     map[string]*strategyStats
	followers int
}

// New assembles an orchestrator. strategies must be non-empty and ordered;
// rotation follows slice order.
func New(cfg Config, strategies []strategy.Strategy, poster Poster, store Store) (*Orchestrator, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}

	stats := make(map[string]*strategyStats, len(strategies))
	for _, st := range strategies {
		stats[st.ID()] = &strategyStats{}
	}

	return &Orchestrator{
		cfg:        cfg,
		strategies: strategies,
		poster:     poster,
		store:      store,
		stats:      stats,
	}, nil
}

// Run drives the campaign until the configured duration elapses, Stop is
// called, or ctx is cancelled. The first shift fires immediately; after that
// a single select loop owns all timers. A final metrics snapshot is taken on
// the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.startTime = time.Now()
	o.mu.Unlock()
	o.running.Store(true)
	defer o.running.Store(false)

	slog.Info("campaign started",
		"strategies", len(o.strategies),
		"shift_interval", o.cfg.ShiftInterval,
		"campaign_duration", o.cfg.CampaignDuration)

	postTicker := time.NewTicker(o.cfg.ShiftInterval)
	defer postTicker.Stop()
	metricsTicker := time.NewTicker(o.cfg.MetricsInterval)
	defer metricsTicker.Stop()
	stopTicker := time.NewTicker(stopCheckInterval)
	defer stopTicker.Stop()

	o.runShift(ctx)

	for {
		select {
		case <-ctx.Done():
			o.collectMetrics(context.Background())
			slog.Info("campaign interrupted", "elapsed", o.elapsed())
			return ctx.Err()
		case <-postTicker.C:
			if o.done() {
				o.collectMetrics(ctx)
				return nil
			}
			o.runShift(ctx)
		case <-metricsTicker.C:
			o.collectMetrics(ctx)
		case <-stopTicker.C:
			if o.done() {
				o.collectMetrics(ctx)
				slog.Info("campaign finished", "elapsed", o.elapsed())
				return nil
			}
		}
	}
}

// Stop requests a graceful shutdown; the loop exits at the next timer fire.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// Status reports the live campaign state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	var elapsed time.Duration
	if !o.startTime.IsZero() {
		elapsed = time.Since(o.startTime)
	}
	return Status{
		Running:        o.running.Load(),
		ActiveStrategy: o.active,
		Elapsed:        elapsed,
		NextFireTime:   o.nextFire,
	}
}

func (o *Orchestrator) done() bool {
	if o.stopped.Load() {
		return true
	}
	return o.elapsed() >= o.cfg.CampaignDuration
}

func (o *Orchestrator) elapsed() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.startTime.IsZero() {
		return 0
	}
	return time.Since(o.startTime)
}

// runShift executes one posting shift: pick the next strategy round-robin,
// generate, validate, publish, persist. Every failure path still records a
// trace and leaves the loop alive; a panicking strategy is contained here.
func (o *Orchestrator) runShift(ctx context.Context) {
	st := o.nextStrategy()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("strategy panicked", "strategy", st.ID(), "panic", r)
			tr := strategy.NewTrace(st.ID(), "")
			o.finishShift(st.ID(), tr, "", false, fmt.Sprintf("strategy panicked: %v", r))
		}
	}()

	slog.Info("posting shift", "strategy", st.ID())

	text, tr := st.Generate(ctx)
	if tr.Err != "" {
		slog.Warn("generation degraded to fallback", "strategy", st.ID(), "error", tr.Err)
	}

	if !st.Validate(text) {
		o.finishShift(st.ID(), tr, "", false, "post failed validation")
		return
	}

	ref, err := o.poster.Post(ctx, text)
	if err != nil {
		o.finishShift(st.ID(), tr, "", false, fmt.Sprintf("publishing: %v", err))
		return
	}

	now := time.Now().UTC()
	if err := o.store.SavePost(storage.Post{
		URI:        ref.URI,
		CID:        ref.CID,
		StrategyID: st.ID(),
		Content:    text,
		CreatedAt:  tr.Timestamp,
		PostedAt:   now,
	}); err != nil {
		slog.Error("saving post", "uri", ref.URI, "error", err)
	}

	o.finishShift(st.ID(), tr, ref.URI, true, "")
	slog.Info("post published", "strategy", st.ID(), "uri", ref.URI, "improvement", tr.ImprovementMade)
}

func (o *Orchestrator) nextStrategy() strategy.Strategy {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.strategies[o.cursor%len(o.strategies)]
	o.cursor++
	o.active = st.ID()
	o.nextFire = time.Now().Add(o.cfg.ShiftInterval)
	return st
}

// finishShift persists the generation trace and updates in-memory counters.
func (o *Orchestrator) finishShift(strategyID string, tr strategy.Trace, uri string, posted bool, shiftErr string) {
	errText := tr.Err
	if shiftErr != "" {
		if errText != "" {
			errText += "; "
		}
		errText += shiftErr
	}

	if err := o.store.SaveTrace(storage.Trace{
		TraceID:         tr.TraceID,
		Timestamp:       tr.Timestamp,
		StrategyID:      strategyID,
		Prompt:          tr.Prompt,
		StagesJSON:      tr.StagesJSON(),
		ImprovementMade: tr.ImprovementMade,
		SelectedText:    tr.SelectedText,
		PostSuccess:     posted,
		Error:           errText,
	}); err != nil {
		slog.Error("saving trace", "trace_id", tr.TraceID, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats[strategyID]
	if posted {
		s.PostsCreated++
		if tr.ImprovementMade {
			s.Improvements++
		}
	} else {
		s.Failures++
		slog.Warn("posting shift failed", "strategy", strategyID, "error", shiftErr, "uri", uri)
	}
}

// collectMetrics takes one snapshot: follower count from the posting
// service (fail-soft, last known value is reused), totals from the store,
// and the per-strategy counters. A storage failure skips the snapshot;
// the loop is never brought down by metrics.
func (o *Orchestrator) collectMetrics(ctx context.Context) {
	followers, err := o.poster.FollowerCount(ctx)
	o.mu.Lock()
	if err != nil {
		slog.Warn("follower count unavailable", "error", err)
		followers = o.followers
	} else {
		o.followers = followers
	}
	statsJSON, merr := json.Marshal(o.stats)
	o.mu.Unlock()
	if merr != nil {
		slog.Error("encoding strategy stats", "error", merr)
		return
	}

	o.refreshEngagement(ctx)

	totals, err := o.store.Totals()
	if err != nil {
		slog.Warn("metrics collection skipped", "error", err)
		return
	}

	if err := o.store.SaveMetricsSnapshot(storage.MetricsSnapshot{
		Timestamp:         time.Now().UTC(),
		Followers:         followers,
		TotalPosts:        totals.Posts,
		TotalLikes:        totals.Likes,
		TotalReposts:      totals.Reposts,
		StrategyStatsJSON: string(statsJSON),
	}); err != nil {
		slog.Error("saving metrics snapshot", "error", err)
	}
}

// refreshEngagement pulls current interaction counters for recent posts.
// Each failure is per-post and fail-soft.
func (o *Orchestrator) refreshEngagement(ctx context.Context) {
	posts, err := o.store.RecentPosts(engagementRefreshLimit)
	if err != nil {
		slog.Warn("listing posts for engagement refresh", "error", err)
		return
	}
	for _, p := range posts {
		eng, err := o.poster.PostEngagement(ctx, p.URI)
		if err != nil {
			slog.Warn("engagement unavailable", "uri", p.URI, "error", err)
			continue
		}
		if err := o.store.UpdateEngagement(p.URI, eng.Likes, eng.Reposts, eng.Replies); err != nil {
			slog.Error("updating engagement", "uri", p.URI, "error", err)
		}
	}
}
