package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Post is a successfully published post, keyed by its posting-service URI.
// Engagement counters are updated asynchronously by the metrics job.
type Post struct {
	URI        string
	CID        string
	StrategyID string
	Content    string
	CreatedAt  time.Time
	Likes      int
	Reposts    int
	Replies    int
	PostedAt   time.Time
}

// Trace records one generation attempt, whether or not posting succeeded.
// Rows are append-only.
type Trace struct {
	ID              int64
	TraceID         string
	Timestamp       time.Time
	StrategyID      string
	Prompt          string
	StagesJSON      string // ordered [{name, text, length}]
	ImprovementMade bool
	SelectedText    string
	PostSuccess     bool
	Error           string
}

// MetricsSnapshot is a periodic aggregate; latest-by-timestamp is
// authoritative for dashboards.
type MetricsSnapshot struct {
	Timestamp         time.Time
	Followers         int
	TotalPosts        int
	TotalLikes        int
	TotalReposts      int
	StrategyStatsJSON string
}

// TrainingRow is one append-only slice of a training session. A full session
// is reconstructed by concatenating all rows for a session id in timestamp
// order.
type TrainingRow struct {
	ID           int64
	Timestamp    time.Time
	StrategyID   string
	SessionID    string
	ExamplesJSON string
	Deployed     bool
}

// ProfileRow holds a derived preference profile. At most one row per
// strategy has status "active".
type ProfileRow struct {
	ID           int64
	Timestamp    time.Time
	StrategyID   string
	ProfileJSON  string
	ExampleCount int
	Status       string // "active" or "inactive"
}

// PostTotals aggregates engagement over all posts.
type PostTotals struct {
	Posts   int
	Likes   int
	Reposts int
}

// ImprovementCounts summarizes trace outcomes for metrics collection.
type ImprovementCounts struct {
	Attempts     int
	Improvements int
}
