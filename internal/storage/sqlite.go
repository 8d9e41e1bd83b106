package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding posts, generation traces, metrics
// snapshots, and preference training data. It is the only long-lived state
// in the system; no in-memory cache is authoritative.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "fieldnotes.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Posts ---

func (s *Store) SavePost(p Post) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO posts (uri, cid, strategy_id, content, created_at, likes, reposts, replies, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URI, p.CID, p.StrategyID, p.Content,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.Likes, p.Reposts, p.Replies,
		p.PostedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetPost(uri string) (Post, error) {
	var p Post
	var createdAt, postedAt string
	err := s.db.QueryRow(`
		SELECT uri, cid, strategy_id, content, created_at, likes, reposts, replies, posted_at
		FROM posts WHERE uri = ?`, uri,
	).Scan(&p.URI, &p.CID, &p.StrategyID, &p.Content, &createdAt, &p.Likes, &p.Reposts, &p.Replies, &postedAt)
	if err == sql.ErrNoRows {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, err
	}
	if p.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return Post{}, err
	}
	if p.PostedAt, err = parseTimestamp(postedAt); err != nil {
		return Post{}, err
	}
	return p, nil
}

func (s *Store) RecentPosts(limit int) ([]Post, error) {
	rows, err := s.db.Query(`
		SELECT uri, cid, strategy_id, content, created_at, likes, reposts, replies, posted_at
		FROM posts ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Post
	for rows.Next() {
		var p Post
		var createdAt, postedAt string
		if err := rows.Scan(&p.URI, &p.CID, &p.StrategyID, &p.Content, &createdAt, &p.Likes, &p.Reposts, &p.Replies, &postedAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if p.PostedAt, err = parseTimestamp(postedAt); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdateEngagement sets the engagement counters on a post. Called by the
// out-of-band metrics collection job; everything else about a post is
// immutable after creation.
func (s *Store) UpdateEngagement(uri string, likes, reposts, replies int) error {
	res, err := s.db.Exec(`UPDATE posts SET likes = ?, reposts = ?, replies = ? WHERE uri = ?`,
		likes, reposts, replies, uri)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Totals() (PostTotals, error) {
	var t PostTotals
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(likes), 0), COALESCE(SUM(reposts), 0) FROM posts`,
	).Scan(&t.Posts, &t.Likes, &t.Reposts)
	return t, err
}

// --- Generation traces ---

func (s *Store) SaveTrace(tr Trace) error {
	_, err := s.db.Exec(`
		INSERT INTO generation_traces (trace_id, timestamp, strategy_id, prompt, stages_json, improvement_made, selected_text, post_success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TraceID, tr.Timestamp.UTC().Format(time.RFC3339), tr.StrategyID,
		tr.Prompt, tr.StagesJSON, tr.ImprovementMade, tr.SelectedText,
		tr.PostSuccess, tr.Error,
	)
	return err
}

func (s *Store) RecentTraces(limit int) ([]Trace, error) {
	rows, err := s.db.Query(`
		SELECT id, trace_id, timestamp, strategy_id, prompt, stages_json, improvement_made, selected_text, post_success, error
		FROM generation_traces ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Trace
	for rows.Next() {
		var tr Trace
		var ts string
		if err := rows.Scan(&tr.ID, &tr.TraceID, &ts, &tr.StrategyID, &tr.Prompt, &tr.StagesJSON, &tr.ImprovementMade, &tr.SelectedText, &tr.PostSuccess, &tr.Error); err != nil {
			return nil, err
		}
		if tr.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		results = append(results, tr)
	}
	return results, rows.Err()
}

func (s *Store) Improvements() (ImprovementCounts, error) {
	var c ImprovementCounts
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(improvement_made), 0) FROM generation_traces`,
	).Scan(&c.Attempts, &c.Improvements)
	return c, err
}

// --- Metrics snapshots ---

func (s *Store) SaveMetricsSnapshot(m MetricsSnapshot) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO metrics_snapshots (timestamp, followers, total_posts, total_likes, total_reposts, strategy_stats_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Timestamp.UTC().Format(time.RFC3339), m.Followers, m.TotalPosts,
		m.TotalLikes, m.TotalReposts, m.StrategyStatsJSON,
	)
	return err
}

// LatestMetricsSnapshot returns the snapshot with the newest timestamp.
// Earlier snapshots are superseded but never deleted.
func (s *Store) LatestMetricsSnapshot() (MetricsSnapshot, error) {
	var m MetricsSnapshot
	var ts string
	err := s.db.QueryRow(`
		SELECT timestamp, followers, total_posts, total_likes, total_reposts, strategy_stats_json
		FROM metrics_snapshots ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&ts, &m.Followers, &m.TotalPosts, &m.TotalLikes, &m.TotalReposts, &m.StrategyStatsJSON)
	if err == sql.ErrNoRows {
		return MetricsSnapshot{}, ErrNotFound
	}
	if err != nil {
		return MetricsSnapshot{}, err
	}
	if m.Timestamp, err = parseTimestamp(ts); err != nil {
		return MetricsSnapshot{}, err
	}
	return m, nil
}

// --- Training sessions ---

// AppendTrainingRow adds one row for a session. Sessions accumulate rows
// across repeated saves; readers concatenate them in timestamp order.
func (s *Store) AppendTrainingRow(row TrainingRow) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO training_sessions (timestamp, strategy_id, session_id, examples_json, deployed)
		VALUES (?, ?, ?, ?, ?)`,
		row.Timestamp.UTC().Format(time.RFC3339), row.StrategyID,
		row.SessionID, row.ExamplesJSON, row.Deployed,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TrainingRows returns all rows for a session ordered by timestamp ascending.
func (s *Store) TrainingRows(sessionID string) ([]TrainingRow, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, strategy_id, session_id, examples_json, deployed
		FROM training_sessions WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrainingRow
	for rows.Next() {
		var r TrainingRow
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.StrategyID, &r.SessionID, &r.ExamplesJSON, &r.Deployed); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) SessionCounts() (total, deployed int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(DISTINCT session_id),
		       COUNT(DISTINCT CASE WHEN deployed = 1 THEN session_id END)
		FROM training_sessions`,
	).Scan(&total, &deployed)
	return total, deployed, err
}

// --- Preference profiles ---

// InsertActiveProfile inserts a new active profile for a strategy,
// deactivates any prior active profile, and marks the source session as
// deployed — all in a single transaction, so there is never a window with
// zero or two active profiles.
func (s *Store) InsertActiveProfile(p ProfileRow, sessionID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE preference_profiles SET status = 'inactive'
		WHERE strategy_id = ? AND status = 'active'`, p.StrategyID); err != nil {
		return 0, fmt.Errorf("deactivating prior profile: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO preference_profiles (timestamp, strategy_id, profile_json, training_example_count, status)
		VALUES (?, ?, ?, ?, 'active')`,
		p.Timestamp.UTC().Format(time.RFC3339), p.StrategyID, p.ProfileJSON, p.ExampleCount,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting profile: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE training_sessions SET deployed = 1
		WHERE session_id = ? AND strategy_id = ?`, sessionID, p.StrategyID); err != nil {
		return 0, fmt.Errorf("marking session deployed: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing profile insert: %w", err)
	}
	return id, nil
}

// ActiveProfile returns the latest active profile for a strategy.
func (s *Store) ActiveProfile(strategyID string) (ProfileRow, error) {
	var p ProfileRow
	var ts string
	err := s.db.QueryRow(`
		SELECT id, timestamp, strategy_id, profile_json, training_example_count, status
		FROM preference_profiles
		WHERE strategy_id = ? AND status = 'active'
		ORDER BY timestamp DESC, id DESC LIMIT 1`, strategyID,
	).Scan(&p.ID, &ts, &p.StrategyID, &p.ProfileJSON, &p.ExampleCount, &p.Status)
	if err == sql.ErrNoRows {
		return ProfileRow{}, ErrNotFound
	}
	if err != nil {
		return ProfileRow{}, err
	}
	if p.Timestamp, err = parseTimestamp(ts); err != nil {
		return ProfileRow{}, err
	}
	return p, nil
}

// ActiveProfiles returns all currently active profiles, newest first.
func (s *Store) ActiveProfiles() ([]ProfileRow, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, strategy_id, profile_json, training_example_count, status
		FROM preference_profiles WHERE status = 'active'
		ORDER BY timestamp DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProfileRow
	for rows.Next() {
		var p ProfileRow
		var ts string
		if err := rows.Scan(&p.ID, &ts, &p.StrategyID, &p.ProfileJSON, &p.ExampleCount, &p.Status); err != nil {
			return nil, err
		}
		if p.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// ProfileCount returns the number of profile rows for a strategy with the
// given status.
func (s *Store) ProfileCount(strategyID, status string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM preference_profiles WHERE strategy_id = ? AND status = ?`,
		strategyID, status,
	).Scan(&n)
	return n, err
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}
