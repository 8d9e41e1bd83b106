package preference

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborlight/fieldnotes/internal/storage"
	"github.com/harborlight/fieldnotes/internal/strategy"
)

// highRatedThreshold: examples rated at or above this count toward the
// derived profile.
const highRatedThreshold = 4

// domainVocabulary is the fixed keyword set frequency counts are computed
// over when deriving a profile.
var domainVocabulary = []string{
	"ahoy", "matey", "avast", "spotted", "discovered", "treasure", "crew", "ship",
	"ai", "ml", "gpt", "neural", "algorithm", "machine learning", "deep learning",
}

// TrainingStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type TrainingStore interface {
	AppendTrainingRow(row storage.TrainingRow) (int64, error)
	TrainingRows(sessionID string) ([]storage.TrainingRow, error)
	SessionCounts() (total, deployed int, err error)
	InsertActiveProfile(p storage.ProfileRow, sessionID string) (int64, error)
	ActiveProfile(strategyID string) (storage.ProfileRow, error)
	ActiveProfiles() ([]storage.ProfileRow, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RatedExample is one human judgment over a candidate text.
type RatedExample struct {
	CandidateText string `json:"candidate_text"`
	Rating        int    `json:"rating"` // 1–5
}

// Profile is a derived summary of human ratings used to bias future
// generation. It is never hand-edited; Deploy is the only writer.
type Profile struct {
	StrategyID         string         `json:"strategy_id"`
	AvgPreferredLength int            `json:"avg_preferred_length"`
	VocabularyWeights  map[string]int `json:"vocabulary_weights"`
	DerivedFrom        string         `json:"derived_from"`
	ExampleCount       int            `json:"training_example_count"`
}

// DeploymentStatus summarizes live profiles and accumulated sessions for
// the console.
type DeploymentStatus struct {
	ActiveProfiles   []Profile `json:"active_profiles"`
	TotalSessions    int       `json:"total_sessions"`
	DeployedSessions int       `json:"deployed_sessions"`
}

// Manager owns TrainingSession and PreferenceProfile lifecycles. It is
// constructed explicitly and injected where needed; there is no package
// singleton.
type Manager struct {
	store TrainingStore
	clock Clock
}

// NewManager creates a Manager over the given store.
func NewManager(store TrainingStore) *Manager {
	return &Manager{store: store, clock: realClock{}}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store TrainingStore, clock Clock) *Manager {
	return &Manager{store: store, clock: clock}
}

// SaveTrainingSession appends a batch of rated examples under a session id.
// Callers accumulate a growing example list and re-submit the whole session;
// each call appends a new row, and readers reconstruct the session by
// concatenating rows in timestamp order.
func (m *Manager) SaveTrainingSession(strategyID, sessionID string, examples []RatedExample) (int64, error) {
	data, err := json.Marshal(examples)
	if err != nil {
		return 0, fmt.Errorf("encoding examples: %w", err)
	}

	id, err := m.store.AppendTrainingRow(storage.TrainingRow{
		Timestamp:    m.clock.Now().UTC(),
		StrategyID:   strategyID,
		SessionID:    sessionID,
		ExamplesJSON: string(data),
	})
	if err != nil {
		return 0, fmt.Errorf("saving training session: %w", err)
	}

	slog.Info("training session saved", "session_id", sessionID, "strategy", strategyID, "examples", len(examples))
	return id, nil
}

// TrainingData returns all examples for a session, concatenated across rows
// in timestamp order.
func (m *Manager) TrainingData(sessionID string) ([]RatedExample, error) {
	rows, err := m.store.TrainingRows(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading training rows: %w", err)
	}

	var examples []RatedExample
	for _, row := range rows {
		var batch []RatedExample
		if err := json.Unmarshal([]byte(row.ExamplesJSON), &batch); err != nil {
			return nil, fmt.Errorf("decoding training row %d: %w", row.ID, err)
		}
		examples = append(examples, batch...)
	}
	return examples, nil
}

// Deploy derives a PreferenceProfile from a session's high-rated examples
// and activates it. Activation atomically deactivates any prior active
// profile for the same strategy, so at most one profile per strategy is ever
// active. Returns storage.ErrNotFound when the session has no training data.
func (m *Manager) Deploy(strategyID, sessionID string) (Profile, error) {
	examples, err := m.TrainingData(sessionID)
	if err != nil {
		return Profile{}, err
	}
	if len(examples) == 0 {
		return Profile{}, fmt.Errorf("no training data for session %s: %w", sessionID, storage.ErrNotFound)
	}

	profile := deriveProfile(strategyID, sessionID, examples)

	data, err := json.Marshal(profile)
	if err != nil {
		return Profile{}, fmt.Errorf("encoding profile: %w", err)
	}

	if _, err := m.store.InsertActiveProfile(storage.ProfileRow{
		Timestamp:    m.clock.Now().UTC(),
		StrategyID:   strategyID,
		ProfileJSON:  string(data),
		ExampleCount: profile.ExampleCount,
	}, sessionID); err != nil {
		return Profile{}, fmt.Errorf("activating profile: %w", err)
	}

	slog.Info("preference profile deployed",
		"strategy", strategyID, "session_id", sessionID,
		"examples", profile.ExampleCount, "avg_length", profile.AvgPreferredLength)
	return profile, nil
}

// ActiveProfile returns the latest active profile for a strategy, or nil
// when none has been deployed.
func (m *Manager) ActiveProfile(strategyID string) (*Profile, error) {
	row, err := m.store.ActiveProfile(strategyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading active profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(row.ProfileJSON), &p); err != nil {
		return nil, fmt.Errorf("decoding profile %d: %w", row.ID, err)
	}
	return &p, nil
}

// GenerationHint implements strategy.ProfileSource: it condenses the active
// profile into the bias applied to candidate generation.
func (m *Manager) GenerationHint(strategyID string) (strategy.ProfileHint, bool) {
	p, err := m.ActiveProfile(strategyID)
	if err != nil {
		slog.Warn("loading profile hint failed", "strategy", strategyID, "error", err)
		return strategy.ProfileHint{}, false
	}
	if p == nil {
		return strategy.ProfileHint{}, false
	}
	return strategy.ProfileHint{
		AvgLength:  p.AvgPreferredLength,
		Vocabulary: topVocabulary(p.VocabularyWeights, 5),
	}, true
}

// Status reports active profiles and session counts for the console.
func (m *Manager) Status() (DeploymentStatus, error) {
	rows, err := m.store.ActiveProfiles()
	if err != nil {
		return DeploymentStatus{}, fmt.Errorf("listing active profiles: %w", err)
	}

	status := DeploymentStatus{ActiveProfiles: []Profile{}}
	for _, row := range rows {
		var p Profile
		if err := json.Unmarshal([]byte(row.ProfileJSON), &p); err != nil {
			slog.Warn("skipping undecodable profile", "id", row.ID, "error", err)
			continue
		}
		status.ActiveProfiles = append(status.ActiveProfiles, p)
	}

	status.TotalSessions, status.DeployedSessions, err = m.store.SessionCounts()
	if err != nil {
		return DeploymentStatus{}, fmt.Errorf("counting sessions: %w", err)
	}
	return status, nil
}

// deriveProfile computes the preference summary over high-rated examples.
func deriveProfile(strategyID, sessionID string, examples []RatedExample) Profile {
	var highRated []string
	for _, ex := range examples {
		if ex.Rating >= highRatedThreshold {
			highRated = append(highRated, ex.CandidateText)
		}
	}

	profile := Profile{
		StrategyID:        strategyID,
		DerivedFrom:       sessionID,
		ExampleCount:      len(examples),
		VocabularyWeights: map[string]int{},
	}

	if len(highRated) == 0 {
		return profile
	}

	total := 0
	for _, text := range highRated {
		total += utf8.RuneCountInString(text)
	}
	profile.AvgPreferredLength = total / len(highRated)

	for _, keyword := range domainVocabulary {
		count := 0
		for _, text := range highRated {
			if strings.Contains(strings.ToLower(text), keyword) {
				count++
			}
		}
		if count > 0 {
			profile.VocabularyWeights[keyword] = count
		}
	}
	return profile
}

// topVocabulary returns up to n keywords by descending weight, ties broken
// alphabetically for determinism.
func topVocabulary(weights map[string]int, n int) []string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if weights[keys[i]] != weights[keys[j]] {
			return weights[keys[i]] > weights[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
