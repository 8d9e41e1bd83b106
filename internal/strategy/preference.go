package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/harborlight/fieldnotes/internal/textgen"
)

const (
	stageCandidates = "candidates"
	stageRanking    = "preference_ranking"
	stageSelected   = "selected_candidate"

	// minCandidateLength filters parse noise: lines shorter than this are
	// never real candidates.
	minCandidateLength = 20
)

// EvalWeights are the ranking dimensions for preference evaluation.
type EvalWeights struct {
	Accuracy   float64
	Engagement float64
	Structure  float64
}

// DefaultEvalWeights mirrors the documented 40/30/30 split.
var DefaultEvalWeights = EvalWeights{Accuracy: 0.4, Engagement: 0.3, Structure: 0.3}

// ProfileHint carries the active preference profile's bias for candidate
// generation: a target length and favored vocabulary.
type ProfileHint struct {
	AvgLength  int
	Vocabulary []string
}

// ProfileSource supplies the active preference profile for a strategy, if
// one has been deployed. Implemented by preference.Manager.
type ProfileSource interface {
	GenerationHint(strategyID string) (ProfileHint, bool)
}

// PreferenceSelect generates several candidates in one call, asks the
// evaluator to rank them, and posts the declared winner. Ties are resolved
// by the evaluator's own ordering; the first-listed winner wins.
type PreferenceSelect struct {
	id            string
	name          string
	marker        string
	chat          Chatter
	gate          ModerationGate
	profiles      ProfileSource
	validator     Validator
	model         string
	numCandidates int
	weights       EvalWeights
	fallbacks     fallbackPool
}

// PreferenceSelectConfig carries the knobs for NewPreferenceSelect.
type PreferenceSelectConfig struct {
	ID            string
	Name          string
	Marker        string
	Model         string
	Forbidden     []string
	MaxHashtags   int
	NumCandidates int
	Weights       EvalWeights
	Fallbacks     []string
}

// NewPreferenceSelect wires a preference-selection strategy. profiles may be
// nil when no training console is deployed.
func NewPreferenceSelect(cfg PreferenceSelectConfig, chat Chatter, gate ModerationGate, profiles ProfileSource) *PreferenceSelect {
	n := cfg.NumCandidates
	if n <= 0 {
		n = 4
	}
	w := cfg.Weights
	if w == (EvalWeights{}) {
		w = DefaultEvalWeights
	}
	fallbacks := cfg.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = defaultPreferenceFallbacks(cfg.Marker)
	}
	return &PreferenceSelect{
		id:       cfg.ID,
		name:     cfg.Name,
		marker:   cfg.Marker,
		chat:     chat,
		gate:     gate,
		profiles: profiles,
		validator: Validator{
			Marker:      cfg.Marker,
			Forbidden:   cfg.Forbidden,
			MaxHashtags: cfg.MaxHashtags,
		},
		model:         cfg.Model,
		numCandidates: n,
		weights:       w,
		fallbacks:     fallbackPool{posts: fallbacks},
	}
}

func (p *PreferenceSelect) ID() string     { return p.id }
func (p *PreferenceSelect) Name() string   { return p.name }
func (p *PreferenceSelect) Marker() string { return p.marker }

// Validate applies the strategy's local publishing rules.
func (p *PreferenceSelect) Validate(text string) bool {
	return p.validator.Validate(text)
}

// Generate runs the two-call pipeline: one call for all candidates, one for
// the ranked selection. ImprovementMade reports that the ranking call
// succeeded, not that the winner differs from anything.
func (p *PreferenceSelect) Generate(ctx context.Context) (string, Trace) {
	prompt := candidatesPrompt(p.numCandidates, p.marker, p.profileHint())
	tr := NewTrace(p.id, prompt)

	candidates, err := p.generateCandidates(ctx, prompt, &tr)
	if err != nil {
		return p.abort(&tr, fmt.Sprintf("candidate generation failed: %v", err))
	}
	if len(candidates) < 2 {
		return p.abort(&tr, fmt.Sprintf("only %d candidates parsed, need at least 2", len(candidates)))
	}

	winner, ranked := p.selectWinner(ctx, candidates, &tr)
	tr.ImprovementMade = ranked
	tr.AddStage(stageSelected, winner)

	// Moderation gates the selected winner only.
	if p.gate != nil && p.gate.Flagged(ctx, winner) {
		return p.abort(&tr, "selected candidate flagged by moderation")
	}

	winner = AppendMarker(winner, p.marker)
	tr.SelectedText = winner
	return winner, tr
}

// generateCandidates asks for all candidates in a single structured response
// and parses them out by delimiter.
func (p *PreferenceSelect) generateCandidates(ctx context.Context, prompt string, tr *Trace) ([]string, error) {
	resp, err := p.chat.Complete(ctx, textgen.Request{
		Model:    p.model,
		Messages: []textgen.Message{{Role: "user", Content: prompt}},
		// Higher temperature for candidate diversity.
		MaxTokens:   800,
		Temperature: 0.9,
	})
	if err != nil {
		return nil, err
	}
	tr.AddStage(stageCandidates, resp)

	candidates := parseCandidates(resp, p.numCandidates)

	// Fallback parse: any line carrying the marker and a plausible length.
	if len(candidates) < 2 {
		slog.Warn("structured candidate parse failed, trying heuristic parse",
			"strategy", p.id, "parsed", len(candidates))
		candidates = parseMarkerLines(resp, p.marker, p.numCandidates)
	}

	slog.Debug("candidates parsed", "strategy", p.id, "count", len(candidates))
	return candidates, nil
}

// selectWinner runs the preference evaluation and extracts the declared
// winner. ranked reports whether the ranking call itself succeeded; parse
// fallbacks within a successful response still count as a selection.
func (p *PreferenceSelect) selectWinner(ctx context.Context, candidates []string, tr *Trace) (winner string, ranked bool) {
	evaluation, err := p.chat.Complete(ctx, textgen.Request{
		Model:    p.model,
		Messages: []textgen.Message{{Role: "user", Content: evaluationPrompt(candidates, p.marker, p.weights)}},
		// Lower temperature for consistent evaluation.
		MaxTokens:   600,
		Temperature: 0.3,
	})
	if err != nil {
		slog.Warn("preference evaluation failed, using first candidate", "strategy", p.id, "error", err)
		return candidates[0], false
	}
	tr.AddStage(stageRanking, evaluation)

	if w := parseSelectedWinner(evaluation); w != "" {
		return w, true
	}

	// No SELECTED WINNER line: first candidate carrying the marker.
	for _, c := range candidates {
		if strings.Contains(c, p.marker) {
			slog.Warn("no winner line in evaluation, using first marked candidate", "strategy", p.id)
			return c, true
		}
	}

	slog.Warn("no winner line and no marked candidate, using first candidate", "strategy", p.id)
	return candidates[0], true
}

func (p *PreferenceSelect) profileHint() string {
	if p.profiles == nil {
		return ""
	}
	hint, ok := p.profiles.GenerationHint(p.id)
	if !ok {
		return ""
	}
	var parts []string
	if hint.AvgLength > 0 {
		parts = append(parts, fmt.Sprintf("Aim for roughly %d characters per note.", hint.AvgLength))
	}
	if len(hint.Vocabulary) > 0 {
		parts = append(parts, "Readers respond well to these words: "+strings.Join(hint.Vocabulary, ", ")+".")
	}
	if len(parts) == 0 {
		return ""
	}
	return "Reader preferences from past ratings:\n- " + strings.Join(parts, "\n- ")
}

func (p *PreferenceSelect) abort(tr *Trace, reason string) (string, Trace) {
	slog.Warn("preference selection aborted", "strategy", p.id, "reason", reason)
	tr.Err = reason
	post := p.fallbacks.pick()
	tr.SelectedText = post
	return post, *tr
}

// parseCandidates extracts up to limit candidates from "CANDIDATE n:" lines.
func parseCandidates(resp string, limit int) []string {
	var candidates []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CANDIDATE") {
			continue
		}
		_, content, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		content = strings.TrimSpace(content)
		if utf8.RuneCountInString(content) > minCandidateLength {
			candidates = append(candidates, content)
		}
		if len(candidates) == limit {
			break
		}
	}
	return candidates
}

// parseMarkerLines is the heuristic fallback: any line containing the marker
// and exceeding the minimum candidate length.
func parseMarkerLines(resp, marker string, limit int) []string {
	var candidates []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, marker) && utf8.RuneCountInString(line) > minCandidateLength {
			candidates = append(candidates, line)
		}
		if len(candidates) == limit {
			break
		}
	}
	return candidates
}

// parseSelectedWinner extracts the text after "SELECTED WINNER:".
func parseSelectedWinner(evaluation string) string {
	for _, line := range strings.Split(evaluation, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "SELECTED WINNER") {
			continue
		}
		_, content, found := strings.Cut(line, ":")
		if found {
			return strings.TrimSpace(content)
		}
	}
	return ""
}

func defaultPreferenceFallbacks(marker string) []string {
	return []string{
		"Ahoy! Spotted Amazon's Alexa using preference optimization to rank responses - millions of daily interactions teaching it what humans prefer. Smart learning from choices! " + marker,
		"Matey! Found Google Search using ML ranking models trained on billions of clicks. Their preference optimization decides which results ye see first. Treasure navigation! " + marker,
		"Avast! Discovered YouTube's recommendation engine learning from viewer choices. 2B+ hours watched daily = massive preference dataset! " + marker,
	}
}
