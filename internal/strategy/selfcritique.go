package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborlight/fieldnotes/internal/textgen"
)

// Stage names recorded in self-critique traces.
const (
	stageDraft    = "initial_draft"
	stageCritique = "critique"
	stageRefined  = "refined_post"
)

// SelfCritique drafts a post, elicits a critique of the draft, and rewrites
// it against that critique. The three calls form a fixed progression; any
// external-call failure short-circuits to the fallback pool with the trace
// error set.
type SelfCritique struct {
	id        string
	name      string
	marker    string
	chat      Chatter
	gate      ModerationGate
	validator Validator
	model     string
	fallbacks fallbackPool
}

// ModerationGate reports whether content is flagged by the safety service.
// Implemented by moderation.Gate.
type ModerationGate interface {
	Flagged(ctx context.Context, text string) bool
}

// SelfCritiqueConfig carries the knobs for NewSelfCritique.
type SelfCritiqueConfig struct {
	ID        string
	Name      string
	Marker    string
	Model     string
	Forbidden []string
	// MaxHashtags bounds hashtag use; 0 disables the rule.
	MaxHashtags int
	// Fallbacks overrides the built-in fallback pool (used by tests).
	Fallbacks []string
}

// NewSelfCritique wires a self-critique strategy.
func NewSelfCritique(cfg SelfCritiqueConfig, chat Chatter, gate ModerationGate) *SelfCritique {
	fallbacks := cfg.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = defaultSelfCritiqueFallbacks(cfg.Marker)
	}
	return &SelfCritique{
		id:     cfg.ID,
		name:   cfg.Name,
		marker: cfg.Marker,
		chat:   chat,
		gate:   gate,
		validator: Validator{
			Marker:      cfg.Marker,
			Forbidden:   cfg.Forbidden,
			MaxHashtags: cfg.MaxHashtags,
		},
		model:     cfg.Model,
		fallbacks: fallbackPool{posts: fallbacks},
	}
}

func (s *SelfCritique) ID() string     { return s.id }
func (s *SelfCritique) Name() string   { return s.name }
func (s *SelfCritique) Marker() string { return s.marker }

// Validate applies the strategy's local publishing rules.
func (s *SelfCritique) Validate(text string) bool {
	return s.validator.Validate(text)
}

// Generate runs the draft, critique, and refine calls in order and returns
// the refined candidate. If moderation flags the refined candidate, the
// initial draft is returned instead of a synthetic fallback.
func (s *SelfCritique) Generate(ctx context.Context) (string, Trace) {
	prompt := draftPrompt(s.marker)
	tr := NewTrace(s.id, prompt)

	draft, err := s.complete(ctx, prompt, 400, 0.8)
	if err != nil {
		return s.abort(&tr, fmt.Sprintf("draft generation failed: %v", err))
	}
	tr.AddStage(stageDraft, draft)

	critique, err := s.complete(ctx, critiquePrompt(s.marker, draft), 500, 0.3)
	if err != nil {
		return s.abort(&tr, fmt.Sprintf("critique failed: %v", err))
	}
	tr.AddStage(stageCritique, critique)

	refined, err := s.complete(ctx, refinePrompt(s.marker, draft, critique), 400, 0.7)
	if err != nil {
		return s.abort(&tr, fmt.Sprintf("refinement failed: %v", err))
	}

	candidate := AppendMarker(refined, s.marker)
	tr.AddStage(stageRefined, candidate)

	// Literal string inequality, not semantic similarity.
	tr.ImprovementMade = StripMarker(candidate, s.marker) != draft

	// Moderation runs once, against the final candidate.
	if s.gate != nil && s.gate.Flagged(ctx, candidate) {
		slog.Warn("refined post flagged by moderation, returning initial draft", "strategy", s.id)
		tr.Err = "refined content flagged by moderation"
		tr.SelectedText = draft
		return draft, tr
	}

	tr.SelectedText = candidate
	return candidate, tr
}

func (s *SelfCritique) complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return s.chat.Complete(ctx, textgen.Request{
		Model:       s.model,
		Messages:    []textgen.Message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
}

// abort resolves the attempt to a fallback post with the trace error set.
func (s *SelfCritique) abort(tr *Trace, reason string) (string, Trace) {
	slog.Warn("self-critique generation aborted", "strategy", s.id, "reason", reason)
	tr.Err = reason
	post := s.fallbacks.pick()
	tr.SelectedText = post
	return post, *tr
}

func defaultSelfCritiqueFallbacks(marker string) []string {
	return []string{
		"Ahoy! Just discovered GitHub Copilot helping developers code 55% faster in enterprise ships. Microsoft's AI mate is revolutionizing how crews build software. Every line counts on the digital seas! " + marker,
		"Matey! Spotted Grammarly's AI writing assistant used by 30M+ sailors worldwide. Their ML checks grammar, tone, and clarity in real-time. Clean communication = successful voyages! " + marker,
		"Avast! Found Notion's AI features helping teams organize knowledge 40% faster. Auto-summaries and smart search keep crews aligned. Information management be the new treasure! " + marker,
	}
}
