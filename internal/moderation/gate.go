package moderation

import (
	"context"
	"log/slog"
)

// Moderator checks text against an external content-safety service.
// Implemented by textgen.Client.
type Moderator interface {
	Moderate(ctx context.Context, text string) (bool, error)
}

// Gate wraps a Moderator with the pipeline's advisory semantics: a service
// failure reports not-flagged (fail-open), trading strictness for keeping
// the pipeline live.
type Gate struct {
	mod     Moderator
	enabled bool
}

// NewGate creates a Gate. When enabled is false, Flagged always reports false.
func NewGate(mod Moderator, enabled bool) *Gate {
	return &Gate{mod: mod, enabled: enabled}
}

// Flagged reports whether the content-safety service flagged the text.
func (g *Gate) Flagged(ctx context.Context, text string) bool {
	if !g.enabled || g.mod == nil {
		return false
	}
	flagged, err := g.mod.Moderate(ctx, text)
	if err != nil {
		slog.Warn("moderation check failed, allowing content", "error", err)
		return false
	}
	return flagged
}
