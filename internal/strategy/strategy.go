package strategy

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/harborlight/fieldnotes/internal/textgen"
)

// MaxPostLength is the platform character limit for a single post.
const MaxPostLength = 300

// Chatter is the completion interface strategies use to reach the
// text-generation service. Implemented by textgen.Client.
type Chatter interface {
	Complete(ctx context.Context, req textgen.Request) (string, error)
}

// Strategy is an improvement technique that produces one post candidate plus
// a full trace of how it was produced.
//
// Generate never returns an error: expected failure modes (service timeout,
// empty response, moderation rejection) resolve to a fallback post with the
// trace's Err field set. Generate has no side effects beyond its return
// values; posting is the orchestrator's job.
type Strategy interface {
	ID() string
	Name() string
	Marker() string
	Generate(ctx context.Context) (string, Trace)
	Validate(text string) bool
}

// Stage is one intermediate artifact of a generation attempt.
type Stage struct {
	Name   string `json:"name"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// Trace records a single generation attempt. It is persisted whether or not
// posting succeeds, and never mutated after the attempt completes.
type Trace struct {
	TraceID         string
	Timestamp       time.Time
	StrategyID      string
	Prompt          string
	Stages          []Stage
	ImprovementMade bool
	SelectedText    string
	Err             string
}

// NewTrace starts a trace for one generation attempt. prompt is stored
// truncated for inspection, not replay.
func NewTrace(strategyID, prompt string) Trace {
	return Trace{
		TraceID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		StrategyID: strategyID,
		Prompt:     truncateRunes(prompt, 200),
	}
}

// AddStage appends an intermediate artifact to the trace.
func (t *Trace) AddStage(name, text string) {
	t.Stages = append(t.Stages, Stage{
		Name:   name,
		Text:   text,
		Length: utf8.RuneCountInString(text),
	})
}

// StagesJSON serializes the ordered stage list for persistence.
func (t *Trace) StagesJSON() string {
	if len(t.Stages) == 0 {
		return "[]"
	}
	b, err := json.Marshal(t.Stages)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// AppendMarker ensures text ends with the signature marker, truncating the
// body (never the marker) when the combined rune length would exceed
// MaxPostLength. Appending is idempotent: text already ending with the
// marker only gets length enforcement.
func AppendMarker(text, marker string) string {
	text = strings.TrimSpace(text)
	if strings.HasSuffix(text, marker) {
		text = strings.TrimSpace(strings.TrimSuffix(text, marker))
	}

	markerLen := utf8.RuneCountInString(marker)
	maxBody := MaxPostLength - markerLen - 1
	if utf8.RuneCountInString(text) > maxBody {
		text = strings.TrimRight(truncateRunes(text, maxBody), " ")
	}
	return text + " " + marker
}

// StripMarker removes a trailing signature marker for comparison purposes.
func StripMarker(text, marker string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), marker))
}

// fallbackPool cycles through pre-authored safe posts. Selection is a plain
// rotation so tests see deterministic output.
type fallbackPool struct {
	posts []string
	next  int
}

func (p *fallbackPool) pick() string {
	if len(p.posts) == 0 {
		return ""
	}
	post := p.posts[p.next%len(p.posts)]
	p.next++
	return post
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
