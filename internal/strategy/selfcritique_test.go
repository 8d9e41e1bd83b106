package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestSelfCritique(chat Chatter, gate ModerationGate) *SelfCritique {
	return NewSelfCritique(SelfCritiqueConfig{
		ID:        "self_critique",
		Name:      "Self-Critique",
		Marker:    "⚓",
		Model:     "test-model",
		Fallbacks: []string{"Fallback note ⚓"},
	}, chat, gate)
}

func TestSelfCritiqueHappyPath(t *testing.T) {
	chat := &mockChatter{responses: []string{
		"Ahoy! Draft note about Shopify AI",
		"Good, but tighten the metric",
		"Ahoy! Shopify's AI writes 10M+ product descriptions monthly",
	}}
	s := newTestSelfCritique(chat, &mockGate{})

	post, tr := s.Generate(context.Background())

	if want := "Ahoy! Shopify's AI writes 10M+ product descriptions monthly ⚓"; post != want {
		t.Errorf("post = %q, want %q", post, want)
	}
	if tr.Err != "" {
		t.Errorf("trace.Err = %q, want empty", tr.Err)
	}
	if len(tr.Stages) != 3 {
		t.Fatalf("len(stages) = %d, want 3", len(tr.Stages))
	}
	wantStages := []string{"initial_draft", "critique", "refined_post"}
	for i, name := range wantStages {
		if tr.Stages[i].Name != name {
			t.Errorf("stage %d = %q, want %q", i, tr.Stages[i].Name, name)
		}
	}
	if !tr.ImprovementMade {
		t.Error("ImprovementMade = false, want true (refined differs from draft)")
	}
	if len(chat.calls) != 3 {
		t.Errorf("chat calls = %d, want 3", len(chat.calls))
	}
}

// TestSelfCritiqueNoImprovement: refined output minus marker equal to the
// draft means no improvement was made.
func TestSelfCritiqueNoImprovement(t *testing.T) {
	draft := "Ahoy! Same note either way"
	chat := &mockChatter{responses: []string{draft, "looks fine", draft}}
	s := newTestSelfCritique(chat, &mockGate{})

	post, tr := s.Generate(context.Background())

	if tr.ImprovementMade {
		t.Error("ImprovementMade = true, want false for identical text")
	}
	if post != draft+" ⚓" {
		t.Errorf("post = %q", post)
	}
}

func TestSelfCritiqueDraftError(t *testing.T) {
	chat := &mockChatter{errs: []error{errors.New("timeout")}}
	s := newTestSelfCritique(chat, &mockGate{})

	post, tr := s.Generate(context.Background())

	if post != "Fallback note ⚓" {
		t.Errorf("post = %q, want fallback", post)
	}
	if tr.Err == "" {
		t.Error("trace.Err empty, want error recorded")
	}
	if !strings.Contains(tr.Err, "draft generation") {
		t.Errorf("trace.Err = %q, want draft-stage error", tr.Err)
	}
}

func TestSelfCritiqueCritiqueError(t *testing.T) {
	chat := &mockChatter{
		responses: []string{"a draft"},
		errs:      []error{nil, errors.New("service unavailable")},
	}
	s := newTestSelfCritique(chat, &mockGate{})

	post, tr := s.Generate(context.Background())

	if post != "Fallback note ⚓" {
		t.Errorf("post = %q, want fallback", post)
	}
	if !strings.Contains(tr.Err, "critique") {
		t.Errorf("trace.Err = %q, want critique-stage error", tr.Err)
	}
	// The draft stage completed and stays in the trace.
	if len(tr.Stages) != 1 || tr.Stages[0].Name != "initial_draft" {
		t.Errorf("stages = %+v, want the draft stage only", tr.Stages)
	}
}

// TestSelfCritiqueModerationFallsBackToDraft: a flagged refined candidate
// falls back to the unmoderated initial draft, not a synthetic fallback.
func TestSelfCritiqueModerationFallsBackToDraft(t *testing.T) {
	draft := "Ahoy! Mild draft note"
	refined := "Ahoy! Spicy refined note"
	chat := &mockChatter{responses: []string{draft, "spice it up", refined}}
	gate := &mockGate{flagged: map[string]bool{refined + " ⚓": true}}
	s := newTestSelfCritique(chat, gate)

	post, tr := s.Generate(context.Background())

	if post != draft {
		t.Errorf("post = %q, want initial draft", post)
	}
	if !strings.Contains(tr.Err, "moderation") {
		t.Errorf("trace.Err = %q, want moderation note", tr.Err)
	}
	if gate.calls != 1 {
		t.Errorf("moderation calls = %d, want 1 (final candidate only)", gate.calls)
	}
}

func TestSelfCritiqueTruncatesLongRefinement(t *testing.T) {
	long := strings.Repeat("treasure ", 60)
	chat := &mockChatter{responses: []string{"draft", "critique", long}}
	s := newTestSelfCritique(chat, &mockGate{})

	post, _ := s.Generate(context.Background())

	if n := len([]rune(post)); n > MaxPostLength {
		t.Errorf("post length = %d runes, exceeds platform limit", n)
	}
	if !strings.HasSuffix(post, "⚓") {
		t.Error("marker truncated away")
	}
}

func TestSelfCritiqueFallbackRotation(t *testing.T) {
	s := NewSelfCritique(SelfCritiqueConfig{
		ID: "self_critique", Marker: "⚓", Model: "m",
		Fallbacks: []string{"one ⚓", "two ⚓"},
	}, &mockChatter{errs: []error{errors.New("down"), errors.New("down")}}, &mockGate{})

	first, _ := s.Generate(context.Background())
	second, _ := s.Generate(context.Background())

	if first != "one ⚓" || second != "two ⚓" {
		t.Errorf("fallbacks = %q, %q; want rotation", first, second)
	}
}
