package preference

import (
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/harborlight/fieldnotes/internal/storage"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManagerWithClock(store, &fixedClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)})
}

func ratedSet(ratings ...int) []RatedExample {
	texts := []string{
		"Ahoy! Spotted GPT-4 chartin' new waters in code generation today ⚓",
		"Avast! This neural network treasure be worth its weight in gold, crew! ⚓",
		"Machine learning update, matey ⚓",
		"Discovered a fine algorithm on me travels ⚓",
		"meh",
	}
	var examples []RatedExample
	for i, r := range ratings {
		examples = append(examples, RatedExample{CandidateText: texts[i%len(texts)], Rating: r})
	}
	return examples
}

func TestSaveAndReadTrainingData(t *testing.T) {
	m := testManager(t)

	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", ratedSet(5, 3)); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}
	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", ratedSet(4)); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}

	examples, err := m.TrainingData("sess-1")
	if err != nil {
		t.Fatalf("TrainingData: %v", err)
	}
	if len(examples) != 3 {
		t.Fatalf("got %d examples, want 3 (concatenated across rows)", len(examples))
	}
	if examples[0].Rating != 5 || examples[2].Rating != 4 {
		t.Errorf("rows not concatenated in insertion order: %+v", examples)
	}
}

func TestTrainingDataUnknownSession(t *testing.T) {
	m := testManager(t)

	examples, err := m.TrainingData("missing")
	if err != nil {
		t.Fatalf("TrainingData: %v", err)
	}
	if len(examples) != 0 {
		t.Errorf("got %d examples for unknown session, want 0", len(examples))
	}
}

func TestDeployNoDataIsNotFound(t *testing.T) {
	m := testManager(t)

	_, err := m.Deploy("preference_selection", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Deploy error = %v, want ErrNotFound", err)
	}
}

func TestDeployDerivesProfileFromHighRated(t *testing.T) {
	m := testManager(t)

	examples := []RatedExample{
		{CandidateText: "Ahoy! Spotted a fine GPT treasure today, crew ⚓", Rating: 5},
		{CandidateText: "Avast! Neural network discovery on the horizon ⚓", Rating: 4},
		{CandidateText: "low effort post", Rating: 2},
	}
	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", examples); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}

	profile, err := m.Deploy("preference_selection", "sess-1")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if profile.ExampleCount != 3 {
		t.Errorf("ExampleCount = %d, want 3", profile.ExampleCount)
	}
	if profile.DerivedFrom != "sess-1" {
		t.Errorf("DerivedFrom = %q", profile.DerivedFrom)
	}
	// Averaged over the two high-rated examples only.
	want := (utf8.RuneCountInString(examples[0].CandidateText) + utf8.RuneCountInString(examples[1].CandidateText)) / 2
	if profile.AvgPreferredLength != want {
		t.Errorf("AvgPreferredLength = %d, want %d", profile.AvgPreferredLength, want)
	}
	if profile.VocabularyWeights["ahoy"] != 1 {
		t.Errorf("vocabulary weight for ahoy = %d, want 1", profile.VocabularyWeights["ahoy"])
	}
	if _, ok := profile.VocabularyWeights["ship"]; ok {
		t.Error("absent keyword should not appear in weights")
	}
}

func TestDeployNoHighRatedExamples(t *testing.T) {
	m := testManager(t)

	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", ratedSet(2, 3, 1)); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}

	profile, err := m.Deploy("preference_selection", "sess-1")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if profile.AvgPreferredLength != 0 {
		t.Errorf("AvgPreferredLength = %d, want 0 when nothing is high-rated", profile.AvgPreferredLength)
	}
	if len(profile.VocabularyWeights) != 0 {
		t.Errorf("VocabularyWeights = %v, want empty", profile.VocabularyWeights)
	}
}

func TestRedeployReplacesActiveProfile(t *testing.T) {
	m := testManager(t)

	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", ratedSet(5, 4)); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}
	if _, err := m.SaveTrainingSession("preference_selection", "sess-2", ratedSet(4)); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}

	if _, err := m.Deploy("preference_selection", "sess-1"); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	if _, err := m.Deploy("preference_selection", "sess-2"); err != nil {
		t.Fatalf("second Deploy: %v", err)
	}

	active, err := m.ActiveProfile("preference_selection")
	if err != nil {
		t.Fatalf("ActiveProfile: %v", err)
	}
	if active == nil {
		t.Fatal("no active profile after deploy")
	}
	if active.DerivedFrom != "sess-2" {
		t.Errorf("active profile derived from %q, want sess-2", active.DerivedFrom)
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.ActiveProfiles) != 1 {
		t.Errorf("got %d active profiles, want 1", len(status.ActiveProfiles))
	}
	if status.TotalSessions != 2 || status.DeployedSessions != 2 {
		t.Errorf("sessions = %d/%d deployed, want 2/2", status.TotalSessions, status.DeployedSessions)
	}
}

func TestActiveProfileNoneDeployed(t *testing.T) {
	m := testManager(t)

	p, err := m.ActiveProfile("preference_selection")
	if err != nil {
		t.Fatalf("ActiveProfile: %v", err)
	}
	if p != nil {
		t.Errorf("got profile %+v, want nil", p)
	}
}

func TestGenerationHint(t *testing.T) {
	m := testManager(t)

	if _, ok := m.GenerationHint("preference_selection"); ok {
		t.Error("hint reported before any deploy")
	}

	examples := []RatedExample{
		{CandidateText: "Ahoy crew! This treasure of an algorithm be grand ⚓", Rating: 5},
		{CandidateText: "Ahoy! Spotted a neural network treasure today ⚓", Rating: 4},
	}
	if _, err := m.SaveTrainingSession("preference_selection", "sess-1", examples); err != nil {
		t.Fatalf("SaveTrainingSession: %v", err)
	}
	if _, err := m.Deploy("preference_selection", "sess-1"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	hint, ok := m.GenerationHint("preference_selection")
	if !ok {
		t.Fatal("no hint after deploy")
	}
	if hint.AvgLength == 0 {
		t.Error("hint AvgLength = 0")
	}
	if len(hint.Vocabulary) == 0 || len(hint.Vocabulary) > 5 {
		t.Errorf("hint vocabulary size = %d, want 1..5", len(hint.Vocabulary))
	}
	// Both examples contain "ahoy" and "treasure"; weight 2 must sort first.
	if hint.Vocabulary[0] != "ahoy" {
		t.Errorf("top keyword = %q, want ahoy (ties broken alphabetically)", hint.Vocabulary[0])
	}
}
