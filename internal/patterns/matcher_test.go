package patterns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/pkg/coach"
)

func counterpartSays(text string) coach.TranscriptSegment {
	return coach.TranscriptSegment{ID: 1, Speaker: coach.SpeakerCounterpart, Text: text, Final: true}
}

func emptySnapshot() callstate.Snapshot {
	return callstate.New(10).Snapshot()
}

func TestMatch_PriceProbe(t *testing.T) {
	m := NewMatcher(nil)

	res := m.Match(counterpartSays("So how much does this cost per seat?"), emptySnapshot())
	if res == nil {
		t.Fatal("expected a match")
	}
	s := res.Suggestion
	if s.Category != coach.CategoryObjection {
		t.Errorf("category = %q, want objection", s.Category)
	}
	if s.Tier != coach.TierPattern {
		t.Errorf("tier = %d, want 1", s.Tier)
	}
	if s.SegmentID != 1 {
		t.Errorf("segment id = %d, want 1", s.SegmentID)
	}
	if s.ID == "" {
		t.Error("suggestion ID not assigned")
	}
}

func TestMatch_NoMatch(t *testing.T) {
	m := NewMatcher(nil)

	if res := m.Match(counterpartSays("the weather has been lovely lately"), emptySnapshot()); res != nil {
		t.Errorf("expected nil, got %+v", res)
	}
}

func TestMatch_SpeakerCondition(t *testing.T) {
	m := NewMatcher(nil)

	// The rep quoting price language must not trigger the counterpart-only
	// price-probe pattern.
	seg := coach.TranscriptSegment{ID: 2, Speaker: coach.SpeakerSelf, Text: "what's the price you saw from them?", Final: true}
	if res := m.Match(seg, emptySnapshot()); res != nil {
		t.Errorf("speaker condition ignored: %+v", res)
	}
}

func TestMatch_CategoryPriorityReduction(t *testing.T) {
	m := NewMatcher(nil)

	// Hits both an objection ("too expensive") and a stall ("send me more
	// info"); objection outranks stall.
	res := m.Match(counterpartSays("honestly it's too expensive, just send me more info"), emptySnapshot())
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.Suggestion.Category != coach.CategoryObjection {
		t.Errorf("category = %q, want objection to win the reduction", res.Suggestion.Category)
	}
}

func TestMatch_DiscoverySkipsCompleteFields(t *testing.T) {
	m := NewMatcher(nil)

	st := callstate.New(10)
	st.MarkComplete(coach.MeddicPain, "already quantified")

	res := m.Match(counterpartSays("the manual process is so frustrating"), st.Snapshot())
	if res != nil {
		t.Errorf("discovery pattern fired for an already-complete field: %+v", res)
	}

	// Same utterance with the field incomplete fires and tags it.
	res = m.Match(counterpartSays("the manual process is so frustrating"), emptySnapshot())
	if res == nil {
		t.Fatal("expected a match against incomplete field")
	}
	if res.Meddic != coach.MeddicPain {
		t.Errorf("meddic tag = %q, want pain", res.Meddic)
	}
}

func TestMatch_FuzzyPhrase(t *testing.T) {
	m := NewMatcher(nil, WithFuzzyThreshold(0.88))

	// STT near-miss of the "that is a lot of money" phrase predicate.
	res := m.Match(counterpartSays("wow that is alot of money"), emptySnapshot())
	if res == nil {
		t.Fatal("expected fuzzy phrase match")
	}
	if res.Suggestion.Category != coach.CategoryObjection {
		t.Errorf("category = %q, want objection", res.Suggestion.Category)
	}
}

func TestMatch_MeddicTagOnNonDiscovery(t *testing.T) {
	m := NewMatcher(nil)

	res := m.Match(counterpartSays("we're also looking at a few other vendors"), emptySnapshot())
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.Meddic != coach.MeddicDecisionCriteria {
		t.Errorf("meddic tag = %q, want decision_criteria", res.Meddic)
	}
}

func TestLoadLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	yaml := `
patterns:
  - name: custom-discount-ask
    keywords: ["any discount", "can you do better"]
    speaker: counterpart
    category: objection
    urgency: high
    confidence: 0.9
    template: "Trade, don't cave. Ask for a longer term or a reference in exchange."
    framework: "Chris Voss"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadLibrary(path)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if len(lib.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(lib.Entries))
	}

	m := NewMatcher(lib)
	res := m.Match(counterpartSays("is there any discount for annual?"), emptySnapshot())
	if res == nil {
		t.Fatal("expected custom pattern to fire")
	}
	if res.Suggestion.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", res.Suggestion.Confidence)
	}

	// Built-in defaults are replaced, not merged.
	if res := m.Match(counterpartSays("how much does this cost?"), emptySnapshot()); res != nil {
		t.Errorf("default pattern fired with custom library: %+v", res)
	}
}

func TestLoadLibrary_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no predicate", "patterns:\n  - name: x\n    category: stall\n    template: t\n"},
		{"bad category", "patterns:\n  - name: x\n    keywords: [a]\n    category: vibes\n    template: t\n"},
		{"no template", "patterns:\n  - name: x\n    keywords: [a]\n    category: stall\n"},
		{"bad confidence", "patterns:\n  - name: x\n    keywords: [a]\n    category: stall\n    template: t\n    confidence: 2\n"},
	}

	dir := t.TempDir()
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadLibrary(path); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		})
	}
}

func TestDefaultLibrary_Valid(t *testing.T) {
	if err := DefaultLibrary().validate(); err != nil {
		t.Fatalf("built-in library invalid: %v", err)
	}
}
