package tiers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/resilience"
	"github.com/closerlabs/cadence/pkg/coach"
	"github.com/closerlabs/cadence/pkg/provider/llm"
	"github.com/closerlabs/cadence/pkg/provider/llm/mock"
)

const suggestionJSON = `{
  "suggestion": {
    "category": "objection",
    "urgency": "high",
    "text": "Label the concern before answering it.",
    "framework": "Chris Voss",
    "confidence": 0.8
  },
  "meddic": {"pain": "manual reporting costs a day per week"}
}`

func testSeg() coach.TranscriptSegment {
	return coach.TranscriptSegment{ID: 7, Speaker: coach.SpeakerCounterpart, Text: "that seems expensive", Final: true}
}

func testSnap(t *testing.T) callstate.Snapshot {
	t.Helper()
	st := callstate.New(10)
	st.Update(coach.TranscriptSegment{ID: 5, Speaker: coach.SpeakerSelf, Text: "the platform starts at 40k a year", Final: true})
	st.Update(coach.TranscriptSegment{ID: 6, Speaker: coach.SpeakerCounterpart, Text: "hm", Final: true})
	return st.Snapshot()
}

func TestGenerate_Suggestion(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: suggestionJSON},
	}
	g := NewReframer(p)

	s, hint, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s == nil {
		t.Fatal("expected a suggestion")
	}
	if s.Tier != coach.TierReframe {
		t.Errorf("tier = %d, want 2", s.Tier)
	}
	if s.SegmentID != 7 {
		t.Errorf("segment id = %d, want 7", s.SegmentID)
	}
	if s.Category != coach.CategoryObjection || s.Urgency != coach.UrgencyHigh {
		t.Errorf("classification = %s/%s", s.Category, s.Urgency)
	}
	if s.ID == "" {
		t.Error("suggestion ID not assigned")
	}
	if hint[coach.MeddicPain] == "" {
		t.Errorf("meddic hint missing: %v", hint)
	}
}

func TestGenerate_NullSuggestion(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"suggestion": null, "meddic": {"metrics": "ROI target named"}}`},
	}
	g := NewReframer(p)

	s, hint, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil suggestion, got %+v", s)
	}
	if hint[coach.MeddicMetrics] != "ROI target named" {
		t.Errorf("hint = %v", hint)
	}
}

func TestGenerate_CodeFencedReply(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n" + suggestionJSON + "\n```"},
	}
	g := NewAnalyzer(p)

	s, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s == nil || s.Tier != coach.TierStrategic {
		t.Fatalf("expected tier 3 suggestion, got %+v", s)
	}
}

func TestGenerate_BudgetTimeout(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: suggestionJSON},
		CompleteDelay:    50 * time.Millisecond,
	}
	g := NewReframer(p, WithBudget(5*time.Millisecond))

	s, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
	if s != nil {
		t.Errorf("expected no suggestion on timeout, got %+v", s)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	p := &mock.Provider{CompleteErr: errors.New("upstream 500")}
	g := NewAnalyzer(p)

	_, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServiceError, got %v", err)
	}
	if se.Tier != coach.TierStrategic {
		t.Errorf("service error tier = %d, want 3", se.Tier)
	}
}

func TestGenerate_MalformedJSON(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Sure! Here's my advice: push harder."},
	}
	g := NewReframer(p)

	_, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServiceError for malformed reply, got %v", err)
	}
}

func TestGenerate_InvalidEnumsDegradeGracefully(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"suggestion": {"category": "sorcery", "urgency": "now", "text": "do the thing", "confidence": 0.5}}`},
	}
	g := NewReframer(p)

	s, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s.Category != coach.CategoryReframe {
		t.Errorf("category = %q, want reframe fallback", s.Category)
	}
	if s.Urgency != coach.UrgencyMedium {
		t.Errorf("urgency = %q, want medium fallback", s.Urgency)
	}
}

func TestPrompts_TierContext(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"suggestion": null}`},
	}

	st := callstate.New(10)
	for i := uint64(1); i <= 8; i++ {
		st.Update(coach.TranscriptSegment{ID: i, Speaker: coach.SpeakerSelf, Text: "turn", Final: true})
	}
	st.MarkComplete(coach.MeddicPain, "quantified")
	snap := st.Snapshot()

	t.Run("reframer sees trailing turns only", func(t *testing.T) {
		p.Reset()
		g := NewReframer(p, WithTurnContext(3))
		if _, _, err := g.Generate(context.Background(), testSeg(), snap); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		prompt := p.Calls()[0].Req.Messages[0].Content
		if got := strings.Count(prompt, "Salesperson: turn"); got != 3 {
			t.Errorf("reframer prompt has %d turns, want 3", got)
		}
		if strings.Contains(prompt, "MEDDIC state") {
			t.Error("reframer prompt should not carry MEDDIC state")
		}
	})

	t.Run("analyzer sees full window, meddic, and brief", func(t *testing.T) {
		p.Reset()
		g := NewAnalyzer(p, WithBrief("Acme renewal, champion: Dana"))
		if _, _, err := g.Generate(context.Background(), testSeg(), snap); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		prompt := p.Calls()[0].Req.Messages[0].Content
		if got := strings.Count(prompt, "Salesperson: turn"); got != 8 {
			t.Errorf("analyzer prompt has %d turns, want 8", got)
		}
		if !strings.Contains(prompt, "pain: complete (quantified)") {
			t.Errorf("analyzer prompt missing MEDDIC state:\n%s", prompt)
		}
		if !strings.Contains(prompt, "Acme renewal") {
			t.Error("analyzer prompt missing brief")
		}
	})
}

func TestFallbackCompleter(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("rate limited")}
	secondary := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: suggestionJSON},
	}

	fg := resilience.NewFallbackGroup[llm.Provider](primary, "primary", resilience.FallbackConfig{})
	fg.AddFallback("secondary", secondary)

	g := NewReframer(NewFallbackCompleter(fg))
	s, _, err := g.Generate(context.Background(), testSeg(), testSnap(t))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s == nil {
		t.Fatal("expected suggestion from fallback provider")
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls: primary=%d secondary=%d, want 1 each", len(primary.Calls()), len(secondary.Calls()))
	}
}
