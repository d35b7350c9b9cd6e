package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/closerlabs/cadence/internal/aggregator"
	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/internal/patterns"
	"github.com/closerlabs/cadence/internal/tiers"
	"github.com/closerlabs/cadence/pkg/coach"
	"github.com/closerlabs/cadence/pkg/provider/llm"
	"github.com/closerlabs/cadence/pkg/provider/llm/mock"
)

const tier2JSON = `{"suggestion": {"category": "reframe", "urgency": "medium", "text": "Mirror their last three words.", "confidence": 0.7}, "meddic": {"pain": "slow quarter-close"}}`

const tier3JSON = `{"suggestion": {"category": "closing", "urgency": "high", "text": "The champion is warm. Propose a mutual close plan before the call ends.", "framework": "MEDDIC", "confidence": 0.9}}`

// testHarness bundles a running pipeline with its collaborators.
type testHarness struct {
	p      *Pipeline
	state  *callstate.State
	agg    *aggregator.Aggregator
	out    <-chan coach.Suggestion
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *testHarness {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	state := callstate.New(20)
	agg := aggregator.New(aggregator.Config{DisplayWindow: 10})
	p := New(cfg, state, patterns.NewMatcher(nil), agg, append(opts, WithMetrics(metrics))...)

	out, unsub := agg.Subscribe()
	t.Cleanup(unsub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testHarness{p: p, state: state, agg: agg, out: out, cancel: cancel, done: done}
}

// recv waits for the next delivered suggestion.
func (h *testHarness) recv(t *testing.T) coach.Suggestion {
	t.Helper()
	select {
	case s, ok := <-h.out:
		if !ok {
			t.Fatal("suggestion stream closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a suggestion")
	}
	panic("unreachable")
}

// expectQuiet asserts no suggestion arrives within d.
func (h *testHarness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-h.out:
		t.Fatalf("unexpected suggestion: %+v", s)
	case <-time.After(d):
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func finalSeg(id uint64, text string) coach.TranscriptSegment {
	return coach.TranscriptSegment{
		ID: id, Speaker: coach.SpeakerCounterpart, Text: text,
		Final: true, ReceivedAt: time.Now(),
	}
}

func TestPipeline_PatternOnlyDegradedMode(t *testing.T) {
	h := newHarness(t, Config{})

	h.p.Offer(finalSeg(1, "how much does this cost?"))

	s := h.recv(t)
	if s.Tier != coach.TierPattern {
		t.Errorf("tier = %d, want 1", s.Tier)
	}
	if s.Category != coach.CategoryObjection {
		t.Errorf("category = %q, want objection", s.Category)
	}
	if s.SegmentID != 1 {
		t.Errorf("segment id = %d, want 1", s.SegmentID)
	}
}

func TestPipeline_InterimGating(t *testing.T) {
	t.Run("interims skipped by default", func(t *testing.T) {
		h := newHarness(t, Config{})
		seg := finalSeg(1, "how much does this cost?")
		seg.Final = false
		h.p.Offer(seg)
		h.expectQuiet(t, 100*time.Millisecond)
		if h.state.Generation() != 0 {
			t.Error("interim segment advanced the state generation")
		}
	})

	t.Run("interims matched when enabled", func(t *testing.T) {
		h := newHarness(t, Config{Tier1OnInterim: true})
		seg := finalSeg(1, "how much does this cost?")
		seg.Final = false
		h.p.Offer(seg)
		if s := h.recv(t); s.Tier != coach.TierPattern {
			t.Errorf("tier = %d, want 1", s.Tier)
		}
		if h.state.Generation() != 0 {
			t.Error("interim segment advanced the state generation")
		}
	})
}

func TestPipeline_ReframerSeesTriggeringSegment(t *testing.T) {
	p2 := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tier2JSON}}
	h := newHarness(t, Config{}, WithReframer(tiers.NewReframer(p2)))

	h.p.Offer(finalSeg(1, "we keep missing our quarter close"))

	s := h.recv(t)
	if s.Tier != coach.TierReframe {
		t.Fatalf("tier = %d, want 2", s.Tier)
	}

	// State is updated before the snapshot is taken, so the prompt must
	// already contain the segment that triggered the generation.
	prompt := p2.Calls()[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "we keep missing our quarter close") {
		t.Errorf("reframer prompt missing triggering segment:\n%s", prompt)
	}

	// The structured MEDDIC hint feeds the tracker.
	waitFor(t, func() bool { return h.state.MeddicCompletion() > 0 },
		"meddic hint never applied")
}

func TestPipeline_Tier3SingleFlightCoalesces(t *testing.T) {
	p3 := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: tier3JSON},
		CompleteDelay:    80 * time.Millisecond,
	}
	h := newHarness(t, Config{}, WithAnalyzer(tiers.NewAnalyzer(p3)))

	h.p.Offer(finalSeg(1, "first point"))
	waitFor(t, func() bool { return len(p3.Calls()) == 1 }, "first dispatch never happened")

	// Arrive while the slot is busy: only the latest should be kept.
	h.p.Offer(finalSeg(2, "second point"))
	h.p.Offer(finalSeg(3, "third point"))

	waitFor(t, func() bool { return len(p3.Calls()) == 2 }, "trailing dispatch never happened")
	time.Sleep(150 * time.Millisecond)
	if got := len(p3.Calls()); got != 2 {
		t.Fatalf("analyzer calls = %d, want 2 (single-flight with coalescing)", got)
	}

	// The coalesced dispatch carries the latest snapshot: all three segments.
	prompt := p3.Calls()[1].Req.Messages[0].Content
	for _, want := range []string{"first point", "second point", "third point"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("coalesced prompt missing %q", want)
		}
	}
}

func TestPipeline_Tier3BreakerLatches(t *testing.T) {
	p3 := &mock.Provider{CompleteErr: errors.New("upstream down")}
	h := newHarness(t, Config{Tier3MaxFailures: 3}, WithAnalyzer(tiers.NewAnalyzer(p3)))

	// Sequential finals, waiting out each dispatch so failures are counted
	// individually rather than coalesced away.
	for i := uint64(1); i <= 3; i++ {
		h.p.Offer(finalSeg(i, "anything"))
		want := int(i)
		waitFor(t, func() bool { return len(p3.Calls()) == want }, "dispatch missing")
	}

	// Breaker is latched: further finals never reach the provider.
	h.p.Offer(finalSeg(4, "more"))
	h.p.Offer(finalSeg(5, "talk"))
	time.Sleep(100 * time.Millisecond)
	if got := len(p3.Calls()); got != 3 {
		t.Fatalf("analyzer calls after latch = %d, want 3", got)
	}

	// The pattern tier still works: degraded, not dead.
	h.p.Offer(finalSeg(6, "how much does this cost?"))
	if s := h.recv(t); s.Tier != coach.TierPattern {
		t.Errorf("tier = %d, want 1", s.Tier)
	}
}

func TestPipeline_TimeoutIsNotABreakerFailure(t *testing.T) {
	p3 := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: tier3JSON},
		CompleteDelay:    50 * time.Millisecond,
	}
	h := newHarness(t, Config{Tier3MaxFailures: 1},
		WithAnalyzer(tiers.NewAnalyzer(p3, tiers.WithBudget(5*time.Millisecond))))

	h.p.Offer(finalSeg(1, "hello"))
	waitFor(t, func() bool { return len(p3.Calls()) == 1 }, "dispatch missing")
	h.expectQuiet(t, 100*time.Millisecond)

	// Even with MaxFailures=1, a timeout must not latch the tier off.
	h.p.Offer(finalSeg(2, "still here"))
	waitFor(t, func() bool { return len(p3.Calls()) == 2 }, "tier latched off by a timeout")
}

func TestPipeline_StaleResultDiscarded(t *testing.T) {
	p2 := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: tier2JSON},
		CompleteDelay:    100 * time.Millisecond,
	}
	h := newHarness(t, Config{MaxStaleness: 2}, WithReframer(tiers.NewReframer(p2)))

	h.p.Offer(finalSeg(1, "slow one"))
	waitFor(t, func() bool { return len(p2.Calls()) >= 1 }, "dispatch missing")

	// Advance the conversation well past the staleness bound while the first
	// generation is still in flight.
	p2.CompleteDelay = 0
	for i := uint64(2); i <= 8; i++ {
		h.p.Offer(finalSeg(i, "filler"))
	}

	waitFor(t, func() bool { return h.state.Generation() == 8 }, "segments not ingested")

	// Deliveries arrive only for fresh generations; the segment-1 result's
	// generation lag (7) exceeds MaxStaleness and must be absent.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case s := <-h.out:
			if s.SegmentID == 1 {
				t.Fatalf("stale suggestion for segment 1 was delivered: %+v", s)
			}
		case <-deadline:
			return
		}
	}
}

func TestPipeline_OfferNeverBlocks(t *testing.T) {
	h := newHarness(t, Config{InputBuffer: 1})

	// Many more segments than the buffer holds; Offer must return promptly
	// regardless.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= 200; i++ {
			h.p.Offer(finalSeg(i, "filler"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked")
	}
}
