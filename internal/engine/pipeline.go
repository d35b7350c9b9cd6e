// Package engine wires the coaching pipeline for one call: segments in,
// suggestions out.
//
// # Architecture
//
//  1. A single ingestion goroutine (the driver) consumes normalized segments
//     in arrival order and owns all state mutation and tier scheduling.
//  2. The pattern tier runs inline on the driver, fast enough to never queue.
//  3. The reframer (tier 2) is dispatched as a goroutine per final segment.
//  4. The analyzer (tier 3) is single-flight: one in-flight generation at a
//     time, with at most one trailing dispatch coalesced from the segments
//     that arrived meanwhile, carrying the latest snapshot.
//
// State is updated before any snapshot for the same segment is taken, so a
// tier never sees a window missing the segment it reacts to. Results that
// arrive after the conversation has advanced beyond the staleness bound are
// discarded. Three consecutive analyzer service failures latch the tier off
// for the remainder of the call; the pattern tier and reframer carry on, so a
// total generation-service outage degrades to pattern matching only.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/closerlabs/cadence/internal/aggregator"
	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/internal/patterns"
	"github.com/closerlabs/cadence/internal/resilience"
	"github.com/closerlabs/cadence/internal/tiers"
	"github.com/closerlabs/cadence/pkg/coach"
)

// Config tunes a [Pipeline]. Zero values take the documented defaults.
type Config struct {
	// MaxStaleness is how many generations a tier result may lag the
	// conversation before it is discarded. Default: 3.
	MaxStaleness int

	// Tier1OnInterim runs the pattern tier on interim segments too.
	Tier1OnInterim bool

	// Tier3MaxFailures is the consecutive analyzer failure count that
	// disables the tier for the remainder of the call. Default: 3.
	Tier3MaxFailures int

	// InputBuffer is the ingestion channel capacity. Default: 64.
	InputBuffer int
}

// Pipeline drives one coached call. Create with [New], start with
// [Pipeline.Run], feed with [Pipeline.Offer].
type Pipeline struct {
	cfg      Config
	matcher  *patterns.Matcher
	reframer *tiers.Generator
	analyzer *tiers.Generator
	state    *callstate.State
	agg      *aggregator.Aggregator
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker

	in chan coach.TranscriptSegment

	// tier3 slot bookkeeping, owned by the driver goroutine.
	tier3Busy    bool
	tier3Pending *coach.TranscriptSegment
	tier3Done    chan struct{}
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithReframer installs the tier 2 generator. Without one the tier is off.
func WithReframer(g *tiers.Generator) Option {
	return func(p *Pipeline) { p.reframer = g }
}

// WithAnalyzer installs the tier 3 generator. Without one the tier is off.
func WithAnalyzer(g *tiers.Generator) Option {
	return func(p *Pipeline) { p.analyzer = g }
}

// WithMetrics overrides the default metrics instance. Used in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a Pipeline over the given state, pattern matcher, and
// aggregator. Options install the AI tiers; a pipeline with neither still
// coaches from patterns alone.
func New(cfg Config, state *callstate.State, matcher *patterns.Matcher, agg *aggregator.Aggregator, opts ...Option) *Pipeline {
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 3
	}
	if cfg.Tier3MaxFailures <= 0 {
		cfg.Tier3MaxFailures = 3
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = 64
	}

	p := &Pipeline{
		cfg:       cfg,
		matcher:   matcher,
		state:     state,
		agg:       agg,
		in:        make(chan coach.TranscriptSegment, cfg.InputBuffer),
		tier3Done: make(chan struct{}, 1),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "tier3",
			MaxFailures: cfg.Tier3MaxFailures,
			Latch:       true,
		}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Offer hands a segment to the pipeline. It never blocks: when the ingestion
// buffer is full the segment is dropped with a warning, favouring liveness
// over completeness.
func (p *Pipeline) Offer(seg coach.TranscriptSegment) {
	select {
	case p.in <- seg:
	default:
		slog.Warn("pipeline: ingestion buffer full, segment dropped",
			"segment", seg.ID)
	}
}

// Run drives the pipeline until ctx is cancelled, then waits for in-flight
// tier generations to finish and closes the aggregator.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.drive(ctx, g)
		return nil
	})

	err := g.Wait()
	p.agg.Close()
	return err
}

// drive is the ingestion loop. It owns state mutation and the tier 3 slot.
func (p *Pipeline) drive(ctx context.Context, g *errgroup.Group) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-p.tier3Done:
			p.tier3Busy = false
			if p.tier3Pending != nil {
				seg := *p.tier3Pending
				p.tier3Pending = nil
				p.dispatchAnalyzer(ctx, g, seg)
			}

		case seg := <-p.in:
			p.handleSegment(ctx, g, seg)
		}
	}
}

// handleSegment processes one segment on the driver goroutine.
func (p *Pipeline) handleSegment(ctx context.Context, g *errgroup.Group, seg coach.TranscriptSegment) {
	p.metrics.SegmentsIngested.Add(ctx, 1,
		segAttr("final", seg.Final))

	// State before dispatch: the tiers' snapshots must include this segment.
	p.state.Update(seg)

	if seg.Final || p.cfg.Tier1OnInterim {
		p.runPattern(ctx, seg)
	}
	if !seg.Final {
		return
	}

	snap := p.state.Snapshot()

	if p.reframer != nil {
		g.Go(func() error {
			p.runGenerator(ctx, p.reframer, coach.TierReframe, seg, snap)
			return nil
		})
	}

	if p.analyzer != nil {
		if p.tier3Busy {
			// Coalesce: only the most recent segment waits for the slot.
			p.tier3Pending = &seg
		} else {
			p.dispatchAnalyzer(ctx, g, seg)
		}
	}
}

// runPattern executes the inline tier and delivers its result.
func (p *Pipeline) runPattern(ctx context.Context, seg coach.TranscriptSegment) {
	start := time.Now()
	res := p.matcher.Match(seg, p.state.Snapshot())
	p.metrics.RecordTierDuration(ctx, "1", time.Since(start).Seconds())
	if res == nil {
		return
	}
	if res.Meddic != "" {
		p.state.MarkComplete(res.Meddic, "")
	}
	p.deliver(ctx, res.Suggestion)
}

// dispatchAnalyzer takes the tier 3 slot. Called only from the driver.
// When the per-call breaker is latched open the dispatch is skipped entirely.
func (p *Pipeline) dispatchAnalyzer(ctx context.Context, g *errgroup.Group, seg coach.TranscriptSegment) {
	if p.breaker.State() == resilience.StateOpen {
		return
	}

	// The snapshot is taken here, at dispatch time, so a coalesced trailing
	// dispatch carries everything that arrived while the slot was busy.
	snap := p.state.Snapshot()
	p.tier3Busy = true
	g.Go(func() error {
		defer func() { p.tier3Done <- struct{}{} }()
		p.runAnalyzer(ctx, seg, snap)
		return nil
	})
}

// runAnalyzer executes one tier 3 generation with breaker accounting.
func (p *Pipeline) runAnalyzer(ctx context.Context, seg coach.TranscriptSegment, snap callstate.Snapshot) {
	start := time.Now()

	var (
		suggestion *coach.Suggestion
		hint       tiers.MeddicHint
	)
	err := p.breaker.Execute(func() error {
		var genErr error
		suggestion, hint, genErr = p.analyzer.Generate(ctx, seg, snap)
		if genErr == nil {
			return nil
		}
		if errors.Is(genErr, tiers.ErrGenerationTimeout) {
			// Budget expiry means no suggestion, not a service failure.
			p.metrics.GenerationTimeouts.Add(ctx, 1, segTier("3"))
			return nil
		}
		if errors.Is(genErr, context.Canceled) {
			return nil
		}
		return genErr
	})

	p.metrics.RecordTierDuration(ctx, "3", time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return
		}
		p.metrics.GenerationErrors.Add(ctx, 1, segTier("3"))
		if p.breaker.State() == resilience.StateOpen {
			p.metrics.BreakerTrips.Add(ctx, 1)
			slog.Warn("pipeline: strategic tier disabled for remainder of call")
		}
		return
	}

	p.finishGeneration(ctx, coach.TierStrategic, snap, suggestion, hint)
}

// runGenerator executes one tier 2 generation.
func (p *Pipeline) runGenerator(ctx context.Context, gen *tiers.Generator, tier coach.Tier, seg coach.TranscriptSegment, snap callstate.Snapshot) {
	start := time.Now()
	suggestion, hint, err := gen.Generate(ctx, seg, snap)
	p.metrics.RecordTierDuration(ctx, "2", time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, tiers.ErrGenerationTimeout):
			p.metrics.GenerationTimeouts.Add(ctx, 1, segTier("2"))
		case errors.Is(err, context.Canceled):
		default:
			p.metrics.GenerationErrors.Add(ctx, 1, segTier("2"))
			slog.Warn("pipeline: reframer generation failed", "error", err)
		}
		return
	}

	p.finishGeneration(ctx, tier, snap, suggestion, hint)
}

// finishGeneration applies MEDDIC hints and delivers the suggestion unless
// the conversation has moved on past the staleness bound.
func (p *Pipeline) finishGeneration(ctx context.Context, tier coach.Tier, snap callstate.Snapshot, suggestion *coach.Suggestion, hint tiers.MeddicHint) {
	for field, note := range hint {
		p.state.MarkComplete(field, note)
	}

	if suggestion == nil {
		return
	}
	if lag := p.state.Generation() - snap.Generation; lag > uint64(p.cfg.MaxStaleness) {
		p.metrics.StaleDiscards.Add(ctx, 1)
		slog.Debug("pipeline: stale result discarded",
			"tier", int(tier), "lag", lag)
		return
	}

	p.deliver(ctx, *suggestion)
}

// deliver hands a suggestion to the aggregator and records the emission.
func (p *Pipeline) deliver(ctx context.Context, s coach.Suggestion) {
	if p.agg.Ingest(s) {
		p.metrics.RecordSuggestion(ctx, tierValue(s.Tier), string(s.Category))
	}
}

// tierValue renders a tier as its metric attribute value.
func tierValue(t coach.Tier) string {
	return strconv.Itoa(int(t))
}

// segTier builds the standard tier attribute option.
func segTier(tier string) metric.AddOption {
	return metric.WithAttributes(attribute.String("tier", tier))
}

// segAttr builds a single boolean-valued string attribute option.
func segAttr(key string, v bool) metric.AddOption {
	return metric.WithAttributes(attribute.String(key, strconv.FormatBool(v)))
}
