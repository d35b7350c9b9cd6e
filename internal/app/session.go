// Package app owns call session lifecycle: one live coached call per session
// manager, with the full pipeline (normalizer, state, tiers, aggregator,
// sink) built at call start and torn down at call end.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/closerlabs/cadence/internal/aggregator"
	"github.com/closerlabs/cadence/internal/brief"
	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/config"
	"github.com/closerlabs/cadence/internal/engine"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/internal/patterns"
	"github.com/closerlabs/cadence/internal/sink"
	"github.com/closerlabs/cadence/internal/tiers"
	"github.com/closerlabs/cadence/internal/transcript"
)

// ErrCallActive is returned by [Manager.StartCall] while another call runs.
var ErrCallActive = errors.New("app: a call is already active")

// briefFetchTimeout bounds the brief lookup at call start so a slow store
// cannot delay coaching.
const briefFetchTimeout = 2 * time.Second

// Manager creates and tears down call sessions. One call at a time; a second
// StartCall while a call is live returns [ErrCallActive].
type Manager struct {
	cfg     *config.Config
	matcher *patterns.Matcher
	tier2   tiers.Completer
	tier3   tiers.Completer
	briefs  brief.Store
	metrics *observe.Metrics

	mu      sync.Mutex
	current *Session
}

// Option configures a [Manager].
type Option func(*Manager)

// WithBriefStore installs the pre-call brief source.
func WithBriefStore(s brief.Store) Option {
	return func(m *Manager) { m.briefs = s }
}

// WithTier2 installs the contextual reframer's generation backend.
func WithTier2(c tiers.Completer) Option {
	return func(m *Manager) { m.tier2 = c }
}

// WithTier3 installs the strategic analyzer's generation backend.
func WithTier3(c tiers.Completer) Option {
	return func(m *Manager) { m.tier3 = c }
}

// WithMetrics overrides the default metrics instance. Used in tests.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a Manager. Tiers without a configured backend are
// simply absent from sessions; pattern coaching always runs.
func NewManager(cfg *config.Config, matcher *patterns.Matcher, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		matcher: matcher,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Session is one live coached call.
type Session struct {
	account    string
	normalizer *transcript.Normalizer
	state      *callstate.State
	agg        *aggregator.Aggregator
	pipeline   *engine.Pipeline
	sink       *sink.Server
	metrics    *observe.Metrics

	cancel  context.CancelFunc
	done    chan struct{}
	endOnce sync.Once
	endFn   func()
}

// StartCall builds and starts a session for the given account. The returned
// session is live until [Session.End].
func (m *Manager) StartCall(ctx context.Context, account string) (*Session, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	// Reserve the slot while the session is assembled.
	m.current = &Session{}
	m.mu.Unlock()

	state := callstate.New(m.cfg.Engine.WindowSize)
	analyzerOpts := []tiers.Option{tiers.WithBudget(time.Duration(m.cfg.Engine.Tier3Budget))}

	if m.briefs != nil && account != "" {
		bctx, cancel := context.WithTimeout(ctx, briefFetchTimeout)
		b, err := m.briefs.Get(bctx, account)
		cancel()
		switch {
		case err != nil:
			slog.Warn("app: brief lookup failed, starting unseeded",
				"account", account, "error", err)
		case b != nil:
			state.Seed(b.SeedFields())
			analyzerOpts = append(analyzerOpts, tiers.WithBrief(b.Render()))
			slog.Info("app: call seeded from brief", "account", account)
		}
	}

	agg := aggregator.New(aggregator.Config{
		DisplayWindow:    m.cfg.Engine.DisplayWindow,
		SubscriberBuffer: m.cfg.Engine.SubscriberBuffer,
		DedupThreshold:   m.cfg.Engine.DedupThreshold,
		OnDrop: func() {
			m.metrics.DroppedDeliveries.Add(context.Background(), 1)
		},
	})

	engineOpts := []engine.Option{engine.WithMetrics(m.metrics)}
	if m.tier2 != nil {
		engineOpts = append(engineOpts, engine.WithReframer(
			tiers.NewReframer(m.tier2, tiers.WithBudget(time.Duration(m.cfg.Engine.Tier2Budget)))))
	}
	if m.tier3 != nil {
		engineOpts = append(engineOpts, engine.WithAnalyzer(
			tiers.NewAnalyzer(m.tier3, analyzerOpts...)))
	}

	pipeline := engine.New(engine.Config{
		MaxStaleness:     m.cfg.Engine.MaxStaleness,
		Tier1OnInterim:   m.cfg.Engine.Tier1OnInterim,
		Tier3MaxFailures: m.cfg.Engine.Tier3MaxFailures,
	}, state, m.matcher, agg, engineOpts...)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		account:    account,
		normalizer: transcript.NewNormalizer(),
		state:      state,
		agg:        agg,
		pipeline:   pipeline,
		sink:       sink.New(agg, state, sink.WithMetrics(m.metrics)),
		metrics:    m.metrics,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.endFn = func() {
		m.release(s)
	}

	go func() {
		defer close(s.done)
		_ = pipeline.Run(runCtx)
	}()

	m.metrics.ActiveCalls.Add(ctx, 1)
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	slog.Info("app: call started", "account", account)
	return s, nil
}

// release tears s down and frees the manager slot.
func (m *Manager) release(s *Session) {
	s.cancel()
	<-s.done
	m.metrics.ActiveCalls.Add(context.Background(), -1)
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	slog.Info("app: call ended", "account", s.account)
}

// Current returns the live session, or nil when no call is active.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.pipeline == nil {
		// Nil or still assembling.
		return nil
	}
	return m.current
}

// Ingest normalizes a raw transcription frame and feeds it to the pipeline.
// Malformed frames are logged and dropped without error to the caller, per
// the never-halt-the-stream rule; the error return is for tests and metrics.
func (s *Session) Ingest(frame transcript.Frame) error {
	seg, err := s.normalizer.Normalize(frame)
	if err != nil {
		slog.Warn("app: malformed frame dropped", "error", err)
		return fmt.Errorf("app: normalize frame: %w", err)
	}
	s.pipeline.Offer(seg)
	return nil
}

// Sink returns the websocket delivery handler for this call.
func (s *Session) Sink() http.Handler { return s.sink }

// Account returns the account the call was started for.
func (s *Session) Account() string { return s.account }

// State exposes the call state for status surfaces.
func (s *Session) State() *callstate.State { return s.state }

// End stops the pipeline, closes the aggregator (which terminates delivery
// streams), and frees the manager for the next call. Idempotent.
func (s *Session) End() {
	s.endOnce.Do(s.endFn)
}
