// Package tiers implements the two AI suggestion tiers: the contextual
// reframer (tier 2) and the strategic analyzer (tier 3). Both assemble a
// prompt from call state, run it against a generation service under a hard
// latency budget, and parse the structured JSON reply into a suggestion plus
// optional MEDDIC field hints.
//
// Budget expiry is reported as [ErrGenerationTimeout] and means "no
// suggestion", not a service failure; only genuine service errors feed the
// strategic tier's circuit breaker.
package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/resilience"
	"github.com/closerlabs/cadence/pkg/coach"
	"github.com/closerlabs/cadence/pkg/provider/llm"
)

// ErrGenerationTimeout is returned when a tier's latency budget expires
// before the generation service replies.
var ErrGenerationTimeout = errors.New("tiers: generation budget exceeded")

// ServiceError wraps a generation-service failure so callers can separate it
// from budget expiry when doing breaker accounting.
type ServiceError struct {
	Tier coach.Tier
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("tiers: tier %d generation service: %v", int(e.Tier), e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// MeddicHint carries field updates the model inferred from the conversation.
type MeddicHint map[coach.MeddicField]string

// Completer is the minimal generation surface a tier needs. Satisfied by
// [llm.Provider] directly and by [NewFallbackCompleter] for vendor failover.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// fallbackCompleter adapts a [resilience.FallbackGroup] of providers to the
// [Completer] surface.
type fallbackCompleter struct {
	group *resilience.FallbackGroup[llm.Provider]
}

// NewFallbackCompleter wraps a provider fallback group as a [Completer].
func NewFallbackCompleter(group *resilience.FallbackGroup[llm.Provider]) Completer {
	return &fallbackCompleter{group: group}
}

func (f *fallbackCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return resilience.ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Generator produces suggestions for one tier.
type Generator struct {
	tier      coach.Tier
	completer Completer
	budget    time.Duration
	turns     int
	brief     string
	now       func() time.Time
}

// Option configures a [Generator].
type Option func(*Generator)

// WithBudget overrides the tier's default latency budget.
func WithBudget(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.budget = d
		}
	}
}

// WithTurnContext sets how many trailing turns the reframer includes.
// Default: 6. Ignored by the analyzer, which always sees the full window.
func WithTurnContext(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.turns = n
		}
	}
}

// WithBrief attaches the rendered pre-call brief to the analyzer's prompt.
func WithBrief(brief string) Option {
	return func(g *Generator) { g.brief = brief }
}

// NewReframer creates the tier 2 generator: quick tactical rephrasing built
// from the last few turns. Default budget 800ms.
func NewReframer(c Completer, opts ...Option) *Generator {
	g := &Generator{
		tier:      coach.TierReframe,
		completer: c,
		budget:    800 * time.Millisecond,
		turns:     6,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NewAnalyzer creates the tier 3 generator: strategic guidance built from the
// full retained window, the MEDDIC map, and the pre-call brief. Default
// budget 2s.
func NewAnalyzer(c Completer, opts ...Option) *Generator {
	g := &Generator{
		tier:      coach.TierStrategic,
		completer: c,
		budget:    2 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate runs one tier generation for seg against snap. It returns a nil
// suggestion without error when the model decides no coaching is warranted.
// Budget expiry returns [ErrGenerationTimeout]; service and parse failures
// return a [*ServiceError].
func (g *Generator) Generate(ctx context.Context, seg coach.TranscriptSegment, snap callstate.Snapshot) (*coach.Suggestion, MeddicHint, error) {
	ctx, cancel := context.WithTimeout(ctx, g.budget)
	defer cancel()

	req := llm.CompletionRequest{
		SystemPrompt: g.systemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: g.userPrompt(seg, snap)},
		},
		Temperature: 0.3,
		MaxTokens:   400,
	}

	resp, err := g.completer.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ErrGenerationTimeout
		}
		// A caller-side cancellation (call ended, result went stale) is not a
		// service failure either.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, &ServiceError{Tier: g.tier, Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, nil, &ServiceError{Tier: g.tier, Err: errors.New("empty response")}
	}

	parsed, err := parseResult(resp.Content)
	if err != nil {
		return nil, nil, &ServiceError{Tier: g.tier, Err: err}
	}

	hint := parsed.meddicHint()
	if parsed.Suggestion == nil {
		return nil, hint, nil
	}

	s := &coach.Suggestion{
		ID:         uuid.NewString(),
		Tier:       g.tier,
		SegmentID:  seg.ID,
		Category:   parsed.Suggestion.Category,
		Urgency:    parsed.Suggestion.Urgency,
		Confidence: parsed.Suggestion.Confidence,
		Text:       strings.TrimSpace(parsed.Suggestion.Text),
		Framework:  parsed.Suggestion.Framework,
		CreatedAt:  g.now(),
	}
	if !s.Category.IsValid() {
		s.Category = coach.CategoryReframe
	}
	if !s.Urgency.IsValid() {
		s.Urgency = coach.UrgencyMedium
	}
	if s.Text == "" {
		return nil, hint, nil
	}
	return s, hint, nil
}

// modelResult is the wire shape of a tier generation reply.
type modelResult struct {
	Suggestion *struct {
		Category   coach.Category `json:"category"`
		Urgency    coach.Urgency  `json:"urgency"`
		Text       string         `json:"text"`
		Framework  string         `json:"framework"`
		Confidence float64        `json:"confidence"`
	} `json:"suggestion"`
	Meddic map[string]string `json:"meddic"`
}

// meddicHint converts the raw meddic map, dropping unknown field names.
func (r *modelResult) meddicHint() MeddicHint {
	if len(r.Meddic) == 0 {
		return nil
	}
	hint := make(MeddicHint, len(r.Meddic))
	for k, v := range r.Meddic {
		f := coach.MeddicField(strings.ToLower(strings.TrimSpace(k)))
		if f.IsValid() {
			hint[f] = v
		}
	}
	if len(hint) == 0 {
		return nil
	}
	return hint
}

// parseResult decodes the model's JSON reply, tolerating a markdown code
// fence around the body.
func parseResult(content string) (*modelResult, error) {
	body := strings.TrimSpace(content)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if i := strings.LastIndex(body, "```"); i >= 0 {
			body = body[:i]
		}
		body = strings.TrimSpace(body)
	}

	var res modelResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &res, nil
}
