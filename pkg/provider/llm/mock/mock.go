// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the suggestion tiers send correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"suggestion":null}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/closerlabs/cadence/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CompleteResult is one scripted outcome for a Complete call.
type CompleteResult struct {
	// Resp is returned when Err is nil.
	Resp *llm.CompletionResponse
	// Err, if non-nil, is returned instead of a response.
	Err error
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteQueue, when non-empty, is consumed one entry per Complete call
	// in order. The last entry is repeated once the queue is exhausted.
	// Takes precedence over CompleteResponse/CompleteErr.
	CompleteQueue []CompleteResult

	// CompleteResponse is returned by Complete when CompleteQueue is empty.
	// May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete when
	// CompleteQueue is empty.
	CompleteErr error

	// CompleteDelay makes Complete block for the given duration (or until ctx
	// is done, whichever comes first) before returning. Use to exercise
	// budget-deadline paths.
	CompleteDelay time.Duration

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	queuePos int
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Complete records the call, honours CompleteDelay and ctx cancellation, and
// returns the next scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	resp, err := p.CompleteResponse, p.CompleteErr
	if len(p.CompleteQueue) > 0 {
		idx := p.queuePos
		if idx >= len(p.CompleteQueue) {
			idx = len(p.CompleteQueue) - 1
		}
		resp, err = p.CompleteQueue[idx].Resp, p.CompleteQueue[idx].Err
		p.queuePos++
	}
	delay := p.CompleteDelay
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return resp, err
}

// CountTokens returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of recorded Complete calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls and rewinds the response queue. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.queuePos = 0
}
