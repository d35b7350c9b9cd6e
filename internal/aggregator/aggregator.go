// Package aggregator merges the three suggestion tiers into one deduplicated,
// ranked stream and maintains the bounded live window shown to the
// salesperson.
//
// Dedup rules: suggestions are idempotent on ID; suggestions sharing a
// (segment, category) key are duplicates, and a later higher-tier arrival
// supersedes the lower-tier one in the live window (strategic > reframe >
// pattern). Optionally, near-identical text across different segments is
// collapsed with Jaro-Winkler similarity, catching the tiers paraphrasing
// each other.
//
// Subscribers receive accepted suggestions from the moment they subscribe;
// there is no replay. Per-subscriber channels are bounded and drop the oldest
// pending item on overflow so a stalled reader never blocks ingestion.
package aggregator

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/closerlabs/cadence/pkg/coach"
)

// Config tunes an [Aggregator]. Zero values take the documented defaults.
type Config struct {
	// DisplayWindow is how many suggestions stay live. Default: 5.
	DisplayWindow int

	// SubscriberBuffer is the per-subscriber channel capacity. Default: 16.
	SubscriberBuffer int

	// DedupThreshold enables fuzzy text collapse at the given Jaro-Winkler
	// similarity. 0 disables it.
	DedupThreshold float64

	// OnDrop is called once per suggestion dropped from a full subscriber
	// channel. Used for metrics. May be nil.
	OnDrop func()
}

// Aggregator is safe for concurrent use; the pipeline ingests from the
// driver and tier goroutines while websocket handlers subscribe.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	seen    map[string]struct{}
	live    []coach.Suggestion // insertion order, newest last
	subs    map[int]chan coach.Suggestion
	nextSub int
	closed  bool
}

// New creates an Aggregator with the given config.
func New(cfg Config) *Aggregator {
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = 5
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	return &Aggregator{
		cfg:  cfg,
		seen: make(map[string]struct{}),
		subs: make(map[int]chan coach.Suggestion),
	}
}

// Ingest applies the dedup and supersession rules to s and, when accepted,
// fans it out to subscribers. Returns true when s entered the live window.
func (a *Aggregator) Ingest(s coach.Suggestion) bool {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		return false
	}
	if _, dup := a.seen[s.ID]; dup {
		a.mu.Unlock()
		return false
	}
	a.seen[s.ID] = struct{}{}

	// (segment, category) duplicates: a higher tier supersedes in place,
	// anything else is dropped.
	for i, existing := range a.live {
		if existing.SegmentID == s.SegmentID && existing.Category == s.Category {
			if s.Tier > existing.Tier {
				a.live[i] = s
				a.mu.Unlock()
				a.broadcast(s)
				return true
			}
			a.mu.Unlock()
			slog.Debug("aggregator: duplicate suppressed",
				"segment", s.SegmentID, "category", s.Category, "tier", int(s.Tier))
			return false
		}
	}

	// Fuzzy collapse across segments.
	if a.cfg.DedupThreshold > 0 {
		for i, existing := range a.live {
			if !nearIdentical(existing.Text, s.Text, a.cfg.DedupThreshold) {
				continue
			}
			if s.Tier > existing.Tier {
				a.live[i] = s
				a.mu.Unlock()
				a.broadcast(s)
				return true
			}
			a.mu.Unlock()
			return false
		}
	}

	a.live = append(a.live, s)
	if len(a.live) > a.cfg.DisplayWindow {
		fresh := make([]coach.Suggestion, a.cfg.DisplayWindow)
		copy(fresh, a.live[len(a.live)-a.cfg.DisplayWindow:])
		a.live = fresh
	}
	a.mu.Unlock()

	a.broadcast(s)
	return true
}

// broadcast sends s to every subscriber, dropping the oldest pending item
// when a channel is full.
func (a *Aggregator) broadcast(s coach.Suggestion) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ch := range a.subs {
		for {
			select {
			case ch <- s:
			default:
				// Full: make room by discarding the oldest pending item.
				select {
				case <-ch:
					if a.cfg.OnDrop != nil {
						a.cfg.OnDrop()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a new stream of future accepted suggestions. The
// returned cancel function must be called when the subscriber is done; the
// channel is closed by cancel or by [Aggregator.Close].
func (a *Aggregator) Subscribe() (<-chan coach.Suggestion, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	ch := make(chan coach.Suggestion, a.cfg.SubscriberBuffer)
	if a.closed {
		close(ch)
		return ch, func() {}
	}
	a.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Live returns the current window in display order: newest first by
// CreatedAt, ties broken by higher tier.
func (a *Aggregator) Live() []coach.Suggestion {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]coach.Suggestion, len(a.live))
	copy(out, a.live)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Tier > out[j].Tier
	})
	return out
}

// Close shuts the aggregator down: all subscriber channels are closed and
// further Ingest calls are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}

// nearIdentical reports whether two suggestion texts exceed the similarity
// threshold after case folding.
func nearIdentical(a, b string, threshold float64) bool {
	return matchr.JaroWinkler(strings.ToLower(a), strings.ToLower(b), false) >= threshold
}
