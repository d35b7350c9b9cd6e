package patterns

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/pkg/coach"
)

// Result is one inline-tier match: the ranked suggestion plus the MEDDIC
// field (if any) the firing pattern marks complete.
type Result struct {
	Suggestion coach.Suggestion
	Meddic     coach.MeddicField
}

// Matcher evaluates a [Library] against transcript segments. It performs no
// I/O and holds no mutable state, so a single Matcher serves all segments of
// a call from the ingestion goroutine.
type Matcher struct {
	lib            *Library
	fuzzyThreshold float64
	now            func() time.Time
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithFuzzyThreshold sets the Jaro-Winkler similarity required for phrase
// predicates. Default: 0.88.
func WithFuzzyThreshold(t float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = t }
}

// NewMatcher creates a Matcher over lib. A nil lib uses the built-in defaults.
func NewMatcher(lib *Library, opts ...Option) *Matcher {
	if lib == nil {
		lib = DefaultLibrary()
	}
	m := &Matcher{
		lib:            lib,
		fuzzyThreshold: 0.88,
		now:            time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match evaluates seg against the library and returns the single best
// suggestion, or nil when nothing fires. Within each category the first
// matching entry wins; across categories the hit with the highest category
// priority is kept. Discovery entries whose MEDDIC field is already complete
// in snap are skipped, steering discovery prompts at the gaps.
func (m *Matcher) Match(seg coach.TranscriptSegment, snap callstate.Snapshot) *Result {
	text := strings.ToLower(seg.Text)
	if text == "" {
		return nil
	}

	// First hit per category, in library order.
	hits := make(map[coach.Category]*Entry, 4)
	for i := range m.lib.Entries {
		e := &m.lib.Entries[i]
		if _, seen := hits[e.Category]; seen {
			continue
		}
		if e.Speaker != "" && e.Speaker != seg.Speaker {
			continue
		}
		if e.Category == coach.CategoryDiscovery && e.Meddic != "" {
			if fs, ok := snap.Meddic[e.Meddic]; ok && fs.Complete {
				continue
			}
		}
		if m.predicateFires(e, text) {
			hits[e.Category] = e
		}
	}
	if len(hits) == 0 {
		return nil
	}

	// Reduce multi-category hits to the most urgent category.
	var best *Entry
	for _, e := range hits {
		if best == nil || e.Category.Priority() < best.Category.Priority() {
			best = e
		}
	}

	return &Result{
		Suggestion: coach.Suggestion{
			ID:         uuid.NewString(),
			Tier:       coach.TierPattern,
			SegmentID:  seg.ID,
			Category:   best.Category,
			Urgency:    best.Urgency,
			Confidence: best.Confidence,
			Text:       best.Template,
			Framework:  best.Framework,
			CreatedAt:  m.now(),
		},
		Meddic: best.Meddic,
	}
}

// predicateFires reports whether any keyword or fuzzy phrase of e matches the
// lowercased segment text.
func (m *Matcher) predicateFires(e *Entry, text string) bool {
	for _, kw := range e.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	for _, phrase := range e.Phrases {
		if m.fuzzyPhraseMatch(strings.ToLower(phrase), text) {
			return true
		}
	}
	return false
}

// fuzzyPhraseMatch slides word windows across the text and scores each
// candidate against the phrase with Jaro-Winkler. Window sizes one below and
// one above the phrase length are also tried, since STT merges and splits
// words. Catches near-misses that exact substring matching would drop.
func (m *Matcher) fuzzyPhraseMatch(phrase, text string) bool {
	pw := strings.Fields(phrase)
	tw := strings.Fields(text)
	if len(pw) == 0 || len(tw) == 0 {
		return false
	}

	for size := max(1, len(pw)-1); size <= len(pw)+1; size++ {
		for i := 0; i+size <= len(tw); i++ {
			candidate := strings.Join(tw[i:i+size], " ")
			if matchr.JaroWinkler(phrase, candidate, false) >= m.fuzzyThreshold {
				return true
			}
		}
	}
	return false
}
