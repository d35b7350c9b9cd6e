// Package callstate tracks the running state of one coached call: a bounded
// window of recent final transcript segments and the MEDDIC qualification map.
//
// The pipeline's ingestion goroutine is the only writer; suggestion tiers read
// through deep-copied [Snapshot] values so slow LLM calls never observe a
// mutating window. Every final segment increments a generation counter that
// snapshots carry, letting the driver discard results computed against a
// conversation that has since moved on.
package callstate

import (
	"strings"
	"sync"

	"github.com/closerlabs/cadence/pkg/coach"
)

// FieldState is the tracked status of one MEDDIC qualification field.
type FieldState struct {
	// Complete reports whether the field has been addressed on this call.
	// Transitions are monotonic: once complete, never regressed.
	Complete bool

	// Note is a short free-text observation about how the field was
	// addressed (e.g. the named economic buyer).
	Note string
}

// Snapshot is an immutable deep copy of the call state at one generation.
// Safe to read from any goroutine after creation.
type Snapshot struct {
	// Generation is the value of the state's generation counter when the
	// snapshot was taken.
	Generation uint64

	// Window holds the retained final segments, oldest first.
	Window []coach.TranscriptSegment

	// Meddic maps each qualification field to its tracked state.
	Meddic map[coach.MeddicField]FieldState
}

// LastTurns returns up to n trailing segments of the window, oldest first.
func (s *Snapshot) LastTurns(n int) []coach.TranscriptSegment {
	if n >= len(s.Window) {
		return s.Window
	}
	return s.Window[len(s.Window)-n:]
}

// State is the mutable call state. All methods are safe for concurrent use,
// though the pipeline funnels every mutation through its single ingestion
// goroutine.
type State struct {
	mu         sync.RWMutex
	window     []coach.TranscriptSegment
	maxWindow  int
	meddic     map[coach.MeddicField]FieldState
	generation uint64
}

// New creates a State retaining at most maxWindow final segments.
func New(maxWindow int) *State {
	if maxWindow <= 0 {
		maxWindow = 50
	}
	s := &State{
		window:    make([]coach.TranscriptSegment, 0, maxWindow),
		maxWindow: maxWindow,
		meddic:    make(map[coach.MeddicField]FieldState, len(coach.MeddicFields)),
	}
	for _, f := range coach.MeddicFields {
		s.meddic[f] = FieldState{}
	}
	return s
}

// Update appends a final segment to the window, evicting the oldest entries
// beyond the retention limit, and increments the generation counter.
// Interim segments are ignored.
func (s *State) Update(seg coach.TranscriptSegment) {
	if !seg.Final {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = append(s.window, seg)
	if len(s.window) > s.maxWindow {
		keep := s.window[len(s.window)-s.maxWindow:]
		// Copy to a fresh slice so evicted segments can be garbage collected.
		fresh := make([]coach.TranscriptSegment, len(keep), s.maxWindow)
		copy(fresh, keep)
		s.window = fresh
	}
	s.generation++
}

// MarkComplete marks a MEDDIC field complete with an optional note.
// The transition is monotonic: marking an already-complete field only
// appends to its note when the existing note is empty. Invalid fields are
// ignored.
func (s *State) MarkComplete(field coach.MeddicField, note string) {
	if !field.IsValid() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.meddic[field]
	if cur.Complete {
		if cur.Note == "" && note != "" {
			cur.Note = note
			s.meddic[field] = cur
		}
		return
	}
	s.meddic[field] = FieldState{Complete: true, Note: strings.TrimSpace(note)}
}

// Seed initialises MEDDIC state from a pre-call brief. Fields already
// complete are never regressed; notes on incomplete fields are preserved as
// working hypotheses.
func (s *State) Seed(fields map[coach.MeddicField]FieldState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for f, fs := range fields {
		if !f.IsValid() {
			continue
		}
		cur := s.meddic[f]
		if cur.Complete {
			continue
		}
		s.meddic[f] = fs
	}
}

// Snapshot returns a deep copy of the current state tagged with the current
// generation.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := make([]coach.TranscriptSegment, len(s.window))
	copy(window, s.window)

	meddic := make(map[coach.MeddicField]FieldState, len(s.meddic))
	for f, fs := range s.meddic {
		meddic[f] = fs
	}

	return Snapshot{
		Generation: s.generation,
		Window:     window,
		Meddic:     meddic,
	}
}

// Generation returns the current generation counter.
func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// MeddicCompletion returns the fraction of complete MEDDIC fields as a
// percentage in [0, 100].
func (s *State) MeddicCompletion() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	done := 0
	for _, fs := range s.meddic {
		if fs.Complete {
			done++
		}
	}
	return float64(done) / float64(len(coach.MeddicFields)) * 100
}
