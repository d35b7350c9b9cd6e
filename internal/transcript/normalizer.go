// Package transcript normalizes raw transcription frames into canonical
// segments consumed by the coaching pipeline.
//
// The upstream transcription collaborator delivers loosely-typed JSON frames
// over the ingress websocket. [Normalizer.Normalize] turns each frame into an
// immutable [coach.TranscriptSegment] with a per-call monotonic ID, a mapped
// speaker label, and a parsed timestamp. Malformed frames are rejected with an
// error so the caller can log and drop them without halting the stream.
package transcript

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/closerlabs/cadence/pkg/coach"
)

// ErrEmptySegment is returned for frames whose text is empty or
// whitespace-only after trimming.
var ErrEmptySegment = errors.New("transcript: empty segment text")

// Frame is the wire shape of one transcription payload. The timestamp is
// deliberately untyped: vendors send RFC 3339 strings, integer unix seconds,
// integer unix milliseconds, or fractional unix seconds.
type Frame struct {
	// Text is the transcribed speech.
	Text string `json:"text"`

	// Speaker is the vendor's speaker label (e.g. "rep", "customer", "agent").
	Speaker string `json:"speaker"`

	// IsFinal marks the frame as a final (stable) transcription rather than an
	// interim hypothesis.
	IsFinal bool `json:"is_final"`

	// Timestamp is when the speech occurred, in any of the accepted forms.
	Timestamp any `json:"timestamp"`
}

// speakerAliases maps vendor speaker labels to canonical [coach.Speaker]
// values. Unknown labels normalize to [coach.SpeakerUnknown].
var speakerAliases = map[string]coach.Speaker{
	"self":        coach.SpeakerSelf,
	"rep":         coach.SpeakerSelf,
	"agent":       coach.SpeakerSelf,
	"salesperson": coach.SpeakerSelf,
	"counterpart": coach.SpeakerCounterpart,
	"customer":    coach.SpeakerCounterpart,
	"prospect":    coach.SpeakerCounterpart,
	"caller":      coach.SpeakerCounterpart,
}

// Normalizer converts raw frames into canonical segments. IDs are monotonic
// for the lifetime of the Normalizer; create one per call.
//
// Normalizer is safe for concurrent use, though the pipeline feeds it from a
// single ingestion goroutine.
type Normalizer struct {
	nextID atomic.Uint64

	// now is stubbed in tests.
	now func() time.Time
}

// NewNormalizer returns a Normalizer whose first assigned segment ID is 1.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize converts raw into a [coach.TranscriptSegment], assigning the next
// monotonic ID. It returns [ErrEmptySegment] for empty or whitespace-only
// text, and a descriptive error for unparseable timestamps. A missing
// timestamp falls back to the current time.
func (n *Normalizer) Normalize(raw Frame) (coach.TranscriptSegment, error) {
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return coach.TranscriptSegment{}, ErrEmptySegment
	}

	ts, err := n.parseTimestamp(raw.Timestamp)
	if err != nil {
		return coach.TranscriptSegment{}, fmt.Errorf("transcript: parse timestamp: %w", err)
	}

	return coach.TranscriptSegment{
		ID:         n.nextID.Add(1),
		Speaker:    mapSpeaker(raw.Speaker),
		Text:       text,
		Final:      raw.IsFinal,
		ReceivedAt: ts,
	}, nil
}

// mapSpeaker normalizes a vendor speaker label.
func mapSpeaker(label string) coach.Speaker {
	if s, ok := speakerAliases[strings.ToLower(strings.TrimSpace(label))]; ok {
		return s
	}
	return coach.SpeakerUnknown
}

// millisCutoff separates unix-second from unix-millisecond magnitudes.
// Values above it cannot be plausible second counts (year ~5138).
const millisCutoff = 1e11

// parseTimestamp accepts the four supported timestamp encodings.
func (n *Normalizer) parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return n.now(), nil

	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return n.now(), nil
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed, nil
		}
		// Numeric string forms arrive from vendors that stringify everything.
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)

	case float64:
		// encoding/json decodes all JSON numbers to float64.
		return fromEpoch(t), nil

	case int64:
		return fromEpoch(float64(t)), nil

	case int:
		return fromEpoch(float64(t)), nil

	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// fromEpoch interprets an epoch number as seconds or milliseconds by
// magnitude, preserving fractional seconds.
func fromEpoch(f float64) time.Time {
	if f >= millisCutoff {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
