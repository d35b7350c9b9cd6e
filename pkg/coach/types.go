// Package coach defines the shared types used across all Cadence packages.
//
// These types form the lingua franca between the ingress, the suggestion
// tiers, the aggregator, and the delivery sink. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package coach

import "time"

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	// SpeakerSelf is the salesperson being coached.
	SpeakerSelf Speaker = "self"

	// SpeakerCounterpart is the prospect on the other side of the call.
	SpeakerCounterpart Speaker = "counterpart"

	// SpeakerUnknown is used when the transcription provider could not
	// attribute the utterance to either side.
	SpeakerUnknown Speaker = "unknown"
)

// IsValid reports whether s is a recognised speaker label.
func (s Speaker) IsValid() bool {
	switch s {
	case SpeakerSelf, SpeakerCounterpart, SpeakerUnknown:
		return true
	}
	return false
}

// TranscriptSegment is one unit of transcribed speech, interim or final.
// Segments are immutable once created; the normalizer assigns the ID and
// never reuses it within a call.
type TranscriptSegment struct {
	// ID is a monotonic, per-call-unique segment identifier assigned by the
	// normalizer in arrival order.
	ID uint64

	// Speaker attributes the utterance to one side of the call.
	Speaker Speaker

	// Text is the transcribed speech content.
	Text string

	// Final indicates whether this is a committed (authoritative) transcript.
	// Interim segments may be superseded by a later segment carrying the same
	// logical utterance; only finals feed the async suggestion tiers.
	Final bool

	// ReceivedAt marks when the segment entered the pipeline.
	ReceivedAt time.Time
}

// Tier identifies which suggestion-generation strategy produced a suggestion.
type Tier int

const (
	// TierPattern is the synchronous rule-based pattern matcher (<100 ms).
	TierPattern Tier = 1

	// TierReframe is the fast contextual LLM reframer (~800 ms budget).
	TierReframe Tier = 2

	// TierStrategic is the deep strategic LLM analyzer (~2 s budget).
	TierStrategic Tier = 3
)

// String returns the human-readable name of the tier.
func (t Tier) String() string {
	switch t {
	case TierPattern:
		return "pattern"
	case TierReframe:
		return "reframe"
	case TierStrategic:
		return "strategic"
	default:
		return "unknown"
	}
}

// Category classifies what conversational moment a suggestion responds to.
type Category string

const (
	CategoryObjection    Category = "objection"
	CategoryBuyingSignal Category = "buying_signal"
	CategoryStall        Category = "stall"
	CategoryClosing      Category = "closing"
	CategoryDiscovery    Category = "discovery"
	CategoryReframe      Category = "reframe"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryObjection, CategoryBuyingSignal, CategoryStall,
		CategoryClosing, CategoryDiscovery, CategoryReframe:
		return true
	}
	return false
}

// Priority returns the fixed display priority of the category. Lower is more
// urgent: objection > buying_signal > stall > closing > discovery > reframe.
func (c Category) Priority() int {
	switch c {
	case CategoryObjection:
		return 0
	case CategoryBuyingSignal:
		return 1
	case CategoryStall:
		return 2
	case CategoryClosing:
		return 3
	case CategoryDiscovery:
		return 4
	case CategoryReframe:
		return 5
	default:
		return 6
	}
}

// Urgency grades how quickly the salesperson should act on a suggestion.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// IsValid reports whether u is a recognised urgency grade.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

// Suggestion is a single tactical prompt delivered to the salesperson.
// Suggestions are immutable once created; their lifecycle ends when evicted
// from the aggregator's display window or when the call ends. Delivery is
// at-least-once — the ID is the idempotency key for consumers.
type Suggestion struct {
	// ID is a globally unique identifier (UUID). Re-ingesting a suggestion
	// with an already-seen ID is a no-op in the aggregator.
	ID string `json:"id"`

	// Tier records which generation strategy produced this suggestion.
	Tier Tier `json:"tier"`

	// SegmentID references the transcript segment that triggered generation.
	// The segment may already be evicted from the rolling window; that does
	// not invalidate the suggestion.
	SegmentID uint64 `json:"segment_id"`

	// Category classifies the conversational moment being addressed.
	Category Category `json:"category"`

	// Urgency grades how quickly the suggestion should be acted on.
	Urgency Urgency `json:"urgency"`

	// Confidence is the generation confidence in [0.0, 1.0]. Pattern-matched
	// suggestions carry a static per-template value so the field stays
	// comparable across tiers.
	Confidence float64 `json:"confidence"`

	// Text is the coaching prompt shown to the salesperson.
	Text string `json:"text"`

	// Framework names the sales methodology behind the suggestion
	// (e.g. "Chris Voss", "MEDDIC"). Empty when no framework applies.
	Framework string `json:"framework,omitempty"`

	// CreatedAt is when the suggestion was produced.
	CreatedAt time.Time `json:"created_at"`
}

// MeddicField is one of the six MEDDIC qualification dimensions.
type MeddicField string

const (
	MeddicMetrics          MeddicField = "metrics"
	MeddicEconomicBuyer    MeddicField = "economic_buyer"
	MeddicDecisionCriteria MeddicField = "decision_criteria"
	MeddicDecisionProcess  MeddicField = "decision_process"
	MeddicPain             MeddicField = "pain"
	MeddicChampion         MeddicField = "champion"
)

// MeddicFields lists all six fields in canonical display order.
var MeddicFields = []MeddicField{
	MeddicMetrics,
	MeddicEconomicBuyer,
	MeddicDecisionCriteria,
	MeddicDecisionProcess,
	MeddicPain,
	MeddicChampion,
}

// IsValid reports whether f is one of the six MEDDIC fields.
func (f MeddicField) IsValid() bool {
	switch f {
	case MeddicMetrics, MeddicEconomicBuyer, MeddicDecisionCriteria,
		MeddicDecisionProcess, MeddicPain, MeddicChampion:
		return true
	}
	return false
}
