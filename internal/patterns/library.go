// Package patterns implements the inline suggestion tier: a pattern library of
// tactical sales situations matched against each transcript segment without
// any I/O, fast enough to run on the ingestion path.
//
// Entries pair a predicate (case-insensitive keywords, plus optional fuzzy
// phrases scored with Jaro-Winkler) with a pre-written suggestion template.
// The library ships with built-in defaults and can be replaced wholesale from
// a YAML file with the same schema.
package patterns

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/closerlabs/cadence/pkg/coach"
)

// Entry is one pattern in the library.
type Entry struct {
	// Name is a stable label for logging and tests.
	Name string `yaml:"name"`

	// Keywords fire on case-insensitive substring presence. Any hit counts.
	Keywords []string `yaml:"keywords"`

	// Phrases fire on fuzzy whole-phrase similarity against a sliding window
	// of the segment text. Any hit counts. Useful where STT mangles wording.
	Phrases []string `yaml:"phrases"`

	// Speaker restricts the pattern to one side of the call. Empty matches
	// both speakers.
	Speaker coach.Speaker `yaml:"speaker"`

	// Category classifies the resulting suggestion.
	Category coach.Category `yaml:"category"`

	// Urgency of the resulting suggestion.
	Urgency coach.Urgency `yaml:"urgency"`

	// Confidence is the static confidence assigned to matches.
	Confidence float64 `yaml:"confidence"`

	// Template is the suggestion text shown to the salesperson.
	Template string `yaml:"template"`

	// Framework names the sales methodology the template draws on.
	Framework string `yaml:"framework"`

	// Meddic, when set, marks that qualification field complete when the
	// pattern fires.
	Meddic coach.MeddicField `yaml:"meddic"`
}

// Library is an ordered list of entries. Order matters: within a category the
// first matching entry wins.
type Library struct {
	Entries []Entry `yaml:"patterns"`
}

// LoadLibrary reads a YAML pattern library from path. The file fully replaces
// the built-in defaults.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns: read %q: %w", path, err)
	}

	lib := &Library{}
	if err := yaml.Unmarshal(data, lib); err != nil {
		return nil, fmt.Errorf("patterns: parse %q: %w", path, err)
	}
	if err := lib.validate(); err != nil {
		return nil, fmt.Errorf("patterns: %q: %w", path, err)
	}
	return lib, nil
}

// validate checks each entry for a usable predicate and classification.
func (l *Library) validate() error {
	for i, e := range l.Entries {
		if len(e.Keywords) == 0 && len(e.Phrases) == 0 {
			return fmt.Errorf("patterns[%d] %q has no keywords or phrases", i, e.Name)
		}
		if !e.Category.IsValid() {
			return fmt.Errorf("patterns[%d] %q has invalid category %q", i, e.Name, e.Category)
		}
		if e.Template == "" {
			return fmt.Errorf("patterns[%d] %q has no template", i, e.Name)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("patterns[%d] %q confidence %.2f out of range [0, 1]", i, e.Name, e.Confidence)
		}
		if e.Speaker != "" && !e.Speaker.IsValid() {
			return fmt.Errorf("patterns[%d] %q has invalid speaker %q", i, e.Name, e.Speaker)
		}
		if e.Meddic != "" && !e.Meddic.IsValid() {
			return fmt.Errorf("patterns[%d] %q has invalid meddic field %q", i, e.Name, e.Meddic)
		}
	}
	return nil
}

// DefaultLibrary returns the built-in pattern set.
func DefaultLibrary() *Library {
	return &Library{Entries: defaultEntries()}
}

// defaultEntries is the built-in tactical pattern set. Ordering within a
// category encodes precedence.
func defaultEntries() []Entry {
	return []Entry{
		// Objections.
		{
			Name:       "early-price-probe",
			Keywords:   []string{"how much does this cost", "how much is it", "what does it cost", "what's the price", "what is the price", "pricing"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryObjection,
			Urgency:    coach.UrgencyHigh,
			Confidence: 0.85,
			Template:   "Don't quote yet. Anchor on value first: \"Happy to walk through pricing. So I scope it right, what would solving this be worth to your team?\"",
			Framework:  "MEDDIC",
		},
		{
			Name:       "too-expensive",
			Keywords:   []string{"too expensive", "out of our budget", "can't afford", "cheaper"},
			Phrases:    []string{"that is a lot of money"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryObjection,
			Urgency:    coach.UrgencyHigh,
			Confidence: 0.85,
			Template:   "Label it instead of defending: \"It sounds like the price feels out of step with the value you're seeing so far.\" Then let them correct you.",
			Framework:  "Chris Voss",
		},
		{
			Name:       "competitor-mention",
			Keywords:   []string{"we're also looking at", "other vendors", "your competitor", "compared to"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryObjection,
			Urgency:    coach.UrgencyMedium,
			Confidence: 0.7,
			Template:   "Ask what criteria they'll use to decide between options. You want to shape the scorecard, not bash the alternative.",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicDecisionCriteria,
		},

		// Buying signals.
		{
			Name:       "implementation-question",
			Keywords:   []string{"how long to implement", "onboarding", "how do we get started", "rollout", "migration"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryBuyingSignal,
			Urgency:    coach.UrgencyMedium,
			Confidence: 0.75,
			Template:   "Implementation questions are a buying signal. Answer briefly, then trial-close: \"If onboarding looks like that, what else would need to be true to move forward?\"",
		},
		{
			Name:       "team-pull-in",
			Keywords:   []string{"loop in my", "bring in our", "my boss", "our cfo", "our cto", "the team should see"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryBuyingSignal,
			Urgency:    coach.UrgencyMedium,
			Confidence: 0.7,
			Template:   "They're expanding the audience. Ask who signs off and offer to tailor a session for that person.",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicEconomicBuyer,
		},

		// Stalls.
		{
			Name:       "send-me-info",
			Keywords:   []string{"send me some information", "send over a deck", "email me the details", "send me more info"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryStall,
			Urgency:    coach.UrgencyHigh,
			Confidence: 0.8,
			Template:   "Classic deferral. Agree, then keep the thread alive: \"Of course. What should I make sure it covers so it's actually useful for your decision?\"",
			Framework:  "Chris Voss",
		},
		{
			Name:       "call-back-later",
			Keywords:   []string{"call me back in", "circle back next quarter", "not a priority right now", "revisit this later"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryStall,
			Urgency:    coach.UrgencyMedium,
			Confidence: 0.75,
			Template:   "Find out what changes between now and then: \"What will be different next quarter that makes this easier to take on?\"",
		},

		// Closing.
		{
			Name:       "contract-language",
			Keywords:   []string{"contract", "terms", "procurement", "legal review", "purchase order"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryClosing,
			Urgency:    coach.UrgencyHigh,
			Confidence: 0.8,
			Template:   "Paper process is in play. Map it now: who reviews, how long each step takes, and what could stall it.",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicDecisionProcess,
		},

		// Discovery prompts, keyed to incomplete qualification fields.
		{
			Name:       "pain-surface",
			Keywords:   []string{"frustrating", "takes forever", "manual", "painful", "wastes"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryDiscovery,
			Urgency:    coach.UrgencyMedium,
			Confidence: 0.65,
			Template:   "Pain surfaced. Quantify it: \"How often does that happen, and what does it cost you when it does?\"",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicPain,
		},
		{
			Name:       "metrics-mention",
			Keywords:   []string{"kpi", "roi", "we measure", "our target is", "success looks like"},
			Category:   coach.CategoryDiscovery,
			Urgency:    coach.UrgencyLow,
			Confidence: 0.6,
			Template:   "They're talking numbers. Pin down the baseline and the target so the business case writes itself.",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicMetrics,
		},
		{
			Name:       "champion-signal",
			Keywords:   []string{"i can champion", "i'll push for this", "i want this to happen", "i'm your advocate"},
			Speaker:    coach.SpeakerCounterpart,
			Category:   coach.CategoryDiscovery,
			Urgency:    coach.UrgencyLow,
			Confidence: 0.6,
			Template:   "Possible champion. Test their access: \"If you brought this to the decision maker tomorrow, how would that conversation go?\"",
			Framework:  "MEDDIC",
			Meddic:     coach.MeddicChampion,
		},
	}
}
