// Package brief manages pre-call briefs: the account context that seeds the
// MEDDIC tracker and primes the strategic tier before the first word is
// spoken. Briefs live either in a YAML file (single-seat deployments) or a
// Postgres table (multi-seat).
package brief

import (
	"context"
	"fmt"
	"strings"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/pkg/coach"
)

// Field is one pre-researched MEDDIC field entry.
type Field struct {
	// Complete marks the field as already addressed before the call.
	Complete bool `yaml:"complete" json:"complete"`

	// Note is the research finding (e.g. the suspected economic buyer).
	Note string `yaml:"note" json:"note"`
}

// Brief is the pre-call research for one account.
type Brief struct {
	// Account is the unique account key the brief is looked up by.
	Account string `yaml:"account" json:"account"`

	// Summary is free-text deal context for the strategic tier's prompt.
	Summary string `yaml:"summary" json:"summary"`

	// Meddic seeds the qualification tracker.
	Meddic map[coach.MeddicField]Field `yaml:"meddic" json:"meddic"`

	// AnticipatedObjections lists objections research expects to surface.
	AnticipatedObjections []string `yaml:"anticipated_objections" json:"anticipated_objections"`
}

// Store looks up briefs by account. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get retrieves the brief for an account. Returns (nil, nil) if none
	// exists; a call without a brief starts from a blank tracker.
	Get(ctx context.Context, account string) (*Brief, error)
}

// SeedFields converts the brief's MEDDIC entries into tracker seed state.
func (b *Brief) SeedFields() map[coach.MeddicField]callstate.FieldState {
	if len(b.Meddic) == 0 {
		return nil
	}
	out := make(map[coach.MeddicField]callstate.FieldState, len(b.Meddic))
	for f, e := range b.Meddic {
		out[f] = callstate.FieldState{Complete: e.Complete, Note: e.Note}
	}
	return out
}

// Render formats the brief as prompt text for the strategic tier.
func (b *Brief) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: %s\n", b.Account)
	if b.Summary != "" {
		sb.WriteString(b.Summary)
		sb.WriteString("\n")
	}
	if len(b.AnticipatedObjections) > 0 {
		sb.WriteString("Anticipated objections:\n")
		for _, o := range b.AnticipatedObjections {
			fmt.Fprintf(&sb, "- %s\n", o)
		}
	}
	return strings.TrimSpace(sb.String())
}
