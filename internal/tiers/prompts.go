package tiers

import (
	"fmt"
	"strings"

	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/pkg/coach"
)

// reframerSystemPrompt drives tier 2: fast tactical rephrasing of the moment.
const reframerSystemPrompt = `You are a real-time sales coach whispering to a salesperson mid-call.
Given the last few conversation turns, suggest ONE short tactical move for the
salesperson's next sentence, or decide that no coaching is needed right now.

Respond with ONLY this JSON, no prose:
{
  "suggestion": {
    "category": "objection|buying_signal|stall|closing|discovery|reframe",
    "urgency": "high|medium|low",
    "text": "<one or two sentences the salesperson can act on immediately>",
    "framework": "Chris Voss|MEDDIC|",
    "confidence": 0.0
  },
  "meddic": {"<field>": "<note>"}
}

Set "suggestion" to null when the conversation is flowing well. Include
"meddic" entries only for fields clearly addressed in these turns. Valid
fields: metrics, economic_buyer, decision_criteria, decision_process, pain,
champion.`

// analyzerSystemPrompt drives tier 3: strategic read of the whole call.
const analyzerSystemPrompt = `You are a senior sales strategist reviewing a live call. Given the full
recent conversation, the MEDDIC qualification state, and the pre-call brief,
produce ONE strategic recommendation: where the deal stands, what is missing,
and the single most valuable move for the rest of the call. Prefer guidance
that fills qualification gaps over tactical phrasing.

Respond with ONLY this JSON, no prose:
{
  "suggestion": {
    "category": "objection|buying_signal|stall|closing|discovery|reframe",
    "urgency": "high|medium|low",
    "text": "<two or three sentences of strategic direction>",
    "framework": "Chris Voss|MEDDIC|",
    "confidence": 0.0
  },
  "meddic": {"<field>": "<note>"}
}

Set "suggestion" to null when strategy has not shifted since the last turns.
Valid meddic fields: metrics, economic_buyer, decision_criteria,
decision_process, pain, champion.`

// systemPrompt selects the prompt for the generator's tier.
func (g *Generator) systemPrompt() string {
	if g.tier == coach.TierStrategic {
		return analyzerSystemPrompt
	}
	return reframerSystemPrompt
}

// userPrompt renders the conversation context for the generator's tier.
func (g *Generator) userPrompt(seg coach.TranscriptSegment, snap callstate.Snapshot) string {
	var b strings.Builder

	if g.tier == coach.TierStrategic {
		if g.brief != "" {
			b.WriteString("Pre-call brief:\n")
			b.WriteString(g.brief)
			b.WriteString("\n\n")
		}
		b.WriteString("MEDDIC state:\n")
		for _, f := range coach.MeddicFields {
			fs := snap.Meddic[f]
			status := "incomplete"
			if fs.Complete {
				status = "complete"
			}
			if fs.Note != "" {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", f, status, fs.Note)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", f, status)
			}
		}
		b.WriteString("\nConversation:\n")
		writeTurns(&b, snap.Window)
	} else {
		b.WriteString("Recent turns:\n")
		writeTurns(&b, snap.LastTurns(g.turns))
	}

	fmt.Fprintf(&b, "\nLatest (%s): %s\n", speakerLabel(seg.Speaker), seg.Text)
	return b.String()
}

// writeTurns renders segments as "Role: text" lines, oldest first.
func writeTurns(b *strings.Builder, segs []coach.TranscriptSegment) {
	for _, s := range segs {
		fmt.Fprintf(b, "%s: %s\n", speakerLabel(s.Speaker), s.Text)
	}
}

// speakerLabel renders a speaker for prompt text.
func speakerLabel(s coach.Speaker) string {
	switch s {
	case coach.SpeakerSelf:
		return "Salesperson"
	case coach.SpeakerCounterpart:
		return "Customer"
	default:
		return "Unknown"
	}
}
