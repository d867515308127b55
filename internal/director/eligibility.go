package director

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/dewet/internal/persona"
)

// Verdict is an eligibility outcome.
type Verdict string

const (
	Allow Verdict = "allow"
	Stop  Verdict = "stop"
)

// Eligibility records whether a persona may be offered to the arbiter.
type Eligibility struct {
	PersonaID string  `json:"persona_id"`
	Verdict   Verdict `json:"verdict"`
	Reason    string  `json:"reason"`
}

// ComputeEligibility decides, per persona, whether it may speak this tick.
// Anyone but the last speaker is allowed. The last speaker is allowed only
// after the cooldown has elapsed or when the screen changed significantly.
func ComputeEligibility(chars []*persona.Character, lastSpeaker string, significantChange bool, cooldown time.Duration, now time.Time) []Eligibility {
	out := make([]Eligibility, 0, len(chars))
	for _, c := range chars {
		e := Eligibility{PersonaID: c.Spec.ID}
		switch {
		case c.Spec.ID != lastSpeaker:
			e.Verdict, e.Reason = Allow, "did not speak last"
		default:
			since, spoke := c.State.TimeSinceLastSpoke(now)
			switch {
			case !spoke || since > cooldown:
				e.Verdict, e.Reason = Allow, "long silence since speaking"
				if spoke {
					e.Reason = fmt.Sprintf("silent for %s, past cooldown", since.Round(time.Second))
				}
			case significantChange:
				e.Verdict, e.Reason = Allow, "new stimulus on screen"
			default:
				e.Verdict = Stop
				e.Reason = fmt.Sprintf("spoke last %s ago and nothing changed", since.Round(time.Second))
			}
		}
		out = append(out, e)
	}
	return out
}

// Allowed returns the Allow entries.
func Allowed(es []Eligibility) []Eligibility {
	var out []Eligibility
	for _, e := range es {
		if e.Verdict == Allow {
			out = append(out, e)
		}
	}
	return out
}

func stopSummary(es []Eligibility) string {
	parts := make([]string, 0, len(es))
	for _, e := range es {
		if e.Verdict == Stop {
			parts = append(parts, e.PersonaID+": "+e.Reason)
		}
	}
	if len(parts) == 0 {
		return "no personas loaded"
	}
	return strings.Join(parts, "; ")
}
