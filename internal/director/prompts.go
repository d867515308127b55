package director

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nidhogg/dewet/internal/dashboard"
	"github.com/nidhogg/dewet/internal/observation"
	"github.com/nidhogg/dewet/internal/persona"
	"github.com/nidhogg/dewet/internal/provider"
)

func changePrompt(obs *observation.Observation, history int) string {
	var b strings.Builder
	b.WriteString("You watch a user's screen for a group of desktop companions.\n")
	b.WriteString("The first image is a composite: DESKTOP is the live capture, the other panels show chat, memory and status.\n")
	if history > 0 {
		fmt.Fprintf(&b, "The next %d image(s) are the composites from the last times a companion spoke, most recent first.\n", history)
		b.WriteString("Compare DESKTOP against them.\n")
	} else {
		b.WriteString("No companion has spoken yet, so judge DESKTOP on its own.\n")
	}
	fmt.Fprintf(&b, "\nCapture stats: %s\n\n", obs.Summary.Notes)
	b.WriteString("Did something meaningfully different happen: a new application, new content, a finished task, an error?\n")
	b.WriteString("Cursor movement, scrolling within the same document and clock updates are not significant.\n")
	b.WriteString("Answer with significant_change and a one-sentence description of what is on screen now.")
	return b.String()
}

func silenceNote(obs *observation.Observation) string {
	switch {
	case !obs.UserSpoke:
		return "The user has not spoken yet."
	case obs.SinceUser < 5*time.Second:
		return "The user just spoke."
	default:
		return fmt.Sprintf("%ds since the user last spoke.", int(obs.SinceUser.Seconds()))
	}
}

func formatChat(entries []observation.ChatEntry, names map[string]string) string {
	if len(entries) == 0 {
		return "(no recent chat)"
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = displayName(e.Sender, names) + ": " + e.Content
	}
	return strings.Join(lines, "\n")
}

func displayName(sender string, names map[string]string) string {
	if sender == observation.UserSender {
		return "User"
	}
	if n, ok := names[sender]; ok {
		return n
	}
	return sender
}

func (d *Director) arbiterPrompt(obs *observation.Observation, change ChangeReport, allowed []Eligibility) string {
	last := obs.LastSpeaker()
	lastNote := "none"
	switch {
	case last == observation.UserSender:
		lastNote = "user (UNANSWERED)"
	case last != "":
		lastNote = displayName(last, d.names)
	}

	var companions []string
	for _, e := range allowed {
		c := d.index[e.PersonaID]
		companions = append(companions, fmt.Sprintf("### %s (id: %s)\nPersonality: %s\nMood: %s\nEligible because: %s",
			c.Spec.Name, c.Spec.ID, truncate(c.Spec.Personality, 240), c.State.Mood, e.Reason))
	}

	screen := obs.Summary.Notes
	if change.Checked {
		verdict := "no significant change"
		if change.SignificantChange {
			verdict = "SIGNIFICANT CHANGE"
		}
		screen = fmt.Sprintf("%s\nChange detector: %s. %s", screen, verdict, change.Description)
	}

	var b strings.Builder
	b.WriteString("You coordinate a small group of desktop companions and decide whether one of them should speak now.\n\n")
	if obs.Composite != nil {
		b.WriteString("The image is a composite of the user's context: DESKTOP is the current screen, PREV panels are the screen when a companion last spoke, and the bottom row shows chat, memory and status.\n\n")
	}
	fmt.Fprintf(&b, "# Screen\n%s\n\n", screen)
	fmt.Fprintf(&b, "# Timing\n%s\nLast speaker: %s\n\n", silenceNote(obs), lastNote)
	fmt.Fprintf(&b, "# Recent chat\n%s\n\n", formatChat(obs.RecentChat, d.names))
	fmt.Fprintf(&b, "# Eligible companions\n%s\n\n", strings.Join(companions, "\n\n"))
	b.WriteString("Respond only when one of these holds:\n")
	b.WriteString("1. The user said something addressed to the companions and nobody has answered.\n")
	b.WriteString("2. The screen changed in a way a companion would naturally remark on.\n")
	b.WriteString("Otherwise set should_respond to false and responder_id to an empty string.\n")
	b.WriteString("Only pick a responder_id from the eligible companions above.")
	return b.String()
}

// responseTurns replays chat as alternating turns from the speaker's point
// of view and ends with a user turn carrying the visual context.
func (d *Director) responseTurns(c *persona.Character, obs *observation.Observation, change ChangeReport, images []provider.Image) []provider.Message {
	system := c.Spec.Describe() + "\n\n" +
		"Stay in voice. Reply with one to three short sentences, without prefixing your name. " +
		"Lines written as \"Name: text\" in your own turns were said by other companions, not you.\n\n" +
		dashboard.Usage
	turns := []provider.Message{{Role: "system", Content: system}}

	for _, e := range obs.RecentChat {
		switch e.Sender {
		case c.Spec.ID:
			turns = append(turns, provider.Message{Role: "assistant", Content: e.Content})
		case observation.UserSender:
			turns = append(turns, provider.Message{Role: "user", Content: e.Content})
		default:
			turns = append(turns, provider.Message{Role: "assistant", Content: displayName(e.Sender, d.names) + ": " + e.Content})
		}
	}

	var b strings.Builder
	b.WriteString("[Current context]\n")
	fmt.Fprintf(&b, "Screen: %s\n", obs.Summary.Notes)
	if change.Checked && change.Description != "" {
		fmt.Fprintf(&b, "What is on screen: %s\n", change.Description)
	}
	b.WriteString(silenceNote(obs) + "\n")
	if obs.LastSpeaker() == observation.UserSender {
		b.WriteString("The user's last message is waiting for an answer.\n")
	}
	if obs.Dashboard != nil {
		b.WriteString("The last image is your private dashboard with your notes. Use it, but do not mention it.\n")
	}
	fmt.Fprintf(&b, "Respond now as %s.", c.Spec.Name)
	turns = append(turns, provider.Message{Role: "user", Content: b.String(), Images: images})
	return turns
}

func auditPrompt(c *persona.Character, draft string, obs *observation.Observation, names map[string]string) string {
	return fmt.Sprintf("You review replies drafted for %s before they are spoken aloud.\n"+
		"Check that the draft matches their voice, does not repeat recent lines, and fits the moment.\n\n"+
		"# Draft\n%s\n\n# Screen\n%s\n\n# Recent chat\n%s\n\n"+
		"Answer approve to keep the draft, revise with replacement text to change it, or block with a reason to stay silent.",
		c.Spec.Name, draft, obs.Summary.Notes, formatChat(obs.RecentChat, names))
}

func contextSummary(obs *observation.Observation, change ChangeReport) string {
	s := obs.Summary.Notes + " | " + silenceNote(obs)
	if change.Checked && change.Description != "" {
		s += " | " + change.Description
	}
	return truncate(s, 500)
}

func renderTurns(turns []provider.Message) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", t.Role, t.Content)
		if n := len(t.Images); n > 0 {
			fmt.Fprintf(&b, "\n(%d image(s) omitted)", n)
		}
	}
	return b.String()
}

// cleanReply removes a leading "Name:" echo and surrounding quotes.
func cleanReply(text, name string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{name + ":", "**" + name + "**:", "**" + name + ":**"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

// truncate keeps the first max runes of s.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
