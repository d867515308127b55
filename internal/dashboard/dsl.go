// Package dashboard implements the notes commands personas embed in their
// replies to drive the on-screen dashboard.
package dashboard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StoreKey is the KV key notes persist under.
const StoreKey = "dashboard.notes"

const (
	// ScrollStep is how far one scroll up/down moves, in pixels.
	ScrollStep = 100
	// LineHeight is used to place "bottom" at the last line.
	LineHeight = 20
)

// Usage is appended to the response system prompt.
const Usage = `You share a small notes dashboard with the user. To change it, include commands in your reply; they are removed before your words are spoken:
[[notes:set "text"]] replaces the notes, [[notes:append "text"]] adds a line, [[notes:clear]] empties them, [[notes:scroll up|down|top|bottom]] scrolls.
Use them sparingly and only when writing something down actually helps.`

type Action string

const (
	ActionSet    Action = "set"
	ActionAppend Action = "append"
	ActionClear  Action = "clear"
	ActionScroll Action = "scroll"
)

// Command is one parsed notes instruction.
type Command struct {
	Action Action `json:"action"`
	Text   string `json:"text,omitempty"`
	// Direction is up, down, top or bottom for scroll commands.
	Direction string `json:"direction,omitempty"`
}

var (
	commandRe = regexp.MustCompile(`\[\[notes:(set|append|clear|scroll)(?:\s+("(?:[^"\\]|\\.)*"|[a-z]+))?\s*\]\]`)
	// looseRe catches anything that looks like a command so malformed ones
	// are never spoken aloud.
	looseRe = regexp.MustCompile(`\[\[notes:[^\[\]]*\]\]`)
	spaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// Parse extracts well-formed commands in order of appearance. Malformed
// commands are skipped.
func Parse(text string) []Command {
	var cmds []Command
	for _, m := range commandRe.FindAllStringSubmatch(text, -1) {
		cmd, err := build(Action(m[1]), m[2])
		if err != nil {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func build(action Action, arg string) (Command, error) {
	switch action {
	case ActionSet, ActionAppend:
		if !strings.HasPrefix(arg, `"`) {
			return Command{}, fmt.Errorf("notes:%s needs a quoted argument", action)
		}
		text, err := strconv.Unquote(arg)
		if err != nil {
			return Command{}, fmt.Errorf("notes:%s: %w", action, err)
		}
		return Command{Action: action, Text: text}, nil
	case ActionClear:
		if arg != "" {
			return Command{}, fmt.Errorf("notes:clear takes no argument")
		}
		return Command{Action: action}, nil
	case ActionScroll:
		switch arg {
		case "up", "down", "top", "bottom":
			return Command{Action: action, Direction: arg}, nil
		}
		return Command{}, fmt.Errorf("notes:scroll: bad direction %q", arg)
	}
	return Command{}, fmt.Errorf("unknown notes action %q", action)
}

// Strip removes every command, well-formed or not, and tidies whitespace.
func Strip(text string) string {
	out := looseRe.ReplaceAllString(text, "")
	out = spaceRe.ReplaceAllString(out, " ")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Notes is the dashboard's persisted state.
type Notes struct {
	Content string `json:"content"`
	Scroll  int    `json:"scroll"`
}

// Apply runs cmds in order.
func (n *Notes) Apply(cmds ...Command) {
	for _, c := range cmds {
		switch c.Action {
		case ActionSet:
			n.Content = c.Text
			n.Scroll = 0
		case ActionAppend:
			if n.Content == "" {
				n.Content = c.Text
			} else {
				n.Content += "\n" + c.Text
			}
		case ActionClear:
			n.Content = ""
			n.Scroll = 0
		case ActionScroll:
			n.scroll(c.Direction)
		}
	}
}

func (n *Notes) scroll(direction string) {
	switch direction {
	case "up":
		n.Scroll -= ScrollStep
	case "down":
		n.Scroll += ScrollStep
	case "top":
		n.Scroll = 0
	case "bottom":
		n.Scroll = (strings.Count(n.Content, "\n")) * LineHeight
	}
	if n.Scroll < 0 {
		n.Scroll = 0
	}
}

// Marshal encodes notes for the store.
func (n Notes) Marshal() string {
	data, _ := json.Marshal(n)
	return string(data)
}

// Unmarshal decodes stored notes. Empty input yields empty notes.
func Unmarshal(raw string) (Notes, error) {
	var n Notes
	if raw == "" {
		return n, nil
	}
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Notes{}, fmt.Errorf("decode notes: %w", err)
	}
	if n.Scroll < 0 {
		n.Scroll = 0
	}
	return n, nil
}
