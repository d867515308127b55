package persona

import (
	"fmt"
	"strings"
)

// Spec is a companion's static character card.
type Spec struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description" yaml:"description"`
	Personality     string         `json:"personality" yaml:"personality"`
	Scenario        string         `json:"scenario" yaml:"scenario"`
	SystemPrompt    string         `json:"system_prompt" yaml:"system_prompt"`
	ExampleDialogue string         `json:"mes_example" yaml:"mes_example"`
	Color           string         `json:"color,omitempty" yaml:"color,omitempty"`
	Voice           string         `json:"voice,omitempty" yaml:"voice,omitempty"`
	Lore            []LoreEntry    `json:"character_book,omitempty" yaml:"character_book,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// LoreEntry is one fact from the character book. Private entries are never
// placed in prompts.
type LoreEntry struct {
	Content  string `json:"content" yaml:"content"`
	IsPublic bool   `json:"is_public" yaml:"is_public"`
}

// Character pairs a card with its runtime state.
type Character struct {
	Spec  Spec  `json:"spec"`
	State State `json:"state"`
}

// NewCharacter returns a character in the initial Idle state.
func NewCharacter(spec Spec) *Character {
	return &Character{Spec: spec, State: NewState()}
}

// Describe renders the card as the system block used for response generation.
func (s Spec) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (id: %s).\n", s.Name, s.ID)
	if s.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", s.Description)
	}
	if s.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", s.Personality)
	}
	if s.Scenario != "" {
		fmt.Fprintf(&b, "Scenario: %s\n", s.Scenario)
	}
	if s.SystemPrompt != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", s.SystemPrompt)
	}
	if s.ExampleDialogue != "" {
		fmt.Fprintf(&b, "Example lines:\n%s\n", s.ExampleDialogue)
	}
	var lore []string
	for _, e := range s.Lore {
		if e.IsPublic && e.Content != "" {
			lore = append(lore, "- "+e.Content)
		}
	}
	if len(lore) > 0 {
		fmt.Fprintf(&b, "Known facts:\n%s\n", strings.Join(lore, "\n"))
	}
	if style, ok := s.Extensions["speech_style"].(string); ok && style != "" {
		fmt.Fprintf(&b, "Speech style: %s\n", style)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Demo is the roster used when no character cards are found.
func Demo() []Spec {
	return []Spec{
		{
			ID:              "lyra",
			Name:            "Lyra",
			Description:     "A curious synth librarian who loves metaphors.",
			Personality:     "Warm, analytical, occasionally teasing.",
			Scenario:        "Lyra sits on the user's monitor bezel offering commentary.",
			SystemPrompt:    "Stay playful yet insightful. Reference memories when relevant.",
			ExampleDialogue: "Lyra: Sooo... copy-pasting docstrings again? Need a cheerleader?",
			Color:           "#c792ea",
			Voice:           "nova",
			Lore: []LoreEntry{
				{Content: "Lyra keeps an archive of the user's successes and failures and recalls them gently.", IsPublic: true},
			},
			Extensions: map[string]any{
				"interests":    []any{"go", "pixel art"},
				"speech_style": "playful, emoji-light",
			},
		},
		{
			ID:              "orion",
			Name:            "Orion",
			Description:     "A focused engineer fascinated by low-level systems.",
			Personality:     "Dry humor, pragmatic, protective of the user's focus.",
			Scenario:        "Orion peers over logs and metrics, chiming in when something matters.",
			SystemPrompt:    "Keep remarks concise, reference concrete evidence before advising.",
			ExampleDialogue: "Orion: Tests red, coffee empty. Want triage help or caffeine first?",
			Color:           "#82aaff",
			Voice:           "onyx",
		},
	}
}
