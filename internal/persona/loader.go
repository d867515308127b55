package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// cardV2 is the Character Card v2 wrapper.
type cardV2 struct {
	Spec        string     `json:"spec"`
	SpecVersion string     `json:"spec_version"`
	Data        cardV2Data `json:"data"`
}

type cardV2Data struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Personality   string         `json:"personality"`
	Scenario      string         `json:"scenario"`
	SystemPrompt  string         `json:"system_prompt"`
	MesExample    string         `json:"mes_example"`
	CharacterBook *struct {
		Entries []struct {
			Content   string `json:"content"`
			Selective bool   `json:"selective"`
		} `json:"entries"`
	} `json:"character_book"`
	Extensions map[string]any `json:"extensions"`
}

// LoadFile reads one card. JSON files may be flat or Character Card v2;
// .yaml and .yml files are flat YAML. A sibling <stem>.md file, when
// present, is appended to the system prompt.
func LoadFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read card %s: %w", path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var spec Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		spec, err = decodeJSONCard(data)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &spec)
	default:
		return Spec{}, fmt.Errorf("unsupported card format %s", path)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("decode card %s: %w", path, err)
	}

	if spec.Name == "" {
		return Spec{}, fmt.Errorf("card %s has no name", path)
	}
	if spec.ID == "" {
		spec.ID = strings.ToLower(stem)
	}
	if notes := loadProfile(filepath.Join(filepath.Dir(path), stem+".md")); notes != "" {
		if spec.SystemPrompt != "" {
			spec.SystemPrompt += "\n\n"
		}
		spec.SystemPrompt += notes
	}
	return spec, nil
}

func decodeJSONCard(data []byte) (Spec, error) {
	var v2 cardV2
	if err := json.Unmarshal(data, &v2); err == nil && v2.Spec != "" && v2.Data.Name != "" {
		return fromCardV2(v2.Data), nil
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func fromCardV2(d cardV2Data) Spec {
	id, _ := d.Extensions["id"].(string)
	if id == "" {
		id = strings.ReplaceAll(strings.ToLower(d.Name), " ", "_")
	}
	spec := Spec{
		ID:              id,
		Name:            d.Name,
		Description:     d.Description,
		Personality:     d.Personality,
		Scenario:        d.Scenario,
		SystemPrompt:    d.SystemPrompt,
		ExampleDialogue: d.MesExample,
		Extensions:      d.Extensions,
	}
	if c, ok := d.Extensions["color"].(string); ok {
		spec.Color = c
	}
	if v, ok := d.Extensions["voice"].(string); ok {
		spec.Voice = v
	}
	if d.CharacterBook != nil {
		for _, e := range d.CharacterBook.Entries {
			spec.Lore = append(spec.Lore, LoreEntry{Content: e.Content, IsPublic: !e.Selective})
		}
	}
	return spec
}

// loadProfile returns the trimmed contents of a markdown profile, or "".
func loadProfile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// LoadDir loads every card in dir, sorted by file name. Unreadable cards are
// skipped with a warning. A missing or empty directory yields the demo roster.
// Duplicate ids keep the first card.
func LoadDir(dir string, logger *zap.Logger) ([]Spec, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Info("character directory missing, using demo roster", zap.String("dir", dir))
		return Demo(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read character dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var specs []Spec
	for _, name := range names {
		spec, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping character card", zap.String("file", name), zap.Error(err))
			continue
		}
		if seen[spec.ID] {
			logger.Warn("duplicate character id", zap.String("id", spec.ID), zap.String("file", name))
			continue
		}
		seen[spec.ID] = true
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		logger.Info("no character cards found, using demo roster", zap.String("dir", dir))
		return Demo(), nil
	}
	return specs, nil
}
