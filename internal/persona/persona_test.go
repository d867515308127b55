package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStateCooldown(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewState()

	if s.IsOnCooldown(30*time.Second, now) {
		t.Error("fresh state should not be on cooldown")
	}
	if _, ok := s.TimeSinceLastSpoke(now); ok {
		t.Error("fresh state should report never spoken")
	}

	s.UpdateLastSpoke(now)
	if !s.IsOnCooldown(30*time.Second, now.Add(5*time.Second)) {
		t.Error("expected cooldown 5s after speaking")
	}
	if s.IsOnCooldown(30*time.Second, now.Add(31*time.Second)) {
		t.Error("expected cooldown to lapse after 31s")
	}
	d, ok := s.TimeSinceLastSpoke(now.Add(31 * time.Second))
	if !ok || d != 31*time.Second {
		t.Errorf("since = %v (ok=%v), want 31s", d, ok)
	}

	s.Mood = "smug"
	s.Reset()
	if s.IsOnCooldown(30*time.Second, now.Add(time.Second)) {
		t.Error("reset should clear cooldown")
	}
	if s.Mood != defaultMood {
		t.Errorf("mood = %q, want %q", s.Mood, defaultMood)
	}
}

func TestLoadDirFormats(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("ada.json", `{"name": "Ada", "description": "flat card", "personality": "precise"}`)
	write("bex.json", `{
		"spec": "chara_card_v2", "spec_version": "2.0",
		"data": {
			"name": "Bex Quill", "description": "v2 card", "personality": "", "scenario": "",
			"system_prompt": "", "mes_example": "",
			"character_book": {"entries": [
				{"content": "public fact", "selective": false},
				{"content": "secret fact", "selective": true}
			]},
			"extensions": {"voice": "alloy"}
		}
	}`)
	write("cyd.yaml", "id: cyd\nname: Cyd\nsystem_prompt: Be brief.\n")
	write("cyd.md", "Prefers terminal jokes.")
	write("notes.txt", "ignored")

	specs, err := LoadDir(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}

	byID := map[string]Spec{}
	for _, s := range specs {
		byID[s.ID] = s
	}
	if _, ok := byID["ada"]; !ok {
		t.Error("flat card id should default to file stem")
	}
	bex, ok := byID["bex_quill"]
	if !ok {
		t.Fatalf("v2 card id missing, have %v", byID)
	}
	if bex.Voice != "alloy" {
		t.Errorf("voice = %q, want alloy", bex.Voice)
	}
	if len(bex.Lore) != 2 || !bex.Lore[0].IsPublic || bex.Lore[1].IsPublic {
		t.Errorf("lore = %+v", bex.Lore)
	}
	if strings.Contains(bex.Describe(), "secret fact") {
		t.Error("private lore leaked into description")
	}
	cyd := byID["cyd"]
	if !strings.Contains(cyd.SystemPrompt, "Be brief.") || !strings.Contains(cyd.SystemPrompt, "terminal jokes") {
		t.Errorf("system prompt = %q, want card prompt plus profile", cyd.SystemPrompt)
	}
}

func TestLoadDirFallsBackToDemo(t *testing.T) {
	specs, err := LoadDir(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(specs) != 2 || specs[0].ID != "lyra" || specs[1].ID != "orion" {
		t.Errorf("got %+v, want demo roster", specs)
	}
}
