package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSubstitutesEnvAndStripsComments(t *testing.T) {
	t.Setenv("DEWET_TEST_KEY", "sk-test")
	raw := []byte(`{
		// local model server
		"providers": [
			{"id": "lms", "type": "openai", "endpoint": "${DEWET_TEST_ENDPOINT:http://localhost:1234/v1}", "api_key": "${DEWET_TEST_KEY}"}
		],
		"models": {"arbiter": {"provider": "lms", "model": "qwen"}},
		/* tighter decisions */
		"director": {"cooldown_after_speak_ms": 5000}
	}`)

	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Endpoint != "http://localhost:1234/v1" {
		t.Errorf("endpoint = %q, want default substitution", p.Endpoint)
	}
	if p.APIKey != "sk-test" {
		t.Errorf("api_key = %q, want sk-test", p.APIKey)
	}
	if got := cfg.Director.Cooldown(); got != 5*time.Second {
		t.Errorf("cooldown = %v, want 5s", got)
	}
	if !cfg.Models.Arbiter.Enabled() {
		t.Error("arbiter should be enabled")
	}
	if cfg.Models.Audit.Enabled() {
		t.Error("audit should be disabled when no model is set")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if got := cfg.Vision.CaptureInterval(); got != 1500*time.Millisecond {
		t.Errorf("capture interval = %v, want 1.5s", got)
	}
	if got := cfg.Director.MinDecisionInterval(); got != 2*time.Second {
		t.Errorf("min decision interval = %v, want 2s", got)
	}
	if got := cfg.Director.SilenceGate(); got != 300*time.Second {
		t.Errorf("silence gate = %v, want 300s", got)
	}
	if cfg.Observation.ChatDepth != 30 {
		t.Errorf("chat depth = %d, want 30", cfg.Observation.ChatDepth)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Storage.Driver)
	}
	for _, o := range cfg.Server.AllowedOrigins {
		if !strings.HasPrefix(o, "localhost") && !strings.HasPrefix(o, "127.0.0.1") {
			t.Errorf("default origin %q is not loopback", o)
		}
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		t.Error("no default allowed origins")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if found {
		t.Error("found = true for a missing file")
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Server.Port)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"server": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrDefault(path); err == nil {
		t.Fatal("expected parse error")
	}
}
