package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig      `json:"server"`
	Vision        VisionConfig      `json:"vision"`
	Observation   ObservationConfig `json:"observation"`
	Director      DirectorConfig    `json:"director"`
	Providers     []ProviderConfig  `json:"providers"`
	Models        ModelsConfig      `json:"models"`
	Storage       StorageConfig     `json:"storage"`
	Episodes      EpisodesConfig    `json:"episodes"`
	Redis         RedisConfig       `json:"redis"`
	TTS           TTSConfig         `json:"tts"`
	Relays        RelaysConfig      `json:"relays"`
	Retention     RetentionConfig   `json:"retention"`
	CharactersDir string            `json:"characters_dir"`
}

type ServerConfig struct {
	Port      int    `json:"port"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // console|json
	// AllowedOrigins are host patterns ("localhost:*") browsers may connect
	// from. Same-host pages and clients without an Origin are always allowed.
	AllowedOrigins []string `json:"allowed_origins"`
}

type VisionConfig struct {
	Source            string  `json:"source"` // synthetic|file
	Path              string  `json:"path"`
	CaptureIntervalMS int     `json:"capture_interval_ms"`
	DiffThreshold     float64 `json:"diff_threshold"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	SceneFrames       int     `json:"scene_frames"`
}

// CaptureInterval is the perception tick period.
func (v VisionConfig) CaptureInterval() time.Duration {
	return time.Duration(v.CaptureIntervalMS) * time.Millisecond
}

type ObservationConfig struct {
	ChatDepth       int     `json:"chat_depth"`
	ScreenHistory   int     `json:"screen_history"`
	DecayRate       float64 `json:"decay_rate"`
	ForgetThreshold float64 `json:"forget_threshold"`
	FilteredMax     int     `json:"filtered_max"`
	TriggerBoost    float64 `json:"trigger_boost"`
}

type DirectorConfig struct {
	MinDecisionIntervalMS int `json:"min_decision_interval_ms"`
	CooldownAfterSpeakMS  int `json:"cooldown_after_speak_ms"`
	SilenceGateSeconds    int `json:"silence_gate_seconds"`
}

func (d DirectorConfig) MinDecisionInterval() time.Duration {
	return time.Duration(d.MinDecisionIntervalMS) * time.Millisecond
}

func (d DirectorConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownAfterSpeakMS) * time.Millisecond
}

func (d DirectorConfig) SilenceGate() time.Duration {
	return time.Duration(d.SilenceGateSeconds) * time.Second
}

type ProviderConfig struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"api_key"`
	Models    []string          `json:"models,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
}

// ModelsConfig binds each pipeline stage to a provider and model.
type ModelsConfig struct {
	Change   ModelRef `json:"change"`
	Arbiter  ModelRef `json:"arbiter"`
	Response ModelRef `json:"response"`
	Audit    ModelRef `json:"audit"`
}

type ModelRef struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// Enabled reports whether the stage has a model configured.
func (m ModelRef) Enabled() bool { return m.Model != "" }

type StorageConfig struct {
	Driver        string `json:"driver"` // sqlite|postgres|memory
	Path          string `json:"path"`
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type EpisodesConfig struct {
	URI      string  `json:"uri"`
	User     string  `json:"user"`
	Password string  `json:"password"`
	Decay    float64 `json:"decay"`
	GraceH   int     `json:"grace_hours"`
	Floor    float64 `json:"floor"`
}

type RedisConfig struct {
	URL           string `json:"url"`
	EventStream   string `json:"event_stream"`
	InboundStream string `json:"inbound_stream"`
}

type TTSConfig struct {
	Provider string `json:"provider"` // null|http
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
}

type RelaysConfig struct {
	Slack   SlackRelayConfig   `json:"slack"`
	Discord DiscordRelayConfig `json:"discord"`
}

type SlackRelayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	AppToken  string `json:"app_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordRelayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type RetentionConfig struct {
	DecisionSchedule string `json:"decision_schedule"`
	EpisodeSchedule  string `json:"episode_schedule"`
	MaxAgeDays       int    `json:"max_age_days"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON (comments allowed) config file, substitutes environment
// variable references and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not
// exist. The boolean reports whether the file was found.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Parse decodes raw config bytes.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON([]byte(resolved)), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration that runs fully offline: synthetic capture,
// in-process storage on disk, null speech.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 7777
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}
	}

	if c.Vision.Source == "" {
		c.Vision.Source = "synthetic"
	}
	if c.Vision.CaptureIntervalMS <= 0 {
		c.Vision.CaptureIntervalMS = 1500
	}
	if c.Vision.DiffThreshold <= 0 {
		c.Vision.DiffThreshold = 0.05
	}
	if c.Vision.Width <= 0 {
		c.Vision.Width = 1280
	}
	if c.Vision.Height <= 0 {
		c.Vision.Height = 720
	}
	if c.Vision.SceneFrames <= 0 {
		c.Vision.SceneFrames = 20
	}

	if c.Observation.ChatDepth <= 0 {
		c.Observation.ChatDepth = 30
	}
	if c.Observation.ScreenHistory <= 0 {
		c.Observation.ScreenHistory = 8
	}
	if c.Observation.DecayRate <= 0 || c.Observation.DecayRate > 1 {
		c.Observation.DecayRate = 0.9
	}
	if c.Observation.ForgetThreshold <= 0 {
		c.Observation.ForgetThreshold = 0.3
	}
	if c.Observation.FilteredMax <= 0 {
		c.Observation.FilteredMax = 12
	}
	if c.Observation.TriggerBoost <= 0 {
		c.Observation.TriggerBoost = 0.2
	}

	if c.Director.MinDecisionIntervalMS <= 0 {
		c.Director.MinDecisionIntervalMS = 2000
	}
	if c.Director.CooldownAfterSpeakMS <= 0 {
		c.Director.CooldownAfterSpeakMS = 30000
	}
	if c.Director.SilenceGateSeconds <= 0 {
		c.Director.SilenceGateSeconds = 300
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/dewet.db"
	}
	if c.Storage.MigrationsDir == "" {
		c.Storage.MigrationsDir = "migrations"
	}

	if c.Episodes.Decay <= 0 {
		c.Episodes.Decay = 0.95
	}
	if c.Episodes.GraceH <= 0 {
		c.Episodes.GraceH = 24
	}
	if c.Episodes.Floor <= 0 {
		c.Episodes.Floor = 0.05
	}

	if c.Redis.EventStream == "" {
		c.Redis.EventStream = "dewet:events"
	}
	if c.Redis.InboundStream == "" {
		c.Redis.InboundStream = "dewet:inbound"
	}

	if c.TTS.Provider == "" {
		c.TTS.Provider = "null"
	}

	if c.Retention.DecisionSchedule == "" {
		c.Retention.DecisionSchedule = "0 0 4 * * *"
	}
	if c.Retention.EpisodeSchedule == "" {
		c.Retention.EpisodeSchedule = "0 30 * * * *"
	}
	if c.Retention.MaxAgeDays <= 0 {
		c.Retention.MaxAgeDays = 30
	}

	if c.CharactersDir == "" {
		c.CharactersDir = "characters"
	}
}
