// Package episode keeps a graph of what each persona has said, with
// importance that fades over time.
package episode

import (
	"errors"
	"time"
)

// ErrDisabled is returned by Open when no Neo4j URI is configured.
var ErrDisabled = errors.New("episode: store disabled")

// Episode is one spoken line.
type Episode struct {
	ID         string    `json:"id"`
	PersonaID  string    `json:"persona_id"`
	Text       string    `json:"text"`
	Mood       string    `json:"mood,omitempty"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecayConfig controls the sweep run by the janitor.
type DecayConfig struct {
	Factor float64       // multiplier applied per sweep
	Grace  time.Duration // episodes younger than this are left alone
	Floor  float64       // never decay below; pruned at or below
}

// DefaultDecayConfig returns sensible defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Factor: 0.95,
		Grace:  24 * time.Hour,
		Floor:  0.05,
	}
}

func clampImportance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// decayed is the per-sweep importance update, mirrored by the Cypher in
// DecaySweep.
func decayed(importance float64, cfg DecayConfig) float64 {
	v := importance * cfg.Factor
	if v < cfg.Floor {
		return cfg.Floor
	}
	return v
}
