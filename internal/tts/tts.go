// Package tts turns persona lines into audio.
package tts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

// Synthesizer renders speech for a line. The returned bytes are a complete
// audio file (WAV for Null, whatever the backend returns for HTTP).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	Name() string
}

// New selects the configured backend.
func New(cfg config.TTSConfig, logger *zap.Logger) (Synthesizer, error) {
	switch cfg.Provider {
	case "null", "":
		return NewNull(), nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("tts: http provider needs an endpoint")
		}
		return NewHTTP(cfg, logger), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", cfg.Provider)
	}
}
