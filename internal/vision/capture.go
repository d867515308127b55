package vision

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/nidhogg/dewet/internal/config"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	thumbWidth  = 64
	thumbHeight = 36
)

// Capturer produces raw screen images.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Pipeline wraps a Capturer and scores each frame against the previous one.
type Pipeline struct {
	source    Capturer
	lastThumb *image.Gray
	now       func() time.Time
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewPipeline creates a pipeline over source.
func NewPipeline(source Capturer, logger *zap.Logger) *Pipeline {
	return &Pipeline{source: source, now: time.Now, logger: logger}
}

// NewCapturer builds the capturer selected by cfg.Source.
func NewCapturer(cfg config.VisionConfig, logger *zap.Logger) (Capturer, error) {
	switch cfg.Source {
	case "", "synthetic":
		return NewSynthetic(cfg.Width, cfg.Height, cfg.SceneFrames), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("vision source file requires a path")
		}
		return NewFile(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown vision source %q", cfg.Source)
	}
}

// Capture grabs a frame. The first frame scores 1.
func (p *Pipeline) Capture(ctx context.Context) (Frame, error) {
	img, err := p.source.Capture(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("capture frame: %w", err)
	}

	thumb := Thumbnail(img)

	p.mu.Lock()
	score := 1.0
	if p.lastThumb != nil {
		score = DiffScore(thumb, p.lastThumb)
	}
	p.lastThumb = thumb
	p.mu.Unlock()

	return Frame{Image: img, DiffScore: score, Timestamp: p.now()}, nil
}

// Thumbnail downsamples img to a 64x36 luma image.
func Thumbnail(img image.Image) *image.Gray {
	thumb := image.NewGray(image.Rect(0, 0, thumbWidth, thumbHeight))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)
	return thumb
}

// DiffScore is the mean absolute luma difference of two thumbnails, in [0,1].
func DiffScore(a, b *image.Gray) float64 {
	if a.Bounds() != b.Bounds() {
		return 1
	}
	var delta float64
	for i := range a.Pix {
		delta += math.Abs(float64(a.Pix[i]) - float64(b.Pix[i]))
	}
	return delta / (float64(len(a.Pix)) * 255)
}
