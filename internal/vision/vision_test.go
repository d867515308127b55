package vision

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

type sequence struct {
	frames []image.Image
	i      int
}

func (s *sequence) Capture(context.Context) (image.Image, error) {
	img := s.frames[s.i%len(s.frames)]
	s.i++
	return img, nil
}

func TestPipelineDiffScores(t *testing.T) {
	black := solid(128, 72, color.Black)
	white := solid(128, 72, color.White)
	p := NewPipeline(&sequence{frames: []image.Image{black, black, white}}, zap.NewNop())
	ctx := context.Background()

	want := []float64{1, 0, 1}
	for i, w := range want {
		f, err := p.Capture(ctx)
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		if diff := f.DiffScore - w; diff > 0.01 || diff < -0.01 {
			t.Errorf("frame %d score = %v, want %v", i, f.DiffScore, w)
		}
		if f.Timestamp.IsZero() {
			t.Errorf("frame %d has no timestamp", i)
		}
	}
}

func TestSyntheticChangesBetweenScenes(t *testing.T) {
	s := NewSynthetic(320, 180, 2)
	ctx := context.Background()
	var thumbs []*image.Gray
	for i := 0; i < 4; i++ {
		img, err := s.Capture(ctx)
		if err != nil {
			t.Fatal(err)
		}
		thumbs = append(thumbs, Thumbnail(img))
	}
	within := DiffScore(thumbs[0], thumbs[1])
	across := DiffScore(thumbs[1], thumbs[2])
	if across <= within {
		t.Errorf("scene change diff %v should exceed in-scene diff %v", across, within)
	}
}

func TestFileCapturerPicksNewestPNG(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, c color.Color) {
		t.Helper()
		fh, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		defer fh.Close()
		if err := png.Encode(fh, solid(8, 8, c)); err != nil {
			t.Fatal(err)
		}
	}
	write("a.png", color.Black)
	if err := os.Chtimes(filepath.Join(dir, "a.png"), timeAgo(), timeAgo()); err != nil {
		t.Fatal(err)
	}
	write("b.png", color.White)

	img, err := NewFile(dir, zap.NewNop()).Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if r != 0xffff {
		t.Errorf("picked the older screenshot")
	}

	if _, err := NewFile(filepath.Join(dir, "missing"), zap.NewNop()).Capture(context.Background()); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestRenderLayouts(t *testing.T) {
	r := NewRenderer(400, 300)
	parts := Parts{Desktop: solid(100, 100, color.White)}

	grid := r.Render(parts, nil)
	if grid.Bounds().Dx() != 400 || grid.Bounds().Dy() != 300 {
		t.Fatalf("bounds = %v", grid.Bounds())
	}
	// Desktop occupies the top-left quadrant.
	if c := grid.RGBAAt(150, 100); c.R != 255 {
		t.Errorf("desktop pixel = %v, want white", c)
	}

	hist := r.Render(parts, []image.Image{solid(10, 10, color.RGBA{R: 255, A: 255})})
	// First filmstrip slot is the red history frame.
	if c := hist.RGBAAt(380, 60); c.R != 255 || c.G != 0 {
		t.Errorf("history pixel = %v, want red", c)
	}
	// Desktop spans 75% width in the history layout.
	if c := hist.RGBAAt(280, 150); c.R != 255 || c.G != 255 {
		t.Errorf("desktop pixel = %v, want white", c)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	s, err := EncodeBase64PNG(solid(3, 2, color.White))
	if err != nil {
		t.Fatal(err)
	}
	img, err := DecodeBase64PNG(s)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Errorf("bounds = %v", img.Bounds())
	}
	if _, err := DecodeBase64PNG("!!"); err == nil {
		t.Error("expected error for bad base64")
	}
}

func timeAgo() time.Time { return time.Now().Add(-time.Hour) }
