package vision

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Synthetic renders a fake desktop that switches scene every sceneFrames
// captures. It is deterministic, which keeps offline runs reproducible.
type Synthetic struct {
	width, height int
	sceneFrames   int
	tick          int
	mu            sync.Mutex
}

// NewSynthetic creates a synthetic desktop source.
func NewSynthetic(width, height, sceneFrames int) *Synthetic {
	if sceneFrames < 1 {
		sceneFrames = 1
	}
	return &Synthetic{width: width, height: height, sceneFrames: sceneFrames}
}

var scenePalette = []color.RGBA{
	{R: 30, G: 30, B: 46, A: 255},
	{R: 40, G: 90, B: 60, A: 255},
	{R: 120, G: 40, B: 40, A: 255},
	{R: 200, G: 200, B: 210, A: 255},
}

// Capture implements Capturer.
func (s *Synthetic) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	tick := s.tick
	s.tick++
	s.mu.Unlock()

	scene := tick / s.sceneFrames
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bg := scenePalette[scene%len(scenePalette)]
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	// A window whose position depends on the scene.
	win := image.Rect(s.width/10, s.height/8, s.width/10+s.width/2, s.height/8+s.height/2).
		Add(image.Pt((scene*s.width/7)%(s.width/3+1), 0))
	draw.Draw(img, win, image.NewUniform(color.RGBA{R: 235, G: 235, B: 240, A: 255}), image.Point{}, draw.Src)

	// A caret that blinks between frames so consecutive captures differ slightly.
	if tick%2 == 0 {
		caret := image.Rect(win.Min.X+20, win.Min.Y+40, win.Min.X+24, win.Min.Y+56)
		draw.Draw(img, caret, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(win.Min.X+8, win.Min.Y+20),
	}
	d.DrawString(fmt.Sprintf("scene %d", scene))
	return img, nil
}
