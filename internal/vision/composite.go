package vision

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HistorySlots is the number of filmstrip panels in a composite.
const HistorySlots = 3

var (
	canvasColor = color.RGBA{R: 10, G: 10, B: 12, A: 255}
	labelBg     = color.RGBA{A: 180}
	labelFg     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Parts are the panels tiled into a composite. Nil panels are left blank.
type Parts struct {
	Desktop image.Image
	Memory  image.Image
	Chat    image.Image
	Status  image.Image
}

// Renderer tiles capture and context panels into one image for vision calls.
type Renderer struct {
	Width  int
	Height int
}

// NewRenderer creates a renderer producing width x height composites.
func NewRenderer(width, height int) *Renderer {
	return &Renderer{Width: width, Height: height}
}

// Render lays out the composite. With history:
//
//	+-------------------+--------+
//	|                   | PREV 1 |
//	|  DESKTOP          +--------+
//	|                   | PREV 2 |
//	|                   +--------+
//	|                   | PREV 3 |
//	+------+------+-----+--------+
//	| CHAT | MEMORY | STATUS     |
//	+------+------+--------------+
//
// Without history the four panels form a 2x2 grid.
func (r *Renderer) Render(parts Parts, history []image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(canvasColor), image.Point{}, draw.Src)

	if len(history) == 0 {
		hw, hh := r.Width/2, r.Height/2
		r.panel(canvas, image.Rect(0, 0, hw, hh), parts.Desktop, "DESKTOP")
		r.panel(canvas, image.Rect(hw, 0, r.Width, hh), parts.Memory, "MEMORY")
		r.panel(canvas, image.Rect(0, hh, hw, r.Height), parts.Chat, "RECENT CHAT")
		r.panel(canvas, image.Rect(hw, hh, r.Width, r.Height), parts.Status, "STATUS")
		return canvas
	}

	histW := r.Width / 4
	mainW := r.Width - histW
	topH := r.Height * 2 / 3
	slotH := topH / HistorySlots
	bottomW := mainW / 3

	r.panel(canvas, image.Rect(0, 0, mainW, topH), parts.Desktop, "DESKTOP")
	for i := 0; i < HistorySlots; i++ {
		slot := image.Rect(mainW, i*slotH, r.Width, (i+1)*slotH)
		if i < len(history) {
			r.panel(canvas, slot, history[i], prevLabel(i))
		} else {
			r.panel(canvas, slot, nil, "NO HIST")
		}
	}
	r.panel(canvas, image.Rect(0, topH, bottomW, r.Height), parts.Chat, "RECENT CHAT")
	r.panel(canvas, image.Rect(bottomW, topH, 2*bottomW, r.Height), parts.Memory, "MEMORY")
	r.panel(canvas, image.Rect(2*bottomW, topH, r.Width, r.Height), parts.Status, "STATUS")
	return canvas
}

func prevLabel(i int) string {
	return "PREV " + string(rune('1'+i))
}

func (r *Renderer) panel(dst *image.RGBA, rect image.Rectangle, src image.Image, label string) {
	if src != nil && !rect.Empty() {
		draw.ApproxBiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
	}
	drawLabel(dst, rect.Min.X+8, rect.Min.Y+4, label)
}

func drawLabel(dst *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	bg := image.Rect(x-3, y-1, x+w+3, y+face.Height+2)
	draw.Draw(dst, bg, image.NewUniform(labelBg), image.Point{}, draw.Over)
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelFg),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(text)
}
