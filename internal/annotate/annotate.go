// Package annotate draws finding overlays onto frames before they are
// attached to alerts.
package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	ColorIdle    = color.RGBA{255, 165, 0, 255}
	ColorMess    = color.RGBA{255, 0, 0, 255}
	ColorNeutral = color.RGBA{0, 255, 0, 255}
	labelBG      = color.RGBA{0, 0, 0, 180}
)

// Box is a labelled rectangle in pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 int
	Label          string
	Color          color.RGBA
}

// Draw returns a copy of img with every box and its label painted on it.
// The source image is never modified.
func Draw(img image.Image, boxes []Box) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, b := range boxes {
		drawBox(rgba, b.X1, b.Y1, b.X2-b.X1, b.Y2-b.Y1, b.Color, 2)
		if b.Label != "" {
			Label(rgba, b.X1, b.Y1-14, b.Label, b.Color)
		}
	}
	return rgba
}

// Label writes text with a dark background strip at (x, y).
func Label(img *image.RGBA, x, y int, text string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bounds := img.Bounds()
	textWidth := len(text) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if (image.Point{px, py}).In(bounds) {
				img.Set(px, py, labelBG)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(text)
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if (image.Point{px, py}).In(bounds) {
			img.Set(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}
