package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"camwatch/internal/annotate"
)

// Frame is one captured image. Frames are never mutated after capture, so
// sharing the pointer is safe.
type Frame struct {
	CameraID  string
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Pattern renders a synthetic frame: a colour gradient with a
// "TEST FRAME" caption and the capture time.
func Pattern(width, height int, at time.Time) *image.RGBA {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 128,
				A: 255,
			})
		}
	}

	white := color.RGBA{255, 255, 255, 255}
	annotate.Label(img, 50, 50, "TEST FRAME", white)
	annotate.Label(img, 50, 80, at.Format("15:04:05"), white)
	return img
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	quality = max(1, min(quality, 100))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
