package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/rs/zerolog/log"
)

// ClassPerson is the COCO class id the analyzers track as people.
const ClassPerson = 0

var ErrDetectorUnavailable = errors.New("detector unavailable")

// BBox is an axis-aligned box in frame pixels. Width, Height and the center
// are derived from the corners by NewBBox.
type BBox struct {
	X1      float64 `json:"x1"`
	Y1      float64 `json:"y1"`
	X2      float64 `json:"x2"`
	Y2      float64 `json:"y2"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

// NewBBox builds a box from its corners.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	return BBox{
		X1:      x1,
		Y1:      y1,
		X2:      x2,
		Y2:      y2,
		Width:   x2 - x1,
		Height:  y2 - y1,
		CenterX: (x1 + x2) / 2,
		CenterY: (y1 + y2) / 2,
	}
}

// Detection is one object found in one frame.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// IsPerson reports whether the detection is a person.
func (d Detection) IsPerson() bool {
	return d.ClassID == ClassPerson
}

// Detector is implemented by every detection backend.
type Detector interface {
	// Name returns the detector identifier (e.g. "yolo-http", "yolo-grpc")
	Name() string

	// Detect runs inference on a decoded frame
	Detect(ctx context.Context, img image.Image) ([]Detection, error)

	// IsHealthy returns true if the backend can currently serve requests
	IsHealthy(ctx context.Context) bool

	// Close releases backend resources
	Close() error
}

// Adapter is the boundary the analysis pipeline talks to. It bounds every
// call with a timeout and turns all backend failures into an empty result.
type Adapter struct {
	detector Detector
	timeout  time.Duration
}

// NewAdapter wraps d. A nil detector yields an adapter that always returns
// no detections.
func NewAdapter(d Detector, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{detector: d, timeout: timeout}
}

// Detect returns the detections for img, or an empty slice if the backend is
// missing, unhealthy, slow or failing.
func (a *Adapter) Detect(ctx context.Context, img image.Image) (dets []Detection) {
	dets = []Detection{}
	if a == nil || a.detector == nil || img == nil {
		return dets
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("detector", a.detector.Name()).Interface("panic", r).Msg("Detector panicked")
			dets = []Detection{}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.detector.Detect(ctx, img)
	if err != nil {
		log.Debug().Err(err).Str("detector", a.detector.Name()).Msg("Detection failed, continuing with no detections")
		return dets
	}
	if result == nil {
		return dets
	}
	return result
}

// Name returns the wrapped detector's name.
func (a *Adapter) Name() string {
	if a == nil || a.detector == nil {
		return "none"
	}
	return a.detector.Name()
}

// EncodeJPEG encodes img for transport to a detection backend.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
