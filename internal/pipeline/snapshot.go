package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"time"

	"camwatch/internal/analyzer"
	"camwatch/internal/annotate"
	"camwatch/internal/detection"
	"camwatch/internal/storage"
)

// Snapshotter renders an annotated copy of the analyzed frame for a finding
// and stores it.
type Snapshotter struct {
	store   storage.SnapshotStore
	quality int
	now     func() time.Time
}

// NewSnapshotter creates a snapshotter. store may be nil, in which case
// snapshots are only attached inline as base64.
func NewSnapshotter(store storage.SnapshotStore, quality int) *Snapshotter {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Snapshotter{store: store, quality: quality, now: time.Now}
}

func snapshotKey(cameraID string, kind analyzer.Kind, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.jpg", cameraID, kind, at.Format("20060102_150405"))
}

// Capture annotates img with f's overlay, then sets f.SnapshotPath and
// f.SnapshotBase64. A store failure still leaves the inline copy.
func (s *Snapshotter) Capture(ctx context.Context, cameraID string, img image.Image, f *analyzer.Finding) error {
	if img == nil {
		return fmt.Errorf("snapshot %s: no frame", cameraID)
	}

	annotated := annotate.Draw(img, overlay(f))
	data, err := detection.EncodeJPEG(annotated, s.quality)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", cameraID, err)
	}
	f.SnapshotBase64 = base64.StdEncoding.EncodeToString(data)

	if s.store == nil {
		return nil
	}
	path, err := s.store.SaveSnapshot(ctx, snapshotKey(cameraID, f.Kind, s.now()), data, "image/jpeg")
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", cameraID, err)
	}
	f.SnapshotPath = path
	return nil
}

func overlay(f *analyzer.Finding) []annotate.Box {
	var boxes []annotate.Box
	if f.Idle != nil {
		boxes = append(boxes, bboxToBox(f.Idle.BBox, fmt.Sprintf("IDLE %dm", f.Idle.IdleSeconds/60), annotate.ColorIdle))
	}
	if f.Mess != nil {
		for _, it := range f.Mess.Items {
			boxes = append(boxes, bboxToBox(it.Position, it.Type, annotate.ColorMess))
		}
	}
	return boxes
}

func bboxToBox(b detection.BBox, label string, c color.RGBA) annotate.Box {
	return annotate.Box{
		X1:    int(b.X1),
		Y1:    int(b.Y1),
		X2:    int(b.X2),
		Y2:    int(b.Y2),
		Label: label,
		Color: c,
	}
}
