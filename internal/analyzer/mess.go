package analyzer

import (
	"fmt"
	"time"

	"camwatch/internal/detection"
)

const (
	// ReferenceFrameHeight is assumed when the analyzed frame's height is unknown.
	ReferenceFrameHeight = 720
	// DefaultFloorFraction puts the floor line at 400px of a 720px frame.
	DefaultFloorFraction = 400.0 / 720.0

	maxMessSamples = 5
)

// clutterIndicators are COCO classes that suggest mess when many are present.
var clutterIndicators = map[int]string{
	24: "backpack",
	26: "handbag",
	28: "suitcase",
	39: "bottle",
	41: "cup",
	73: "book",
}

// IsClutterIndicator reports whether classID counts toward clutter.
func IsClutterIndicator(classID int) bool {
	_, ok := clutterIndicators[classID]
	return ok
}

// SceneState is a coarse description of a scene used as a baseline.
type SceneState struct {
	ObjectCount   int     `json:"object_count"`
	PersonCount   int     `json:"person_count"`
	ItemPositions []Point `json:"item_positions"`
}

// MessDetector scores scenes by loose objects and objects on the floor.
type MessDetector struct {
	ClutterThreshold int
	FloorFraction    float64

	baseline *SceneState
}

func NewMessDetector(clutterThreshold int, floorFraction float64) *MessDetector {
	if floorFraction <= 0 || floorFraction >= 1 {
		floorFraction = DefaultFloorFraction
	}
	return &MessDetector{
		ClutterThreshold: clutterThreshold,
		FloorFraction:    floorFraction,
	}
}

// FloorLine returns the y coordinate below which an object's lower edge
// counts as resting on the floor.
func (m *MessDetector) FloorLine(frameHeight int) float64 {
	if frameHeight <= 0 {
		frameHeight = ReferenceFrameHeight
	}
	return m.FloorFraction * float64(frameHeight)
}

// Detect scores dets. The finding is nil when the score is below the
// clutter threshold; the payload is always filled in.
func (m *MessDetector) Detect(dets []detection.Detection, frameHeight int, now time.Time) (*Finding, MessPayload) {
	floorLine := m.FloorLine(frameHeight)

	var clutter []detection.Detection
	floor := 0
	for _, d := range dets {
		if IsClutterIndicator(d.ClassID) {
			clutter = append(clutter, d)
		}
		if !d.IsPerson() && d.BBox.Y2 > floorLine {
			floor++
		}
	}

	payload := MessPayload{
		Score:        len(clutter) + 2*floor,
		ClutterCount: len(clutter),
		FloorItems:   floor,
	}
	if payload.Score < m.ClutterThreshold {
		return nil, payload
	}

	for i, d := range clutter {
		if i == maxMessSamples {
			break
		}
		name := d.ClassName
		if name == "" {
			name = clutterIndicators[d.ClassID]
		}
		payload.Items = append(payload.Items, MessItem{Type: name, Position: d.BBox})
	}

	p := payload
	return &Finding{
		Kind:       KindMess,
		Severity:   messSeverity(payload.Score),
		Message:    fmt.Sprintf("Mess detected (score: %d)", payload.Score),
		DetectedAt: now,
		Mess:       &p,
	}, payload
}

func messSeverity(score int) Severity {
	switch {
	case score > 10:
		return SeverityHigh
	case score > 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SetBaseline records the current scene for later comparison.
func (m *MessDetector) SetBaseline(dets []detection.Detection) {
	s := sceneState(dets)
	m.baseline = &s
}

// Baseline returns the recorded scene, if any.
func (m *MessDetector) Baseline() (SceneState, bool) {
	if m.baseline == nil {
		return SceneState{}, false
	}
	return *m.baseline, true
}

func sceneState(dets []detection.Detection) SceneState {
	s := SceneState{ObjectCount: len(dets), ItemPositions: make([]Point, 0, len(dets))}
	for _, d := range dets {
		if d.IsPerson() {
			s.PersonCount++
		}
		s.ItemPositions = append(s.ItemPositions, Point{X: d.BBox.CenterX, Y: d.BBox.CenterY})
	}
	return s
}
