package analyzer

import (
	"time"

	"camwatch/internal/detection"
)

// Kind tags which payload a Finding carries.
type Kind string

const (
	KindIdle     Kind = "idle"
	KindMess     Kind = "mess"
	KindProducts Kind = "products"
)

// DefaultKinds are the analyses run when a camera does not specify any.
var DefaultKinds = []Kind{KindIdle, KindMess}

// ParseKinds converts configured detection type names, dropping unknown ones.
// An empty input yields DefaultKinds.
func ParseKinds(names []string) []Kind {
	if len(names) == 0 {
		return append([]Kind(nil), DefaultKinds...)
	}
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		switch k := Kind(n); k {
		case KindIdle, KindMess, KindProducts:
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Point is a position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// IdlePayload describes a person who has not moved for too long.
type IdlePayload struct {
	TrackID      string         `json:"track_id"`
	EmployeeArea string         `json:"employee_area"`
	IdleSeconds  int            `json:"idle_duration"`
	Position     Point          `json:"position"`
	BBox         detection.BBox `json:"bbox"`
}

// MessItem is a sample clutter object reported for operator review.
type MessItem struct {
	Type     string         `json:"type"`
	Position detection.BBox `json:"position"`
}

// MessPayload describes the clutter measured in one frame.
type MessPayload struct {
	Score        int        `json:"mess_score"`
	ClutterCount int        `json:"clutter_count"`
	FloorItems   int        `json:"floor_items"`
	Items        []MessItem `json:"items,omitempty"`
}

// Finding is one behavioral observation. Exactly one of Idle or Mess is set
// for the idle and mess kinds; products findings carry neither.
type Finding struct {
	Kind       Kind         `json:"type"`
	Severity   Severity     `json:"severity"`
	Message    string       `json:"message"`
	DetectedAt time.Time    `json:"detected_at"`
	Idle       *IdlePayload `json:"idle,omitempty"`
	Mess       *MessPayload `json:"mess,omitempty"`

	ShouldCreateTask bool   `json:"should_create_task"`
	SnapshotPath     string `json:"snapshot_path,omitempty"`
	SnapshotBase64   string `json:"snapshot_base64,omitempty"`
}

// Subject identifies what the finding is about within its camera: the
// track for idle findings, "general" otherwise.
func (f *Finding) Subject() string {
	if f.Idle != nil && f.Idle.TrackID != "" {
		return f.Idle.TrackID
	}
	return "general"
}
