package analyzer

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"camwatch/internal/detection"
)

const (
	// MaxMatchDistance is the largest center distance, in pixels, at which a
	// detection may continue an existing track.
	MaxMatchDistance = 200.0
	// MaxPositionHistory caps the positions kept per track.
	MaxPositionHistory = 100
	// TrackTTL is how long a track survives without being matched.
	TrackTTL = 30 * time.Second
)

// PersonTrack follows one person across frames of a single camera.
type PersonTrack struct {
	ID           string
	FirstSeen    time.Time
	LastSeen     time.Time
	Positions    []Point
	LastMovement time.Time
	IsIdle       bool
	IdleDuration time.Duration
}

func (t *PersonTrack) lastPosition() Point {
	return t.Positions[len(t.Positions)-1]
}

// IdleDetector matches person detections to tracks and flags tracks that
// stay within MovementThreshold pixels for longer than IdleThreshold.
type IdleDetector struct {
	IdleThreshold     time.Duration
	MovementThreshold float64

	tracks []*PersonTrack
	nextID int
}

func NewIdleDetector(idleThreshold time.Duration, movementThreshold float64) *IdleDetector {
	return &IdleDetector{
		IdleThreshold:     idleThreshold,
		MovementThreshold: movementThreshold,
	}
}

// Update folds the detections observed at now into the track set and returns
// one finding per matched track that is currently idle.
func (d *IdleDetector) Update(dets []detection.Detection, now time.Time) []*Finding {
	var findings []*Finding
	matched := make(map[*PersonTrack]bool)
	var created []*PersonTrack

	for _, det := range dets {
		if !det.IsPerson() {
			continue
		}
		center := Point{X: det.BBox.CenterX, Y: det.BBox.CenterY}

		var best *PersonTrack
		bestDist := math.Inf(1)
		for _, t := range d.tracks {
			if matched[t] || len(t.Positions) == 0 {
				continue
			}
			dist := distance(center, t.lastPosition())
			if dist < MaxMatchDistance && dist < bestDist {
				best, bestDist = t, dist
			}
		}

		if best == nil {
			t := &PersonTrack{
				ID:           fmt.Sprintf("person_%d", d.nextID),
				FirstSeen:    now,
				LastSeen:     now,
				Positions:    []Point{center},
				LastMovement: now,
			}
			d.nextID++
			created = append(created, t)
			continue
		}

		best.LastSeen = now
		if bestDist >= d.MovementThreshold {
			best.LastMovement = now
			best.IsIdle = false
			best.IdleDuration = 0
		}
		best.Positions = append(best.Positions, center)
		if len(best.Positions) > MaxPositionHistory {
			best.Positions = append([]Point(nil), best.Positions[len(best.Positions)-MaxPositionHistory:]...)
		}
		matched[best] = true

		if since := now.Sub(best.LastMovement); since > d.IdleThreshold {
			best.IsIdle = true
			best.IdleDuration = since
			findings = append(findings, idleFinding(best, det, center, now))
		}
	}

	d.tracks = append(d.tracks, created...)
	d.evict(now)
	return findings
}

func (d *IdleDetector) evict(now time.Time) {
	kept := d.tracks[:0]
	for _, t := range d.tracks {
		if now.Sub(t.LastSeen) <= TrackTTL {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(d.tracks); i++ {
		d.tracks[i] = nil
	}
	d.tracks = kept
}

// Tracks returns copies of the live tracks.
func (d *IdleDetector) Tracks() []PersonTrack {
	out := make([]PersonTrack, 0, len(d.tracks))
	for _, t := range d.tracks {
		c := *t
		c.Positions = append([]Point(nil), t.Positions...)
		out = append(out, c)
	}
	return out
}

// AllIdle returns copies of the tracks currently flagged idle.
func (d *IdleDetector) AllIdle() []PersonTrack {
	var out []PersonTrack
	for _, t := range d.Tracks() {
		if t.IsIdle {
			out = append(out, t)
		}
	}
	return out
}

func idleFinding(t *PersonTrack, det detection.Detection, center Point, now time.Time) *Finding {
	secs := int(t.IdleDuration / time.Second)
	return &Finding{
		Kind:       KindIdle,
		Severity:   idleSeverity(t.IdleDuration),
		Message:    fmt.Sprintf("Employee idle for %d minutes", secs/60),
		DetectedAt: now,
		Idle: &IdlePayload{
			TrackID:      t.ID,
			EmployeeArea: employeeArea(center),
			IdleSeconds:  secs,
			Position:     center,
			BBox:         det.BBox,
		},
	}
}

func idleSeverity(idle time.Duration) Severity {
	switch {
	case idle > 30*time.Minute:
		return SeverityHigh
	case idle > 15*time.Minute:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// employeeArea buckets a position into one of ten coarse zone labels.
func employeeArea(p Point) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d,%d", int(p.X), int(p.Y))
	return fmt.Sprintf("zone_%d", h.Sum32()%10)
}

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
