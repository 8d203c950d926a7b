// Package analyzer turns per-frame detections into behavioral findings:
// people who stay idle and areas that become cluttered.
//
// An ActivityAnalyzer holds track state for exactly one camera.
package analyzer

import (
	"image"
	"slices"
	"sync"
	"time"

	"camwatch/internal/detection"
)

// Config holds the thresholds of one camera's analyzer.
type Config struct {
	IdleThreshold     time.Duration
	MovementThreshold float64
	ClutterThreshold  int
	FloorFraction     float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:     300 * time.Second,
		MovementThreshold: 50,
		ClutterThreshold:  5,
		FloorFraction:     DefaultFloorFraction,
	}
}

// Analysis is the outcome of one Analyze call.
type Analysis struct {
	CameraID        string     `json:"camera_id,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	TotalDetections int        `json:"total_detections"`
	PersonCount     int        `json:"person_count"`
	Idle            []*Finding `json:"idle,omitempty"`
	Mess            *Finding   `json:"mess,omitempty"`
	Findings        []*Finding `json:"alerts"`
}

// HasIdle reports whether any idle finding was produced.
func (a *Analysis) HasIdle() bool { return len(a.Idle) > 0 }

// HasMess reports whether a mess finding was produced.
func (a *Analysis) HasMess() bool { return a.Mess != nil }

// Summary describes an analyzer's current state.
type Summary struct {
	TrackedPersons int       `json:"tracked_persons"`
	IdlePersons    int       `json:"idle_persons"`
	LastAnalysis   *Analysis `json:"last_analysis,omitempty"`
}

type ActivityAnalyzer struct {
	mu   sync.Mutex
	idle *IdleDetector
	mess *MessDetector
	last *Analysis
}

func New(cfg Config) *ActivityAnalyzer {
	return &ActivityAnalyzer{
		idle: NewIdleDetector(cfg.IdleThreshold, cfg.MovementThreshold),
		mess: NewMessDetector(cfg.ClutterThreshold, cfg.FloorFraction),
	}
}

// Analyze runs the requested analyses over dets observed at now. frame may
// be nil; it is only used for its height. A nil kinds slice runs DefaultKinds.
func (a *ActivityAnalyzer) Analyze(dets []detection.Detection, frame image.Image, kinds []Kind, now time.Time) *Analysis {
	if kinds == nil {
		kinds = DefaultKinds
	}

	res := &Analysis{
		Timestamp:       now,
		TotalDetections: len(dets),
		Findings:        []*Finding{},
	}
	for _, d := range dets {
		if d.IsPerson() {
			res.PersonCount++
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if slices.Contains(kinds, KindIdle) {
		res.Idle = a.idle.Update(dets, now)
		res.Findings = append(res.Findings, res.Idle...)
	}

	if slices.Contains(kinds, KindMess) {
		height := 0
		if frame != nil {
			height = frame.Bounds().Dy()
		}
		if f, _ := a.mess.Detect(dets, height, now); f != nil {
			res.Mess = f
			res.Findings = append(res.Findings, f)
		}
	}

	a.last = res
	return res
}

// SetBaseline records dets as the reference scene for mess comparison.
func (a *ActivityAnalyzer) SetBaseline(dets []detection.Detection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mess.SetBaseline(dets)
}

// Baseline returns the recorded reference scene, if any.
func (a *ActivityAnalyzer) Baseline() (SceneState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mess.Baseline()
}

// IdleTracks returns the tracks currently flagged idle.
func (a *ActivityAnalyzer) IdleTracks() []PersonTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle.AllIdle()
}

func (a *ActivityAnalyzer) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		TrackedPersons: len(a.idle.tracks),
		IdlePersons:    len(a.idle.AllIdle()),
		LastAnalysis:   a.last,
	}
}
