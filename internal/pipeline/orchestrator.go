// Package pipeline runs detection and analysis over camera frames, applies
// alert cooldowns and drives the per-camera continuous analysis loops.
package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"camwatch/internal/analyzer"
	"camwatch/internal/camera"
	"camwatch/internal/detection"
	"camwatch/internal/history"
)

// ErrInvalidFrame is returned for an empty camera id or a missing frame.
var ErrInvalidFrame = errors.New("invalid frame")

// Detector is the detection boundary; detection.Adapter satisfies it.
type Detector interface {
	Detect(ctx context.Context, img image.Image) []detection.Detection
}

// FrameSource hands out the latest frame per camera; camera.Manager
// satisfies it.
type FrameSource interface {
	GetFrame(ctx context.Context, cameraID string) (*camera.Frame, bool)
}

// AlertFunc receives findings that should become tasks, with their snapshot
// already attached.
type AlertFunc func(cameraID string, f *analyzer.Finding)

// Config tunes the orchestrator.
type Config struct {
	Analyzer        analyzer.Config
	CooldownWindow  time.Duration
	HistorySize     int
	SnapshotQuality int

	// Sampling selects the continuous loop sampler: every_nth or interval.
	Sampling       string
	FrameSkip      int
	SampleInterval time.Duration

	LoopSleep  time.Duration
	IdleSleep  time.Duration
	ErrorSleep time.Duration

	// Kinds returns the analyses enabled for a camera. Nil means defaults.
	Kinds func(cameraID string) []analyzer.Kind
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Analyzer:        analyzer.DefaultConfig(),
		CooldownWindow:  300 * time.Second,
		HistorySize:     1000,
		SnapshotQuality: 85,
		Sampling:        SamplingEveryNth,
		FrameSkip:       5,
		LoopSleep:       100 * time.Millisecond,
		IdleSleep:       time.Second,
		ErrorSleep:      time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Analyzer == (analyzer.Config{}) {
		c.Analyzer = d.Analyzer
	}
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = d.CooldownWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.SnapshotQuality <= 0 {
		c.SnapshotQuality = d.SnapshotQuality
	}
	if c.FrameSkip <= 0 {
		c.FrameSkip = d.FrameSkip
	}
	if c.LoopSleep <= 0 {
		c.LoopSleep = d.LoopSleep
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = d.IdleSleep
	}
	if c.ErrorSleep <= 0 {
		c.ErrorSleep = d.ErrorSleep
	}
}

// Result is the outcome of analyzing one frame. Findings holds only what
// survived cooldown.
type Result struct {
	CameraID        string                `json:"camera_id"`
	Timestamp       time.Time             `json:"timestamp"`
	TotalDetections int                   `json:"total_detections"`
	PersonCount     int                   `json:"person_count"`
	Detections      []detection.Detection `json:"detections"`
	Findings        []*analyzer.Finding   `json:"alerts"`
	Suppressed      int                   `json:"suppressed"`
	HasIdle         bool                  `json:"has_idle"`
	HasMess         bool                  `json:"has_mess"`
}

// clone copies r and its findings so subscribers never observe snapshot
// fields filled in after publication. Finding payloads are shared; nothing
// writes to them once a finding is built.
func (r *Result) clone() *Result {
	cp := *r
	cp.Detections = append([]detection.Detection(nil), r.Detections...)
	cp.Findings = make([]*analyzer.Finding, len(r.Findings))
	for i, f := range r.Findings {
		fc := *f
		cp.Findings[i] = &fc
	}
	return &cp
}

// HistoryRecord is the per-frame summary kept for statistics.
type HistoryRecord struct {
	CameraID    string    `json:"camera_id"`
	Timestamp   time.Time `json:"timestamp"`
	PersonCount int       `json:"person_count"`
	AlertsCount int       `json:"alerts_count"`
	HasIdle     bool      `json:"has_idle"`
	HasMess     bool      `json:"has_mess"`
}

// Statistics aggregates history records.
type Statistics struct {
	TotalDetections int     `json:"total_detections"`
	IdleDetections  int     `json:"idle_detections"`
	MessDetections  int     `json:"mess_detections"`
	AvgPersonCount  float64 `json:"avg_person_count"`
	TotalAlerts     int     `json:"total_alerts"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns one analyzer per camera and the cooldown state shared
// by every analysis path.
type Orchestrator struct {
	cfg       Config
	detector  Detector
	frames    FrameSource
	snapshots *Snapshotter
	bus       *EventBus
	cooldown  *cooldown
	history   *history.Ring[HistoryRecord]
	now       func() time.Time

	mu        sync.Mutex
	analyzers map[string]*analyzer.ActivityAnalyzer

	loopsMu sync.Mutex
	loops   map[string]*loop
}

// New creates an orchestrator. frames is only needed for continuous
// analysis; snapshots may be nil, which skips snapshot capture.
func New(cfg Config, detector Detector, frames FrameSource, snapshots *Snapshotter) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:       cfg,
		detector:  detector,
		frames:    frames,
		snapshots: snapshots,
		bus:       NewEventBus(),
		cooldown:  newCooldown(cfg.CooldownWindow),
		history:   history.NewRing[HistoryRecord](cfg.HistorySize),
		now:       time.Now,
		analyzers: make(map[string]*analyzer.ActivityAnalyzer),
		loops:     make(map[string]*loop),
	}
}

// Bus returns the event bus results are published on.
func (o *Orchestrator) Bus() *EventBus { return o.bus }

// Analyzer returns the camera's analyzer, creating it on first use.
func (o *Orchestrator) Analyzer(cameraID string) *analyzer.ActivityAnalyzer {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.analyzers[cameraID]
	if !ok {
		a = analyzer.New(o.cfg.Analyzer)
		o.analyzers[cameraID] = a
	}
	return a
}

func (o *Orchestrator) kinds(cameraID string, kinds []analyzer.Kind) []analyzer.Kind {
	if kinds == nil && o.cfg.Kinds != nil {
		kinds = o.cfg.Kinds(cameraID)
	}
	return kinds
}

// AnalyzeFrame detects, analyzes and filters one frame. kinds nil uses the
// camera's configured analyses.
func (o *Orchestrator) AnalyzeFrame(ctx context.Context, cameraID string, frame image.Image, kinds []analyzer.Kind) (*Result, error) {
	if cameraID == "" || frame == nil {
		return nil, ErrInvalidFrame
	}

	var dets []detection.Detection
	if o.detector != nil {
		dets = o.detector.Detect(ctx, frame)
	}
	if dets == nil {
		dets = []detection.Detection{}
	}

	now := o.now()
	analysis := o.Analyzer(cameraID).Analyze(dets, frame, o.kinds(cameraID, kinds), now)

	res := &Result{
		CameraID:        cameraID,
		Timestamp:       now,
		TotalDetections: analysis.TotalDetections,
		PersonCount:     analysis.PersonCount,
		Detections:      dets,
		Findings:        []*analyzer.Finding{},
		HasIdle:         analysis.HasIdle(),
		HasMess:         analysis.HasMess(),
	}

	for _, f := range analysis.Findings {
		if !o.cooldown.allow(cooldownKey(cameraID, f), now) {
			res.Suppressed++
			continue
		}
		f.ShouldCreateTask = f.Severity.AtLeast(analyzer.SeverityMedium)
		res.Findings = append(res.Findings, f)
	}

	o.history.Append(HistoryRecord{
		CameraID:    cameraID,
		Timestamp:   now,
		PersonCount: res.PersonCount,
		AlertsCount: len(res.Findings),
		HasIdle:     res.HasIdle,
		HasMess:     res.HasMess,
	})

	if len(res.Findings) > 0 {
		log.Debug().
			Str("camera_id", cameraID).
			Int("findings", len(res.Findings)).
			Int("suppressed", res.Suppressed).
			Msg("frame produced findings")
	}

	o.bus.Publish(res.clone())
	return res, nil
}

// History returns up to limit of the newest records, oldest first. An empty
// cameraID matches every camera.
func (o *Orchestrator) History(cameraID string, limit int) []HistoryRecord {
	return o.history.Filter(func(r HistoryRecord) bool {
		return cameraID == "" || r.CameraID == cameraID
	}, limit)
}

// Statistics aggregates the retained history for cameraID, or all cameras
// when it is empty.
func (o *Orchestrator) Statistics(cameraID string) Statistics {
	var st Statistics
	persons := 0
	for _, r := range o.History(cameraID, 0) {
		st.TotalDetections++
		persons += r.PersonCount
		st.TotalAlerts += r.AlertsCount
		if r.HasIdle {
			st.IdleDetections++
		}
		if r.HasMess {
			st.MessDetections++
		}
	}
	if st.TotalDetections > 0 {
		st.AvgPersonCount = float64(persons) / float64(st.TotalDetections)
	}
	return st
}
