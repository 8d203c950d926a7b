package analyzer

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camwatch/internal/detection"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func person(cx, cy float64) detection.Detection {
	return detection.Detection{
		ClassID:    detection.ClassPerson,
		ClassName:  "person",
		Confidence: 0.9,
		BBox:       detection.NewBBox(cx-20, cy-40, cx+20, cy+40),
	}
}

func object(classID int, name string, y2 float64) detection.Detection {
	return detection.Detection{
		ClassID:    classID,
		ClassName:  name,
		Confidence: 0.8,
		BBox:       detection.NewBBox(10, y2-20, 30, y2),
	}
}

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func TestIdleFirstFindingCrossesThreshold(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)

	for s := 0; s <= 300; s++ {
		findings := d.Update([]detection.Detection{person(100, 100)}, at(s))
		require.Empty(t, findings, "no idle finding expected at %ds", s)
	}

	findings := d.Update([]detection.Detection{person(100, 100)}, at(301))
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, KindIdle, f.Kind)
	assert.Equal(t, SeverityLow, f.Severity)
	assert.Equal(t, "person_0", f.Idle.TrackID)
	assert.Equal(t, 301, f.Idle.IdleSeconds)
	assert.Equal(t, Point{X: 100, Y: 100}, f.Idle.Position)
	assert.Contains(t, f.Idle.EmployeeArea, "zone_")
	assert.Equal(t, "person_0", f.Subject())
}

func TestIdleDurationIsMonotonicAndOnePerCall(t *testing.T) {
	d := NewIdleDetector(10*time.Second, 50)
	d.Update([]detection.Detection{person(100, 100)}, at(0))

	prev := 0
	for s := 11; s < 40; s += 3 {
		findings := d.Update([]detection.Detection{person(102, 101)}, at(s))
		require.Len(t, findings, 1)
		assert.GreaterOrEqual(t, findings[0].Idle.IdleSeconds, prev)
		prev = findings[0].Idle.IdleSeconds
	}
}

func TestIdleSeverityTiers(t *testing.T) {
	assert.Equal(t, SeverityLow, idleSeverity(900*time.Second))
	assert.Equal(t, SeverityMedium, idleSeverity(901*time.Second))
	assert.Equal(t, SeverityMedium, idleSeverity(1800*time.Second))
	assert.Equal(t, SeverityHigh, idleSeverity(1801*time.Second))
}

func TestMovementResetsIdle(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)
	for s := 0; s <= 301; s += 10 {
		d.Update([]detection.Detection{person(100, 100)}, at(s))
	}
	require.NotEmpty(t, d.Update([]detection.Detection{person(100, 100)}, at(305)))
	require.Len(t, d.AllIdle(), 1)

	findings := d.Update([]detection.Detection{person(150, 100)}, at(306))

	assert.Empty(t, findings)
	tracks := d.Tracks()
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].IsIdle)
	assert.Zero(t, tracks[0].IdleDuration)
	assert.Equal(t, at(306), tracks[0].LastMovement)
	assert.Empty(t, d.AllIdle())
}

func TestSmallMovementDoesNotResetIdle(t *testing.T) {
	d := NewIdleDetector(5*time.Second, 50)
	d.Update([]detection.Detection{person(100, 100)}, at(0))

	findings := d.Update([]detection.Detection{person(149, 100)}, at(6))

	require.Len(t, findings, 1)
	assert.Equal(t, 6, findings[0].Idle.IdleSeconds)
}

func TestMatchingIsGatedAt200Pixels(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)
	d.Update([]detection.Detection{person(100, 100)}, at(0))

	d.Update([]detection.Detection{person(300, 100)}, at(1))
	require.Len(t, d.Tracks(), 2, "a detection exactly 200px away must start a new track")

	d2 := NewIdleDetector(300*time.Second, 50)
	d2.Update([]detection.Detection{person(100, 100)}, at(0))
	d2.Update([]detection.Detection{person(299, 100)}, at(1))
	assert.Len(t, d2.Tracks(), 1)
}

func TestNearestTrackWinsAndMatchesOncePerCall(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)
	d.Update([]detection.Detection{person(100, 100), person(400, 100)}, at(0))
	require.Len(t, d.Tracks(), 2)

	// Both detections are closest to person_0; only one may take it.
	d.Update([]detection.Detection{person(110, 100), person(120, 100)}, at(1))

	tracks := d.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, Point{X: 110, Y: 100}, tracks[0].Positions[1])
	assert.Equal(t, "person_2", tracks[2].ID)
}

func TestNewTrackCannotBeMatchedInSameCall(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)

	d.Update([]detection.Detection{person(100, 100), person(105, 100)}, at(0))

	assert.Len(t, d.Tracks(), 2)
}

func TestStaleTracksAreEvicted(t *testing.T) {
	d := NewIdleDetector(300*time.Second, 50)
	d.Update([]detection.Detection{person(100, 100)}, at(0))
	d.Update([]detection.Detection{person(600, 300)}, at(20))

	d.Update(nil, at(30))
	require.Len(t, d.Tracks(), 2)

	d.Update(nil, at(31))
	tracks := d.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "person_1", tracks[0].ID)
}

func TestPositionHistoryIsCapped(t *testing.T) {
	d := NewIdleDetector(time.Hour, 50)
	for s := 0; s < 150; s++ {
		d.Update([]detection.Detection{person(100+float64(s%2), 100)}, at(s))
	}

	tracks := d.Tracks()
	require.Len(t, tracks, 1)
	assert.Len(t, tracks[0].Positions, MaxPositionHistory)
}

func TestNonPersonDetectionsAreIgnoredByIdle(t *testing.T) {
	d := NewIdleDetector(time.Second, 50)
	d.Update([]detection.Detection{object(41, "cup", 100)}, at(0))

	assert.Empty(t, d.Tracks())
}

func TestMessScoreAndThreshold(t *testing.T) {
	m := NewMessDetector(5, DefaultFloorFraction)

	cups := func(n int) []detection.Detection {
		var dets []detection.Detection
		for i := 0; i < n; i++ {
			dets = append(dets, object(41, "cup", 300))
		}
		return dets
	}

	f, p := m.Detect(cups(4), 720, t0)
	assert.Nil(t, f)
	assert.Equal(t, 4, p.Score)

	f, p = m.Detect(cups(5), 720, t0)
	require.NotNil(t, f)
	assert.Equal(t, 5, p.Score)
	assert.Equal(t, SeverityLow, f.Severity)
}

func TestMessScenarioWithFloorItems(t *testing.T) {
	m := NewMessDetector(5, DefaultFloorFraction)
	dets := []detection.Detection{
		object(24, "backpack", 300),
		object(26, "handbag", 300),
		object(28, "suitcase", 300),
		object(39, "bottle", 300),
		object(41, "cup", 300),
		object(73, "book", 300),
	}

	f, p := m.Detect(dets, 720, t0)
	require.NotNil(t, f)
	assert.Equal(t, 6, p.Score)
	assert.Equal(t, 6, f.Mess.ClutterCount)
	assert.Equal(t, 0, f.Mess.FloorItems)
	assert.Equal(t, SeverityMedium, f.Severity)
	assert.Len(t, f.Mess.Items, 5)
	assert.Equal(t, "backpack", f.Mess.Items[0].Type)

	dets = append(dets, object(56, "chair", 500), object(56, "chair", 650), object(62, "tv", 401))
	dets = append(dets, person(300, 600))

	f, p = m.Detect(dets, 720, t0)
	require.NotNil(t, f)
	assert.Equal(t, 12, p.Score)
	assert.Equal(t, 3, p.FloorItems)
	assert.Equal(t, SeverityHigh, f.Severity)
	assert.Equal(t, "general", f.Subject())
}

func TestFloorLineScalesWithFrameHeight(t *testing.T) {
	m := NewMessDetector(5, DefaultFloorFraction)

	assert.InDelta(t, 400.0, m.FloorLine(0), 1e-9)
	assert.InDelta(t, 400.0, m.FloorLine(720), 1e-9)
	assert.InDelta(t, 600.0, m.FloorLine(1080), 1e-9)

	item := []detection.Detection{object(56, "chair", 500)}
	_, p := m.Detect(item, 720, t0)
	assert.Equal(t, 1, p.FloorItems)
	_, p = m.Detect(item, 1080, t0)
	assert.Equal(t, 0, p.FloorItems)
}

func TestBaseline(t *testing.T) {
	a := New(DefaultConfig())
	_, ok := a.Baseline()
	assert.False(t, ok)

	a.SetBaseline([]detection.Detection{person(100, 100), object(41, "cup", 300)})

	s, ok := a.Baseline()
	require.True(t, ok)
	assert.Equal(t, 2, s.ObjectCount)
	assert.Equal(t, 1, s.PersonCount)
	assert.Len(t, s.ItemPositions, 2)
}

func TestAnalyzeRunsRequestedKinds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = 2 * time.Second
	a := New(cfg)
	frame := image.NewRGBA(image.Rect(0, 0, 1280, 720))

	var dets []detection.Detection
	dets = append(dets, person(640, 300))
	for i := 0; i < 6; i++ {
		dets = append(dets, object(39, "bottle", 200))
	}

	a.Analyze(dets, frame, nil, at(0))
	res := a.Analyze(dets, frame, []Kind{KindIdle}, at(3))

	assert.Equal(t, 7, res.TotalDetections)
	assert.Equal(t, 1, res.PersonCount)
	assert.True(t, res.HasIdle())
	assert.False(t, res.HasMess())
	require.Len(t, res.Findings, 1)

	res = a.Analyze(dets, frame, []Kind{KindMess}, at(4))
	assert.False(t, res.HasIdle())
	assert.True(t, res.HasMess())

	sum := a.Summary()
	assert.Equal(t, 1, sum.TrackedPersons)
	assert.Equal(t, 1, sum.IdlePersons)
	assert.Same(t, res, sum.LastAnalysis)
	assert.Len(t, a.IdleTracks(), 1)
}

func TestParseKinds(t *testing.T) {
	assert.Equal(t, DefaultKinds, ParseKinds(nil))
	assert.Equal(t, []Kind{KindMess}, ParseKinds([]string{"mess", "faces"}))
}

func TestSeverityRank(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, Severity("bogus").AtLeast(SeverityLow))
}
