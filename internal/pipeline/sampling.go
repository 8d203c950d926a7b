package pipeline

import (
	"time"

	"camwatch/internal/camera"
)

// Sampler decides which pulled frames a continuous loop analyzes. Each loop
// owns its sampler, so implementations need no locking.
type Sampler interface {
	Name() string
	ShouldAnalyze(frame *camera.Frame) bool
}

const (
	SamplingEveryNth = "every_nth"
	SamplingInterval = "interval"
)

// NewSampler builds a sampler by mode name. Unknown modes fall back to
// every-Nth.
func NewSampler(mode string, n int, interval time.Duration) Sampler {
	if mode == SamplingInterval {
		return NewIntervalSampler(interval)
	}
	return NewEveryNthSampler(n)
}

// EveryNthSampler analyzes one of every N frames.
type EveryNthSampler struct {
	n     int
	count int
}

func NewEveryNthSampler(n int) *EveryNthSampler {
	if n <= 0 {
		n = 5
	}
	return &EveryNthSampler{n: n}
}

func (s *EveryNthSampler) Name() string { return SamplingEveryNth }

func (s *EveryNthSampler) ShouldAnalyze(*camera.Frame) bool {
	s.count++
	return s.count%s.n == 0
}

// IntervalSampler analyzes frames at most once per interval of capture time.
type IntervalSampler struct {
	interval time.Duration
	last     time.Time
}

func NewIntervalSampler(interval time.Duration) *IntervalSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &IntervalSampler{interval: interval}
}

func (s *IntervalSampler) Name() string { return SamplingInterval }

func (s *IntervalSampler) ShouldAnalyze(frame *camera.Frame) bool {
	if !s.last.IsZero() && frame.Timestamp.Sub(s.last) < s.interval {
		return false
	}
	s.last = frame.Timestamp
	return true
}
