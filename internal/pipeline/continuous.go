package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// StartContinuousAnalysis launches the analysis loop for cameraID. Findings
// that should become tasks get a snapshot and are passed to onAlert. A
// camera that already has a loop is left alone.
func (o *Orchestrator) StartContinuousAnalysis(cameraID string, onAlert AlertFunc) error {
	if cameraID == "" {
		return ErrInvalidFrame
	}
	if o.frames == nil {
		return errors.New("continuous analysis needs a frame source")
	}

	o.loopsMu.Lock()
	defer o.loopsMu.Unlock()
	if _, running := o.loops[cameraID]; running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	o.loops[cameraID] = l

	sampler := NewSampler(o.cfg.Sampling, o.cfg.FrameSkip, o.cfg.SampleInterval)
	go o.run(ctx, l, cameraID, sampler, onAlert)

	log.Info().Str("camera_id", cameraID).Str("sampler", sampler.Name()).Msg("continuous analysis started")
	return nil
}

func (o *Orchestrator) run(ctx context.Context, l *loop, cameraID string, sampler Sampler, onAlert AlertFunc) {
	defer close(l.done)

	var lastSeq uint64
	pause := time.NewTimer(0)
	defer pause.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("camera_id", cameraID).Msg("continuous analysis stopped")
			return
		case <-pause.C:
		}
		pause.Reset(o.step(ctx, cameraID, sampler, &lastSeq, onAlert))
	}
}

// step runs one loop iteration and returns how long to pause afterwards.
func (o *Orchestrator) step(ctx context.Context, cameraID string, sampler Sampler, lastSeq *uint64, onAlert AlertFunc) (pause time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("camera_id", cameraID).Interface("panic", r).Msg("analysis loop panicked")
			pause = o.cfg.ErrorSleep
		}
	}()

	frame, ok := o.frames.GetFrame(ctx, cameraID)
	if !ok || frame == nil || frame.Image == nil {
		return o.cfg.IdleSleep
	}
	if frame.Seq != 0 && frame.Seq == *lastSeq {
		return o.cfg.LoopSleep
	}
	*lastSeq = frame.Seq

	if !sampler.ShouldAnalyze(frame) {
		return o.cfg.LoopSleep
	}

	res, err := o.AnalyzeFrame(ctx, cameraID, frame.Image, nil)
	if err != nil {
		log.Warn().Str("camera_id", cameraID).Err(err).Msg("frame analysis failed")
		return o.cfg.ErrorSleep
	}

	for _, f := range res.Findings {
		if !f.ShouldCreateTask {
			continue
		}
		if o.snapshots != nil {
			if err := o.snapshots.Capture(ctx, cameraID, frame.Image, f); err != nil {
				log.Warn().Str("camera_id", cameraID).Str("kind", string(f.Kind)).Err(err).Msg("snapshot capture failed")
			}
		}
		if onAlert != nil {
			onAlert(cameraID, f)
		}
	}
	return o.cfg.LoopSleep
}

// StopContinuousAnalysis cancels the camera's loop and waits for it.
func (o *Orchestrator) StopContinuousAnalysis(cameraID string) {
	o.loopsMu.Lock()
	l, ok := o.loops[cameraID]
	delete(o.loops, cameraID)
	o.loopsMu.Unlock()

	if ok {
		l.cancel()
		<-l.done
	}
}

// StopAll stops every loop and waits for all of them.
func (o *Orchestrator) StopAll() {
	o.loopsMu.Lock()
	loops := o.loops
	o.loops = make(map[string]*loop)
	o.loopsMu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
}

// Running reports the cameras with an active loop.
func (o *Orchestrator) Running() []string {
	o.loopsMu.Lock()
	defer o.loopsMu.Unlock()
	ids := make([]string, 0, len(o.loops))
	for id := range o.loops {
		ids = append(ids, id)
	}
	return ids
}
