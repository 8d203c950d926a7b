//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

func gocvOpener() (Opener, bool) { return GocvOpener{}, true }

// GocvOpener captures through OpenCV's VideoCapture.
type GocvOpener struct{}

func (GocvOpener) Open(ctx context.Context, streamURL string) (Stream, error) {
	vc, err := gocv.OpenVideoCapture(streamURL)
	if err != nil {
		return nil, fmt.Errorf("open video capture %s: %w", streamURL, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture is not opened for %s", streamURL)
	}
	// Minimal buffer keeps reads close to live.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	log.Info().
		Str("url", streamURL).
		Float64("fps", vc.Get(gocv.VideoCaptureFPS)).
		Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)).
		Msg("video capture opened")

	return &gocvStream{vc: vc, mat: gocv.NewMat()}, nil
}

type gocvStream struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func (s *gocvStream) Read(ctx context.Context) (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)

	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			ch <- result{err: ErrStreamClosed}
			return
		}
		if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
			ch <- result{err: fmt.Errorf("empty frame from video capture")}
			return
		}
		img, err := s.mat.ToImage()
		ch <- result{img: img, err: err}
	}()

	select {
	case r := <-ch:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gocvStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.vc.Close()
}
