package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrStreamClosed is returned by Read after the stream ended or was closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream yields decoded frames from one video source.
type Stream interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener connects to a stream URL.
type Opener interface {
	Open(ctx context.Context, streamURL string) (Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, streamURL string) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context, streamURL string) (Stream, error) {
	return f(ctx, streamURL)
}

// BackendOpener returns the opener for a named capture backend: "ffmpeg"
// (the default) or "gocv" when built with the gocv tag.
func BackendOpener(backend string, fps int) (Opener, error) {
	switch backend {
	case "", "ffmpeg":
		return &DefaultOpener{FPS: fps}, nil
	case "gocv":
		if o, ok := gocvOpener(); ok {
			return o, nil
		}
		return nil, fmt.Errorf("capture backend %q not compiled in (build with -tags gocv)", backend)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", backend)
	}
}

// DefaultOpener picks a stream implementation from the URL:
//
//	test://pattern?w=640&h=480&fps=5   synthetic test pattern
//	http(s)://.../snapshot.jpg         polled still images
//	rtsp://, http(s)://, /dev/videoN   ffmpeg MJPEG pipe
type DefaultOpener struct {
	FPS        int
	HTTPClient *http.Client
}

func (o *DefaultOpener) fps() int {
	if o.FPS <= 0 {
		return 5
	}
	return o.FPS
}

func (o *DefaultOpener) Open(ctx context.Context, streamURL string) (Stream, error) {
	switch {
	case streamURL == "":
		return nil, errors.New("empty stream url")
	case strings.HasPrefix(streamURL, "test://"):
		return newPatternStream(streamURL, o.fps())
	case isHTTPImageEndpoint(streamURL):
		client := o.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		s := &httpSnapshotStream{url: streamURL, client: client, interval: frameInterval(o.fps())}
		// Fetch once so an unreachable endpoint fails the connect.
		if _, err := s.fetch(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return startFFmpeg(streamURL, o.fps())
	}
}

func isHTTPImageEndpoint(u string) bool {
	return (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) &&
		(strings.Contains(u, ".jpg") || strings.Contains(u, ".jpeg") || strings.Contains(u, "image"))
}

func frameInterval(fps int) time.Duration {
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// wait sleeps until last+interval or ctx ends.
func wait(ctx context.Context, last time.Time, interval time.Duration) error {
	d := time.Until(last.Add(interval))
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type httpSnapshotStream struct {
	url      string
	client   *http.Client
	interval time.Duration

	mu     sync.Mutex
	last   time.Time
	closed bool
}

func (s *httpSnapshotStream) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	closed, last := s.closed, s.last
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	if err := wait(ctx, last, s.interval); err != nil {
		return nil, err
	}
	return s.fetch(ctx)
}

func (s *httpSnapshotStream) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
	return img, nil
}

func (s *httpSnapshotStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type patternStream struct {
	width, height int
	interval      time.Duration

	mu     sync.Mutex
	last   time.Time
	closed bool
}

func newPatternStream(streamURL string, fps int) (*patternStream, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("parse test stream url: %w", err)
	}
	q := u.Query()
	intParam := func(key string, def int) int {
		if v, err := strconv.Atoi(q.Get(key)); err == nil && v > 0 {
			return v
		}
		return def
	}
	return &patternStream{
		width:    intParam("w", 1280),
		height:   intParam("h", 720),
		interval: frameInterval(intParam("fps", fps)),
	}, nil
}

func (s *patternStream) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	closed, last := s.closed, s.last
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	if err := wait(ctx, last, s.interval); err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.last = now
	s.mu.Unlock()
	return Pattern(s.width, s.height, now), nil
}

func (s *patternStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ffmpegStream decodes the MJPEG image2pipe output of an ffmpeg child
// process. Only the newest undelivered frame is kept.
type ffmpegStream struct {
	source string
	cmd    *exec.Cmd
	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func ffmpegArgs(source string, fps int) []string {
	rate := strconv.Itoa(fps)
	switch {
	case strings.HasPrefix(source, "rtsp://"):
		return []string{"-rtsp_transport", "tcp", "-i", source,
			"-f", "image2pipe", "-vcodec", "mjpeg", "-r", rate, "-q:v", "5", "-"}
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return []string{"-i", source,
			"-f", "image2pipe", "-vcodec", "mjpeg", "-r", rate, "-q:v", "5", "-"}
	default:
		// V4L2 device (USB camera)
		return []string{"-f", "v4l2", "-framerate", rate, "-i", source,
			"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}
	}
}

func startFFmpeg(source string, fps int) (*ffmpegStream, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	cmd := exec.Command(bin, ffmpegArgs(source, fps)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &ffmpegStream{
		source: source,
		cmd:    cmd,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Trace().Str("source", source).Msg(sc.Text())
		}
	}()
	go s.pump(stdout)

	return s, nil
}

func (s *ffmpegStream) pump(stdout io.Reader) {
	defer close(s.done)

	buf := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buf)
				if frame == nil {
					break
				}
				s.offer(frame)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = ErrStreamClosed
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// offer replaces any pending frame with the newer one.
func (s *ffmpegStream) offer(frame []byte) {
	select {
	case <-s.frames:
	default:
	}
	s.frames <- frame
}

func (s *ffmpegStream) Read(ctx context.Context) (image.Image, error) {
	select {
	case data := <-s.frames:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return img, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ffmpegStream) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.done
	s.cmd.Wait()
	return nil
}

// extractJPEGFrame removes and returns the first complete JPEG (FFD8..FFD9)
// in buffer, or nil when none is complete yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	if len(b) < 4 {
		return nil
	}

	start := bytes.Index(b, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF in case the marker straddles reads.
		if b[len(b)-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	end := bytes.Index(b[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}
