// Package camera owns the camera registry, stream connections and the
// per-camera capture loops that keep the latest frame buffered.
package camera

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"camwatch/internal/database"
)

var (
	ErrCameraNotFound = errors.New("camera not found")
	ErrCameraExists   = errors.New("camera already exists")
)

// DefaultDetectionTypes are enabled for cameras registered without any.
var DefaultDetectionTypes = []string{"idle", "mess"}

// Camera is a registered video source.
type Camera struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	StreamURL      string    `json:"stream_url"`
	Location       string    `json:"location"`
	DetectionTypes []string  `json:"detection_types"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status is a point-in-time view of a camera's connection.
type Status struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Location       string    `json:"location"`
	Active         bool      `json:"is_active"`
	Connected      bool      `json:"is_connected"`
	FPS            float64   `json:"fps"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	ErrorCount     int       `json:"error_count"`
	DetectionTypes []string  `json:"detection_types"`
}

// Config tunes capture behaviour.
type Config struct {
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// entry is the runtime state of one camera.
type entry struct {
	cam Camera

	mu        sync.Mutex
	stream    Stream
	connected bool
	errors    int
	fps       float64
	lastFrame time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func (e *entry) currentStream() Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

func (e *entry) capturing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

func (e *entry) disconnect() {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.connected = false
	e.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			log.Debug().Str("camera_id", e.cam.ID).Err(err).Msg("stream close failed")
		}
	}
}

// Manager manages registered cameras and their capture loops.
type Manager struct {
	opener Opener
	db     *database.Database
	cfg    Config
	now    func() time.Time

	mu      sync.RWMutex
	cameras map[string]*entry

	bufMu  sync.RWMutex
	frames map[string]*Frame

	wg sync.WaitGroup
}

// NewManager creates a manager. db may be nil; when set, previously
// registered cameras are loaded from it.
func NewManager(opener Opener, db *database.Database, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		opener:  opener,
		db:      db,
		cfg:     cfg,
		now:     time.Now,
		cameras: make(map[string]*entry),
		frames:  make(map[string]*Frame),
	}

	if db != nil {
		if err := m.loadFromDB(); err != nil {
			log.Warn().Err(err).Msg("failed to load cameras from database")
		}
	}
	return m
}

func (m *Manager) loadFromDB() error {
	records, err := m.db.ListCameras()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.cameras[r.ID] = &entry{cam: Camera{
			ID:             r.ID,
			Name:           r.Name,
			StreamURL:      r.StreamURL,
			Location:       r.Location,
			DetectionTypes: detectionTypesOrDefault(r.DetectionTypes),
			CreatedAt:      r.CreatedAt,
		}}
	}
	log.Info().Int("count", len(records)).Msg("loaded cameras from database")
	return nil
}

func detectionTypesOrDefault(types []string) []string {
	if len(types) == 0 {
		return append([]string(nil), DefaultDetectionTypes...)
	}
	return append([]string(nil), types...)
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cameras[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return e, nil
}

// AddCamera registers a camera. An empty id is replaced by a uuid.
func (m *Manager) AddCamera(id, name, streamURL, location string, detectionTypes []string) (*Camera, error) {
	if streamURL == "" {
		return nil, errors.New("stream url is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	cam := Camera{
		ID:             id,
		Name:           name,
		StreamURL:      streamURL,
		Location:       location,
		DetectionTypes: detectionTypesOrDefault(detectionTypes),
		CreatedAt:      m.now(),
	}

	m.mu.Lock()
	if _, exists := m.cameras[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCameraExists, id)
	}
	m.cameras[id] = &entry{cam: cam}
	m.mu.Unlock()

	if m.db != nil {
		err := m.db.SaveCamera(&database.CameraRecord{
			ID:             cam.ID,
			Name:           cam.Name,
			StreamURL:      cam.StreamURL,
			Location:       cam.Location,
			DetectionTypes: cam.DetectionTypes,
			CreatedAt:      cam.CreatedAt,
		})
		if err != nil {
			log.Warn().Str("camera_id", id).Err(err).Msg("failed to persist camera")
		}
	}

	log.Info().Str("camera_id", id).Str("name", name).Str("location", location).Msg("camera added")
	out := cam
	return &out, nil
}

// RemoveCamera stops any capture, releases the stream and unregisters the camera.
func (m *Manager) RemoveCamera(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	if err := m.StopCapture(id); err != nil {
		return err
	}
	m.Disconnect(id)

	m.mu.Lock()
	delete(m.cameras, id)
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.DeleteCamera(id); err != nil {
			log.Warn().Str("camera_id", id).Err(err).Msg("failed to delete camera from database")
		}
	}

	log.Info().Str("camera_id", id).Msg("camera removed")
	return nil
}

// GetCamera returns a copy of the camera's registration.
func (m *Manager) GetCamera(id string) (*Camera, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cam := e.cam
	cam.DetectionTypes = append([]string(nil), e.cam.DetectionTypes...)
	return &cam, nil
}

// ListCameras returns all cameras ordered by registration time.
func (m *Manager) ListCameras() []*Camera {
	m.mu.RLock()
	out := make([]*Camera, 0, len(m.cameras))
	for _, e := range m.cameras {
		cam := e.cam
		out = append(out, &cam)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Connect opens the camera's stream. It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.connect(ctx, e)
}

func (m *Manager) connect(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.connected && e.stream != nil {
		e.mu.Unlock()
		return nil
	}
	streamURL := e.cam.StreamURL
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	// Open may block up to ConnectTimeout; e.mu is not held across it.
	s, err := m.opener.Open(ctx, streamURL)

	e.mu.Lock()
	if err != nil {
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("connect camera %s: %w", e.cam.ID, err)
	}
	if e.connected && e.stream != nil {
		// Another caller connected while this one was opening.
		e.mu.Unlock()
		if cerr := s.Close(); cerr != nil {
			log.Debug().Str("camera_id", e.cam.ID).Err(cerr).Msg("stream close failed")
		}
		return nil
	}
	e.stream = s
	e.connected = true
	e.errors = 0
	e.mu.Unlock()

	log.Info().Str("camera_id", e.cam.ID).Msg("camera connected")
	return nil
}

// Disconnect releases the camera's stream.
func (m *Manager) Disconnect(id string) {
	e, err := m.lookup(id)
	if err != nil {
		return
	}
	e.disconnect()
}

// read pulls one frame with the configured timeout. A panicking stream is
// reported as an error.
func (m *Manager) read(ctx context.Context, s Stream) (res imageResult) {
	defer func() {
		if r := recover(); r != nil {
			res = imageResult{err: fmt.Errorf("stream panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()

	frame, err := s.Read(ctx)
	if err == nil && frame == nil {
		err = errors.New("stream returned no frame")
	}
	return imageResult{img: frame, err: err}
}

// GetFrame returns the buffered frame while a capture loop runs, otherwise
// a one-shot read from the connected stream.
func (m *Manager) GetFrame(ctx context.Context, id string) (*Frame, bool) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, false
	}

	if e.capturing() {
		m.bufMu.RLock()
		f := m.frames[id]
		m.bufMu.RUnlock()
		return f, f != nil
	}

	s := e.currentStream()
	if s == nil {
		return nil, false
	}
	res := m.read(ctx, s)
	if res.err != nil {
		log.Debug().Str("camera_id", id).Err(res.err).Msg("one-shot frame read failed")
		return nil, false
	}

	now := m.now()
	e.mu.Lock()
	e.lastFrame = now
	e.mu.Unlock()
	return &Frame{CameraID: id, Timestamp: now, Image: res.img}, true
}

// StartCapture connects if needed and starts the camera's capture loop.
// onFrame, if non-nil, runs on the loop goroutine for every frame. Starting
// an already running capture is a no-op.
func (m *Manager) StartCapture(ctx context.Context, id string, onFrame func(*Frame)) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.capturing() {
		return nil
	}
	if err := m.connect(ctx, e); err != nil {
		return err
	}

	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	m.wg.Add(1)
	go m.captureLoop(loopCtx, e, onFrame, done)

	log.Info().Str("camera_id", id).Msg("capture started")
	return nil
}

func (m *Manager) captureLoop(ctx context.Context, e *entry, onFrame func(*Frame), done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	id := e.cam.ID
	var seq uint64
	frames := 0
	windowStart := m.now()

	backoff := func() bool {
		t := time.NewTimer(m.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		s := e.currentStream()
		if s == nil {
			if err := m.connect(ctx, e); err != nil {
				log.Warn().Str("camera_id", id).Err(err).Msg("reconnect failed")
				if !backoff() {
					return
				}
			}
			continue
		}

		res := m.read(ctx, s)
		if res.err != nil {
			if ctx.Err() != nil {
				return
			}
			e.mu.Lock()
			e.errors++
			e.mu.Unlock()
			log.Warn().Str("camera_id", id).Err(res.err).Msg("frame read failed, reconnecting")
			e.disconnect()
			if !backoff() {
				return
			}
			continue
		}

		now := m.now()
		seq++
		f := &Frame{CameraID: id, Seq: seq, Timestamp: now, Image: res.img}

		m.bufMu.Lock()
		m.frames[id] = f
		m.bufMu.Unlock()

		frames++
		e.mu.Lock()
		e.lastFrame = now
		if elapsed := now.Sub(windowStart); elapsed >= time.Second {
			e.fps = float64(frames) / elapsed.Seconds()
			frames = 0
			windowStart = now
		}
		e.mu.Unlock()

		if onFrame != nil {
			m.deliver(id, f, onFrame)
		}
	}
}

func (m *Manager) deliver(id string, f *Frame, onFrame func(*Frame)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("camera_id", id).Interface("panic", r).Msg("frame callback panicked")
		}
	}()
	onFrame(f)
}

// StopCapture stops the capture loop, waits for it to exit, then clears the
// buffered frame and disconnects.
func (m *Manager) StopCapture(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	e.mu.Lock()
	if e.done == done {
		e.cancel, e.done = nil, nil
	}
	e.fps = 0
	e.mu.Unlock()

	m.bufMu.Lock()
	delete(m.frames, id)
	m.bufMu.Unlock()

	e.disconnect()
	log.Info().Str("camera_id", id).Msg("capture stopped")
	return nil
}

// StopAll stops every capture loop and releases every stream.
func (m *Manager) StopAll() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.cameras))
	for _, e := range m.cameras {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
	}
	m.wg.Wait()

	for _, e := range entries {
		e.mu.Lock()
		e.cancel, e.done = nil, nil
		e.fps = 0
		e.mu.Unlock()
		e.disconnect()
	}

	m.bufMu.Lock()
	clear(m.frames)
	m.bufMu.Unlock()
}

// GetSnapshotBase64 returns the current frame as a base64 JPEG. quality is
// clamped to 1..100.
func (m *Manager) GetSnapshotBase64(ctx context.Context, id string, quality int) (string, bool) {
	f, ok := m.GetFrame(ctx, id)
	if !ok {
		return "", false
	}
	data, err := encodeJPEG(f.Image, quality)
	if err != nil {
		log.Warn().Str("camera_id", id).Err(err).Msg("snapshot encode failed")
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// GetStatus reports the camera's connection state.
func (m *Manager) GetStatus(id string) (Status, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:             e.cam.ID,
		Name:           e.cam.Name,
		Location:       e.cam.Location,
		Active:         e.done != nil,
		Connected:      e.connected,
		FPS:            math.Round(e.fps*10) / 10,
		LastFrameTime:  e.lastFrame,
		ErrorCount:     e.errors,
		DetectionTypes: append([]string(nil), e.cam.DetectionTypes...),
	}, nil
}

type imageResult struct {
	img image.Image
	err error
}
