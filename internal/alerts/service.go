// Package alerts records findings, creates backend tasks for them and fans
// them out to registered handlers, off the analysis path.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"camwatch/internal/analyzer"
	"camwatch/internal/backend"
	"camwatch/internal/database"
	"camwatch/internal/history"
)

// KindAny is the dispatch entry used when a kind has no handlers of its own.
const KindAny analyzer.Kind = "*"

// ErrQueueFull is reported when QueueAlert drops an alert.
var ErrQueueFull = errors.New("alert queue full")

// TaskCreator is the backend surface the service drives.
type TaskCreator interface {
	CreateCleaningTask(ctx context.Context, cameraID, location string, f *analyzer.Finding, priority backend.Priority) (*backend.Task, error)
	CreateIdleWarning(ctx context.Context, cameraID string, f *analyzer.Finding, priority backend.Priority) (*backend.Task, error)
	CreateOrganizationTask(ctx context.Context, cameraID, location string, f *analyzer.Finding) (*backend.Task, error)
	SendNotification(ctx context.Context, n backend.Notification) error
}

// Config tunes the service.
type Config struct {
	QueueSize      int
	HistorySize    int
	HandlerTimeout time.Duration
	TaskTimeout    time.Duration
	// ManagerUserID receives notifications for severities that call for one.
	ManagerUserID string
	// Location resolves a camera's location code for task titles.
	Location func(cameraID string) string
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 500
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = func(string) string { return "" }
	}
}

type namedHandler struct {
	name string
	h    Handler
}

type queued struct {
	cameraID string
	finding  *analyzer.Finding
}

// Service processes alerts synchronously via ProcessAlert or asynchronously
// through its queue.
type Service struct {
	cfg   Config
	tasks TaskCreator
	db    *database.Database
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[analyzer.Kind][]namedHandler
	all      []namedHandler

	history *history.Ring[Record]
	queue   chan queued

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

// NewService creates an alert service. tasks and db may be nil. When db is
// set, recent archived alerts seed the in-memory history.
func NewService(cfg Config, tasks TaskCreator, db *database.Database) *Service {
	cfg.setDefaults()
	s := &Service{
		cfg:      cfg,
		tasks:    tasks,
		db:       db,
		now:      time.Now,
		handlers: make(map[analyzer.Kind][]namedHandler),
		history:  history.NewRing[Record](cfg.HistorySize),
		queue:    make(chan queued, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	if db != nil {
		s.warmStart()
	}
	return s
}

func (s *Service) warmStart() {
	recs, err := s.db.ListAlerts(database.AlertQuery{Limit: s.cfg.HistorySize})
	if err != nil {
		log.Warn().Err(err).Msg("failed to load archived alerts")
		return
	}
	// Newest first from the archive; the ring wants oldest first.
	for _, r := range slices.Backward(recs) {
		s.history.Append(Record{
			ID:          r.ID,
			CameraID:    r.CameraID,
			Kind:        analyzer.Kind(r.Type),
			Severity:    analyzer.Severity(r.Severity),
			Message:     r.Message,
			CreatedAt:   r.CreatedAt,
			TaskCreated: r.TaskCreated,
			TaskID:      r.TaskID,
			Snapshot:    r.Snapshot,
		})
	}
	log.Info().Int("count", len(recs)).Msg("alert history restored")
}

// On registers h for findings of kind. Registering under KindAny makes h a
// fallback for kinds without handlers.
func (s *Service) On(kind analyzer.Kind, name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], namedHandler{name: name, h: h})
}

// OnAll registers h for every alert regardless of kind.
func (s *Service) OnAll(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, namedHandler{name: name, h: h})
}

func (s *Service) route(kind analyzer.Kind) []namedHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := s.handlers[kind]
	if len(hs) == 0 {
		hs = s.handlers[KindAny]
	}
	out := make([]namedHandler, 0, len(hs)+len(s.all))
	out = append(out, hs...)
	return append(out, s.all...)
}

// ProcessAlert records the finding, creates a task when asked to, runs the
// handlers and notifies the manager when the severity policy says so.
func (s *Service) ProcessAlert(ctx context.Context, cameraID string, f *analyzer.Finding) Record {
	policy := PolicyFor(f.Severity)

	rec := Record{
		ID:        uuid.NewString(),
		CameraID:  cameraID,
		Kind:      f.Kind,
		Severity:  f.Severity,
		Message:   f.Message,
		CreatedAt: s.now(),
		Snapshot:  f.SnapshotPath,
	}

	if f.ShouldCreateTask && s.tasks != nil {
		task, err := s.createTask(ctx, cameraID, f, policy)
		if err != nil {
			log.Error().Str("camera_id", cameraID).Str("kind", string(f.Kind)).Err(err).Msg("task creation failed")
		} else if task != nil {
			rec.TaskCreated = true
			rec.TaskID = task.ID
		}
	}

	s.history.Append(rec)
	if s.db != nil {
		err := s.db.SaveAlert(&database.AlertRecord{
			ID:          rec.ID,
			CameraID:    rec.CameraID,
			Type:        string(rec.Kind),
			Severity:    string(rec.Severity),
			Message:     rec.Message,
			TaskCreated: rec.TaskCreated,
			TaskID:      rec.TaskID,
			Snapshot:    rec.Snapshot,
			CreatedAt:   rec.CreatedAt,
		})
		if err != nil {
			log.Warn().Str("camera_id", cameraID).Err(err).Msg("failed to archive alert")
		}
	}

	alert := &Alert{Record: rec, Finding: f}
	for _, nh := range s.route(f.Kind) {
		s.runHandler(ctx, nh, alert)
	}

	if policy.NotifyManager && s.tasks != nil {
		s.notifyManager(ctx, rec)
	}

	log.Info().
		Str("camera_id", cameraID).
		Str("kind", string(rec.Kind)).
		Str("severity", string(rec.Severity)).
		Bool("task_created", rec.TaskCreated).
		Msg("alert processed")
	return rec
}

func (s *Service) createTask(ctx context.Context, cameraID string, f *analyzer.Finding, p Policy) (*backend.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	location := s.cfg.Location(cameraID)
	switch f.Kind {
	case analyzer.KindMess:
		return s.tasks.CreateCleaningTask(ctx, cameraID, location, f, p.Priority)
	case analyzer.KindIdle:
		return s.tasks.CreateIdleWarning(ctx, cameraID, f, p.Priority)
	case analyzer.KindProducts:
		return s.tasks.CreateOrganizationTask(ctx, cameraID, location, f)
	default:
		return nil, fmt.Errorf("no task type for finding kind %q", f.Kind)
	}
}

func (s *Service) runHandler(ctx context.Context, nh namedHandler, a *Alert) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("handler", nh.name).Str("camera_id", a.CameraID).Interface("panic", r).Msg("alert handler panicked")
		}
	}()

	if err := nh.h.Handle(ctx, a); err != nil {
		log.Warn().Str("handler", nh.name).Str("camera_id", a.CameraID).Err(err).Msg("alert handler failed")
	}
}

func (s *Service) notifyManager(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	err := s.tasks.SendNotification(ctx, backend.Notification{
		UserID: s.cfg.ManagerUserID,
		Title:  fmt.Sprintf("%s alert (%s)", rec.Kind, rec.Severity),
		Body:   rec.Message,
		Data: map[string]any{
			"alert_id":  rec.ID,
			"camera_id": rec.CameraID,
			"task_id":   rec.TaskID,
			"snapshot":  rec.Snapshot,
		},
	})
	if err != nil {
		log.Warn().Str("camera_id", rec.CameraID).Err(err).Msg("manager notification failed")
	}
}

// QueueAlert enqueues a finding without blocking. It returns false when the
// queue is full or the service has stopped.
func (s *Service) QueueAlert(cameraID string, f *analyzer.Finding) bool {
	if s.stopped.Load() || f == nil {
		return false
	}
	select {
	case s.queue <- queued{cameraID: cameraID, finding: f}:
		return true
	default:
		log.Warn().Str("camera_id", cameraID).Err(ErrQueueFull).Msg("alert dropped")
		return false
	}
}

// Start launches the processing loop. Calling it again has no effect.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	log.Info().Msg("alert processor started")

	wait := time.NewTimer(time.Second)
	defer wait.Stop()

	for !s.stopped.Load() {
		wait.Reset(time.Second)
		select {
		case <-ctx.Done():
			s.stopped.Store(true)
		case q := <-s.queue:
			s.processQueued(ctx, q)
		case <-wait.C:
		}
	}
	log.Info().Msg("alert processor stopped")
}

// processQueued keeps the loop alive when a task creator or notifier panics.
func (s *Service) processQueued(ctx context.Context, q queued) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("camera_id", q.cameraID).Str("kind", string(q.finding.Kind)).Interface("panic", r).Msg("alert processing panicked")
		}
	}()
	s.ProcessAlert(ctx, q.cameraID, q.finding)
}

// Stop signals the loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopped.Store(true)
	if s.started.Load() {
		<-s.done
	}
}

// History returns up to Limit of the newest matching records, oldest first.
func (s *Service) History(f Filter) []Record {
	return s.history.Filter(f.match, f.Limit)
}

// Statistics aggregates the retained history.
func (s *Service) Statistics() Stats {
	st := Stats{
		ByKind:     make(map[analyzer.Kind]int),
		BySeverity: make(map[analyzer.Severity]int),
	}
	for _, r := range s.history.Snapshot() {
		st.Total++
		st.ByKind[r.Kind]++
		st.BySeverity[r.Severity]++
		if r.TaskCreated {
			st.TasksCreated++
		}
	}
	return st
}
