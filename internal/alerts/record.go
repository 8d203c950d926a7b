package alerts

import (
	"context"
	"time"

	"camwatch/internal/analyzer"
)

// Record is the immutable history entry of one processed alert.
type Record struct {
	ID          string            `json:"id"`
	CameraID    string            `json:"camera_id"`
	Kind        analyzer.Kind     `json:"type"`
	Severity    analyzer.Severity `json:"severity"`
	Message     string            `json:"message"`
	CreatedAt   time.Time         `json:"created_at"`
	TaskCreated bool              `json:"task_created"`
	TaskID      string            `json:"task_id,omitempty"`
	Snapshot    string            `json:"snapshot,omitempty"`
}

// Alert is what handlers receive: the record plus the finding behind it.
// Handlers must not modify the finding.
type Alert struct {
	Record
	Finding *analyzer.Finding `json:"finding"`
}

// Handler reacts to processed alerts.
type Handler interface {
	Handle(ctx context.Context, a *Alert) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a *Alert) error

func (f HandlerFunc) Handle(ctx context.Context, a *Alert) error { return f(ctx, a) }

// Filter narrows History. Zero values match everything.
type Filter struct {
	CameraID string
	Kind     analyzer.Kind
	Limit    int
}

func (f Filter) match(r Record) bool {
	return (f.CameraID == "" || r.CameraID == f.CameraID) &&
		(f.Kind == "" || r.Kind == f.Kind)
}

// Stats aggregates the retained history.
type Stats struct {
	Total        int                       `json:"total_alerts"`
	ByKind       map[analyzer.Kind]int     `json:"by_type"`
	BySeverity   map[analyzer.Severity]int `json:"by_severity"`
	TasksCreated int                       `json:"tasks_created"`
}
