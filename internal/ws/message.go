package ws

import (
	"time"

	"camwatch/internal/alerts"
	"camwatch/internal/analyzer"
	"camwatch/internal/pipeline"
)

const (
	TypeAlert    = "alert"
	TypeAnalysis = "analysis"
)

// AlertMessage is pushed for every processed alert.
type AlertMessage struct {
	Type      string        `json:"type"` // "alert"
	CameraID  string        `json:"camera_id"`
	Timestamp time.Time     `json:"timestamp"`
	Alert     alerts.Record `json:"alert"`
	// Snapshot is the base64 JPEG of the annotated frame, when one was captured.
	Snapshot string                `json:"snapshot,omitempty"`
	Idle     *analyzer.IdlePayload `json:"idle,omitempty"`
	Mess     *analyzer.MessPayload `json:"mess,omitempty"`
}

// AnalysisMessage summarizes one analyzed frame.
type AnalysisMessage struct {
	Type            string    `json:"type"` // "analysis"
	CameraID        string    `json:"camera_id"`
	Timestamp       time.Time `json:"timestamp"`
	TotalDetections int       `json:"total_detections"`
	PersonCount     int       `json:"person_count"`
	Alerts          int       `json:"alerts"`
	Suppressed      int       `json:"suppressed"`
	HasIdle         bool      `json:"has_idle"`
	HasMess         bool      `json:"has_mess"`
}

// NewAlertMessage builds the push message for a processed alert
func NewAlertMessage(a *alerts.Alert) *AlertMessage {
	msg := &AlertMessage{
		Type:      TypeAlert,
		CameraID:  a.CameraID,
		Timestamp: a.CreatedAt,
		Alert:     a.Record,
	}
	if f := a.Finding; f != nil {
		msg.Snapshot = f.SnapshotBase64
		msg.Idle = f.Idle
		msg.Mess = f.Mess
	}
	return msg
}

// NewAnalysisMessage builds the push message for an analysis result
func NewAnalysisMessage(r *pipeline.Result) *AnalysisMessage {
	return &AnalysisMessage{
		Type:            TypeAnalysis,
		CameraID:        r.CameraID,
		Timestamp:       r.Timestamp,
		TotalDetections: r.TotalDetections,
		PersonCount:     r.PersonCount,
		Alerts:          len(r.Findings),
		Suppressed:      r.Suppressed,
		HasIdle:         r.HasIdle,
		HasMess:         r.HasMess,
	}
}
