package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// CameraRecord represents a registered camera
type CameraRecord struct {
	ID             string
	Name           string
	StreamURL      string
	Location       string
	DetectionTypes []string
	CreatedAt      time.Time
}

// AlertRecord represents an archived alert
type AlertRecord struct {
	ID          string
	CameraID    string
	Type        string
	Severity    string
	Message     string
	TaskCreated bool
	TaskID      string
	Snapshot    string
	CreatedAt   time.Time
}

// AlertQuery narrows ListAlerts. Zero values match everything.
type AlertQuery struct {
	CameraID string
	Type     string
	Since    *time.Time
	Limit    int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the alert loop write while status readers query.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			stream_url TEXT NOT NULL,
			location TEXT,
			detection_types TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			task_created INTEGER DEFAULT 0,
			task_id TEXT,
			snapshot TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_camera_time ON alerts(camera_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Debug().Int("migrations", len(migrations)).Msg("database migrations completed")
	return nil
}

// SaveCamera saves or updates a camera
func (d *Database) SaveCamera(cam *CameraRecord) error {
	types, err := json.Marshal(cam.DetectionTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal detection types: %w", err)
	}

	query := `INSERT INTO cameras (id, name, stream_url, location, detection_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			stream_url = excluded.stream_url,
			location = excluded.location,
			detection_types = excluded.detection_types`

	_, err = d.db.Exec(query, cam.ID, cam.Name, cam.StreamURL, cam.Location, string(types), cam.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// GetCamera retrieves a camera by ID. A missing camera is (nil, nil).
func (d *Database) GetCamera(id string) (*CameraRecord, error) {
	query := `SELECT id, name, stream_url, location, detection_types, created_at FROM cameras WHERE id = ?`

	cam, err := scanCamera(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return cam, nil
}

// ListCameras returns all cameras, oldest first
func (d *Database) ListCameras() ([]*CameraRecord, error) {
	query := `SELECT id, name, stream_url, location, detection_types, created_at FROM cameras ORDER BY created_at ASC`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// DeleteCamera deletes a camera by ID
func (d *Database) DeleteCamera(id string) error {
	_, err := d.db.Exec("DELETE FROM cameras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCamera(row scanner) (*CameraRecord, error) {
	var cam CameraRecord
	var location, types sql.NullString
	if err := row.Scan(&cam.ID, &cam.Name, &cam.StreamURL, &location, &types, &cam.CreatedAt); err != nil {
		return nil, err
	}
	cam.Location = location.String
	if types.String != "" {
		if err := json.Unmarshal([]byte(types.String), &cam.DetectionTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detection types: %w", err)
		}
	}
	return &cam, nil
}

// SaveAlert archives an alert record
func (d *Database) SaveAlert(a *AlertRecord) error {
	taskCreated := 0
	if a.TaskCreated {
		taskCreated = 1
	}

	query := `INSERT INTO alerts
		(id, camera_id, type, severity, message, task_created, task_id, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_created = excluded.task_created,
			task_id = excluded.task_id`

	_, err := d.db.Exec(query, a.ID, a.CameraID, a.Type, a.Severity, a.Message,
		taskCreated, a.TaskID, a.Snapshot, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns the newest alerts matching q, newest first
func (d *Database) ListAlerts(q AlertQuery) ([]*AlertRecord, error) {
	query := `SELECT id, camera_id, type, severity, message, task_created, task_id, snapshot, created_at
		FROM alerts WHERE 1=1`
	args := []interface{}{}

	if q.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, q.CameraID)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	if q.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC())
	}

	query += " ORDER BY created_at DESC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		var a AlertRecord
		var message, taskID, snapshot sql.NullString
		var taskCreated int

		if err := rows.Scan(&a.ID, &a.CameraID, &a.Type, &a.Severity, &message,
			&taskCreated, &taskID, &snapshot, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Message = message.String
		a.TaskID = taskID.String
		a.Snapshot = snapshot.String
		a.TaskCreated = taskCreated == 1
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// DeleteOldAlerts deletes alerts created before the given time
func (d *Database) DeleteOldAlerts(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM alerts WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return result.RowsAffected()
}
