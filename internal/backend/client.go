// Package backend talks to the task and notification API that turns
// camera alerts into work items.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"camwatch/internal/auth"
)

// ErrUnexpectedStatus is wrapped when the backend answers outside 2xx.
var ErrUnexpectedStatus = errors.New("unexpected backend status")

// Config configures the backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Zones maps location codes to display names used in task titles.
	Zones map[string]string
}

// Client calls the task and notification endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	zones   map[string]string
	now     func() time.Time
}

// NewClient creates a backend client. tokens supplies the bearer token for
// every request.
func NewClient(cfg Config, tokens auth.TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		zones:   cfg.Zones,
		now:     time.Now,
	}
}

// TaskRequest is the body of POST /tasks.
type TaskRequest struct {
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Priority        Priority       `json:"priority"`
	Category        string         `json:"category"`
	DepartmentID    string         `json:"department_id"`
	DueDate         time.Time      `json:"due_date"`
	Source          string         `json:"source"`
	SourceReference map[string]any `json:"source_reference"`
}

// Task is the created task as returned in the response's data object.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Notification is the body of POST /notifications.
type Notification struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

// CreateTask posts a task and returns the created record. A 2xx response
// without a data object still counts as created; the returned Task then has
// an empty ID.
func (c *Client) CreateTask(ctx context.Context, t TaskRequest) (*Task, error) {
	var env struct {
		Data *Task `json:"data"`
	}
	if err := c.post(ctx, "/tasks", t, &env); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if env.Data == nil {
		log.Warn().Str("category", t.Category).Msg("task created but response carried no task data")
		return &Task{}, nil
	}

	log.Info().Str("task_id", env.Data.ID).Str("category", t.Category).Msg("task created")
	return env.Data, nil
}

// SendNotification posts a notification. An empty type defaults to "alert".
func (c *Client) SendNotification(ctx context.Context, n Notification) error {
	if n.Type == "" {
		n.Type = "alert"
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	if err := c.post(ctx, "/notifications", n, nil); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", "camera-ai")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ZoneName returns the display name for a location code, or fallback when
// the code is empty.
func (c *Client) ZoneName(location, fallback string) string {
	if name, ok := c.zones[location]; ok {
		return name
	}
	if location == "" {
		return fallback
	}
	return location
}
