// Package telegram sends alert notifications to a manager chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"camwatch/internal/alerts"
	"camwatch/internal/analyzer"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrDisabled is returned when sending through a disabled bot.
var ErrDisabled = errors.New("telegram bot is disabled")

// Config holds Telegram bot configuration
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
	// MinSeverity is the lowest severity forwarded by Handle. Defaults to high.
	MinSeverity analyzer.Severity
	// APIBase overrides the Bot API endpoint.
	APIBase string
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if config.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}
	return nil
}

// apiResponse represents the response from Telegram API
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot forwards alerts to one chat, at most once per camera per cooldown.
type Bot struct {
	botToken    string
	chatID      string
	apiBase     string
	enabled     bool
	minSeverity analyzer.Severity
	httpClient  *http.Client
	now         func() time.Time

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
}

// NewBot creates a new Telegram bot instance
func NewBot(config Config) *Bot {
	cooldownPeriod := time.Duration(config.CooldownSeconds) * time.Second
	if cooldownPeriod == 0 {
		cooldownPeriod = 60 * time.Second
	}
	apiBase := strings.TrimSuffix(config.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	minSeverity := config.MinSeverity
	if minSeverity.Rank() == 0 {
		minSeverity = analyzer.SeverityHigh
	}

	return &Bot{
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		apiBase:         apiBase,
		enabled:         config.Enabled,
		minSeverity:     minSeverity,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		now:             time.Now,
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
	}
}

// IsEnabled returns whether the bot is enabled
func (b *Bot) IsEnabled() bool {
	return b.enabled && b.botToken != "" && b.chatID != ""
}

// Handle forwards a qualifying alert with its annotated snapshot. Alerts
// below the minimum severity or inside the camera's cooldown are skipped.
func (b *Bot) Handle(ctx context.Context, a *alerts.Alert) error {
	if !b.IsEnabled() || !a.Severity.AtLeast(b.minSeverity) {
		return nil
	}
	if !b.reserve(a.CameraID) {
		log.Debug().Str("camera_id", a.CameraID).Msg("telegram alert in cooldown")
		return nil
	}

	caption := FormatAlert(a)

	var photo []byte
	if a.Finding != nil && a.Finding.SnapshotBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(a.Finding.SnapshotBase64)
		if err != nil {
			log.Warn().Str("camera_id", a.CameraID).Err(err).Msg("invalid snapshot, sending text only")
		} else {
			photo = data
		}
	}

	var err error
	if len(photo) > 0 {
		err = b.SendPhoto(ctx, photo, caption)
	} else {
		err = b.SendMessage(ctx, caption)
	}
	if err != nil {
		b.release(a.CameraID)
	}
	return err
}

// FormatAlert renders the HTML caption for an alert.
func FormatAlert(a *alerts.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>%s alert</b>\n\n", severityEmoji(a.Severity), html.EscapeString(strings.ToUpper(string(a.Kind))))
	fmt.Fprintf(&sb, "📹 Camera: %s\n", html.EscapeString(a.CameraID))
	fmt.Fprintf(&sb, "⚠️ Severity: %s\n", a.Severity)
	if a.Message != "" {
		fmt.Fprintf(&sb, "📝 %s\n", html.EscapeString(a.Message))
	}
	if a.TaskCreated {
		fmt.Fprintf(&sb, "📋 Task: %s\n", html.EscapeString(a.TaskID))
	}
	zone, _ := a.CreatedAt.Zone()
	fmt.Fprintf(&sb, "🕐 Time: %s %s", a.CreatedAt.Format("2 Jan 2006, 15:04:05"), zone)
	return sb.String()
}

func severityEmoji(s analyzer.Severity) string {
	switch s {
	case analyzer.SeverityCritical:
		return "🔴"
	case analyzer.SeverityHigh:
		return "🟠"
	case analyzer.SeverityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

// reserve stamps the camera's cooldown if it has elapsed.
func (b *Bot) reserve(cameraID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last, ok := b.cooldownTracker[cameraID]; ok && now.Sub(last) < b.cooldownPeriod {
		return false
	}
	b.cooldownTracker[cameraID] = now
	for id, t := range b.cooldownTracker {
		if now.Sub(t) > b.cooldownPeriod*2 {
			delete(b.cooldownTracker, id)
		}
	}
	return true
}

func (b *Bot) release(cameraID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cooldownTracker, cameraID)
}

// SendMessage sends a text message
func (b *Bot) SendMessage(ctx context.Context, message string) error {
	if !b.IsEnabled() {
		return ErrDisabled
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id":    b.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b.post(ctx, "sendMessage", "application/json", bytes.NewReader(payload))
}

// SendPhoto sends a photo with optional caption using multipart form data
func (b *Bot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	if !b.IsEnabled() {
		return ErrDisabled
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "alert.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return b.post(ctx, "sendPhoto", writer.FormDataContentType(), &body)
}

func (b *Bot) post(ctx context.Context, method, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return nil
}
