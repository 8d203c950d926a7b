package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPDetector talks to a YOLO inference service over multipart HTTP.
type HTTPDetector struct {
	endpoint      string
	confThreshold float64
	client        *http.Client

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// HTTPConfig holds configuration for the HTTP detector
type HTTPConfig struct {
	Endpoint      string
	ConfThreshold float64
	Timeout       time.Duration
}

type httpDetection struct {
	Class      string    `json:"class"`
	ClassName  string    `json:"class_name"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

type httpDetectionResult struct {
	Detections      []httpDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// NewHTTPDetector creates a detector for the service at cfg.Endpoint
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = 0.5
	}
	return &HTTPDetector{
		endpoint:      cfg.Endpoint,
		confThreshold: cfg.ConfThreshold,
		client:        &http.Client{Timeout: cfg.Timeout},
	}
}

func (d *HTTPDetector) Name() string { return "yolo-http" }

// IsHealthy checks GET /health, caching a positive answer for 30 seconds
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.mu.Lock()
	if d.healthy && time.Since(d.healthCheck) < 30*time.Second {
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err == nil {
		resp, err := d.client.Do(req)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", d.endpoint).Msg("Detector health check failed")
		} else {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
			if !healthy {
				log.Warn().Int("status", resp.StatusCode).Str("endpoint", d.endpoint).Msg("Detector health check returned non-OK status")
			}
		}
	}

	d.mu.Lock()
	d.healthy = healthy
	if healthy {
		d.healthCheck = time.Now()
	}
	d.mu.Unlock()
	return healthy
}

// Detect posts the frame as JPEG to {endpoint}/detect
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if !d.IsHealthy(ctx) {
		return nil, ErrDetectorUnavailable
	}

	frame, err := EncodeJPEG(img, 85)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.confThreshold)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result httpDetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	dets := make([]Detection, 0, len(result.Detections))
	for _, hd := range result.Detections {
		if len(hd.BBox) != 4 {
			continue
		}
		name := hd.ClassName
		if name == "" {
			name = hd.Class
		}
		dets = append(dets, Detection{
			ClassID:    hd.ClassID,
			ClassName:  name,
			Confidence: hd.Confidence,
			BBox:       NewBBox(hd.BBox[0], hd.BBox[1], hd.BBox[2], hd.BBox[3]),
		})
	}
	return dets, nil
}

func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDetector) markUnhealthy() {
	d.mu.Lock()
	d.healthy = false
	d.mu.Unlock()
}

var _ Detector = (*HTTPDetector)(nil)
