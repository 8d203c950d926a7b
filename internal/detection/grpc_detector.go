package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	grpcServiceName  = "detection.v1.DetectionService"
	grpcDetectMethod = "/" + grpcServiceName + "/Detect"
)

// GRPCDetector calls a detection sidecar over gRPC. Requests and responses
// are google.protobuf.Struct messages, so no generated stubs are needed:
//
//	request:  {camera_id, image (base64 JPEG), conf_threshold}
//	response: {detections: [{class_id, class_name, confidence, bbox: [x1,y1,x2,y2]}]}
type GRPCDetector struct {
	endpoint      string
	confThreshold float64
	conn          *grpc.ClientConn
	health        healthpb.HealthClient

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint      string
	ConfThreshold float64
	// DialOptions are appended to the defaults (insecure transport, keepalive)
	DialOptions []grpc.DialOption
}

// NewGRPCDetector creates the client connection. The connection is
// established lazily on the first call.
func NewGRPCDetector(cfg GRPCConfig) (*GRPCDetector, error) {
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = 0.5
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", cfg.Endpoint, err)
	}

	log.Info().Str("endpoint", cfg.Endpoint).Msg("gRPC detector configured")
	return &GRPCDetector{
		endpoint:      cfg.Endpoint,
		confThreshold: cfg.ConfThreshold,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
	}, nil
}

func (d *GRPCDetector) Name() string { return "yolo-grpc" }

// IsHealthy uses the standard gRPC health protocol, caching a positive
// answer for 30 seconds
func (d *GRPCDetector) IsHealthy(ctx context.Context) bool {
	d.healthMu.RLock()
	if d.healthy && time.Since(d.lastHealth) < 30*time.Second {
		d.healthMu.RUnlock()
		return true
	}
	d.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		log.Warn().Err(err).Str("endpoint", d.endpoint).Msg("gRPC detector health check failed")
	}

	d.healthMu.Lock()
	d.healthy = healthy
	if healthy {
		d.lastHealth = time.Now()
	}
	d.healthMu.Unlock()
	return healthy
}

// Detect runs a unary Detect call
func (d *GRPCDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if !d.IsHealthy(ctx) {
		return nil, ErrDetectorUnavailable
	}

	frame, err := EncodeJPEG(img, 85)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":          base64.StdEncoding.EncodeToString(frame),
		"conf_threshold": d.confThreshold,
		"width":          img.Bounds().Dx(),
		"height":         img.Bounds().Dy(),
	})
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, grpcDetectMethod, req, resp); err != nil {
		d.healthMu.Lock()
		d.healthy = false
		d.healthMu.Unlock()
		return nil, fmt.Errorf("detect rpc: %w", err)
	}

	return parseStructDetections(resp), nil
}

func parseStructDetections(resp *structpb.Struct) []Detection {
	list := resp.GetFields()["detections"].GetListValue().GetValues()
	dets := make([]Detection, 0, len(list))
	for _, v := range list {
		fields := v.GetStructValue().GetFields()
		box := fields["bbox"].GetListValue().GetValues()
		if len(box) != 4 {
			continue
		}
		name := fields["class_name"].GetStringValue()
		if name == "" {
			name = fields["class"].GetStringValue()
		}
		dets = append(dets, Detection{
			ClassID:    int(fields["class_id"].GetNumberValue()),
			ClassName:  name,
			Confidence: fields["confidence"].GetNumberValue(),
			BBox: NewBBox(
				box[0].GetNumberValue(),
				box[1].GetNumberValue(),
				box[2].GetNumberValue(),
				box[3].GetNumberValue(),
			),
		})
	}
	return dets
}

func (d *GRPCDetector) Close() error {
	return d.conn.Close()
}

var _ Detector = (*GRPCDetector)(nil)
