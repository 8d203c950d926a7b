package detection

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubDetector struct {
	name    string
	healthy bool
	dets    []Detection
	err     error
	panics  bool
	calls   atomic.Int32
}

func (s *stubDetector) Name() string                       { return s.name }
func (s *stubDetector) IsHealthy(ctx context.Context) bool { return s.healthy }
func (s *stubDetector) Close() error                       { return nil }
func (s *stubDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	s.calls.Add(1)
	if s.panics {
		panic("model crashed")
	}
	return s.dets, s.err
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

func TestNewBBoxDerivesGeometry(t *testing.T) {
	b := NewBBox(10, 20, 50, 100)

	assert.Equal(t, 40.0, b.Width)
	assert.Equal(t, 80.0, b.Height)
	assert.Equal(t, 30.0, b.CenterX)
	assert.Equal(t, 60.0, b.CenterY)
}

func TestAdapterDegradesToEmpty(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		detector Detector
	}{
		{"nil detector", nil},
		{"error", &stubDetector{name: "err", healthy: true, err: errors.New("boom")}},
		{"panic", &stubDetector{name: "panic", healthy: true, panics: true}},
		{"nil result", &stubDetector{name: "nil", healthy: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := NewAdapter(tt.detector, time.Second).Detect(ctx, testFrame())
			require.NotNil(t, dets)
			assert.Empty(t, dets)
		})
	}
}

func TestAdapterPassesDetectionsThrough(t *testing.T) {
	want := []Detection{{ClassID: 0, ClassName: "person", Confidence: 0.9, BBox: NewBBox(0, 0, 10, 10)}}
	a := NewAdapter(&stubDetector{name: "ok", healthy: true, dets: want}, time.Second)

	assert.Equal(t, want, a.Detect(context.Background(), testFrame()))
}

func TestHTTPDetectorDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			_, _, err := r.FormFile("file")
			assert.NoError(t, err)
			assert.Equal(t, "0.40", r.FormValue("conf_threshold"))

			json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"class": "person", "class_id": 0, "confidence": 0.91, "bbox": []float64{10, 20, 30, 60}},
					{"class": "cup", "class_id": 41, "confidence": 0.7, "bbox": []float64{1, 2}},
				},
				"count": 2,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL, ConfThreshold: 0.4})
	dets, err := d.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].ClassName)
	assert.Equal(t, 20.0, dets[0].BBox.CenterX)
	assert.Equal(t, 40.0, dets[0].BBox.CenterY)
}

func TestHTTPDetectorUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	_, err := d.Detect(context.Background(), testFrame())

	assert.ErrorIs(t, err, ErrDetectorUnavailable)
}

func startGRPCDetectionServer(t *testing.T, resp *structpb.Struct) *bufconn.Listener {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if in.GetFields()["image"].GetStringValue() == "" {
					return nil, errors.New("missing image")
				}
				return resp, nil
			},
		}},
	}, struct{}{})

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func TestGRPCDetectorDetect(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{
		"detections": []any{
			map[string]any{"class_id": 0, "class_name": "person", "confidence": 0.8, "bbox": []any{0, 0, 100, 200}},
			map[string]any{"class_id": 39, "class": "bottle", "confidence": 0.6, "bbox": []any{10, 10, 20, 40}},
		},
	})
	require.NoError(t, err)
	lis := startGRPCDetectionServer(t, resp)

	d, err := NewGRPCDetector(GRPCConfig{
		Endpoint: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, d.IsHealthy(ctx))
	dets, err := d.Detect(ctx, testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 50.0, dets[0].BBox.CenterX)
	assert.Equal(t, "bottle", dets[1].ClassName)
	assert.Equal(t, 39, dets[1].ClassID)
}

func TestRegistryFallsThroughToHealthyDetector(t *testing.T) {
	down := &stubDetector{name: "primary", healthy: false}
	failing := &stubDetector{name: "secondary", healthy: true, err: errors.New("timeout")}
	good := &stubDetector{name: "tertiary", healthy: true, dets: []Detection{{ClassID: 41, ClassName: "cup"}}}

	r := NewRegistry()
	require.NoError(t, r.Register(down))
	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(good))
	assert.Error(t, r.Register(good))
	assert.Equal(t, []string{"primary", "secondary", "tertiary"}, r.Names())

	dets, err := r.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, int32(0), down.calls.Load())
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestRegistryWithoutHealthyDetectors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubDetector{name: "a"}))

	_, err := r.Detect(context.Background(), testFrame())
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
	assert.False(t, r.IsHealthy(context.Background()))
}
