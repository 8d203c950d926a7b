package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camwatch/internal/alerts"
	"camwatch/internal/analyzer"
	"camwatch/internal/pipeline"
)

func newTestServer(t *testing.T, hub *AlertHub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/alerts/{cameraID}", NewHandler(hub).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, cameraID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts/" + cameraID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestAlertHubPushesToSubscribers(t *testing.T) {
	hub := NewAlertHub()
	srv := newTestServer(t, hub)

	cam1 := dial(t, srv, "cam-1")
	all := dial(t, srv, AllCameras)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.HasClients("cam-9"), "all-camera subscribers count for every camera")

	f := &analyzer.Finding{Kind: analyzer.KindMess, Severity: analyzer.SeverityHigh, SnapshotBase64: "aGk=", Mess: &analyzer.MessPayload{Score: 12}}
	a := &alerts.Alert{
		Record:  alerts.Record{ID: "a1", CameraID: "cam-1", Kind: f.Kind, Severity: f.Severity, CreatedAt: time.Now()},
		Finding: f,
	}
	require.NoError(t, hub.Handle(context.Background(), a))

	for _, conn := range []*websocket.Conn{cam1, all} {
		msg := readJSON(t, conn)
		assert.Equal(t, TypeAlert, msg["type"])
		assert.Equal(t, "cam-1", msg["camera_id"])
		assert.Equal(t, "aGk=", msg["snapshot"])
		assert.Equal(t, "a1", msg["alert"].(map[string]any)["id"])
	}

	hub.OnResult(&pipeline.Result{CameraID: "cam-2", PersonCount: 3, HasIdle: true})
	msg := readJSON(t, all)
	assert.Equal(t, TypeAnalysis, msg["type"])
	assert.Equal(t, "cam-2", msg["camera_id"])
	assert.EqualValues(t, 3, msg["person_count"])

	cam1.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := cam1.ReadMessage()
	assert.Error(t, err, "cam-1 subscriber must not see cam-2 results")
}

func TestAlertHubDropsClosedClients(t *testing.T) {
	hub := NewAlertHub()
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "cam-1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.HasClients("cam-1"))
}

func TestAlertHubCloseDisconnects(t *testing.T) {
	hub := NewAlertHub()
	srv := newTestServer(t, hub)

	conn := dial(t, srv, AllCameras)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestHandlerRequiresCameraID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(NewAlertHub()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/alerts/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWithoutClientsIsNoop(t *testing.T) {
	hub := NewAlertHub()
	a := &alerts.Alert{Record: alerts.Record{CameraID: "cam-1"}}
	assert.NoError(t, hub.Handle(context.Background(), a))
	hub.OnResult(&pipeline.Result{CameraID: "cam-1"})
}

func TestStalledSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub := NewAlertHub()
	srv := newTestServer(t, hub)

	dial(t, srv, "cam-1") // never reads
	live := dial(t, srv, "cam-1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	payload := []byte(strings.Repeat("x", 256*1024))
	start := time.Now()
	for i := 0; i < 200; i++ {
		hub.BroadcastToCamera("cam-1", payload)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "broadcast must not wait on a stalled connection")

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := live.ReadMessage()
	require.NoError(t, err)
	assert.Len(t, data, len(payload))
	assert.Equal(t, 2, hub.ClientCount(), "a slow subscriber stays registered")
}
