package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camwatch/internal/alerts"
	"camwatch/internal/pipeline"
)

// AllCameras is the subscription key for clients that want every camera.
const AllCameras = "all"

const (
	writeWait = 10 * time.Second
	// sendBuffer is how many messages may queue for one slow subscriber
	// before further messages to it are dropped.
	sendBuffer = 16
)

// client owns one connection. Only writePump writes to conn; gorilla allows
// a single concurrent writer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}
}

// enqueue hands a message to the write pump without blocking. It reports
// false when the client is gone or its queue is full.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown stops the write pump, which sends a close frame and closes conn.
func (c *client) shutdown() {
	c.once.Do(func() { close(c.quit) })
}

func (c *client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("websocket send failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// AlertHub manages WebSocket connections for live alert and analysis push.
// It is both an alerts.Handler and a pipeline.ResultHandler.
type AlertHub struct {
	// clients maps camera_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
}

// NewAlertHub creates a new alert hub
func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients: make(map[string]map[*client]bool),
	}
}

// Register adds a connection for a camera, or for all cameras under AllCameras.
func (h *AlertHub) Register(cameraID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*client]bool)
	}
	h.clients[cameraID][c] = true
	log.Debug().Str("camera_id", cameraID).Int("clients", len(h.clients[cameraID])).Msg("websocket client registered")
}

// Unregister removes a connection for a camera
func (h *AlertHub) Unregister(cameraID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[cameraID]; ok {
		if !conns[c] {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, cameraID)
		}
		log.Debug().Str("camera_id", cameraID).Msg("websocket client unregistered")
	}
}

// HasClients reports whether anyone would receive a message for cameraID.
func (h *AlertHub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[cameraID]) > 0 || len(h.clients[AllCameras]) > 0
}

// ClientCount returns the total number of connected clients
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

type target struct {
	key string
	c   *client
}

func (h *AlertHub) targets(cameraID string) []target {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []target
	for _, key := range []string{cameraID, AllCameras} {
		for c := range h.clients[key] {
			out = append(out, target{key: key, c: c})
		}
	}
	return out
}

// BroadcastToCamera queues a message for the camera's subscribers and for
// clients watching all cameras. It never waits on a connection: a subscriber
// whose queue is full misses the message, and a closed one is dropped.
func (h *AlertHub) BroadcastToCamera(cameraID string, message []byte) {
	for _, t := range h.targets(cameraID) {
		if t.c.enqueue(message) {
			continue
		}
		select {
		case <-t.c.quit:
			h.Unregister(t.key, t.c)
		default:
			log.Debug().Str("camera_id", cameraID).Msg("websocket subscriber queue full, message dropped")
		}
	}
}

func (h *AlertHub) broadcastJSON(cameraID string, v any) error {
	if !h.HasClients(cameraID) {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastToCamera(cameraID, data)
	return nil
}

// Handle pushes a processed alert to subscribers.
func (h *AlertHub) Handle(_ context.Context, a *alerts.Alert) error {
	return h.broadcastJSON(a.CameraID, NewAlertMessage(a))
}

// OnResult pushes a per-frame analysis summary to subscribers.
func (h *AlertHub) OnResult(r *pipeline.Result) {
	if err := h.broadcastJSON(r.CameraID, NewAnalysisMessage(r)); err != nil {
		log.Warn().Str("camera_id", r.CameraID).Err(err).Msg("failed to encode analysis message")
	}
}

// Close disconnects every client.
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conns := range h.clients {
		for c := range conns {
			c.shutdown()
		}
		delete(h.clients, key)
	}
}
