package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024, // alerts may carry a base64 snapshot
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler upgrades subscriber connections for the alert hub.
type Handler struct {
	hub *AlertHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *AlertHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests on /ws/alerts/{cameraID}.
// The camera id "all" subscribes to every camera.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	if cameraID == "" {
		cameraID = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/alerts/"), "/")
	}
	if cameraID == "" || strings.Contains(cameraID, "/") {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	log.Info().Str("camera_id", cameraID).Str("remote", r.RemoteAddr).Msg("websocket subscriber connected")

	c := newClient(conn)
	h.hub.Register(cameraID, c)
	go c.writePump(pingPeriod)
	go h.readPump(cameraID, c)
}

// readPump keeps the connection alive and notices client disconnection.
func (h *Handler) readPump(cameraID string, c *client) {
	defer func() {
		h.hub.Unregister(cameraID, c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Str("camera_id", cameraID).Err(err).Msg("websocket read error")
			}
			return
		}
	}
}
