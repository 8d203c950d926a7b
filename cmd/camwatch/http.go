package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"camwatch/internal/alerts"
	"camwatch/internal/auth"
	"camwatch/internal/camera"
	"camwatch/internal/detection"
	"camwatch/internal/middleware"
	"camwatch/internal/pipeline"
	"camwatch/internal/ws"
)

var startedAt = time.Now()

type healthResponse struct {
	Status          string          `json:"status"`
	Uptime          string          `json:"uptime"`
	DetectorHealthy bool            `json:"detector_healthy"`
	Analyzing       []string        `json:"analyzing"`
	Cameras         []camera.Status `json:"cameras"`
	Alerts          alerts.Stats    `json:"alerts"`
	WSClients       int             `json:"ws_clients"`
}

// newRouter builds the ops router: health plus the live alert websocket.
func newRouter(
	cameras *camera.Manager,
	orchestrator *pipeline.Orchestrator,
	alertService *alerts.Service,
	detector detection.Detector,
	hub *ws.AlertHub,
	authenticator *auth.Authenticator,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{
			Status:          "ok",
			Uptime:          time.Since(startedAt).Round(time.Second).String(),
			DetectorHealthy: detector.IsHealthy(req.Context()),
			Analyzing:       orchestrator.Running(),
			Cameras:         []camera.Status{},
			Alerts:          alertService.Statistics(),
			WSClients:       hub.ClientCount(),
		}
		slices.Sort(resp.Analyzing)
		for _, c := range cameras.ListCameras() {
			if st, err := cameras.GetStatus(c.ID); err == nil {
				resp.Cameras = append(resp.Cameras, st)
			}
		}
		if !resp.DetectorHealthy {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(authenticator))
		r.Get("/ws/alerts/{cameraID}", ws.NewHandler(hub).ServeHTTP)
	})

	return r
}
