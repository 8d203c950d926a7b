package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"camwatch/internal/alerts"
	"camwatch/internal/analyzer"
	"camwatch/internal/auth"
	"camwatch/internal/backend"
	"camwatch/internal/camera"
	"camwatch/internal/config"
	"camwatch/internal/database"
	"camwatch/internal/detection"
	"camwatch/internal/mqttclient"
	"camwatch/internal/pipeline"
	"camwatch/internal/storage"
	"camwatch/internal/telegram"
	"camwatch/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to camwatch.yaml (default: ./camwatch.yaml or /etc/camwatch/camwatch.yaml)")
		envF    = flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	)
	flag.Parse()

	if err := godotenv.Load(*envF); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envF, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("camwatch exited with error")
	}
	log.Info().Msg("exited")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	// Cameras
	opener, err := camera.BackendOpener(cfg.Camera.Backend, cfg.Camera.FPS)
	if err != nil {
		return err
	}
	cameras := camera.NewManager(opener, db, camera.Config{
		ReadTimeout:    cfg.Camera.ReadTimeout,
		ReconnectDelay: cfg.Camera.ReconnectDelay,
		ConnectTimeout: cfg.Camera.ConnectTimeout,
	})
	var monitored []string
	if cfg.Camera.Inventory != "" {
		entries, err := camera.LoadInventory(cfg.Camera.Inventory)
		if err != nil {
			return err
		}
		monitored = cameras.Register(entries)
	}

	// Detection
	detectors, err := newDetectorRegistry(cfg.Detector)
	if err != nil {
		return err
	}
	defer detectors.Close()
	adapter := detection.NewAdapter(detectors, cfg.Detector.Timeout)

	// Analysis
	store, err := newSnapshotStore(ctx, cfg.Snapshots)
	if err != nil {
		return err
	}
	orchestrator := pipeline.New(pipeline.Config{
		Analyzer: analyzer.Config{
			IdleThreshold:     cfg.Analysis.IdleThreshold,
			MovementThreshold: cfg.Analysis.MovementThreshold,
			ClutterThreshold:  cfg.Analysis.ClutterThreshold,
			FloorFraction:     cfg.Analysis.FloorFraction,
		},
		CooldownWindow:  cfg.Analysis.Cooldown,
		HistorySize:     cfg.Analysis.HistorySize,
		SnapshotQuality: cfg.Snapshots.Quality,
		Sampling:        cfg.Analysis.Sampling,
		FrameSkip:       cfg.Analysis.FrameSkip,
		SampleInterval:  cfg.Analysis.SampleInterval,
		Kinds: func(cameraID string) []analyzer.Kind {
			cam, err := cameras.GetCamera(cameraID)
			if err != nil {
				return nil
			}
			return analyzer.ParseKinds(cam.DetectionTypes)
		},
	}, adapter, cameras, pipeline.NewSnapshotter(store, cfg.Snapshots.Quality))

	// Alerts
	tokens := auth.NewTokenManager(cfg.Backend.JWTSecret, cfg.Auth.TokenExpiry)
	var tasks alerts.TaskCreator
	if cfg.Backend.URL != "" {
		var source auth.TokenSource = auth.StaticToken(cfg.Backend.APIKey)
		if cfg.Backend.JWTSecret != "" {
			source = auth.ServiceTokens{Manager: tokens, Subject: "camwatch"}
		}
		tasks = backend.NewClient(backend.Config{
			BaseURL: cfg.Backend.URL,
			Timeout: cfg.Backend.Timeout,
			Zones:   cfg.Backend.Zones,
		}, source)
	} else {
		log.Warn().Msg("no backend url configured, alerts will not create tasks")
	}

	alertService := alerts.NewService(alerts.Config{
		QueueSize:      cfg.Alerts.QueueSize,
		HistorySize:    cfg.Alerts.HistorySize,
		HandlerTimeout: cfg.Alerts.HandlerTimeout,
		ManagerUserID:  cfg.Backend.ManagerUserID,
		Location: func(cameraID string) string {
			if cam, err := cameras.GetCamera(cameraID); err == nil {
				return cam.Location
			}
			return ""
		},
	}, tasks, db)

	hub := ws.NewAlertHub()
	defer hub.Close()
	alertService.OnAll("websocket", hub)
	unsubscribe := orchestrator.Bus().Subscribe(hub)
	defer unsubscribe()

	if cfg.MQTT.Host != "" {
		mq, err := mqttclient.NewClient(mqttclient.Config{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return err
		}
		defer mq.Close()
		alertService.OnAll("mqtt", alerts.NewPublishHandler(mq, cfg.MQTT.TopicPrefix))
	}

	if cfg.Telegram.Enabled {
		bot := telegram.NewBot(telegram.Config{
			BotToken:        cfg.Telegram.BotToken,
			ChatID:          cfg.Telegram.ChatID,
			Enabled:         true,
			CooldownSeconds: cfg.Telegram.CooldownSeconds,
			MinSeverity:     analyzer.Severity(cfg.Telegram.MinSeverity),
		})
		alertService.OnAll("telegram", bot)
	}

	// Run
	g, gctx := errgroup.WithContext(ctx)

	alertService.Start(gctx)

	for _, id := range monitored {
		if err := cameras.StartCapture(gctx, id, nil); err != nil {
			log.Error().Str("camera_id", id).Err(err).Msg("failed to start capture")
			continue
		}
		err := orchestrator.StartContinuousAnalysis(id, func(cameraID string, f *analyzer.Finding) {
			alertService.QueueAlert(cameraID, f)
		})
		if err != nil {
			log.Error().Str("camera_id", id).Err(err).Msg("failed to start analysis")
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(cameras, orchestrator, alertService, detectors, hub, auth.NewAuthenticator(cfg.Auth.Enabled, tokens)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Database.AlertRetention > 0 {
		g.Go(func() error {
			pruneAlerts(gctx, db, cfg.Database.AlertRetention)
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down")

	orchestrator.StopAll()
	cameras.StopAll()
	alertService.Stop()
	return err
}

func newDetectorRegistry(cfg config.DetectorConfig) (*detection.Registry, error) {
	registry := detection.NewRegistry()

	if cfg.GRPCEndpoint != "" {
		d, err := detection.NewGRPCDetector(detection.GRPCConfig{
			Endpoint:      cfg.GRPCEndpoint,
			ConfThreshold: cfg.ConfThreshold,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}
	if cfg.HTTPEndpoint != "" {
		d := detection.NewHTTPDetector(detection.HTTPConfig{
			Endpoint:      cfg.HTTPEndpoint,
			ConfThreshold: cfg.ConfThreshold,
			Timeout:       cfg.Timeout,
		})
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}

	if len(registry.Names()) == 0 {
		log.Warn().Msg("no detector configured, frames will yield no detections")
	}
	return registry, nil
}

func newSnapshotStore(ctx context.Context, cfg config.SnapshotConfig) (storage.SnapshotStore, error) {
	if cfg.Minio.Endpoint != "" {
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			Bucket:        cfg.Minio.Bucket,
			UseSSL:        cfg.Minio.UseSSL,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
		})
	}
	return storage.NewDiskStore(cfg.Dir)
}

func pruneAlerts(ctx context.Context, db *database.Database, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.DeleteOldAlerts(time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("failed to prune archived alerts")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("pruned archived alerts")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
