// Package config loads camwatch settings from camwatch.yaml and CAMWATCH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig     `mapstructure:"http"`
	Log       LogConfig      `mapstructure:"log"`
	Database  DatabaseConfig `mapstructure:"database"`
	Camera    CameraConfig   `mapstructure:"camera"`
	Detector  DetectorConfig `mapstructure:"detector"`
	Analysis  AnalysisConfig `mapstructure:"analysis"`
	Alerts    AlertsConfig   `mapstructure:"alerts"`
	Backend   BackendConfig  `mapstructure:"backend"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	MQTT      MQTTConfig     `mapstructure:"mqtt"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	Auth      AuthConfig     `mapstructure:"auth"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// AlertRetention removes archived alerts older than this; zero keeps all.
	AlertRetention time.Duration `mapstructure:"alert_retention"`
}

type CameraConfig struct {
	Backend        string        `mapstructure:"backend"` // ffmpeg or gocv
	FPS            int           `mapstructure:"fps"`
	Inventory      string        `mapstructure:"inventory"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DetectorConfig struct {
	HTTPEndpoint  string        `mapstructure:"http_endpoint"`
	GRPCEndpoint  string        `mapstructure:"grpc_endpoint"`
	ConfThreshold float64       `mapstructure:"conf_threshold"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type AnalysisConfig struct {
	IdleThreshold     time.Duration `mapstructure:"idle_threshold"`
	MovementThreshold float64       `mapstructure:"movement_threshold"`
	ClutterThreshold  int           `mapstructure:"clutter_threshold"`
	FloorFraction     float64       `mapstructure:"floor_fraction"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	Sampling          string        `mapstructure:"sampling"` // every_nth or interval
	FrameSkip         int           `mapstructure:"frame_skip"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	HistorySize       int           `mapstructure:"history_size"`
}

type AlertsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	HistorySize    int           `mapstructure:"history_size"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

type BackendConfig struct {
	URL           string            `mapstructure:"url"`
	APIKey        string            `mapstructure:"api_key"`
	JWTSecret     string            `mapstructure:"jwt_secret"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	ManagerUserID string            `mapstructure:"manager_user_id"`
	Zones         map[string]string `mapstructure:"zones"`
}

type SnapshotConfig struct {
	Dir     string      `mapstructure:"dir"`
	Quality int         `mapstructure:"quality"`
	Minio   MinioConfig `mapstructure:"minio"`
}

type MinioConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Bucket        string `mapstructure:"bucket"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type MQTTConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	QoS         int    `mapstructure:"qos"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type TelegramConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BotToken        string `mapstructure:"bot_token"`
	ChatID          string `mapstructure:"chat_id"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
	MinSeverity     string `mapstructure:"min_severity"`
}

type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", "camwatch.db")
	v.SetDefault("database.alert_retention", 30*24*time.Hour)

	v.SetDefault("camera.backend", "ffmpeg")
	v.SetDefault("camera.fps", 5)
	v.SetDefault("camera.inventory", "")
	v.SetDefault("camera.read_timeout", 5*time.Second)
	v.SetDefault("camera.reconnect_delay", time.Second)
	v.SetDefault("camera.connect_timeout", 10*time.Second)

	v.SetDefault("detector.http_endpoint", "")
	v.SetDefault("detector.grpc_endpoint", "")
	v.SetDefault("detector.conf_threshold", 0.5)
	v.SetDefault("detector.timeout", 5*time.Second)

	v.SetDefault("analysis.idle_threshold", 300*time.Second)
	v.SetDefault("analysis.movement_threshold", 50.0)
	v.SetDefault("analysis.clutter_threshold", 5)
	v.SetDefault("analysis.floor_fraction", 400.0/720.0)
	v.SetDefault("analysis.cooldown", 300*time.Second)
	v.SetDefault("analysis.sampling", "every_nth")
	v.SetDefault("analysis.frame_skip", 5)
	v.SetDefault("analysis.sample_interval", 5*time.Second)
	v.SetDefault("analysis.history_size", 1000)

	v.SetDefault("alerts.queue_size", 100)
	v.SetDefault("alerts.history_size", 500)
	v.SetDefault("alerts.handler_timeout", 5*time.Second)

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.jwt_secret", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.manager_user_id", "")
	v.SetDefault("backend.zones", map[string]string{})

	v.SetDefault("snapshots.dir", "snapshots")
	v.SetDefault("snapshots.quality", 85)
	v.SetDefault("snapshots.minio.endpoint", "")
	v.SetDefault("snapshots.minio.access_key", "")
	v.SetDefault("snapshots.minio.secret_key", "")
	v.SetDefault("snapshots.minio.bucket", "camwatch-snapshots")
	v.SetDefault("snapshots.minio.use_ssl", false)
	v.SetDefault("snapshots.minio.public_base_url", "")

	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "camwatch")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "camwatch/alerts")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.cooldown_seconds", 60)
	v.SetDefault("telegram.min_severity", "high")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_expiry", 5*time.Minute)
}

// Load reads the config file at path, or camwatch.yaml from the working
// directory and /etc/camwatch when path is empty. A missing file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("camwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/camwatch")
	}

	v.SetEnvPrefix("CAMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error

	switch c.Camera.Backend {
	case "", "ffmpeg", "gocv":
	default:
		errs = append(errs, fmt.Errorf("camera.backend: unknown backend %q", c.Camera.Backend))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, errors.New("camera.fps must be positive"))
	}
	if c.Detector.ConfThreshold < 0 || c.Detector.ConfThreshold > 1 {
		errs = append(errs, errors.New("detector.conf_threshold must be within [0, 1]"))
	}
	if c.Analysis.FloorFraction <= 0 || c.Analysis.FloorFraction > 1 {
		errs = append(errs, errors.New("analysis.floor_fraction must be within (0, 1]"))
	}
	if c.Analysis.ClutterThreshold <= 0 {
		errs = append(errs, errors.New("analysis.clutter_threshold must be positive"))
	}
	switch c.Analysis.Sampling {
	case "every_nth", "interval":
	default:
		errs = append(errs, fmt.Errorf("analysis.sampling: unknown mode %q", c.Analysis.Sampling))
	}
	if c.Snapshots.Quality < 1 || c.Snapshots.Quality > 100 {
		errs = append(errs, errors.New("snapshots.quality must be within [1, 100]"))
	}
	if m := c.Snapshots.Minio; m.Endpoint != "" && (m.AccessKey == "" || m.SecretKey == "") {
		errs = append(errs, errors.New("snapshots.minio: access_key and secret_key are required with an endpoint"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram: bot_token and chat_id are required when enabled"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
