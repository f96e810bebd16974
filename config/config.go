// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	DatabaseDriver     string `envconfig:"DATABASE_DRIVER" default:"mysql"`
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	KMSKeyName         string `envconfig:"KMS_KEY_NAME"`
	GoogleCloudProject string `envconfig:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"INFO"`

	OtelEnabled      bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OtelEndpoint     string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	OtelInsecure     bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	OtelServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"license-service"`
	OtelSamplingRate float64 `envconfig:"OTEL_SAMPLING_RATE" default:"1.0"`
	MetricsEnabled   bool    `envconfig:"METRICS_ENABLED" default:"true"`

	// 鍵の保存先。db はデータベース、file はKeyDir配下のPEMファイル
	KeyStoreBackend string `envconfig:"KEY_STORE_BACKEND" default:"db"`
	KeyDir          string `envconfig:"KEY_DIR" default:"keys"`
	DefaultKeySize  int    `envconfig:"DEFAULT_KEY_SIZE" default:"2048"`

	GracePeriodDays      int           `envconfig:"GRACE_PERIOD_DAYS" default:"30"`
	CacheDurationMinutes int           `envconfig:"CACHE_DURATION_MINUTES" default:"60"`
	CacheSize            int           `envconfig:"CACHE_SIZE" default:"1024"`
	HeartbeatTimeout     time.Duration `envconfig:"ACTIVATION_HEARTBEAT_TIMEOUT" default:"0s"`
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepConcurrency     int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`
	LockTimeout          time.Duration `envconfig:"LOCK_TIMEOUT" default:"10s"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (mysql or sqlite)", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.KeyStoreBackend {
	case "db", "file":
	default:
		return fmt.Errorf("unsupported KEY_STORE_BACKEND %q (db or file)", c.KeyStoreBackend)
	}
	// KMSで封印した鍵はデータベースにのみ保存できる
	if c.KMSKeyName != "" && c.KeyStoreBackend != "db" {
		return fmt.Errorf("KMS_KEY_NAME requires KEY_STORE_BACKEND=db, got %q", c.KeyStoreBackend)
	}
	if c.DefaultKeySize < 2048 {
		return fmt.Errorf("DEFAULT_KEY_SIZE must be at least 2048, got %d", c.DefaultKeySize)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %v", c.SweepInterval)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive, got %d", c.SweepConcurrency)
	}
	return nil
}

// SlogLevel はLOG_LEVELをslogのレベルに変換する。未知の値はINFOとして扱う。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
