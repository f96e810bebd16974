package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.KeyStoreBackend != "db" {
		t.Errorf("expected db key store, got %s", cfg.KeyStoreBackend)
	}
	if cfg.GracePeriodDays != 30 {
		t.Errorf("expected 30 grace days, got %d", cfg.GracePeriodDays)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("expected sweep interval 1m, got %v", cfg.SweepInterval)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", cfg.SlogLevel())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "user:pass@tcp(localhost:3306)/licenses")
	t.Setenv("KEY_STORE_BACKEND", "file")
	t.Setenv("ACTIVATION_HEARTBEAT_TIMEOUT", "2h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseDriver != "mysql" {
		t.Errorf("expected mysql, got %s", cfg.DatabaseDriver)
	}
	if cfg.KeyStoreBackend != "file" {
		t.Errorf("expected file key store, got %s", cfg.KeyStoreBackend)
	}
	if cfg.HeartbeatTimeout != 2*time.Hour {
		t.Errorf("expected heartbeat timeout 2h, got %v", cfg.HeartbeatTimeout)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", cfg.SlogLevel())
	}
}

func TestLoad_KMSWithDatabaseBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "x")
	t.Setenv("KMS_KEY_NAME", "projects/p/locations/l/keyRings/r/cryptoKeys/k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KeyStoreBackend != "db" {
		t.Errorf("expected db key store, got %s", cfg.KeyStoreBackend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database url", map[string]string{"DATABASE_URL": ""}},
		{"unknown driver", map[string]string{"DATABASE_URL": "x", "DATABASE_DRIVER": "postgres"}},
		{"unknown backend", map[string]string{"DATABASE_URL": "x", "KEY_STORE_BACKEND": "s3"}},
		{"small key", map[string]string{"DATABASE_URL": "x", "DEFAULT_KEY_SIZE": "1024"}},
		{"kms with file backend", map[string]string{"DATABASE_URL": "x", "KEY_STORE_BACKEND": "file", "KMS_KEY_NAME": "projects/p/locations/l/keyRings/r/cryptoKeys/k"}},
		{"zero sweep interval", map[string]string{"DATABASE_URL": "x", "SWEEP_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
