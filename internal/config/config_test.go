package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("AUTH_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.SchedulerInterval != time.Minute {
		t.Errorf("SchedulerInterval = %v, want 1m", cfg.SchedulerInterval)
	}
	if cfg.SchedulerLeaseTTL != 50*time.Second {
		t.Errorf("SchedulerLeaseTTL = %v, want 50s", cfg.SchedulerLeaseTTL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.SendBuffer != 256 {
		t.Errorf("SendBuffer = %d, want 256", cfg.SendBuffer)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, DriverMemory)
	}
	if cfg.RedisURL != "" || cfg.NATSURL != "" || cfg.DatabaseURL != "" {
		t.Errorf("expected empty backend URLs, got %+v", cfg)
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Errorf("WebhookTimeout = %v, want 5s", cfg.WebhookTimeout)
	}
	if cfg.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %v, want 5s", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", cfg.IdleTimeout)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("SEND_BUFFER", "64")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/auction")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.SchedulerInterval != 30*time.Second {
		t.Errorf("SchedulerInterval = %v, want 30s", cfg.SchedulerInterval)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.SendBuffer != 64 {
		t.Errorf("SendBuffer = %d, want 64", cfg.SendBuffer)
	}
	if cfg.StoreDriver != DriverPostgres || cfg.DatabaseURL != "postgres://localhost/auction" {
		t.Errorf("store = %q %q", cfg.StoreDriver, cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	for _, key := range durationEnvKeys {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, "not-a-duration")

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for invalid %s", key)
			}
		})
	}
}

func TestLoad_NonPositiveIntervals(t *testing.T) {
	for _, key := range []string{"SCHEDULER_INTERVAL", "SCHEDULER_LEASE_TTL", "HEARTBEAT_INTERVAL", "WEBHOOK_TIMEOUT"} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, "0s")

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for zero %s", key)
			}
		})
	}
}

func TestLoad_InvalidSendBuffer(t *testing.T) {
	for _, v := range []string{"0", "-1", "many"} {
		clearEnv(t)
		t.Setenv("SEND_BUFFER", v)

		if _, err := Load(); err == nil {
			t.Fatalf("expected error for SEND_BUFFER=%q", v)
		}
	}
}

func TestLoad_StoreDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown STORE_DRIVER")
	}

	clearEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for postgres without DATABASE_URL")
	}
}

func TestLoad_AuthSecretRequired(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("AUTH_SECRET")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without AUTH_SECRET")
	}
}
