package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// validLogLevels are the accepted log level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// durationEnvKeys lists all Config fields that are parsed as time.Duration.
var durationEnvKeys = []string{
	"SCHEDULER_INTERVAL",
	"SCHEDULER_LEASE_TTL",
	"HEARTBEAT_INTERVAL",
	"WEBHOOK_TIMEOUT",
	"READ_TIMEOUT",
	"WRITE_TIMEOUT",
	"IDLE_TIMEOUT",
	"SHUTDOWN_TIMEOUT",
}

// allEnvKeys is every config-related env var key.
var allEnvKeys = append([]string{
	"PORT", "LOG_LEVEL", "SEND_BUFFER", "STORE_DRIVER", "DATABASE_URL",
	"REDIS_URL", "NATS_URL", "AUTH_SECRET",
}, durationEnvKeys...)

// resetConfigEnv clears all config env vars and sets the one required
// value.
func resetConfigEnv() {
	for _, key := range allEnvKeys {
		os.Unsetenv(key)
	}
	os.Setenv("AUTH_SECRET", "property-secret")
}

// genDurationString generates a valid positive Go duration string (e.g. "3s", "500ms", "2m").
func genDurationString() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		unit := rapid.SampledFrom([]string{"ms", "s", "m"}).Draw(t, "unit")
		val := rapid.IntRange(1, 600).Draw(t, "val")
		return fmt.Sprintf("%d%s", val, unit)
	})
}

// parseDurationOrDefault parses a duration string, returning the default if empty.
func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, _ := time.ParseDuration(s)
	return d
}

func TestProperty_ValidConfigParsing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetConfigEnv()
		defer resetConfigEnv()

		// Empty string means "use default" (env var not set).
		portStr := rapid.OneOf(
			rapid.Just(""),
			rapid.Map(rapid.IntRange(1, 65535), func(v int) string { return fmt.Sprintf("%d", v) }),
		).Draw(t, "port")

		logLevel := rapid.OneOf(
			rapid.Just(""),
			rapid.SampledFrom(validLogLevels),
		).Draw(t, "logLevel")

		sendBuffer := rapid.IntRange(0, 4096).Draw(t, "sendBuffer")

		durStrs := make(map[string]string, len(durationEnvKeys))
		for _, key := range durationEnvKeys {
			durStrs[key] = rapid.OneOf(
				rapid.Just(""),
				genDurationString(),
			).Draw(t, key)
		}

		if portStr != "" {
			os.Setenv("PORT", portStr)
		}
		if logLevel != "" {
			os.Setenv("LOG_LEVEL", logLevel)
		}
		if sendBuffer > 0 {
			os.Setenv("SEND_BUFFER", fmt.Sprintf("%d", sendBuffer))
		}
		for _, key := range durationEnvKeys {
			if durStrs[key] != "" {
				os.Setenv(key, durStrs[key])
			}
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error for valid inputs: %v", err)
		}

		expectedPort := 8080
		if portStr != "" {
			fmt.Sscanf(portStr, "%d", &expectedPort)
		}
		if cfg.Port != expectedPort {
			t.Fatalf("Port = %d, want %d", cfg.Port, expectedPort)
		}

		expectedLogLevel := "info"
		if logLevel != "" {
			expectedLogLevel = logLevel
		}
		if cfg.LogLevel != expectedLogLevel {
			t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, expectedLogLevel)
		}

		expectedBuffer := 256
		if sendBuffer > 0 {
			expectedBuffer = sendBuffer
		}
		if cfg.SendBuffer != expectedBuffer {
			t.Fatalf("SendBuffer = %d, want %d", cfg.SendBuffer, expectedBuffer)
		}

		type durField struct {
			envKey string
			got    time.Duration
			defVal time.Duration
		}
		durFields := []durField{
			{"SCHEDULER_INTERVAL", cfg.SchedulerInterval, time.Minute},
			{"SCHEDULER_LEASE_TTL", cfg.SchedulerLeaseTTL, 50 * time.Second},
			{"HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, 30 * time.Second},
			{"WEBHOOK_TIMEOUT", cfg.WebhookTimeout, 5 * time.Second},
			{"READ_TIMEOUT", cfg.ReadTimeout, 5 * time.Second},
			{"WRITE_TIMEOUT", cfg.WriteTimeout, 10 * time.Second},
			{"IDLE_TIMEOUT", cfg.IdleTimeout, 60 * time.Second},
			{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, 10 * time.Second},
		}
		for _, df := range durFields {
			expected := parseDurationOrDefault(durStrs[df.envKey], df.defVal)
			if df.got != expected {
				t.Fatalf("%s = %v, want %v (env=%q)", df.envKey, df.got, expected, durStrs[df.envKey])
			}
		}
	})
}

func TestProperty_StoreDriverSelection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetConfigEnv()
		defer resetConfigEnv()

		driver := rapid.OneOf(
			rapid.Just(DriverMemory),
			rapid.Just(DriverPostgres),
			rapid.StringMatching(`[a-z]{1,12}`),
		).Draw(t, "driver")
		withURL := rapid.Bool().Draw(t, "withURL")

		os.Setenv("STORE_DRIVER", driver)
		if withURL {
			os.Setenv("DATABASE_URL", "postgres://localhost/certauction")
		}

		cfg, err := Load()
		switch {
		case driver == DriverMemory, driver == DriverPostgres && withURL:
			if err != nil {
				t.Fatalf("Load() with STORE_DRIVER=%q withURL=%v: %v", driver, withURL, err)
			}
			if cfg.StoreDriver != driver {
				t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, driver)
			}
		default:
			if err == nil {
				t.Fatalf("Load() should fail for STORE_DRIVER=%q withURL=%v", driver, withURL)
			}
		}
	})
}

func TestProperty_InvalidLogLevelReturnsError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetConfigEnv()
		defer resetConfigEnv()

		invalidLevel := rapid.StringMatching(`[a-z]{1,20}`).Filter(func(s string) bool {
			for _, v := range validLogLevels {
				if s == v {
					return false
				}
			}
			return s != ""
		}).Draw(t, "invalidLevel")

		os.Setenv("LOG_LEVEL", invalidLevel)

		_, err := Load()
		if err == nil {
			t.Fatalf("Load() should return error for invalid LOG_LEVEL %q", invalidLevel)
		}
	})
}

func TestProperty_InvalidDurationReturnsError(t *testing.T) {
	for _, key := range durationEnvKeys {
		t.Run(key, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				resetConfigEnv()
				defer resetConfigEnv()

				invalidDur := rapid.OneOf(
					rapid.StringMatching(`[a-zA-Z]{2,10}`),
					rapid.Just("notaduration"),
					rapid.Just("5x"),
					rapid.Just("abc123"),
				).Filter(func(s string) bool {
					if s == "" {
						return false
					}
					_, err := time.ParseDuration(s)
					return err != nil
				}).Draw(t, "invalidDuration")

				os.Setenv(key, invalidDur)

				_, err := Load()
				if err == nil {
					t.Fatalf("Load() should return error for invalid %s=%q", key, invalidDur)
				}
			})
		})
	}
}
