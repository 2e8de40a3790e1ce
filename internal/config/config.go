package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds all runtime configuration for the auction service.
type Config struct {
	Port              int
	LogLevel          string
	SchedulerInterval time.Duration
	SchedulerLeaseTTL time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int
	StoreDriver       string
	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	AuthSecret        string
	WebhookTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	schedulerInterval, err := getPositiveDuration("SCHEDULER_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL: %w", err)
	}

	schedulerLeaseTTL, err := getPositiveDuration("SCHEDULER_LEASE_TTL", 50*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_LEASE_TTL: %w", err)
	}

	heartbeatInterval, err := getPositiveDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
	}

	sendBuffer, err := getInt("SEND_BUFFER", 256)
	if err != nil {
		return nil, fmt.Errorf("invalid SEND_BUFFER: %w", err)
	}
	if sendBuffer <= 0 {
		return nil, fmt.Errorf("invalid SEND_BUFFER: %d, must be positive", sendBuffer)
	}

	storeDriver := getStr("STORE_DRIVER", DriverMemory)
	if storeDriver != DriverMemory && storeDriver != DriverPostgres {
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q, must be one of: memory, postgres", storeDriver)
	}

	databaseURL := getStr("DATABASE_URL", "")
	if storeDriver == DriverPostgres && databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	authSecret := getStr("AUTH_SECRET", "")
	if authSecret == "" {
		return nil, errors.New("AUTH_SECRET is required")
	}

	webhookTimeout, err := getPositiveDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		SchedulerInterval: schedulerInterval,
		SchedulerLeaseTTL: schedulerLeaseTTL,
		HeartbeatInterval: heartbeatInterval,
		SendBuffer:        sendBuffer,
		StoreDriver:       storeDriver,
		DatabaseURL:       databaseURL,
		RedisURL:          getStr("REDIS_URL", ""),
		NATSURL:           getStr("NATS_URL", ""),
		AuthSecret:        authSecret,
		WebhookTimeout:    webhookTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getPositiveDuration is getDuration for values that drive a ticker.
func getPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%v must be positive", d)
	}
	return d, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
