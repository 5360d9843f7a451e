package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the fleet hub service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// WebSocket liveness. PingInterval is the server-side ws ping cadence,
	// PongWait how long a socket may stay silent before it is dropped.
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	OutboundBuffer int

	// HeartbeatTimeout is how long a device stays online after its last
	// heartbeat, SweepInterval how often stale devices are marked offline.
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	CancelAckWindow time.Duration
	JanitorInterval time.Duration

	DatabaseURL string
	SQLitePath  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "fleethub"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		PingInterval:     25 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		OutboundBuffer:   256,
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		CancelAckWindow:  30 * time.Second,
		JanitorInterval:  5 * time.Second,
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		SQLitePath:       envTrimmed("SQLITE_PATH"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PingInterval, err = durationFromEnv("APP_WS_PING_INTERVAL", cfg.PingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PongWait, err = durationFromEnv("APP_WS_PONG_WAIT", cfg.PongWait)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("APP_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundBuffer, err = intFromEnv("APP_WS_OUTBOUND_BUFFER", cfg.OutboundBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatTimeout, err = durationFromEnv("APP_DEVICE_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_DEVICE_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CancelAckWindow, err = durationFromEnv("APP_CANCEL_ACK_WINDOW", cfg.CancelAckWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.PongWait <= cfg.PingInterval {
		return Config{}, fmt.Errorf("APP_WS_PONG_WAIT must exceed APP_WS_PING_INTERVAL")
	}
	if cfg.OutboundBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_WS_OUTBOUND_BUFFER must be positive")
	}
	if cfg.HeartbeatTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_DEVICE_HEARTBEAT_TIMEOUT must be at least 5s")
	}
	if cfg.CancelAckWindow < time.Second {
		return Config{}, fmt.Errorf("APP_CANCEL_ACK_WINDOW must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
