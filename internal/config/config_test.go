package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.MetricsNamespace != "fleethub" {
		t.Fatalf("MetricsNamespace = %q, want %q", cfg.MetricsNamespace, "fleethub")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.OutboundBuffer != 256 {
		t.Fatalf("OutboundBuffer = %d, want 256", cfg.OutboundBuffer)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = true, want false by default")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CANCEL_ACK_WINDOW", "45s")
	t.Setenv("APP_DEVICE_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("SQLITE_PATH", " /tmp/fleethub.db ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CancelAckWindow != 45*time.Second {
		t.Fatalf("CancelAckWindow = %v, want 45s", cfg.CancelAckWindow)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Fatalf("HeartbeatTimeout = %v, want 2m", cfg.HeartbeatTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.SQLitePath != "/tmp/fleethub.db" {
		t.Fatalf("SQLitePath = %q, want trimmed path", cfg.SQLitePath)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "APP_SHUTDOWN_TIMEOUT", "soon"},
		{"bad int", "APP_WS_OUTBOUND_BUFFER", "many"},
		{"bad bool", "APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"pong not past ping", "APP_WS_PONG_WAIT", "1s"},
		{"heartbeat too short", "APP_DEVICE_HEARTBEAT_TIMEOUT", "1s"},
		{"zero buffer", "APP_WS_OUTBOUND_BUFFER", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_WS_PING_INTERVAL",
		"APP_WS_PONG_WAIT",
		"APP_WS_WRITE_TIMEOUT",
		"APP_WS_OUTBOUND_BUFFER",
		"APP_DEVICE_HEARTBEAT_TIMEOUT",
		"APP_DEVICE_SWEEP_INTERVAL",
		"APP_CANCEL_ACK_WINDOW",
		"APP_JANITOR_INTERVAL",
		"DATABASE_URL",
		"SQLITE_PATH",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
