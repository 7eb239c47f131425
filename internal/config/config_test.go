package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Addr() != "127.0.0.1:4820" {
		t.Errorf("expected addr=127.0.0.1:4820, got %s", cfg.Addr())
	}
	if cfg.BoardTTL() != 24*time.Hour {
		t.Errorf("expected board ttl=24h, got %s", cfg.BoardTTL())
	}
	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected heartbeat interval=10s, got %s", cfg.HeartbeatInterval())
	}
	if cfg.StaleSessionAfter() != 5*time.Minute {
		t.Errorf("expected stale session threshold=5m, got %s", cfg.StaleSessionAfter())
	}
	if cfg.Notify.TopicPrefix != "presence" {
		t.Errorf("expected topic_prefix=presence, got %s", cfg.Notify.TopicPrefix)
	}

	m := cfg.Machine()
	if m.IdleTimeout != 120*time.Second || m.CompletedTimeout != 60*time.Second || m.ChatTimeout != 5*time.Second {
		t.Errorf("unexpected timer thresholds: %+v", m)
	}
	if m.FatalConsecutiveFailures != 3 {
		t.Errorf("expected fatal_consecutive_failures=3, got %d", m.FatalConsecutiveFailures)
	}
	if len(m.FatalKeywords) == 0 || len(m.RetryableKeywords) == 0 {
		t.Error("expected default keyword lists")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_WithoutPresenceConfig(t *testing.T) {
	// Save and restore PRESENCE_CONFIG.
	orig := os.Getenv(EnvConfig)
	defer os.Setenv(EnvConfig, orig)
	os.Unsetenv(EnvConfig)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if strings.Contains(cfg.Storage.Path, "${") {
		t.Errorf("storage path not expanded: %s", cfg.Storage.Path)
	}
}

func TestLoad_WithPresenceConfig(t *testing.T) {
	orig := os.Getenv(EnvConfig)
	defer os.Setenv(EnvConfig, orig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "presence.yaml")
	configContent := `
server:
  port: 9000
  auth_token: ${PRESENCE_TEST_TOKEN:-fallback}
storage:
  path: /tmp/presence-test.db
state_machine:
  fatal_consecutive_failures: 5
  idle_to_resting_secs: 30
log:
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	os.Setenv(EnvConfig, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port=9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host to survive merge, got %s", cfg.Server.Host)
	}
	if cfg.Server.AuthToken != "fallback" {
		t.Errorf("expected auth_token=fallback, got %q", cfg.Server.AuthToken)
	}
	if cfg.Storage.Path != "/tmp/presence-test.db" {
		t.Errorf("expected storage path override, got %s", cfg.Storage.Path)
	}
	m := cfg.Machine()
	if m.FatalConsecutiveFailures != 5 {
		t.Errorf("expected fatal_consecutive_failures=5, got %d", m.FatalConsecutiveFailures)
	}
	if m.IdleTimeout != 30*time.Second {
		t.Errorf("expected idle timeout=30s, got %s", m.IdleTimeout)
	}
	if m.CompletedTimeout != 60*time.Second {
		t.Errorf("expected completed timeout default, got %s", m.CompletedTimeout)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format json, got %s", cfg.Log.Format)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("PRESENCE_TEST_VAR", "value")

	tests := []struct {
		in, want string
	}{
		{"${PRESENCE_TEST_VAR}", "value"},
		{"a/${PRESENCE_TEST_VAR}/b", "a/value/b"},
		{"${PRESENCE_TEST_UNSET:-dflt}", "dflt"},
		{"${PRESENCE_TEST_UNSET}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandVars(tt.in); got != tt.want {
			t.Errorf("expandVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Heartbeat.IntervalSecs = 0
	cfg.Heartbeat.StaleSessionSecs = -1
	cfg.Log.Level = "loud"
	cfg.StateMachine.FatalConsecutiveFailures = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"server.port", "heartbeat.interval_secs", "heartbeat.stale_session_secs", "log.level", "fatal_consecutive_failures"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error mentioning %s, got %v", want, err)
		}
	}
}
