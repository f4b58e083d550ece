package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Port != "8090" {
		t.Errorf("Expected default port 8090, got %s", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:8090" {
		t.Errorf("Expected listen address 0.0.0.0:8090, got %s", cfg.Server.Addr())
	}
	if cfg.Server.SnapshotTTL() != 10*time.Second {
		t.Errorf("Expected 10s snapshot TTL, got %v", cfg.Server.SnapshotTTL())
	}

	// Feed defaults
	if cfg.Feed.Mode != "auto" {
		t.Errorf("Expected auto mode, got %s", cfg.Feed.Mode)
	}
	if cfg.Feed.RefreshInterval() != time.Second {
		t.Errorf("Expected 1s refresh, got %v", cfg.Feed.RefreshInterval())
	}
	if cfg.StreamMode() {
		t.Error("Expected poll backend without a credentials URL")
	}
	if cfg.Feed.AircraftURL != "http://localhost/dump1090/data/aircraft.json" {
		t.Errorf("Expected dump1090 web path, got %s", cfg.Feed.AircraftURL)
	}

	// Session defaults
	if cfg.Session.SocketPort != 443 {
		t.Errorf("Expected socket port 443, got %d", cfg.Session.SocketPort)
	}
	if cfg.Session.Backoff() != nil {
		t.Error("Expected default backoff schedule")
	}

	// Redis defaults
	if cfg.Redis.Enabled {
		t.Error("Expected Redis disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

// TestLoadNonExistentFile tests that Load returns default config when file doesn't exist.
func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config, got nil")
	}
	if cfg.Server.Port != "8090" {
		t.Error("Did not get default config for non-existent file")
	}
}

// TestLoadPartialConfig tests that fields missing from the file keep defaults.
func TestLoadPartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")

	data := `{
		"feed": {"mode": "stream"},
		"session": {"credentials_url": "https://example.com/credentials", "query": {"site": "KATL"}}
	}`
	if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.StreamMode() {
		t.Error("Expected stream mode")
	}
	if cfg.Feed.RefreshIntervalMs != 1000 {
		t.Errorf("Expected default refresh interval, got %d", cfg.Feed.RefreshIntervalMs)
	}
	if cfg.Session.SocketPort != 443 {
		t.Errorf("Expected default socket port, got %d", cfg.Session.SocketPort)
	}
	if got := cfg.Session.QueryValues().Get("site"); got != "KATL" {
		t.Errorf("Expected site=KATL, got %q", got)
	}
}

// TestLoadInvalidJSON tests error handling for malformed JSON.
func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("{ invalid json }"), 0644); err != nil {
		t.Fatalf("Failed to write invalid config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got: %v", err)
	}
}

// TestSaveConfigCreatesDirectory tests that Save creates missing directories.
func TestSaveConfigCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "dir", "config.json")

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config with nested directory: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
}

// TestEnvironmentOverrides tests environment variable overrides.
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SKYAWARE_PORT", "7777")
	t.Setenv("SKYAWARE_FEED_MODE", "POLL")
	t.Setenv("SKYAWARE_AIRCRAFT_URL", "http://piaware.local/skyaware/data/aircraft.json")
	t.Setenv("SKYAWARE_REFRESH_INTERVAL_MS", "2500")
	t.Setenv("SKYAWARE_REDIS_ADDR", "redis.local:6379")
	t.Setenv("SKYAWARE_REDIS_PASSWORD", "env-password")
	t.Setenv("SKYAWARE_LOG_LEVEL", "debug")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	testCfg := DefaultConfig()
	testCfg.Redis.Password = "original-password"

	data, _ := json.Marshal(testCfg)
	os.WriteFile(configPath, data, 0644)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != "7777" {
		t.Errorf("Expected port 7777 from env, got %s", cfg.Server.Port)
	}
	if cfg.Feed.Mode != "poll" {
		t.Errorf("Expected poll mode from env, got %s", cfg.Feed.Mode)
	}
	if cfg.Feed.AircraftURL != "http://piaware.local/skyaware/data/aircraft.json" {
		t.Errorf("Expected aircraft URL from env, got %s", cfg.Feed.AircraftURL)
	}
	if cfg.Feed.RefreshInterval() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s refresh from env, got %v", cfg.Feed.RefreshInterval())
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.local:6379" {
		t.Errorf("Expected Redis enabled at redis.local:6379, got %+v", cfg.Redis)
	}
	if cfg.Redis.Password != "env-password" {
		t.Errorf("Expected env-password from env, got %s", cfg.Redis.Password)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level from env, got %s", cfg.Logging.Level)
	}
}

// TestValidate tests configuration validation.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Feed.Mode = "telepathy" },
			wantErr: "feed.mode",
		},
		{
			name:    "stream without credentials",
			modify:  func(c *Config) { c.Feed.Mode = "stream" },
			wantErr: "credentials_url",
		},
		{
			name:    "zero refresh interval",
			modify:  func(c *Config) { c.Feed.RefreshIntervalMs = 0 },
			wantErr: "refresh_interval_ms",
		},
		{
			name:    "relative aircraft URL",
			modify:  func(c *Config) { c.Feed.AircraftURL = "data/aircraft.json" },
			wantErr: "invalid URL",
		},
		{
			name:    "bad backoff",
			modify:  func(c *Config) { c.Session.BackoffSeconds = []int{1, 0} },
			wantErr: "backoff_seconds",
		},
		{
			name:    "poll URL on own listen port",
			modify:  func(c *Config) { c.Feed.AircraftURL = "http://localhost:8090/data/aircraft.json" },
			wantErr: "own listen address",
		},
		{
			name: "poll URL on loopback IP behind explicit host",
			modify: func(c *Config) {
				c.Server.Host = "127.0.0.1"
				c.Server.Port = "80"
				c.Feed.AircraftURL = "http://localhost/dump1090/data/aircraft.json"
			},
			wantErr: "own listen address",
		},
		{
			name:   "poll URL on another port",
			modify: func(c *Config) { c.Feed.AircraftURL = "http://127.0.0.1:8080/data/aircraft.json" },
		},
		{
			name:   "poll URL on another host",
			modify: func(c *Config) { c.Feed.AircraftURL = "http://receiver.local:8090/data/aircraft.json" },
		},
		{
			name: "stream mode ignores aircraft URL",
			modify: func(c *Config) {
				c.Feed.AircraftURL = "http://localhost:8090/data/aircraft.json"
				c.Session.CredentialsURL = "https://example.com/credentials"
			},
		},
		{
			name:    "redis without channel",
			modify:  func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" },
			wantErr: "redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSessionBackoff(t *testing.T) {
	s := SessionConfig{BackoffSeconds: []int{2, 4}}
	got := s.Backoff()
	if len(got) != 2 || got[0] != 2*time.Second || got[1] != 4*time.Second {
		t.Errorf("Unexpected schedule %v", got)
	}
}

// TestConfigRoundTrip tests saving and loading config preserves data.
func TestConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "roundtrip.json")

	original := DefaultConfig()
	original.Server.Port = "3000"
	original.Server.AllowedOrigins = []string{"https://skyaware.example.com"}
	original.Session.CredentialsURL = "https://example.com/credentials"
	original.Session.BackoffSeconds = []int{1, 2, 3}

	if err := original.Save(configPath); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if loaded.Server.Port != original.Server.Port {
		t.Error("Port not preserved in round trip")
	}
	if len(loaded.Server.AllowedOrigins) != 1 {
		t.Error("Allowed origins not preserved in round trip")
	}
	if loaded.Session.CredentialsURL != original.Session.CredentialsURL {
		t.Error("Credentials URL not preserved in round trip")
	}
	if !loaded.StreamMode() {
		t.Error("Expected auto mode to select stream with credentials set")
	}
	if len(loaded.Session.BackoffSeconds) != 3 {
		t.Error("Backoff schedule not preserved in round trip")
	}
}
