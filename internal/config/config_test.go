// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef" // 32 chars

// setRequiredEnv sets the env vars without which validation fails.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("CONTROL_TOKEN", "control-secret")
}

// TestLoadWithKoanf_Defaults verifies the built-in defaults survive a
// load with no file and minimal env.
func TestLoadWithKoanf_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf failed: %v", err)
	}

	if cfg.Server.Port != 8844 {
		t.Errorf("Expected default port 8844, got %d", cfg.Server.Port)
	}
	if cfg.Trigger.Debounce != 2*time.Second {
		t.Errorf("Expected default debounce 2s, got %v", cfg.Trigger.Debounce)
	}
	if cfg.Trigger.RefreshInterval != 30*time.Minute {
		t.Errorf("Expected default refresh interval 30m, got %v", cfg.Trigger.RefreshInterval)
	}
	if cfg.Trigger.ProcessingInterval != 4*time.Hour {
		t.Errorf("Expected default processing interval 4h, got %v", cfg.Trigger.ProcessingInterval)
	}
	if cfg.Trigger.ProcessingBudget != 25*time.Second {
		t.Errorf("Expected default processing budget 25s, got %v", cfg.Trigger.ProcessingBudget)
	}
	if cfg.Upload.Workers != 2 {
		t.Errorf("Expected default upload workers 2, got %d", cfg.Upload.Workers)
	}
	if cfg.Store.FetchLimit != 1000 {
		t.Errorf("Expected default fetch limit 1000, got %d", cfg.Store.FetchLimit)
	}
	if cfg.Endpoint.Configured() {
		t.Error("Expected endpoint unconfigured by default")
	}
}

// TestLoadWithKoanf_EnvOverrides verifies env vars take precedence.
func TestLoadWithKoanf_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("TRIGGER_DEBOUNCE", "500ms")
	t.Setenv("ENDPOINT_URL", "https://sync.example.com/ingest")
	t.Setenv("DEVICE_ID", "watch-01")
	t.Setenv("ENDPOINT_TOKEN", "upload-token")
	t.Setenv("TRACKED_TYPES", "heart_rate, step_count")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Trigger.Debounce != 500*time.Millisecond {
		t.Errorf("Expected debounce 500ms, got %v", cfg.Trigger.Debounce)
	}
	if !cfg.Endpoint.Configured() {
		t.Fatal("Expected endpoint configured")
	}
	want := []string{"heart_rate", "step_count"}
	if len(cfg.Endpoint.TrackedTypes) != len(want) {
		t.Fatalf("Expected %d tracked types, got %v", len(want), cfg.Endpoint.TrackedTypes)
	}
	for i, typeID := range want {
		if cfg.Endpoint.TrackedTypes[i] != typeID {
			t.Errorf("Tracked type %d: got %q, want %q", i, cfg.Endpoint.TrackedTypes[i], typeID)
		}
	}
}

// TestLoadWithKoanf_ConfigFile verifies YAML file loading via CONFIG_PATH.
func TestLoadWithKoanf_ConfigFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := []byte("server:\n  port: 7700\noutbox:\n  max_pending: 42\n")
	if err := os.WriteFile(path, yamlContent, 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf failed: %v", err)
	}
	if cfg.Server.Port != 7700 {
		t.Errorf("Expected port 7700 from file, got %d", cfg.Server.Port)
	}
	if cfg.Outbox.MaxPending != 42 {
		t.Errorf("Expected max pending 42 from file, got %d", cfg.Outbox.MaxPending)
	}
}

// TestEndpointConfig_Key verifies the endpoint identity derivation.
func TestEndpointConfig_Key(t *testing.T) {
	base := EndpointConfig{
		URL:      "https://sync.example.com/ingest",
		DeviceID: "watch-01",
		Token:    "token-a",
	}

	key := base.Key()
	if len(key) != 16 {
		t.Errorf("Expected 16 hex chars, got %d (%s)", len(key), key)
	}

	same := base
	same.Token = "token-b"
	if same.Key() != key {
		t.Error("Token rotation must not change the endpoint identity")
	}

	otherDevice := base
	otherDevice.DeviceID = "watch-02"
	if otherDevice.Key() == key {
		t.Error("Different device must yield a different identity")
	}

	otherURL := base
	otherURL.URL = "https://sync.example.com/v2/ingest"
	if otherURL.Key() == key {
		t.Error("Different URL must yield a different identity")
	}
}

// TestConfig_Validate exercises configuration validation.
func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWTSecret = testSecret
		cfg.Security.ControlToken = "control-secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid minimal", func(c *Config) {}, false},
		{"missing jwt secret", func(c *Config) { c.Security.JWTSecret = "" }, true},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }, true},
		{"missing control token", func(c *Config) { c.Security.ControlToken = "" }, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"zero debounce", func(c *Config) { c.Trigger.Debounce = 0 }, true},
		{"zero workers", func(c *Config) { c.Upload.Workers = 0 }, true},
		{
			"endpoint without token",
			func(c *Config) {
				c.Endpoint = EndpointConfig{
					URL:          "https://sync.example.com",
					DeviceID:     "watch-01",
					TrackedTypes: []string{"heart_rate"},
				}
			},
			true,
		},
		{
			"endpoint without tracked types",
			func(c *Config) {
				c.Endpoint = EndpointConfig{
					URL:      "https://sync.example.com",
					DeviceID: "watch-01",
					Token:    "tok",
				}
			},
			true,
		},
		{
			"endpoint with bad scheme",
			func(c *Config) {
				c.Endpoint = EndpointConfig{
					URL:          "ftp://sync.example.com",
					DeviceID:     "watch-01",
					Token:        "tok",
					TrackedTypes: []string{"heart_rate"},
				}
			},
			true,
		},
		{
			"complete endpoint",
			func(c *Config) {
				c.Endpoint = EndpointConfig{
					URL:          "https://sync.example.com",
					DeviceID:     "watch-01",
					Token:        "tok",
					TrackedTypes: []string{"heart_rate"},
				}
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}
