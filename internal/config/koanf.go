// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/health-bg-sync/config.yaml",
	"/etc/health-bg-sync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults
// load first, then the config file, then environment variables.
func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			URL:          "",
			DeviceID:     "",
			Token:        "",
			TrackedTypes: []string{},
		},
		Store: StoreConfig{
			Path:       "/data/samples.duckdb",
			MaxMemory:  "256MB",
			Threads:    0, // 0 = use runtime.NumCPU()
			FetchLimit: 1000,
		},
		Anchors: AnchorConfig{
			Path:       "/data/anchors",
			SyncWrites: true,
			GCInterval: 30 * time.Minute,
			GCRatio:    0.5,
		},
		Outbox: OutboxConfig{
			Dir:        "/data/outbox",
			MaxPending: 10000,
		},
		Sync: SyncConfig{
			MaxConcurrentTypes: 4,
			SettleTimeout:      30 * time.Second,
		},
		Trigger: TriggerConfig{
			Debounce:           2 * time.Second,
			RefreshInterval:    30 * time.Minute,
			ProcessingInterval: 4 * time.Hour,
			ProcessingBudget:   25 * time.Second,
		},
		Upload: UploadConfig{
			Workers:      2,
			Timeout:      30 * time.Second,
			RetryBackoff: 2 * time.Second,
			MaxBackoff:   5 * time.Minute,
			RateLimit:    5,
			RateBurst:    5,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8844,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			ControlToken:      "",
			TokenTTL:          24 * time.Hour,
			RateLimitReqs:     100,
			RateLimitWindow:   1 * time.Minute,
			RateLimitDisabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variable names map to koanf paths:
	// ENDPOINT_URL -> endpoint.url, OUTBOX_DIR -> outbox.dir
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches the override env var, then the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when they arrive through environment variables.
var sliceConfigPaths = []string{
	"endpoint.tracked_types",
	"security.cors_origins",
}

// processSliceFields converts comma-separated strings to slices for
// known slice fields, since env vars always arrive as strings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are skipped so random environment variables never
// pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Endpoint mappings
		"endpoint_url":   "endpoint.url",
		"device_id":      "endpoint.device_id",
		"endpoint_token": "endpoint.token",
		"tracked_types":  "endpoint.tracked_types",

		// Sample store mappings
		"duckdb_path":       "store.path",
		"duckdb_max_memory": "store.max_memory",
		"duckdb_threads":    "store.threads",
		"store_fetch_limit": "store.fetch_limit",

		// Anchor store mappings
		"anchor_path":        "anchors.path",
		"anchor_sync_writes": "anchors.sync_writes",
		"anchor_gc_interval": "anchors.gc_interval",
		"anchor_gc_ratio":    "anchors.gc_ratio",

		// Outbox mappings
		"outbox_dir":         "outbox.dir",
		"outbox_max_pending": "outbox.max_pending",

		// Sync mappings
		"sync_max_concurrent_types": "sync.max_concurrent_types",
		"sync_settle_timeout":       "sync.settle_timeout",

		// Trigger mappings
		"trigger_debounce":    "trigger.debounce",
		"refresh_interval":    "trigger.refresh_interval",
		"processing_interval": "trigger.processing_interval",
		"processing_budget":   "trigger.processing_budget",

		// Upload mappings
		"upload_workers":       "upload.workers",
		"upload_timeout":       "upload.timeout",
		"upload_retry_backoff": "upload.retry_backoff",
		"upload_max_backoff":   "upload.max_backoff",
		"upload_rate_limit":    "upload.rate_limit",
		"upload_rate_burst":    "upload.rate_burst",

		// Server mappings
		"http_port":    "server.port",
		"http_host":    "server.host",
		"http_timeout": "server.timeout",

		// Security mappings
		"jwt_secret":          "security.jwt_secret",
		"control_token":       "security.control_token",
		"token_ttl":           "security.token_ttl",
		"rate_limit_requests": "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"disable_rate_limit":  "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
