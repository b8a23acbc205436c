// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package config defines the daemon configuration tree and its layered
// loader (defaults, optional YAML file, environment variables).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Endpoint EndpointConfig `koanf:"endpoint"`
	Store    StoreConfig    `koanf:"store"`
	Anchors  AnchorConfig   `koanf:"anchors"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Sync     SyncConfig     `koanf:"sync"`
	Trigger  TriggerConfig  `koanf:"trigger"`
	Upload   UploadConfig   `koanf:"upload"`
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// EndpointConfig identifies the remote sync target. It may be empty at
// boot; the initialize API call provides it at runtime.
type EndpointConfig struct {
	// URL is the remote ingest endpoint batches are POSTed to.
	URL string `koanf:"url"`
	// DeviceID identifies this device to the remote.
	DeviceID string `koanf:"device_id"`
	// Token is the bearer token presented on uploads. Rotating the
	// token does not change the endpoint identity.
	Token string `koanf:"token"`
	// TrackedTypes lists the sample types kept in sync.
	TrackedTypes []string `koanf:"tracked_types"`
}

// Key derives the endpoint identity: the first 8 bytes, hex encoded, of
// SHA-256 over URL and device ID. Watermarks and the full export flag
// are namespaced under it, so changing either field starts a fresh sync
// history while a token rotation keeps it.
func (e *EndpointConfig) Key() string {
	sum := sha256.Sum256([]byte(e.URL + "\n" + e.DeviceID))
	return hex.EncodeToString(sum[:8])
}

// Configured reports whether an endpoint has been set.
func (e *EndpointConfig) Configured() bool {
	return e.URL != "" && e.DeviceID != ""
}

// StoreConfig configures the local DuckDB sample store.
type StoreConfig struct {
	Path       string `koanf:"path"`
	MaxMemory  string `koanf:"max_memory"`
	Threads    int    `koanf:"threads"`
	FetchLimit int    `koanf:"fetch_limit"`
}

// AnchorConfig configures the BadgerDB watermark store.
type AnchorConfig struct {
	Path       string        `koanf:"path"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
	GCRatio    float64       `koanf:"gc_ratio"`
}

// OutboxConfig configures the on-disk upload staging area.
type OutboxConfig struct {
	Dir        string `koanf:"dir"`
	MaxPending int    `koanf:"max_pending"`
}

// SyncConfig tunes the export engine.
type SyncConfig struct {
	// MaxConcurrentTypes bounds how many sample types export at once.
	MaxConcurrentTypes int `koanf:"max_concurrent_types"`
	// SettleTimeout bounds how long the initial full export waits for
	// its uploads to drain before declaring itself complete anyway.
	SettleTimeout time.Duration `koanf:"settle_timeout"`
}

// TriggerConfig tunes when syncs run.
type TriggerConfig struct {
	// Debounce is the quiet period after a change event before a sync
	// fires; further events inside it coalesce into one run.
	Debounce time.Duration `koanf:"debounce"`
	// RefreshInterval is the lightweight periodic schedule.
	RefreshInterval time.Duration `koanf:"refresh_interval"`
	// ProcessingInterval is the heavyweight periodic schedule.
	ProcessingInterval time.Duration `koanf:"processing_interval"`
	// ProcessingBudget caps the runtime of one processing-schedule run.
	ProcessingBudget time.Duration `koanf:"processing_budget"`
}

// UploadConfig tunes the HTTP dispatcher.
type UploadConfig struct {
	// Workers is the number of concurrent upload workers.
	Workers int `koanf:"workers"`
	// Timeout bounds a single POST.
	Timeout time.Duration `koanf:"timeout"`
	// RetryBackoff is the base of the exponential retry delay.
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `koanf:"max_backoff"`
	// RateLimit is the sustained upload rate in requests per second.
	RateLimit float64 `koanf:"rate_limit"`
	// RateBurst is the rate limiter burst size.
	RateBurst int `koanf:"rate_burst"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig configures control API authentication.
type SecurityConfig struct {
	// JWTSecret signs control API tokens. Required.
	JWTSecret string `koanf:"jwt_secret"`
	// ControlToken guards the token issuance endpoint. Required.
	ControlToken string `koanf:"control_token"`
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `koanf:"token_ttl"`
	// RateLimitReqs / RateLimitWindow throttle API requests per client.
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	// CORSOrigins lists browser origins allowed to call the control
	// API. Empty means no browser origins are allowed; native clients
	// are unaffected.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration. The endpoint section is validated
// only when set, since it can arrive later through the API.
func (c *Config) Validate() error {
	if c.Endpoint.URL != "" {
		if err := c.Endpoint.Validate(); err != nil {
			return err
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.FetchLimit <= 0 {
		return fmt.Errorf("store.fetch_limit must be positive, got %d", c.Store.FetchLimit)
	}
	if c.Anchors.Path == "" {
		return fmt.Errorf("anchors.path is required")
	}
	if c.Outbox.Dir == "" {
		return fmt.Errorf("outbox.dir is required")
	}
	if c.Sync.MaxConcurrentTypes <= 0 {
		return fmt.Errorf("sync.max_concurrent_types must be positive, got %d", c.Sync.MaxConcurrentTypes)
	}
	if c.Trigger.Debounce <= 0 {
		return fmt.Errorf("trigger.debounce must be positive, got %v", c.Trigger.Debounce)
	}
	if c.Trigger.RefreshInterval <= 0 || c.Trigger.ProcessingInterval <= 0 {
		return fmt.Errorf("trigger intervals must be positive")
	}
	if c.Trigger.ProcessingBudget <= 0 {
		return fmt.Errorf("trigger.processing_budget must be positive, got %v", c.Trigger.ProcessingBudget)
	}
	if c.Upload.Workers <= 0 {
		return fmt.Errorf("upload.workers must be positive, got %d", c.Upload.Workers)
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be positive, got %v", c.Upload.Timeout)
	}
	if c.Upload.RateLimit <= 0 {
		return fmt.Errorf("upload.rate_limit must be positive, got %v", c.Upload.RateLimit)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.Security.ControlToken == "" {
		return fmt.Errorf("security.control_token is required")
	}
	return nil
}

// Validate checks that the endpoint is complete enough to sync against.
func (e *EndpointConfig) Validate() error {
	parsed, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("endpoint.url is not a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint.url must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint.url is missing a host")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("endpoint.device_id is required when endpoint.url is set")
	}
	if strings.TrimSpace(e.Token) == "" {
		return fmt.Errorf("endpoint.token is required when endpoint.url is set")
	}
	if len(e.TrackedTypes) == 0 {
		return fmt.Errorf("endpoint.tracked_types must list at least one sample type")
	}
	for _, typeID := range e.TrackedTypes {
		if strings.TrimSpace(typeID) == "" {
			return fmt.Errorf("endpoint.tracked_types contains an empty type")
		}
	}
	return nil
}
