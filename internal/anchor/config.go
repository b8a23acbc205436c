// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package anchor

import (
	"fmt"
	"time"
)

// Config holds watermark store configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Anchors gate data-loss
	// recovery, so this defaults to true.
	SyncWrites bool

	// GCInterval is the time between value-log garbage collection runs.
	GCInterval time.Duration

	// GCRatio is the rewrite threshold passed to BadgerDB's value log GC.
	GCRatio float64

	// CloseTimeout bounds how long Close waits for BadgerDB shutdown.
	CloseTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncWrites:   true,
		GCInterval:   30 * time.Minute,
		GCRatio:      0.5,
		CloseTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("anchor store path is required")
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return fmt.Errorf("anchor store GC ratio must be in (0, 1), got %v", c.GCRatio)
	}
	if c.GCInterval < time.Minute {
		return fmt.Errorf("anchor store GC interval must be at least 1 minute, got %v", c.GCInterval)
	}
	return nil
}
