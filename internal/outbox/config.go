// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package outbox

import "fmt"

// Config holds outbox configuration.
type Config struct {
	// Dir is the directory holding payload, anchor and manifest files.
	// Should be on the same durable filesystem as the anchor store.
	Dir string

	// MaxPending caps how many batches may wait for upload at once.
	// Enqueue returns ErrOutboxFull beyond the cap. Zero means unlimited.
	MaxPending int
}

// DefaultConfig returns production defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		MaxPending: 10000,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("outbox directory is required")
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("outbox max pending must not be negative, got %d", c.MaxPending)
	}
	return nil
}
