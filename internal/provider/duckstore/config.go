// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package duckstore

import "fmt"

// Config holds sample store configuration.
type Config struct {
	// Path is the DuckDB database file. ":memory:" is accepted for tests.
	Path string

	// MaxMemory caps DuckDB memory usage, e.g. "256MB".
	MaxMemory string

	// Threads is the DuckDB thread count. Zero means DuckDB's default.
	Threads int

	// FetchLimit is the store's paging ceiling: one fetch never returns
	// more rows than this.
	FetchLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		MaxMemory:  "256MB",
		FetchLimit: 1000,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("sample store path is required")
	}
	if c.FetchLimit <= 0 {
		return fmt.Errorf("sample store fetch limit must be positive, got %d", c.FetchLimit)
	}
	return nil
}
