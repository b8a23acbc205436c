// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package middleware provides the HTTP middleware for the control API:
// request id propagation, access logging, Prometheus instrumentation,
// and gzip compression. All middleware uses the standard
// func(http.Handler) http.Handler shape so it composes with chi.
package middleware
