// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package provider abstracts the local health sample source the daemon
// exports from. Implementations issue opaque anchors: a fetch returns
// the records after a given anchor plus a new anchor covering them, and
// the daemon never interprets anchor bytes.
package provider

import (
	"context"
	"errors"

	"github.com/the-momentum/health-bg-sync/internal/models"
)

var (
	// ErrNotAuthorized is returned when read access for a sample type
	// has not been granted.
	ErrNotAuthorized = errors.New("sample type not authorized")

	// ErrInvalidAnchor is returned when an anchor was not issued by
	// this provider. The caller should reset and run a full export.
	ErrInvalidAnchor = errors.New("invalid anchor")
)

// FetchResult is one page of records for a single sample type.
type FetchResult struct {
	Records []models.Record
	// Anchor covers everything in Records; committing it makes the next
	// fetch resume after them. Nil when Records is empty.
	Anchor []byte
}

// Provider is the read side of the sample source.
type Provider interface {
	// Authorize requests read access for the given sample types. It is
	// idempotent; granted access persists for the process lifetime.
	Authorize(ctx context.Context, types []models.TypeID) error

	// Fetch returns records of one type after the given anchor, bounded
	// by the provider's own page limit. A nil anchor reads from the
	// beginning (full export). Callers loop runs, not pages: one sync
	// run performs exactly one fetch per type.
	Fetch(ctx context.Context, typeID models.TypeID, anchor []byte) (*FetchResult, error)
}
