// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package models holds the domain and wire types shared across the sync
// pipeline: samples as stored locally, records as returned by the data
// provider, and the batch payload shape sent to the remote endpoint.
package models

import (
	"fmt"
	"time"
)

// TypeID identifies one data category (a vital-sign kind such as
// "heart_rate" or "step_count"). It is opaque to the engine; membership in
// the endpoint's tracked set is the sole authorization for fetch and sync.
type TypeID string

func (t TypeID) String() string {
	return string(t)
}

// Sample is a single time-series measurement.
type Sample struct {
	Type  TypeID    `json:"type"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit,omitempty"`
}

// Validate checks structural sanity of an ingested sample.
func (s *Sample) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("sample type is required")
	}
	if s.Start.IsZero() {
		return fmt.Errorf("sample start is required")
	}
	if s.End.IsZero() {
		return fmt.Errorf("sample end is required")
	}
	if s.End.Before(s.Start) {
		return fmt.Errorf("sample end %s precedes start %s", s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	return nil
}

// Record is a sample as returned by the data provider, carrying the stable
// id used for best-effort deduplication within a resumed full export.
type Record struct {
	ID string `json:"id"`
	Sample
}

// Batch is the transport payload: one batch per (type, run).
//
// Wire shape:
//
//	{"device": "...", "endpointKey": "...", "batchGeneratedAt": "...",
//	 "samples": [{"type": "...", "start": "...", "end": "...", "value": 0, "unit": "..."}]}
type Batch struct {
	Device           string    `json:"device"`
	EndpointKey      string    `json:"endpointKey"`
	BatchGeneratedAt time.Time `json:"batchGeneratedAt"`
	Samples          []Sample  `json:"samples"`
}

// NewBatch assembles a batch payload from provider records, stamped with the
// generation time.
func NewBatch(device, endpointKey string, records []Record, generatedAt time.Time) Batch {
	samples := make([]Sample, len(records))
	for i, r := range records {
		samples[i] = r.Sample
	}
	return Batch{
		Device:           device,
		EndpointKey:      endpointKey,
		BatchGeneratedAt: generatedAt.UTC(),
		Samples:          samples,
	}
}

// ChangeEvent is published on the notification bus when samples of one type
// are written to the local store.
type ChangeEvent struct {
	Type  TypeID    `json:"type"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}
