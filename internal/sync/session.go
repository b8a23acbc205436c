// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package sync

import (
	"sync"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/models"
)

// exportSession is the in-memory resumability aid for full exports. When
// a kickoff is interrupted after staging some batches but before the
// full-export flag is set, the next attempt in the same process
// re-observes records whose anchors were never committed; the session's
// sent-set filters those out. Best effort only: it does not survive a
// restart, and the receiver must tolerate duplicate deliveries
// regardless.
type exportSession struct {
	endpointKey string
	createdAt   time.Time

	mu   sync.Mutex
	sent map[string]struct{}
}

func newExportSession(endpointKey string) *exportSession {
	return &exportSession{
		endpointKey: endpointKey,
		createdAt:   time.Now().UTC(),
		sent:        make(map[string]struct{}),
	}
}

// filter drops records already staged during this session and reports
// how many were dropped.
func (s *exportSession) filter(records []models.Record) ([]models.Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]models.Record, 0, len(records))
	for _, r := range records {
		if _, ok := s.sent[r.ID]; ok {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, len(records) - len(fresh)
}

// markSent records ids once their batch is durably staged.
func (s *exportSession) markSent(records []models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID != "" {
			s.sent[r.ID] = struct{}{}
		}
	}
}
