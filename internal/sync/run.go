// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/outbox"
)

// TypeResult is the outcome of one type's run within a sync.
type TypeResult struct {
	Type     models.TypeID `json:"type"`
	Records  int           `json:"records"`
	Deduped  int           `json:"deduped,omitempty"`
	Enqueued bool          `json:"enqueued"`
	ItemID   string        `json:"item_id,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report summarizes one sync run.
type Report struct {
	Source      string       `json:"source"`
	EndpointKey string       `json:"endpoint_key"`
	FullExport  bool         `json:"full_export"`
	StartedAt   time.Time    `json:"started_at"`
	DurationMS  int64        `json:"duration_ms"`
	Types       []TypeResult `json:"types"`
	Enqueued    int          `json:"enqueued"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
}

func (r *Report) result() string {
	switch {
	case r.Failed == 0:
		return "ok"
	case r.Failed < len(r.Types):
		return "partial"
	default:
		return "error"
	}
}

// SyncAll runs the fetch→batch→enqueue pipeline for every tracked type,
// bounded by sync.max_concurrent_types, and joins before returning. A
// failure in one type never aborts the others. When fullExport is true
// every type fetches from the beginning regardless of stored anchors.
func (m *Manager) SyncAll(ctx context.Context, fullExport bool, source string) (*Report, error) {
	m.mu.RLock()
	ep := m.endpoint
	sess := m.session
	m.mu.RUnlock()
	if !ep.Configured() {
		return nil, ErrNotConfigured
	}
	if !fullExport {
		// Incremental runs dedup through committed anchors alone.
		sess = nil
	}
	return m.runAll(ctx, ep, sess, fullExport, source), nil
}

func (m *Manager) runAll(ctx context.Context, ep config.EndpointConfig, sess *exportSession, fullExport bool, source string) *Report {
	types := trackedTypeIDs(ep)
	started := time.Now()

	m.mu.RLock()
	onStarted, onCompleted := m.onRunStarted, m.onRunCompleted
	m.mu.RUnlock()
	if onStarted != nil {
		onStarted(source, fullExport)
	}

	logging.Info().
		Str("source", source).
		Bool("full_export", fullExport).
		Int("types", len(types)).
		Msg("Sync run started")

	results := make([]TypeResult, len(types))
	sem := make(chan struct{}, m.cfg.Sync.MaxConcurrentTypes)
	var wg sync.WaitGroup
	for i, typeID := range types {
		wg.Add(1)
		go func(i int, typeID models.TypeID) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = TypeResult{Type: typeID, Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()
			results[i] = m.syncType(ctx, ep, sess, typeID, fullExport)
		}(i, typeID)
	}
	wg.Wait()

	report := &Report{
		Source:      source,
		EndpointKey: ep.Key(),
		FullExport:  fullExport,
		StartedAt:   started.UTC(),
		DurationMS:  time.Since(started).Milliseconds(),
		Types:       results,
	}
	for _, r := range results {
		switch {
		case r.Error != "":
			report.Failed++
		case r.Skipped:
			report.Skipped++
		case r.Enqueued:
			report.Enqueued++
		}
	}

	result := report.result()
	if ctx.Err() != nil {
		result = "canceled"
	}
	metrics.RecordSyncRun(source, result, time.Since(started))

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()

	logging.Info().
		Str("source", source).
		Str("result", result).
		Int("enqueued", report.Enqueued).
		Int("failed", report.Failed).
		Dur("duration", time.Since(started)).
		Msg("Sync run finished")

	if onCompleted != nil {
		onCompleted(report)
	}
	return report
}

// syncType runs the pipeline for one type. When the same (endpoint,
// type) pair is already mid-run the new run is skipped rather than
// queued: the trigger layer re-arms on further changes, so skipped work
// is picked up by the next firing.
func (m *Manager) syncType(ctx context.Context, ep config.EndpointConfig, sess *exportSession, typeID models.TypeID, fullExport bool) TypeResult {
	key := ep.Key()
	runKey := key + "." + typeID.String()
	if !m.beginTypeRun(runKey) {
		logging.Debug().Str("type", typeID.String()).Msg("Type sync already in flight, skipping")
		return TypeResult{Type: typeID, Skipped: true}
	}
	defer m.endTypeRun(runKey)

	res := TypeResult{Type: typeID}

	var from []byte
	if !fullExport {
		stored, _, err := m.anchors.Get(key, typeID)
		if err != nil {
			res.Error = fmt.Sprintf("read anchor: %v", err)
			metrics.SyncTypeErrors.WithLabelValues(typeID.String(), "anchor").Inc()
			return res
		}
		from = stored
	}

	fetched, err := m.provider.Fetch(ctx, typeID, from)
	if err != nil {
		res.Error = fmt.Sprintf("fetch: %v", err)
		metrics.SyncTypeErrors.WithLabelValues(typeID.String(), "fetch").Inc()
		logging.Warn().Err(err).Str("type", typeID.String()).Msg("Fetch failed")
		return res
	}

	records := fetched.Records
	if sess != nil {
		records, res.Deduped = sess.filter(records)
	}
	res.Records = len(records)
	if len(records) == 0 {
		if res.Deduped > 0 {
			logging.Debug().
				Str("type", typeID.String()).
				Int("deduped", res.Deduped).
				Msg("All fetched records already staged this session")
		}
		return res
	}

	payload, err := json.Marshal(models.NewBatch(ep.DeviceID, key, records, time.Now()))
	if err != nil {
		res.Error = fmt.Sprintf("encode batch: %v", err)
		metrics.SyncTypeErrors.WithLabelValues(typeID.String(), "enqueue").Inc()
		return res
	}

	seq, err := m.anchors.NextSeq(key, typeID)
	if err != nil {
		res.Error = fmt.Sprintf("allocate commit seq: %v", err)
		metrics.SyncTypeErrors.WithLabelValues(typeID.String(), "enqueue").Inc()
		return res
	}

	item, err := m.queue.Enqueue(outbox.Request{
		EndpointKey: key,
		Type:        typeID,
		Seq:         seq,
		Payload:     payload,
		Anchor:      fetched.Anchor,
		RecordCount: len(records),
	})
	if err != nil {
		res.Error = fmt.Sprintf("enqueue: %v", err)
		metrics.SyncTypeErrors.WithLabelValues(typeID.String(), "enqueue").Inc()
		logging.Error().Err(err).Str("type", typeID.String()).Msg("Outbox enqueue failed")
		return res
	}
	if sess != nil {
		sess.markSent(records)
	}
	metrics.SyncRecordsExported.WithLabelValues(typeID.String()).Add(float64(len(records)))
	m.dispatch.Notify()

	res.Enqueued = true
	res.ItemID = item.ID
	logging.Info().
		Str("type", typeID.String()).
		Int("records", len(records)).
		Uint64("seq", seq).
		Str("item_id", item.ID).
		Msg("Batch staged for upload")
	return res
}

// KickoffInitialSync performs the one-time full export for an endpoint
// that has never completed one, returning (nil, nil) if it already has.
// The full-export flag is set only when every tracked type staged its
// batch without error or skip. A settle wait bounded by
// sync.settle_timeout lets the staged uploads drain first, so the flag
// normally becomes visible after their delivery — but a slow remote does
// not hold it hostage, since the outbox already guarantees the staged
// batches eventually deliver.
func (m *Manager) KickoffInitialSync(ctx context.Context) (*Report, error) {
	m.mu.RLock()
	ep := m.endpoint
	m.mu.RUnlock()
	if !ep.Configured() {
		return nil, ErrNotConfigured
	}
	key := ep.Key()

	done, err := m.anchors.FullExportDone(key)
	if err != nil {
		return nil, fmt.Errorf("read full export flag: %w", err)
	}
	if done {
		logging.Debug().Str("endpoint_key", key).Msg("Full export already complete")
		return nil, nil
	}

	// The session survives failed kickoff attempts so a retry does not
	// restage records whose anchors were never committed.
	m.mu.Lock()
	if m.session == nil || m.session.endpointKey != key {
		m.session = newExportSession(key)
	}
	sess := m.session
	m.mu.Unlock()

	report := m.runAll(ctx, ep, sess, true, SourceInitial)
	if report.Failed > 0 || report.Skipped > 0 {
		logging.Warn().
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("Initial export incomplete, flag left unset for retry")
		return report, nil
	}

	if report.Enqueued > 0 {
		settleCtx, cancel := context.WithTimeout(ctx, m.cfg.Sync.SettleTimeout)
		err := m.dispatch.Settle(settleCtx)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Msg("Outbox not drained within settle window, completing initial export anyway")
		}
	}

	changed, err := m.anchors.SetFullExportDone(key)
	if err != nil {
		return report, fmt.Errorf("set full export flag: %w", err)
	}
	if changed {
		logging.Info().
			Str("endpoint_key", key).
			Int("batches", report.Enqueued).
			Msg("Initial full export complete")
	}

	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	m.mu.Unlock()
	return report, nil
}
