// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/anchor"
	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/outbox"
	"github.com/the-momentum/health-bg-sync/internal/provider"
)

// Sync trigger sources, recorded on runs and in metrics.
const (
	SourceNotify     = "notify"
	SourceRefresh    = "refresh"
	SourceProcessing = "processing"
	SourceManual     = "manual"
	SourceInitial    = "initial"
)

// ErrNotConfigured is returned when a sync operation runs before an
// endpoint has been configured.
var ErrNotConfigured = errors.New("no endpoint configured")

// AnchorStore is the watermark persistence consumed by the engine.
// *anchor.Store satisfies it.
type AnchorStore interface {
	Get(endpointKey string, typeID models.TypeID) ([]byte, uint64, error)
	NextSeq(endpointKey string, typeID models.TypeID) (uint64, error)
	FullExportDone(endpointKey string) (bool, error)
	SetFullExportDone(endpointKey string) (bool, error)
	Reset(endpointKey string, typeID models.TypeID) error
	Snapshot(endpointKey string) (map[models.TypeID]anchor.Info, error)
}

// Queue is the durable outbox staging consumed by the engine.
// *outbox.Outbox satisfies it.
type Queue interface {
	Enqueue(req outbox.Request) (*outbox.Item, error)
	ListPending() ([]*outbox.Item, error)
	Drop(id string) error
	PendingCount() int
}

// Dispatcher is the engine's handle on the upload transport: woken after
// each enqueue, waited on during the initial-export settle phase.
type Dispatcher interface {
	// Notify wakes the dispatcher to scan for newly staged items.
	Notify()
	// Settle blocks until the outbox drains or ctx ends.
	Settle(ctx context.Context) error
}

// SampleCounter reports per-type stored sample counts for status output.
type SampleCounter interface {
	Counts(ctx context.Context) (map[models.TypeID]int64, error)
}

// Manager orchestrates sync runs against one active endpoint. All
// methods are safe for concurrent use; runs for the same (endpoint,
// type) pair never overlap.
type Manager struct {
	cfg      *config.Config
	anchors  AnchorStore
	queue    Queue
	provider provider.Provider
	dispatch Dispatcher
	counter  SampleCounter

	mu         sync.RWMutex // guards endpoint, session, lastReport, hooks
	endpoint   config.EndpointConfig
	session    *exportSession
	lastReport *Report

	onRunStarted   func(source string, fullExport bool)
	onRunCompleted func(*Report)

	runMu  sync.Mutex
	active map[string]bool // (endpointKey.type) pairs mid-run
}

// New constructs a Manager. The endpoint may be empty at boot and arrive
// later through Initialize. counter may be nil when status output does
// not need local store counts.
func New(cfg *config.Config, anchors AnchorStore, queue Queue, prov provider.Provider, dispatch Dispatcher, counter SampleCounter) *Manager {
	m := &Manager{
		cfg:      cfg,
		anchors:  anchors,
		queue:    queue,
		provider: prov,
		dispatch: dispatch,
		counter:  counter,
		endpoint: cfg.Endpoint,
		active:   make(map[string]bool),
	}
	if m.endpoint.Configured() {
		logging.Info().
			Str("endpoint_key", m.endpoint.Key()).
			Int("tracked_types", len(m.endpoint.TrackedTypes)).
			Msg("Sync engine endpoint loaded from configuration")
	} else {
		logging.Info().Msg("Sync engine waiting for endpoint initialization")
	}
	return m
}

// SetOnRunStarted registers a callback invoked when a sync run begins.
// Used to fan run lifecycle events out to websocket subscribers. Call
// during startup, before runs begin.
func (m *Manager) SetOnRunStarted(fn func(source string, fullExport bool)) {
	m.mu.Lock()
	m.onRunStarted = fn
	m.mu.Unlock()
}

// SetOnRunCompleted registers a callback invoked with every finished
// run's report. Call during startup, before runs begin.
func (m *Manager) SetOnRunCompleted(fn func(*Report)) {
	m.mu.Lock()
	m.onRunCompleted = fn
	m.mu.Unlock()
}

// Initialize sets or replaces the remote endpoint at runtime. Changing
// the URL or device starts a fresh watermark namespace; rotating only
// the token keeps the existing one. Invalid endpoints are rejected
// without mutating state.
func (m *Manager) Initialize(endpoint config.EndpointConfig) error {
	if err := endpoint.Validate(); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prevKey := ""
	if m.endpoint.Configured() {
		prevKey = m.endpoint.Key()
	}
	newKey := endpoint.Key()
	m.endpoint = endpoint

	if prevKey != "" && prevKey != newKey {
		// Watermarks for the previous identity stay on disk and are
		// picked up again if the endpoint is ever switched back.
		m.session = nil
		logging.Info().
			Str("endpoint_key", newKey).
			Str("previous_key", prevKey).
			Msg("Endpoint identity changed")
		return nil
	}
	logging.Info().
		Str("endpoint_key", newKey).
		Str("token", logging.SanitizeToken(endpoint.Token)).
		Int("tracked_types", len(endpoint.TrackedTypes)).
		Msg("Endpoint configured")
	return nil
}

// Endpoint returns a copy of the current endpoint configuration.
func (m *Manager) Endpoint() config.EndpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// Authorize requests read access from the data provider for every
// tracked type.
func (m *Manager) Authorize(ctx context.Context) error {
	ep := m.Endpoint()
	if !ep.Configured() {
		return ErrNotConfigured
	}
	types := trackedTypeIDs(ep)
	if err := m.provider.Authorize(ctx, types); err != nil {
		return fmt.Errorf("authorize %d types: %w", len(types), err)
	}
	logging.Info().Int("types", len(types)).Msg("Data provider authorization granted")
	return nil
}

// ResetAnchors clears the stored watermarks for the given types, or for
// every tracked type when none are named, and drops still-pending outbox
// items staged for them. Items are dropped first: a late acknowledgment
// of an old item must not commit against the rebuilt sequence counter.
// When the last anchor of the endpoint goes, the full-export flag goes
// with it, so the next kickoff runs a fresh full export.
func (m *Manager) ResetAnchors(types []models.TypeID) error {
	ep := m.Endpoint()
	if !ep.Configured() {
		return ErrNotConfigured
	}
	key := ep.Key()
	if len(types) == 0 {
		types = trackedTypeIDs(ep)
	}
	selected := make(map[models.TypeID]bool, len(types))
	for _, t := range types {
		selected[t] = true
	}

	pending, err := m.queue.ListPending()
	if err != nil {
		return fmt.Errorf("list pending outbox items: %w", err)
	}
	dropped := 0
	for _, item := range pending {
		if item.EndpointKey != key || !selected[item.Type] {
			continue
		}
		if err := m.queue.Drop(item.ID); err != nil {
			return fmt.Errorf("drop outbox item %s: %w", item.ID, err)
		}
		dropped++
	}

	for _, t := range types {
		if err := m.anchors.Reset(key, t); err != nil {
			return fmt.Errorf("reset anchor for %s: %w", t, err)
		}
	}

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	logging.Info().
		Str("endpoint_key", key).
		Int("types", len(types)).
		Int("dropped_items", dropped).
		Msg("Anchors reset")
	return nil
}

// TypeStatus is one tracked type's sync position.
type TypeStatus struct {
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is a point-in-time view of the engine for the control API.
type Status struct {
	Configured     bool                         `json:"configured"`
	EndpointKey    string                       `json:"endpoint_key,omitempty"`
	TrackedTypes   []string                     `json:"tracked_types,omitempty"`
	FullExportDone bool                         `json:"full_export_done"`
	Anchors        map[models.TypeID]TypeStatus `json:"anchors,omitempty"`
	PendingUploads int                          `json:"pending_uploads"`
	SampleCounts   map[models.TypeID]int64      `json:"sample_counts,omitempty"`
	LastRun        *Report                      `json:"last_run,omitempty"`
}

// Status reports the current endpoint, per-type anchors, outbox depth,
// and the last run. Sample counts are best effort: a store read failure
// degrades to omitting them rather than failing the status call.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	m.mu.RLock()
	ep := m.endpoint
	last := m.lastReport
	m.mu.RUnlock()

	st := &Status{
		Configured:     ep.Configured(),
		PendingUploads: m.queue.PendingCount(),
		LastRun:        last,
	}
	if !st.Configured {
		return st, nil
	}
	key := ep.Key()
	st.EndpointKey = key
	st.TrackedTypes = ep.TrackedTypes

	done, err := m.anchors.FullExportDone(key)
	if err != nil {
		return nil, fmt.Errorf("read full export flag: %w", err)
	}
	st.FullExportDone = done

	snap, err := m.anchors.Snapshot(key)
	if err != nil {
		return nil, fmt.Errorf("snapshot anchors: %w", err)
	}
	st.Anchors = make(map[models.TypeID]TypeStatus, len(snap))
	for t, info := range snap {
		st.Anchors[t] = TypeStatus{Seq: info.Seq, UpdatedAt: info.UpdatedAt}
	}

	if m.counter != nil {
		counts, err := m.counter.Counts(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Sample counts unavailable for status")
		} else {
			st.SampleCounts = counts
		}
	}
	return st, nil
}

func (m *Manager) beginTypeRun(runKey string) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.active[runKey] {
		return false
	}
	m.active[runKey] = true
	return true
}

func (m *Manager) endTypeRun(runKey string) {
	m.runMu.Lock()
	delete(m.active, runKey)
	m.runMu.Unlock()
}

func trackedTypeIDs(ep config.EndpointConfig) []models.TypeID {
	types := make([]models.TypeID, 0, len(ep.TrackedTypes))
	for _, t := range ep.TrackedTypes {
		types = append(types, models.TypeID(t))
	}
	return types
}
