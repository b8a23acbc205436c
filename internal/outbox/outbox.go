// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package outbox is the durable staging area between export and upload.
// Every batch becomes three files in one directory:
//
//	<id>.payload.json   the upload body, exactly as it will be POSTed
//	<id>.anchor         optional candidate watermark (raw bytes)
//	<id>.manifest.json  metadata referencing the other two
//
// The manifest is always written last, so a batch is pending if and only
// if its manifest exists: a crash mid-enqueue leaves stray payload or
// anchor files that the next Open sweeps away, never a half-visible
// batch. Completion removes the manifest first for the same reason.
// Failed uploads change nothing on disk; retry bookkeeping lives in the
// dispatcher's memory.
package outbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

var (
	// ErrNotFound is returned when no pending item has the given ID.
	ErrNotFound = errors.New("outbox item not found")

	// ErrOutboxFull is returned by Enqueue when MaxPending is reached.
	ErrOutboxFull = errors.New("outbox is full")

	// ErrEmptyPayload is returned by Enqueue for a zero-length payload.
	ErrEmptyPayload = errors.New("outbox payload is empty")
)

const (
	payloadSuffix  = ".payload.json"
	anchorSuffix   = ".anchor"
	manifestSuffix = ".manifest.json"
	tmpSuffix      = ".tmp"

	dirPerm  = 0o750
	filePerm = 0o600
)

// Item is the manifest document for one staged batch. File references
// are relative to the outbox directory.
type Item struct {
	ID          string        `json:"id"`
	EndpointKey string        `json:"endpoint_key"`
	Type        models.TypeID `json:"type"`
	Seq         uint64        `json:"seq"`
	RecordCount int           `json:"record_count"`
	PayloadFile string        `json:"payload_file"`
	AnchorFile  string        `json:"anchor_file,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Request describes a batch to enqueue.
type Request struct {
	EndpointKey string
	Type        models.TypeID
	Seq         uint64
	Payload     []byte
	// Anchor is the candidate watermark to commit once the remote
	// acknowledges this batch. Nil when the provider issued none.
	Anchor      []byte
	RecordCount int
}

// Outbox stages batches on disk until the remote acknowledges them.
// Safe for concurrent use.
type Outbox struct {
	dir    string
	config Config

	// claims tracks item IDs currently held by an upload worker so the
	// same batch is never dispatched twice concurrently.
	claims sync.Map

	pending atomic.Int64
}

// Open prepares the outbox directory, sweeps debris left by a crash
// mid-enqueue, and counts surviving pending items.
func Open(config Config) (*Outbox, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox config: %w", err)
	}
	if err := os.MkdirAll(config.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	o := &Outbox{
		dir:    config.Dir,
		config: config,
	}

	count, err := o.sweepDebris()
	if err != nil {
		return nil, err
	}
	o.pending.Store(int64(count))
	metrics.OutboxPending.Set(float64(count))

	logging.Info().
		Str("dir", config.Dir).
		Int("pending", count).
		Msg("Outbox opened")
	return o, nil
}

// sweepDebris removes temp files and payload/anchor files that have no
// manifest. Returns the number of pending manifests found.
func (o *Outbox) sweepDebris() (int, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox directory: %w", err)
	}

	manifests := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, manifestSuffix) {
			manifests[strings.TrimSuffix(name, manifestSuffix)] = true
		}
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var orphan bool
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			orphan = true
		case strings.HasSuffix(name, payloadSuffix):
			orphan = !manifests[strings.TrimSuffix(name, payloadSuffix)]
		case strings.HasSuffix(name, anchorSuffix):
			orphan = !manifests[strings.TrimSuffix(name, anchorSuffix)]
		}
		if orphan {
			if err := os.Remove(filepath.Join(o.dir, name)); err != nil && !os.IsNotExist(err) {
				logging.Warn().Str("file", name).Err(err).Msg("Failed to remove outbox debris")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("Swept outbox debris from interrupted enqueues")
	}
	return len(manifests), nil
}

func (o *Outbox) manifestPath(id string) string {
	return filepath.Join(o.dir, id+manifestSuffix)
}

// Enqueue durably stages a batch. Either all files land on disk and the
// item becomes pending, or nothing of it remains.
func (o *Outbox) Enqueue(req Request) (*Item, error) {
	if len(req.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if req.EndpointKey == "" || req.Type == "" {
		return nil, fmt.Errorf("outbox request needs endpoint key and type")
	}
	if o.config.MaxPending > 0 && int(o.pending.Load()) >= o.config.MaxPending {
		return nil, fmt.Errorf("%w: %d items pending", ErrOutboxFull, o.pending.Load())
	}

	id := uuid.New().String()
	item := &Item{
		ID:          id,
		EndpointKey: req.EndpointKey,
		Type:        req.Type,
		Seq:         req.Seq,
		RecordCount: req.RecordCount,
		PayloadFile: id + payloadSuffix,
		CreatedAt:   time.Now().UTC(),
	}

	if err := writeFileAtomic(filepath.Join(o.dir, item.PayloadFile), req.Payload); err != nil {
		return nil, fmt.Errorf("failed to write payload: %w", err)
	}

	if len(req.Anchor) > 0 {
		item.AnchorFile = id + anchorSuffix
		if err := writeFileAtomic(filepath.Join(o.dir, item.AnchorFile), req.Anchor); err != nil {
			os.Remove(filepath.Join(o.dir, item.PayloadFile)) //nolint:errcheck // Best effort cleanup on error
			return nil, fmt.Errorf("failed to write candidate anchor: %w", err)
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		o.removeDataFiles(item)
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeFileAtomic(o.manifestPath(id), data); err != nil {
		o.removeDataFiles(item)
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	o.pending.Add(1)
	metrics.OutboxEnqueued.Inc()
	metrics.OutboxPending.Inc()

	logging.Debug().
		Str("item_id", id).
		Str("endpoint_key", item.EndpointKey).
		Str("type", string(item.Type)).
		Uint64("seq", item.Seq).
		Int("records", item.RecordCount).
		Msg("Outbox item enqueued")
	return item, nil
}

func (o *Outbox) removeDataFiles(item *Item) {
	os.Remove(filepath.Join(o.dir, item.PayloadFile)) //nolint:errcheck // Best effort cleanup on error
	if item.AnchorFile != "" {
		os.Remove(filepath.Join(o.dir, item.AnchorFile)) //nolint:errcheck // Best effort cleanup on error
	}
}

// ListPending returns all staged items, oldest first. Corrupt manifests
// and manifests whose payload file is missing are skipped with a warning
// so one bad item cannot wedge the queue.
func (o *Outbox) ListPending() ([]*Item, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox directory: %w", err)
	}

	items := make([]*Item, 0, len(entries)/3)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestSuffix) {
			continue
		}
		item, err := o.readManifestFile(filepath.Join(o.dir, e.Name()))
		if err != nil {
			metrics.OutboxCorruptManifests.Inc()
			logging.Warn().Str("file", e.Name()).Err(err).Msg("Skipping corrupt outbox manifest")
			continue
		}
		if _, err := os.Stat(filepath.Join(o.dir, item.PayloadFile)); err != nil {
			metrics.OutboxCorruptManifests.Inc()
			logging.Warn().
				Str("item_id", item.ID).
				Str("payload_file", item.PayloadFile).
				Msg("Skipping outbox item with missing payload")
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (o *Outbox) readManifestFile(path string) (*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if item.ID == "" || item.PayloadFile == "" {
		return nil, fmt.Errorf("manifest missing required fields")
	}
	return &item, nil
}

// Get returns the pending item with the given ID.
func (o *Outbox) Get(id string) (*Item, error) {
	return o.readManifestFile(o.manifestPath(id))
}

// ReadPayload returns the staged upload body for the item.
func (o *Outbox) ReadPayload(id string) ([]byte, error) {
	item, err := o.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(o.dir, item.PayloadFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// TryClaim marks the item as held by an upload worker. Returns false if
// another worker already holds it.
func (o *Outbox) TryClaim(id string) bool {
	_, loaded := o.claims.LoadOrStore(id, struct{}{})
	return !loaded
}

// Release drops a worker's claim without touching the item on disk.
func (o *Outbox) Release(id string) {
	o.claims.Delete(id)
}

// Claimed reports whether an upload worker currently holds the item.
func (o *Outbox) Claimed(id string) bool {
	_, ok := o.claims.Load(id)
	return ok
}

// Complete finishes an upload attempt and always releases the claim.
//
// On failure the item is untouched on disk: payload, anchor and manifest
// stay byte-identical and the batch remains pending for a later retry.
//
// On success the commit callback runs first (with the item's candidate
// anchor read from disk, nil if none was staged); only when it returns
// nil are the files removed, manifest first. If the callback fails the
// item stays pending and will be retried - the remote deduplicates by
// the item ID carried in the idempotency header.
func (o *Outbox) Complete(id string, success bool, commit func(item *Item, anchor []byte) error) error {
	defer o.Release(id)

	if !success {
		metrics.OutboxCompleted.WithLabelValues("retained").Inc()
		logging.Debug().Str("item_id", id).Msg("Outbox item retained for retry")
		return nil
	}

	item, err := o.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Duplicate acknowledgement, or a crash landed between the
			// manifest removal and this call. Either way it is done.
			logging.Debug().Str("item_id", id).Msg("Outbox item already completed")
			return nil
		}
		return err
	}

	var anchor []byte
	if item.AnchorFile != "" {
		anchor, err = os.ReadFile(filepath.Join(o.dir, item.AnchorFile))
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read candidate anchor: %w", err)
			}
			logging.Warn().Str("item_id", id).Msg("Candidate anchor file missing at completion")
			anchor = nil
		}
	}

	if commit != nil {
		if err := commit(item, anchor); err != nil {
			return fmt.Errorf("commit callback failed: %w", err)
		}
	}

	// Manifest first: once it is gone the batch can never be dispatched
	// again, so a crash below leaves only sweepable orphans.
	if err := os.Remove(o.manifestPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	o.pending.Add(-1)
	metrics.OutboxPending.Dec()
	o.removeDataFiles(item)

	metrics.OutboxCompleted.WithLabelValues("committed").Inc()
	logging.Debug().
		Str("item_id", id).
		Str("type", string(item.Type)).
		Uint64("seq", item.Seq).
		Msg("Outbox item completed")
	return nil
}

// Drop discards a pending item without committing anything. Used when
// watermarks are reset and staged batches would carry stale anchors.
func (o *Outbox) Drop(id string) error {
	defer o.Release(id)

	item, err := o.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(o.manifestPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	o.pending.Add(-1)
	metrics.OutboxPending.Dec()
	o.removeDataFiles(item)

	logging.Info().
		Str("item_id", id).
		Str("type", string(item.Type)).
		Msg("Outbox item dropped")
	return nil
}

// PendingCount returns the number of staged batches.
func (o *Outbox) PendingCount() int {
	return int(o.pending.Load())
}

// Dir returns the outbox directory.
func (o *Outbox) Dir() string {
	return o.dir
}

// writeFileAtomic writes data to path via a temp file so readers never
// observe a partial file: write, fsync, close, rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()      //nolint:errcheck // Best effort cleanup on error
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup on error
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()      //nolint:errcheck // Best effort cleanup on error
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup on error
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup on error
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup on error
		return err
	}
	return nil
}
