// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package anchor persists sync watermarks in BadgerDB. Each anchor is an
// opaque byte string scoped to one (endpoint, sample type) pair. Anchors
// only move forward: every candidate carries a sequence number allocated
// at enqueue time, and commits that arrive with a sequence at or below
// the stored one are discarded. This keeps late acknowledgements from
// out-of-order uploads from rewinding the watermark.
package anchor

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

var (
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("anchor store is closed")
)

// Key prefixes. Anchors and sequence counters are namespaced by
// endpointKey.typeID so that distinct endpoints never share watermarks.
const (
	prefixAnchor     = "anchor:"
	prefixSeq        = "seq:"
	prefixFullExport = "fullexport:"
)

// Info is the stored state for one (endpoint, type) watermark.
type Info struct {
	// Anchor is the opaque provider-issued position marker.
	Anchor []byte `json:"anchor"`
	// Seq is the allocation sequence of the batch that committed this anchor.
	Seq uint64 `json:"seq"`
	// UpdatedAt is when the anchor was last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}

type fullExportState struct {
	Done bool      `json:"done"`
	At   time.Time `json:"at"`
}

// Store is a BadgerDB-backed watermark store.
type Store struct {
	db     *badger.DB
	config Config

	// writeMu serializes read-modify-write transactions (sequence
	// allocation and stale-guarded commits).
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the watermark store at the configured path.
func Open(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anchor store config: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	opts.Logger = nil // Badger's logger is too chatty; we log our own events

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open anchor store at %s: %w", config.Path, err)
	}

	logging.Info().
		Str("path", config.Path).
		Bool("sync_writes", config.SyncWrites).
		Msg("Anchor store opened")

	return &Store{
		db:     db,
		config: config,
	}, nil
}

func anchorKey(endpointKey string, typeID models.TypeID) []byte {
	return []byte(prefixAnchor + endpointKey + "." + string(typeID))
}

func seqKey(endpointKey string, typeID models.TypeID) []byte {
	return []byte(prefixSeq + endpointKey + "." + string(typeID))
}

func fullExportKey(endpointKey string) []byte {
	return []byte(prefixFullExport + endpointKey)
}

// Get returns the current anchor for the pair, or (nil, 0, nil) when none
// has ever been committed. A nil anchor tells the caller to run a full
// export instead of an incremental one.
func (s *Store) Get(endpointKey string, typeID models.TypeID) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrStoreClosed
	}

	var info Info
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(anchorKey(endpointKey, typeID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &info); err != nil {
				return fmt.Errorf("failed to unmarshal anchor: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read anchor: %w", err)
	}
	if !found {
		return nil, 0, nil
	}
	return info.Anchor, info.Seq, nil
}

// NextSeq allocates the next sequence number for the pair. The counter is
// durable so sequence numbers survive restarts and never repeat; gaps from
// batches that fail before upload are harmless.
func (s *Store) NextSeq(endpointKey string, typeID models.TypeID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		key := seqKey(endpointKey, typeID)
		var current uint64
		item, err := txn.Get(key)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		} else {
			if err := item.Value(func(val []byte) error {
				parsed, perr := strconv.ParseUint(string(val), 10, 64)
				if perr != nil {
					return fmt.Errorf("corrupt sequence counter: %w", perr)
				}
				current = parsed
				return nil
			}); err != nil {
				return err
			}
		}
		next = current + 1
		return txn.Set(key, []byte(strconv.FormatUint(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return next, nil
}

// Commit advances the anchor for the pair, guarded by seq. A commit whose
// sequence is at or below the stored one is a stale acknowledgement from
// an older batch and is dropped without touching the stored anchor.
func (s *Store) Commit(endpointKey string, typeID models.TypeID, anchor []byte, seq uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(anchor) == 0 {
		return fmt.Errorf("refusing to commit empty anchor for %s.%s", endpointKey, typeID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied := false
	var storedSeq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		key := anchorKey(endpointKey, typeID)
		item, err := txn.Get(key)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		} else {
			var existing Info
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); verr != nil {
				// A corrupt stored anchor must not block forward progress;
				// overwrite it and log.
				logging.Warn().
					Str("endpoint_key", endpointKey).
					Str("type", string(typeID)).
					Err(verr).
					Msg("Overwriting corrupt stored anchor")
			} else {
				storedSeq = existing.Seq
				if seq <= existing.Seq {
					return nil
				}
			}
		}

		data, err := json.Marshal(Info{
			Anchor:    anchor,
			Seq:       seq,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal anchor: %w", err)
		}
		applied = true
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to commit anchor: %w", err)
	}

	if applied {
		metrics.AnchorCommits.WithLabelValues("applied").Inc()
		logging.Debug().
			Str("endpoint_key", endpointKey).
			Str("type", string(typeID)).
			Uint64("seq", seq).
			Msg("Anchor advanced")
	} else {
		metrics.AnchorCommits.WithLabelValues("stale").Inc()
		logging.Debug().
			Str("endpoint_key", endpointKey).
			Str("type", string(typeID)).
			Uint64("seq", seq).
			Uint64("stored_seq", storedSeq).
			Msg("Stale anchor commit dropped")
	}
	return nil
}

// FullExportDone reports whether the one-time full export has completed
// for the endpoint identity.
func (s *Store) FullExportDone(endpointKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	done := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fullExportKey(endpointKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var state fullExportState
			if err := json.Unmarshal(val, &state); err != nil {
				return fmt.Errorf("failed to unmarshal full export state: %w", err)
			}
			done = state.Done
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to read full export state: %w", err)
	}
	return done, nil
}

// SetFullExportDone records completion of the initial full export. The
// flag transitions false to true exactly once per endpoint identity;
// repeat calls report changed=false and write nothing.
func (s *Store) SetFullExportDone(endpointKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := fullExportKey(endpointKey)
		item, err := txn.Get(key)
		if err == nil {
			var state fullExportState
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); verr == nil && state.Done {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, merr := json.Marshal(fullExportState{
			Done: true,
			At:   time.Now().UTC(),
		})
		if merr != nil {
			return fmt.Errorf("failed to marshal full export state: %w", merr)
		}
		changed = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("failed to set full export state: %w", err)
	}

	if changed {
		logging.Info().Str("endpoint_key", endpointKey).Msg("Initial full export marked complete")
	}
	return changed, nil
}

// Reset deletes the anchor and sequence counter for the pair. When the
// last anchor for the endpoint is removed, the full export flag is
// cleared too, so the next sync starts from scratch.
func (s *Store) Reset(endpointKey string, typeID models.TypeID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(anchorKey(endpointKey, typeID)); err != nil {
			return err
		}
		if err := txn.Delete(seqKey(endpointKey, typeID)); err != nil {
			return err
		}

		// If no anchors remain for this endpoint, the identity is back
		// to its first-use state.
		prefix := []byte(prefixAnchor + endpointKey + ".")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		remaining := false
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			remaining = true
			break
		}
		if !remaining {
			if err := txn.Delete(fullExportKey(endpointKey)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset anchor: %w", err)
	}

	logging.Info().
		Str("endpoint_key", endpointKey).
		Str("type", string(typeID)).
		Msg("Anchor reset")
	return nil
}

// Snapshot returns all stored anchors for the endpoint, keyed by sample
// type. Malformed entries are skipped with a warning rather than failing
// the whole read.
func (s *Store) Snapshot(endpointKey string) (map[models.TypeID]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make(map[models.TypeID]Info)
	prefix := []byte(prefixAnchor + endpointKey + ".")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			typeID := models.TypeID(string(item.Key())[len(prefix):])
			var info Info
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				logging.Warn().
					Str("key", string(item.Key())).
					Err(err).
					Msg("Skipping malformed anchor entry")
				continue
			}
			out[typeID] = info
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot anchors: %w", err)
	}
	return out, nil
}

// RunGC runs BadgerDB value log garbage collection until there is nothing
// left to rewrite.
func (s *Store) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return fmt.Errorf("anchor store GC failed: %w", err)
		}
		logging.Debug().Msg("Anchor store GC reclaimed a value log file")
	}
	return nil
}

// Close shuts the store down, waiting at most CloseTimeout for BadgerDB.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to close anchor store: %w", err)
		}
		logging.Info().Msg("Anchor store closed")
		return nil
	case <-time.After(s.config.CloseTimeout):
		return fmt.Errorf("anchor store close timed out after %v", s.config.CloseTimeout)
	}
}
