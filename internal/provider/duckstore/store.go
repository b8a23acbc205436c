// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package duckstore implements the sample provider on an embedded
// DuckDB database. Every ingested record gets a monotonically growing
// sequence number from a DuckDB sequence; anchors are the decimal
// encoding of the last sequence a fetch returned, so resuming after an
// anchor is a simple indexed range scan.
package duckstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/provider"
)

// ChangePublisher receives one event per distinct sample type after a
// successful ingest. *bus.Bus satisfies this.
type ChangePublisher interface {
	PublishChange(event models.ChangeEvent) error
}

// Store is a DuckDB-backed sample store. It implements provider.Provider
// for the export side and accepts ingest writes on the other.
type Store struct {
	conn   *sql.DB
	config Config

	publisher ChangePublisher

	// granted tracks which sample types Authorize has approved for
	// export reads. Mirrors the read-permission grant of the health
	// data source; it does not gate ingest.
	grantedMu sync.RWMutex
	granted   map[models.TypeID]bool
}

// New opens the database, initializes the schema and returns the store.
// publisher may be nil; then ingest does not announce changes.
func New(config Config, publisher ChangePublisher) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sample store config: %w", err)
	}

	threads := config.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create sample store directory %s: %w", dir, err)
			}
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		config.Path, threads, config.MaxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample store: %w", err)
	}

	s := &Store{
		conn:      conn,
		config:    config,
		publisher: publisher,
		granted:   make(map[models.TypeID]bool),
	}
	if err := s.createSchema(); err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error
		return nil, fmt.Errorf("failed to initialize sample store schema: %w", err)
	}

	logging.Info().
		Str("path", config.Path).
		Int("fetch_limit", config.FetchLimit).
		Msg("Sample store opened")
	return s, nil
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *Store) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS samples_seq START 1`,
		`CREATE TABLE IF NOT EXISTS samples (
			seq BIGINT PRIMARY KEY DEFAULT nextval('samples_seq'),
			id TEXT NOT NULL,
			sample_type TEXT NOT NULL,
			start_at TIMESTAMP NOT NULL,
			end_at TIMESTAMP NOT NULL,
			value DOUBLE NOT NULL,
			unit TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_type_seq ON samples(sample_type, seq)`,
	}
	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Insert ingests records atomically. Records without an ID get one.
// After commit, one change event per distinct type is published.
func (s *Store) Insert(ctx context.Context, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for i := range records {
		if err := records[i].Sample.Validate(); err != nil {
			return 0, fmt.Errorf("record %d invalid: %w", i, err)
		}
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ingest transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (id, sample_type, start_at, end_at, value, unit) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare ingest statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Best effort cleanup

	counts := make(map[models.TypeID]int)
	for _, rec := range records {
		var unit interface{}
		if rec.Unit != "" {
			unit = rec.Unit
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, string(rec.Type), rec.Start.UTC(), rec.End.UTC(), rec.Value, unit); err != nil {
			return 0, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
		counts[rec.Type]++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ingest: %w", err)
	}

	for typeID, count := range counts {
		metrics.SamplesIngested.WithLabelValues(string(typeID)).Add(float64(count))
		if s.publisher == nil {
			continue
		}
		event := models.ChangeEvent{
			Type:  typeID,
			Count: count,
			At:    time.Now().UTC(),
		}
		if err := s.publisher.PublishChange(event); err != nil {
			logging.Warn().
				Str("type", string(typeID)).
				Err(err).
				Msg("Failed to publish change event")
		}
	}

	logging.Debug().
		Int("records", len(records)).
		Int("types", len(counts)).
		Msg("Samples ingested")
	return len(records), nil
}

// Authorize implements provider.Provider. It verifies the store is
// reachable and grants export reads for the given types.
func (s *Store) Authorize(ctx context.Context, types []models.TypeID) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sample store unreachable: %w", err)
	}

	s.grantedMu.Lock()
	for _, typeID := range types {
		s.granted[typeID] = true
	}
	s.grantedMu.Unlock()

	logging.Info().Int("types", len(types)).Msg("Sample store read access granted")
	return nil
}

// Authorized reports whether export reads are granted for the type.
func (s *Store) Authorized(typeID models.TypeID) bool {
	s.grantedMu.RLock()
	defer s.grantedMu.RUnlock()
	return s.granted[typeID]
}

// Fetch implements provider.Provider. One call returns at most
// FetchLimit records after the anchor, oldest first.
func (s *Store) Fetch(ctx context.Context, typeID models.TypeID, anchor []byte) (*provider.FetchResult, error) {
	if !s.Authorized(typeID) {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotAuthorized, typeID)
	}

	afterSeq := uint64(0)
	if len(anchor) > 0 {
		parsed, err := strconv.ParseUint(string(anchor), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", provider.ErrInvalidAnchor, anchor)
		}
		afterSeq = parsed
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, id, sample_type, start_at, end_at, value, unit
		 FROM samples
		 WHERE sample_type = ? AND seq > ?
		 ORDER BY seq
		 LIMIT ?`,
		string(typeID), int64(afterSeq), s.config.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Best effort cleanup

	result := &provider.FetchResult{}
	var lastSeq int64
	for rows.Next() {
		var (
			seq        int64
			id         string
			sampleType string
			startAt    time.Time
			endAt      time.Time
			value      float64
			unit       sql.NullString
		)
		if err := rows.Scan(&seq, &id, &sampleType, &startAt, &endAt, &value, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		rec := models.Record{
			ID: id,
			Sample: models.Sample{
				Type:  models.TypeID(sampleType),
				Start: startAt.UTC(),
				End:   endAt.UTC(),
				Value: value,
			},
		}
		if unit.Valid {
			rec.Unit = unit.String
		}
		result.Records = append(result.Records, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sample rows: %w", err)
	}

	if len(result.Records) > 0 {
		result.Anchor = []byte(strconv.FormatInt(lastSeq, 10))
	}
	return result, nil
}

// Counts returns the number of stored samples per type.
func (s *Store) Counts(ctx context.Context) (map[models.TypeID]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT sample_type, COUNT(*) FROM samples GROUP BY sample_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count samples: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Best effort cleanup

	out := make(map[models.TypeID]int64)
	for rows.Next() {
		var (
			sampleType string
			count      int64
		)
		if err := rows.Scan(&sampleType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		out[models.TypeID(sampleType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read count rows: %w", err)
	}
	return out, nil
}

// Ping checks database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close sample store: %w", err)
	}
	logging.Info().Msg("Sample store closed")
	return nil
}
