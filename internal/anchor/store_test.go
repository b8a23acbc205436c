// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package anchor

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/the-momentum/health-bg-sync/internal/models"
)

const (
	testEndpoint = "ab12cd34ef56ab78"
	typeHeart    = models.TypeID("heart_rate")
	typeSteps    = models.TypeID("step_count")
)

func createTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "anchors"))
	cfg.SyncWrites = false // Faster tests without fsync
	return cfg
}

// setupStore opens a store on a temp dir. The caller should defer Close.
func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(createTestConfig(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return store
}

// commitAt allocates a sequence and commits the given anchor with it.
func commitAt(t *testing.T, store *Store, typeID models.TypeID, anchor string) uint64 {
	t.Helper()
	seq, err := store.NextSeq(testEndpoint, typeID)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if err := store.Commit(testEndpoint, typeID, []byte(anchor), seq); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return seq
}

// TestStore_GetFirstUse verifies an untouched pair reports no anchor.
func TestStore_GetFirstUse(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	anchor, seq, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if anchor != nil {
		t.Errorf("Expected nil anchor on first use, got %q", anchor)
	}
	if seq != 0 {
		t.Errorf("Expected seq 0 on first use, got %d", seq)
	}
}

// TestStore_CommitAndGet tests the basic write-then-read path.
func TestStore_CommitAndGet(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	seq := commitAt(t, store, typeHeart, "cursor-100")

	anchor, gotSeq, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(anchor, []byte("cursor-100")) {
		t.Errorf("Anchor mismatch: got %q, want %q", anchor, "cursor-100")
	}
	if gotSeq != seq {
		t.Errorf("Seq mismatch: got %d, want %d", gotSeq, seq)
	}
}

// TestStore_StaleCommitDropped verifies that an older sequence never
// rewinds an already-advanced anchor.
func TestStore_StaleCommitDropped(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	oldSeq, err := store.NextSeq(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	newSeq, err := store.NextSeq(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}

	// The newer batch's acknowledgement lands first.
	if err := store.Commit(testEndpoint, typeHeart, []byte("cursor-200"), newSeq); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	// The older batch's acknowledgement arrives late.
	if err := store.Commit(testEndpoint, typeHeart, []byte("cursor-100"), oldSeq); err != nil {
		t.Fatalf("Stale commit returned error: %v", err)
	}

	anchor, seq, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(anchor, []byte("cursor-200")) {
		t.Errorf("Anchor regressed: got %q, want %q", anchor, "cursor-200")
	}
	if seq != newSeq {
		t.Errorf("Seq regressed: got %d, want %d", seq, newSeq)
	}
}

// TestStore_CommitSameSeqDropped verifies a duplicate acknowledgement of
// the same batch does not rewrite the anchor.
func TestStore_CommitSameSeqDropped(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	seq := commitAt(t, store, typeHeart, "cursor-100")

	if err := store.Commit(testEndpoint, typeHeart, []byte("cursor-999"), seq); err != nil {
		t.Fatalf("Duplicate commit returned error: %v", err)
	}

	anchor, _, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(anchor, []byte("cursor-100")) {
		t.Errorf("Duplicate commit overwrote anchor: got %q", anchor)
	}
}

// TestStore_CommitEmptyAnchor verifies empty anchors are rejected.
func TestStore_CommitEmptyAnchor(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	if err := store.Commit(testEndpoint, typeHeart, nil, 1); err == nil {
		t.Error("Expected error committing empty anchor, got nil")
	}
}

// TestStore_NextSeq verifies sequence numbers are monotonic per pair and
// independent across pairs.
func TestStore_NextSeq(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	for want := uint64(1); want <= 3; want++ {
		got, err := store.NextSeq(testEndpoint, typeHeart)
		if err != nil {
			t.Fatalf("NextSeq failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected seq %d, got %d", want, got)
		}
	}

	got, err := store.NextSeq(testEndpoint, typeSteps)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected independent counter to start at 1, got %d", got)
	}
}

// TestStore_FullExportFlag tests the one-time transition of the full
// export flag.
func TestStore_FullExportFlag(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	done, err := store.FullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("FullExportDone failed: %v", err)
	}
	if done {
		t.Error("Expected full export flag to start false")
	}

	changed, err := store.SetFullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("SetFullExportDone failed: %v", err)
	}
	if !changed {
		t.Error("Expected first SetFullExportDone to report changed")
	}

	changed, err = store.SetFullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("SetFullExportDone failed: %v", err)
	}
	if changed {
		t.Error("Expected repeat SetFullExportDone to be a no-op")
	}

	done, err = store.FullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("FullExportDone failed: %v", err)
	}
	if !done {
		t.Error("Expected full export flag to be set")
	}
}

// TestStore_Reset verifies reset removes the anchor and clears the full
// export flag only once the endpoint's last anchor is gone.
func TestStore_Reset(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	commitAt(t, store, typeHeart, "cursor-h")
	commitAt(t, store, typeSteps, "cursor-s")
	if _, err := store.SetFullExportDone(testEndpoint); err != nil {
		t.Fatalf("SetFullExportDone failed: %v", err)
	}

	if err := store.Reset(testEndpoint, typeHeart); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	anchor, _, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if anchor != nil {
		t.Errorf("Expected anchor gone after reset, got %q", anchor)
	}

	// Another type still holds an anchor, so the flag survives.
	done, err := store.FullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("FullExportDone failed: %v", err)
	}
	if !done {
		t.Error("Expected flag to survive while another anchor remains")
	}

	if err := store.Reset(testEndpoint, typeSteps); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	done, err = store.FullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("FullExportDone failed: %v", err)
	}
	if done {
		t.Error("Expected flag cleared after last anchor reset")
	}

	// Sequence counter restarts too.
	seq, err := store.NextSeq(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("Expected counter restart after reset, got %d", seq)
	}
}

// TestStore_Snapshot verifies per-endpoint listing.
func TestStore_Snapshot(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	commitAt(t, store, typeHeart, "cursor-h")
	commitAt(t, store, typeSteps, "cursor-s")

	// A different endpoint's anchor must not leak in.
	otherSeq, err := store.NextSeq("ffffffffffffffff", typeHeart)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if err := store.Commit("ffffffffffffffff", typeHeart, []byte("other"), otherSeq); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, err := store.Snapshot(testEndpoint)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("Expected 2 anchors in snapshot, got %d", len(snap))
	}
	if !bytes.Equal(snap[typeHeart].Anchor, []byte("cursor-h")) {
		t.Errorf("Heart anchor mismatch: got %q", snap[typeHeart].Anchor)
	}
	if !bytes.Equal(snap[typeSteps].Anchor, []byte("cursor-s")) {
		t.Errorf("Steps anchor mismatch: got %q", snap[typeSteps].Anchor)
	}
}

// TestStore_Persistence verifies anchors survive a close and reopen.
func TestStore_Persistence(t *testing.T) {
	cfg := createTestConfig(t)
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	seq := commitAt(t, store, typeHeart, "cursor-persist")
	if _, err := store.SetFullExportDone(testEndpoint); err != nil {
		t.Fatalf("SetFullExportDone failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = Open(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	anchor, gotSeq, err := store.Get(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(anchor, []byte("cursor-persist")) {
		t.Errorf("Anchor lost across reopen: got %q", anchor)
	}
	if gotSeq != seq {
		t.Errorf("Seq lost across reopen: got %d, want %d", gotSeq, seq)
	}

	done, err := store.FullExportDone(testEndpoint)
	if err != nil {
		t.Fatalf("FullExportDone failed: %v", err)
	}
	if !done {
		t.Error("Expected full export flag to survive reopen")
	}

	next, err := store.NextSeq(testEndpoint, typeHeart)
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	if next != seq+1 {
		t.Errorf("Expected counter to resume at %d, got %d", seq+1, next)
	}
}

// TestStore_ClosedOperations verifies operations fail cleanly after Close.
func TestStore_ClosedOperations(t *testing.T) {
	store := setupStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, _, err := store.Get(testEndpoint, typeHeart); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from Get, got %v", err)
	}
	if _, err := store.NextSeq(testEndpoint, typeHeart); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from NextSeq, got %v", err)
	}
	if err := store.Commit(testEndpoint, typeHeart, []byte("x"), 1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed from Commit, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

// TestStore_RunGC verifies GC runs cleanly on a fresh store.
func TestStore_RunGC(t *testing.T) {
	store := setupStore(t)
	defer store.Close()

	if err := store.RunGC(); err != nil {
		t.Errorf("RunGC failed: %v", err)
	}
}

// TestConfig_Validate exercises configuration validation.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty path", func(c *Config) { c.Path = "" }, true},
		{"zero gc ratio", func(c *Config) { c.GCRatio = 0 }, true},
		{"gc ratio too high", func(c *Config) { c.GCRatio = 1.0 }, true},
		{"gc interval too short", func(c *Config) { c.GCInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("/tmp/anchors")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}
