// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

/*
Package sync implements the export engine: the orchestration layer that
moves locally stored health samples to the configured remote endpoint.

A sync run fans out over the endpoint's tracked sample types and joins
before returning. Each type's run is the fetch→batch→enqueue pipeline:

 1. Fetch: query the data provider for records past the stored watermark
    anchor, or from the beginning during a full export
 2. Batch: serialize the records into one transport payload
 3. Enqueue: stage payload, candidate anchor, and commit sequence number
    in the durable outbox
 4. Dispatch: wake the upload dispatcher; delivery and anchor commit
    happen asynchronously when the remote acknowledges

The engine never performs network I/O and never advances an anchor
itself. Both belong to the upload dispatcher, which commits the staged
candidate anchor only on acknowledgment. A failed run therefore leaves
either a durably staged item or no trace at all, and a crash at any
point is recovered by the outbox scan on the next start.

Key Components:

  - Manager: run orchestration, per-type run exclusion, initial
    full-export kickoff, anchor reset, status reporting
  - Report: per-run outcome with one result per tracked type
  - exportSession: best-effort in-memory dedup across resumed full
    exports within one process lifetime
*/
package sync
