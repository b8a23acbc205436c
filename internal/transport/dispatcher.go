// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package transport delivers staged outbox items to the remote endpoint
// over HTTP. Delivery is asynchronous and survives restarts: the
// dispatcher rescans the outbox on start, so an item staged by a
// previous process is picked up exactly like a fresh one. Completion is
// correlated by the item id embedded in the request, never by in-memory
// closures.
//
// A successful (2xx) delivery flows through the outbox completion path,
// which commits the item's candidate anchor before removing its files.
// Every failure — transport error, non-2xx status, cancellation —
// leaves the on-disk artifacts byte-identical and only updates the
// in-memory retry backoff, so a crash at any point costs nothing but a
// re-send the receiver must tolerate anyway.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/outbox"
)

const (
	breakerName = "upload"

	// defaultScanInterval paces the periodic outbox rescan that picks up
	// items whose backoff gate has expired.
	defaultScanInterval = 500 * time.Millisecond
)

// Queue is the durable staging the dispatcher drains. *outbox.Outbox
// satisfies it.
type Queue interface {
	ListPending() ([]*outbox.Item, error)
	ReadPayload(id string) ([]byte, error)
	TryClaim(id string) bool
	Release(id string)
	Complete(id string, success bool, commit func(item *outbox.Item, anchor []byte) error) error
	PendingCount() int
}

// AnchorCommitter applies candidate anchors on acknowledgment.
// *anchor.Store satisfies it.
type AnchorCommitter interface {
	Commit(endpointKey string, typeID models.TypeID, anchor []byte, seq uint64) error
}

// EndpointSource supplies the active endpoint at attempt time, so a
// token rotated mid-flight is picked up by the next attempt.
type EndpointSource interface {
	Endpoint() config.EndpointConfig
}

// EndpointSourceFunc adapts a function to EndpointSource.
type EndpointSourceFunc func() config.EndpointConfig

func (f EndpointSourceFunc) Endpoint() config.EndpointConfig { return f() }

// Dispatcher is the upload worker pool. It runs as a supervised service
// and is woken by the sync engine after each enqueue.
type Dispatcher struct {
	cfg      config.UploadConfig
	queue    Queue
	anchors  AnchorCommitter
	endpoint EndpointSource

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[int]

	wake      chan struct{}
	workers   chan struct{}
	scanEvery time.Duration
	wg        sync.WaitGroup

	// Attempt counts and backoff gates are deliberately in-memory only:
	// a restart retries immediately, which is the desired recovery
	// behavior after a crash.
	stateMu  sync.Mutex
	attempts map[string]int
	nextTry  map[string]time.Time

	onDelivered func(*outbox.Item)
}

// New constructs a Dispatcher around the given staging queue and anchor
// store. Serve must be called for deliveries to happen.
func New(cfg config.UploadConfig, queue Queue, anchors AnchorCommitter, endpoint EndpointSource) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		queue:     queue,
		anchors:   anchors,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		wake:      make(chan struct{}, 1),
		workers:   make(chan struct{}, cfg.Workers),
		scanEvery: defaultScanInterval,
		attempts:  make(map[string]int),
		nextTry:   make(map[string]time.Time),
	}
	d.breaker = newUploadBreaker()
	return d
}

// newUploadBreaker builds the delivery circuit breaker: it opens at a
// 60% failure rate over at least 10 requests, allows 3 probes in
// half-open state, and waits 2 minutes before probing.
func newUploadBreaker() *gobreaker.CircuitBreaker[int] {
	metrics.CircuitBreakerState.Set(0)

	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Uint32("requests", counts.Requests).
					Msg("Opening upload circuit breaker")
				return true
			}
			return false
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logging.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Upload circuit breaker state changed")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Serve runs the dispatcher until ctx ends. It first rescans the outbox
// so items staged before a crash are recovered, then drains on wake-up
// signals and on a periodic tick that re-admits backed-off items.
func (d *Dispatcher) Serve(ctx context.Context) error {
	pending, err := d.queue.ListPending()
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if len(pending) > 0 {
		logging.Info().Int("items", len(pending)).Msg("Recovered pending outbox items")
	}
	logging.Info().
		Int("workers", d.cfg.Workers).
		Float64("rate_limit", d.cfg.RateLimit).
		Msg("Upload dispatcher started")

	ticker := time.NewTicker(d.scanEvery)
	defer ticker.Stop()

	d.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			logging.Info().Msg("Upload dispatcher stopped")
			return ctx.Err()
		case <-d.wake:
			d.dispatch(ctx)
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

// String names the service in supervisor logs.
func (d *Dispatcher) String() string {
	return "upload-dispatcher"
}

// Notify wakes the dispatcher to scan for newly staged items. It never
// blocks; a signal is dropped when one is already queued.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Settle blocks until the outbox drains or ctx ends. The sync engine
// uses it to let an initial export's uploads land before declaring the
// export complete.
func (d *Dispatcher) Settle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.queue.PendingCount() == 0 {
			return nil
		}
		d.Notify()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatch claims every pending item whose backoff gate has expired and
// hands it to a worker.
func (d *Dispatcher) dispatch(ctx context.Context) {
	items, err := d.queue.ListPending()
	if err != nil {
		logging.Error().Err(err).Msg("Outbox scan failed")
		return
	}
	d.pruneState(items)

	now := time.Now()
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		d.stateMu.Lock()
		gate := d.nextTry[item.ID]
		d.stateMu.Unlock()
		if now.Before(gate) {
			continue
		}
		if !d.queue.TryClaim(item.ID) {
			continue
		}
		select {
		case d.workers <- struct{}{}:
		case <-ctx.Done():
			d.queue.Release(item.ID)
			return
		}
		d.wg.Add(1)
		go func(item *outbox.Item) {
			defer d.wg.Done()
			defer func() { <-d.workers }()
			d.attempt(ctx, item)
		}(item)
	}
}

// attempt delivers one claimed item. Every exit path either completes
// the item through the outbox or releases the claim untouched.
func (d *Dispatcher) attempt(ctx context.Context, item *outbox.Item) {
	ep := d.endpoint.Endpoint()
	if !ep.Configured() || ep.Key() != item.EndpointKey {
		// Gate the rescan so a parked item is not re-examined hot.
		d.stateMu.Lock()
		d.nextTry[item.ID] = time.Now().Add(d.cfg.MaxBackoff)
		d.stateMu.Unlock()
		d.queue.Release(item.ID)
		logging.Warn().
			Str("item_id", item.ID).
			Str("item_endpoint", item.EndpointKey).
			Msg("Pending item does not match the active endpoint, leaving for later")
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.queue.Release(item.ID)
		return
	}

	payload, err := d.queue.ReadPayload(item.ID)
	if err != nil {
		d.queue.Release(item.ID)
		logging.Error().Err(err).Str("item_id", item.ID).Msg("Payload unreadable, leaving item for the next scan")
		return
	}

	metrics.UploadsInFlight.Inc()
	status, err := d.breaker.Execute(func() (int, error) {
		return d.post(ctx, ep, item, payload)
	})
	metrics.UploadsInFlight.Dec()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.queue.Release(item.ID)
			logging.Warn().Str("item_id", item.ID).Msg("Upload rejected by open circuit breaker")
			return
		}
		d.recordFailure(item, status, err)
		return
	}
	d.recordSuccess(item, status)
}

// post sends one batch. Any 2xx status is success; everything else is a
// failure eligible for retry.
func (d *Dispatcher) post(ctx context.Context, ep config.EndpointConfig, item *outbox.Item, payload []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	req.Header.Set("X-Idempotency-Key", item.ID)

	started := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		metrics.RecordUploadAttempt(0, elapsed)
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort cleanup

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	metrics.RecordUploadAttempt(resp.StatusCode, elapsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("remote returned HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) commitAnchor(item *outbox.Item, candidate []byte) error {
	if candidate == nil {
		return nil
	}
	return d.anchors.Commit(item.EndpointKey, item.Type, candidate, item.Seq)
}

func (d *Dispatcher) recordSuccess(item *outbox.Item, status int) {
	if err := d.queue.Complete(item.ID, true, d.commitAnchor); err != nil {
		logging.Error().Err(err).Str("item_id", item.ID).Msg("Acknowledged item could not be completed, retrying later")
		return
	}
	d.stateMu.Lock()
	delete(d.attempts, item.ID)
	delete(d.nextTry, item.ID)
	delivered := d.onDelivered
	d.stateMu.Unlock()

	logging.Info().
		Int("status", status).
		Str("item_id", item.ID).
		Str("type", item.Type.String()).
		Int("records", item.RecordCount).
		Uint64("seq", item.Seq).
		Msg("Batch delivered")

	if delivered != nil {
		delivered(item)
	}
}

func (d *Dispatcher) recordFailure(item *outbox.Item, status int, cause error) {
	d.stateMu.Lock()
	d.attempts[item.ID]++
	attempts := d.attempts[item.ID]
	delay := d.backoffDelay(attempts)
	d.nextTry[item.ID] = time.Now().Add(delay)
	d.stateMu.Unlock()

	// Retains every on-disk artifact untouched for the retry.
	if err := d.queue.Complete(item.ID, false, nil); err != nil {
		logging.Error().Err(err).Str("item_id", item.ID).Msg("Failure completion failed")
	}
	logging.Warn().
		Err(cause).
		Int("status", status).
		Int("attempts", attempts).
		Dur("retry_in", delay).
		Str("item_id", item.ID).
		Msg("Upload failed, item retained")
}

func (d *Dispatcher) backoffDelay(attempts int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 1; i < attempts && delay < d.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}

// SetOnDelivered registers a callback invoked after each acknowledged
// delivery, with the completed item's metadata. Used to fan batch
// completions out to websocket subscribers. Call before Serve.
func (d *Dispatcher) SetOnDelivered(fn func(*outbox.Item)) {
	d.stateMu.Lock()
	d.onDelivered = fn
	d.stateMu.Unlock()
}

// BreakerState reports the upload circuit breaker state: "closed",
// "half-open" or "open".
func (d *Dispatcher) BreakerState() string {
	return d.breaker.State().String()
}

// pruneState drops retry state for ids no longer pending, such as items
// dropped by an anchor reset.
func (d *Dispatcher) pruneState(items []*outbox.Item) {
	present := make(map[string]bool, len(items))
	for _, item := range items {
		present[item.ID] = true
	}
	d.stateMu.Lock()
	for id := range d.attempts {
		if !present[id] {
			delete(d.attempts, id)
		}
	}
	for id := range d.nextTry {
		if !present[id] {
			delete(d.nextTry, id)
		}
	}
	d.stateMu.Unlock()
}
