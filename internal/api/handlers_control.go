// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/events"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/sync"
)

// InitializeRequest provides or replaces the remote endpoint.
type InitializeRequest struct {
	URL          string   `json:"url" validate:"required,url"`
	AuthToken    string   `json:"auth_token" validate:"required"`
	DeviceID     string   `json:"device_id" validate:"omitempty,max=128"`
	TrackedTypes []string `json:"tracked_types" validate:"required,min=1,dive,required,max=128"`
}

// InitializeResponse reports the accepted endpoint identity.
type InitializeResponse struct {
	EndpointKey  string   `json:"endpoint_key"`
	TrackedTypes []string `json:"tracked_types"`
	// KickoffStarted reports that the initial full export was started
	// in the background. It is a no-op when already complete for this
	// endpoint.
	KickoffStarted bool `json:"kickoff_started"`
}

// Initialize handles POST /api/v1/initialize. A valid request swaps the
// active endpoint atomically and starts the initial full export in the
// background; an invalid one mutates nothing.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "device"
		}
		deviceID = host
	}

	endpoint := config.EndpointConfig{
		URL:          req.URL,
		DeviceID:     deviceID,
		Token:        req.AuthToken,
		TrackedTypes: req.TrackedTypes,
	}
	if err := h.engine.Initialize(endpoint); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ENDPOINT", err.Error(), nil)
		return
	}

	// The kickoff runs detached from the request: the response returns
	// immediately while the export proceeds under the usual budget.
	go func() {
		ctx, cancel := h.runBudget(context.Background())
		defer cancel()
		if _, err := h.engine.KickoffInitialSync(ctx); err != nil && !errors.Is(err, sync.ErrNotConfigured) {
			logging.Warn().Err(err).Msg("Post-initialize kickoff not run")
		}
	}()

	respondSuccess(w, http.StatusOK, InitializeResponse{
		EndpointKey:    endpoint.Key(),
		TrackedTypes:   req.TrackedTypes,
		KickoffStarted: true,
	})
}

// AuthorizationResponse reports whether provider read access was
// granted for the tracked types.
type AuthorizationResponse struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// Authorization handles POST /api/v1/authorization: it requests
// provider read access for every tracked type. Denial is a normal
// outcome, not an error status.
func (h *Handler) Authorization(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Authorize(r.Context())
	if errors.Is(err, sync.ErrNotConfigured) {
		respondError(w, http.StatusConflict, "NOT_CONFIGURED", "Initialize an endpoint before requesting authorization", nil)
		return
	}
	if err != nil {
		respondSuccess(w, http.StatusOK, AuthorizationResponse{Granted: false, Reason: err.Error()})
		return
	}
	respondSuccess(w, http.StatusOK, AuthorizationResponse{Granted: true})
}

// SyncRequest forces a sync run. Full selects the fetch window: true
// forces a from-scratch export, false forces an incremental run, and
// omitting it runs the pending initial export if one is still owed,
// falling back to an incremental run otherwise.
type SyncRequest struct {
	Full *bool `json:"full"`
}

// SyncNow handles POST /api/v1/sync. The run is synchronous and
// bounded by the processing budget; the response carries its report.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	ctx, cancel := h.runBudget(r.Context())
	defer cancel()

	var (
		report *sync.Report
		err    error
	)
	switch {
	case req.Full == nil:
		report, err = h.engine.KickoffInitialSync(ctx)
		if err == nil && report == nil {
			// Initial export already done; run incrementally.
			report, err = h.engine.SyncAll(ctx, false, sync.SourceManual)
		}
	case *req.Full:
		report, err = h.engine.SyncAll(ctx, true, sync.SourceManual)
	default:
		report, err = h.engine.SyncAll(ctx, false, sync.SourceManual)
	}

	if errors.Is(err, sync.ErrNotConfigured) {
		respondError(w, http.StatusConflict, "NOT_CONFIGURED", "Initialize an endpoint before syncing", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SYNC_FAILED", "Sync run failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, report)
}

// BackgroundResponse reports the background trigger state.
type BackgroundResponse struct {
	Running bool `json:"running"`
}

// BackgroundStart handles POST /api/v1/background/start. Starting an
// already-running background is a no-op.
func (h *Handler) BackgroundStart(w http.ResponseWriter, r *http.Request) {
	if h.background == nil {
		respondError(w, http.StatusServiceUnavailable, "BACKGROUND_UNAVAILABLE", "Background triggers are not available", nil)
		return
	}
	if err := h.background.Start(); err != nil {
		respondError(w, http.StatusInternalServerError, "BACKGROUND_START_FAILED", "Could not start background triggers", err)
		return
	}
	respondSuccess(w, http.StatusOK, BackgroundResponse{Running: h.background.Running()})
}

// BackgroundStop handles POST /api/v1/background/stop. Outstanding
// uploads keep draining; only the trigger services stop.
func (h *Handler) BackgroundStop(w http.ResponseWriter, r *http.Request) {
	if h.background == nil {
		respondError(w, http.StatusServiceUnavailable, "BACKGROUND_UNAVAILABLE", "Background triggers are not available", nil)
		return
	}
	if err := h.background.Stop(); err != nil {
		respondError(w, http.StatusInternalServerError, "BACKGROUND_STOP_FAILED", "Could not stop background triggers", err)
		return
	}
	respondSuccess(w, http.StatusOK, BackgroundResponse{Running: h.background.Running()})
}

// ResetRequest limits an anchor reset to the named types. An empty or
// absent list resets every tracked type.
type ResetRequest struct {
	Types []string `json:"types" validate:"omitempty,dive,required,max=128"`
}

// ResetResponse reports which types were reset.
type ResetResponse struct {
	Reset []string `json:"reset"`
}

// AnchorsReset handles POST /api/v1/anchors/reset: it discards the
// named watermarks and their staged uploads so the next run re-exports
// from the beginning.
func (h *Handler) AnchorsReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
		if apiErr := validateRequest(&req); apiErr != nil {
			respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
			return
		}
	}

	types := make([]models.TypeID, len(req.Types))
	for i, t := range req.Types {
		types[i] = models.TypeID(t)
	}

	err := h.engine.ResetAnchors(types)
	if errors.Is(err, sync.ErrNotConfigured) {
		respondError(w, http.StatusConflict, "NOT_CONFIGURED", "Initialize an endpoint before resetting anchors", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RESET_FAILED", "Anchor reset failed", err)
		return
	}

	reset := req.Types
	if len(reset) == 0 {
		reset = h.trackedTypes(r.Context())
	}
	if h.hub != nil {
		h.hub.BroadcastJSON(events.MessageTypeAnchorsReset, ResetResponse{Reset: reset})
	}
	respondSuccess(w, http.StatusOK, ResetResponse{Reset: reset})
}

// trackedTypes reports the active endpoint's tracked types, best
// effort, for reset responses that covered all of them.
func (h *Handler) trackedTypes(ctx context.Context) []string {
	st, err := h.engine.Status(ctx)
	if err != nil {
		return nil
	}
	return st.TrackedTypes
}

// StatusResponse is the engine snapshot plus transport state.
type StatusResponse struct {
	*sync.Status
	BreakerState string  `json:"breaker_state,omitempty"`
	UptimeSecs   float64 `json:"uptime_seconds"`
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STATUS_FAILED", "Could not read engine status", err)
		return
	}
	resp := StatusResponse{
		Status:     st,
		UptimeSecs: uptimeSeconds(h.startTime),
	}
	if h.uploader != nil {
		resp.BreakerState = h.uploader.BreakerState()
	}
	respondSuccess(w, http.StatusOK, resp)
}
