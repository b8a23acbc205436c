// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/the-momentum/health-bg-sync/internal/auth"
	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/events"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/sync"
	"github.com/the-momentum/health-bg-sync/internal/validation"
)

// maxRequestBody bounds control API request bodies. Sample ingest
// batches are the largest expected payload.
const maxRequestBody = 8 << 20

// Engine is the slice of the sync engine the control API drives.
// *sync.Manager satisfies it.
type Engine interface {
	Initialize(endpoint config.EndpointConfig) error
	Authorize(ctx context.Context) error
	SyncAll(ctx context.Context, fullExport bool, source string) (*sync.Report, error)
	KickoffInitialSync(ctx context.Context) (*sync.Report, error)
	ResetAnchors(types []models.TypeID) error
	Status(ctx context.Context) (*sync.Status, error)
}

// Background starts and stops the trigger services that run syncs
// automatically. The supervisor's runner satisfies it.
type Background interface {
	Start() error
	Stop() error
	Running() bool
}

// SampleStore is the local store surface used by the ingest endpoint
// and the readiness probe. *duckstore.Store satisfies it.
type SampleStore interface {
	Insert(ctx context.Context, records []models.Record) (int, error)
	Ping(ctx context.Context) error
}

// Uploader exposes delivery transport state for the status endpoint.
// *transport.Dispatcher satisfies it.
type Uploader interface {
	BreakerState() string
}

// Handler carries the dependencies of the control API handlers.
type Handler struct {
	config     *config.Config
	engine     Engine
	store      SampleStore
	background Background
	uploader   Uploader
	jwtManager *auth.JWTManager
	hub        *events.Hub
	startTime  time.Time
}

// NewHandler wires the control API against the engine and its
// supporting services. store, background, uploader and hub may be nil
// in tests; the corresponding endpoints then degrade explicitly.
func NewHandler(cfg *config.Config, engine Engine, store SampleStore, background Background, uploader Uploader, jwtManager *auth.JWTManager, hub *events.Hub) *Handler {
	return &Handler{
		config:     cfg,
		engine:     engine,
		store:      store,
		background: background,
		uploader:   uploader,
		jwtManager: jwtManager,
		hub:        hub,
		startTime:  time.Now(),
	}
}

// sanitizeLogValue strips control characters so attacker-supplied
// strings cannot forge log lines.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response. Control responses describe live
// mutable state, so caching is disabled across the board.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondSuccess wraps data in the standard envelope.
func respondSuccess(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Status: "success",
		Data:   data,
		Metadata: models.Metadata{
			Timestamp: time.Now(),
		},
	})
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", sanitizeLogValue(code)).Str("error", sanitizeLogValue(err.Error())).Msg("API Error")
	}

	respondJSON(w, status, &models.APIResponse{
		Status: "error",
		Data:   nil,
		Metadata: models.Metadata{
			Timestamp: time.Now(),
		},
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
	})
}

// decodeJSON decodes a request body into dst, rejecting unknown fields
// and oversized payloads. On failure it writes the error response and
// returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Request body is not valid JSON: "+err.Error(), nil)
		return false
	}
	return true
}

// validateRequest validates a struct using go-playground/validator.
// Returns nil if validation passes, or a models.APIError using the
// VALIDATION_ERROR code.
func validateRequest(v interface{}) *models.APIError {
	validationErr := validation.ValidateStruct(v)
	if validationErr == nil {
		return nil
	}

	apiErr := validationErr.ToAPIError()
	return &models.APIError{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}
}

// runBudget bounds one API-triggered engine run the same way scheduled
// runs are bounded.
func (h *Handler) runBudget(parent context.Context) (context.Context, context.CancelFunc) {
	budget := h.config.Trigger.ProcessingBudget
	if budget <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, budget)
}
