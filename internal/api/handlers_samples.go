// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"fmt"
	"net/http"

	"github.com/the-momentum/health-bg-sync/internal/models"
)

// IngestRequest carries locally collected samples into the store.
// Records without an id get one assigned on insert.
type IngestRequest struct {
	Samples []models.Record `json:"samples" validate:"required,min=1"`
}

// IngestResponse reports how many samples were stored.
type IngestResponse struct {
	Inserted int `json:"inserted"`
}

// SamplesIngest handles POST /api/v1/samples. The insert is
// transactional: a malformed sample rejects the whole batch, and an
// accepted batch fires change notifications that wake the debounced
// sync trigger.
func (h *Handler) SamplesIngest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Sample store is not available", nil)
		return
	}

	var req IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}
	for i := range req.Samples {
		if err := req.Samples[i].Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_SAMPLES", fmt.Sprintf("sample %d: %s", i, err), nil)
			return
		}
	}

	inserted, err := h.store.Insert(r.Context(), req.Samples)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "Samples could not be stored", err)
		return
	}

	respondSuccess(w, http.StatusAccepted, IngestResponse{Inserted: inserted})
}
