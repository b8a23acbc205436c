// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"net/http"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/auth"
	"github.com/the-momentum/health-bg-sync/internal/logging"
)

// TokenRequest exchanges the static control token for a session JWT.
type TokenRequest struct {
	ControlToken string `json:"control_token" validate:"required"`
	Client       string `json:"client" validate:"omitempty,max=64"`
}

// TokenResponse carries an issued control API token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token handles POST /api/v1/auth/token. The control token is compared
// in constant time; a mismatch is indistinguishable from an unset one.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	if !auth.VerifyControlToken(req.ControlToken, h.config.Security.ControlToken) {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("Control token rejected")
		respondError(w, http.StatusUnauthorized, "INVALID_CONTROL_TOKEN", "Control token rejected", nil)
		return
	}

	client := req.Client
	if client == "" {
		client = "companion"
	}
	token, err := h.jwtManager.GenerateToken(client)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Could not issue token", err)
		return
	}

	logging.Info().Str("client", sanitizeLogValue(client)).Msg("Control API token issued")
	respondSuccess(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.config.Security.TokenTTL),
	})
}
