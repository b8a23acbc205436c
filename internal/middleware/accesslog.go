// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package middleware

import (
	"net/http"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/logging"
)

// AccessLog writes one structured log line per request, carrying the
// request id from the context. Successful requests log at debug so the
// periodic status polling of a companion app does not flood the log;
// errors log at warn.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		event := logging.Ctx(r.Context()).Debug()
		if recorder.status >= http.StatusInternalServerError {
			event = logging.Ctx(r.Context()).Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("Control API request")
	})
}
