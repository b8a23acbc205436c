// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/the-momentum/health-bg-sync/internal/auth"
	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/middleware"
)

// tokenMintLimit caps token issuance attempts per client IP, keeping
// control token brute force impractical regardless of the general rate
// limit settings.
const tokenMintLimit = 10

// Router assembles the control API routes.
type Router struct {
	handler *Handler
	jwt     *auth.JWTManager
	cfg     *config.Config
}

// NewRouter wires the handler set into a router factory.
func NewRouter(handler *Handler, jwt *auth.JWTManager, cfg *config.Config) *Router {
	return &Router{handler: handler, jwt: jwt, cfg: cfg}
}

// SetupChi builds the chi mux: public probes and metrics, a tightly
// rate limited token mint, and the JWT-protected control surface.
func (rt *Router) SetupChi() *chi.Mux {
	h := rt.handler
	sec := rt.cfg.Security

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	if len(sec.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   sec.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.HealthLive)
	r.Get("/readyz", h.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Token mint: public but tightly limited.
		r.Group(func(r chi.Router) {
			if !sec.RateLimitDisabled {
				r.Use(httprate.LimitByIP(tokenMintLimit, time.Minute))
			}
			r.Post("/auth/token", h.Token)
		})

		// Control surface: instrumented, compressed, limited, authed.
		r.Group(func(r chi.Router) {
			r.Use(middleware.PrometheusMetrics)
			r.Use(middleware.AccessLog)
			r.Use(middleware.Compression)
			if !sec.RateLimitDisabled && sec.RateLimitReqs > 0 {
				r.Use(httprate.LimitByIP(sec.RateLimitReqs, sec.RateLimitWindow))
			}
			r.Use(rt.jwt.RequireToken)

			r.Post("/initialize", h.Initialize)
			r.Post("/authorization", h.Authorization)
			r.Post("/sync", h.SyncNow)
			r.Post("/background/start", h.BackgroundStart)
			r.Post("/background/stop", h.BackgroundStop)
			r.Post("/anchors/reset", h.AnchorsReset)
			r.Get("/status", h.Status)
			r.Post("/samples", h.SamplesIngest)
			r.Get("/ws", h.WebSocket)
		})
	})

	return r
}

// BuildServer constructs the http.Server for the control API with the
// configured listener address and timeouts.
func BuildServer(cfg config.ServerConfig, mux *chi.Mux) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  60 * time.Second,
	}
}
