// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package api is the HTTP ingest surface of the relay: clients post records
// to /v1/report and operators inspect or steer the pipeline through /v1/stats,
// /v1/flush, /v1/retry and /v1/config.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/telemetry-relay/internal/middleware"
)

// NewRouter wires every route.
func NewRouter(h *Handler, mw *Middleware) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS()) // global so OPTIONS preflight is answered
	r.Use(middleware.PrometheusMetrics)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(mw.RateLimit()).Post("/report", h.Report)

		r.Get("/stats", h.Stats)
		r.Post("/flush", h.Flush)
		r.Post("/retry", h.RetryAll)
		r.Get("/config", h.GetConfig)
		r.Patch("/config", h.PatchConfig)
	})

	return r
}
