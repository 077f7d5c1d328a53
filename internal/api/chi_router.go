// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/middleware"
	"github.com/tomtom215/vulnsync/internal/models"
)

// Router sets up HTTP routes using Chi router.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a Router. The API rate limit comes from cfg.
func NewRouter(handler *Handler, cfg config.APIConfig) *Router {
	return &Router{
		handler: handler,
		chiMiddleware: NewChiMiddleware(&ChiMiddlewareConfig{
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
	}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(requestLogger())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusMethodNotAllowed, &models.APIResponse{
			Status:   "error",
			Metadata: models.Metadata{Timestamp: time.Now()},
			Error:    &models.APIError{Code: "METHOD_NOT_ALLOWED", Message: "Method not allowed"},
		})
	})

	// ========================
	// Operational Endpoints
	// ========================
	r.Get("/health", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// ========================
	// Sync Endpoints
	// ========================
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", router.handler.StartSync)
			r.Delete("/", router.handler.CancelSync)
			r.Get("/progress", router.handler.SyncProgress)
		})

		r.Get("/vulnerabilities/{id}", router.handler.Vulnerability)
	})

	return r
}
