// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP handler tree.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates a router over the given handler and middleware factory.
func NewRouter(handler *Handler, mw *Middleware) *Router {
	if mw == nil {
		mw = NewMiddleware(nil)
	}
	return &Router{handler: handler, middleware: mw}
}

// Setup builds the chi handler tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())
	r.Use(RequestMetrics())

	// Operational endpoints stay outside the API rate limit so probes and
	// scrapes are never throttled.
	r.Get("/health", router.handler.Health)
	r.Get("/ready", router.handler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())

		r.Post("/actions", router.handler.CollectAction)
		r.Get("/events/{eventID}/similar", router.handler.GetSimilarEvents)
		r.Get("/users/{userID}/recommendations", router.handler.GetRecommendations)
		r.Get("/stats", router.handler.Stats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed,
			ErrCodeMethodNotAllowed, "method not allowed")
	})

	return r
}
