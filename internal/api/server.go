// SPDX-License-Identifier: MIT

// Package api exposes the gateway's three HTTP surfaces: the tenant API under
// /api/v1, the device API under /internal/android and the admin API under
// /admin. Authentication planes and rate limits differ per surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getouch/smsgw/internal/config"
	"github.com/getouch/smsgw/internal/ratelimit"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/webhook"
)

// maxMessageLen bounds outbound message bodies (multipart SMS limit).
const maxMessageLen = 1600

// Server wires handlers to their dependencies.
type Server struct {
	cfg      config.Config
	store    store.Store
	limiter  ratelimit.Limiter
	events   webhook.Emitter
	validate *validator.Validate
	bg       *taskQueue
}

// New returns a Server. events may be nil to disable webhook emission. The
// caller must run RunBackground for audit and key-usage bookkeeping to land.
func New(cfg config.Config, s store.Store, limiter ratelimit.Limiter, events webhook.Emitter) *Server {
	return &Server{
		cfg:      cfg,
		store:    s,
		limiter:  limiter,
		events:   events,
		validate: validator.New(),
		bg:       newTaskQueue(bgQueueSize),
	}
}

// Routes builds the full routing tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer)
	r.Use(recordMetrics)
	r.Use(accessLog)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Tenant surface: bearer key auth + per-key rate budget.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.tenantAuth)

		r.With(requireScope(store.ScopeSend)).Post("/send", s.handleSend)
		r.With(requireScope(store.ScopeRead)).Get("/messages/{id}", s.handleGetMessage)
		r.With(requireScope(store.ScopeRead)).Get("/outbound", s.handleListOutbound)
		r.With(requireScope(store.ScopeInbox)).Get("/inbox", s.handleListInbox)
		r.With(requireScope(store.ScopeRead)).Get("/stats", s.handleTenantStats)
	})

	// Device surface: HMAC-signed requests, per-IP budget. Pairing endpoints
	// are pre-token and therefore unsigned; the pair code or raw token is the
	// credential.
	r.Route("/internal/android", func(r chi.Router) {
		r.Use(httprate.Limit(s.cfg.DeviceIPRPM, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Post("/redeem-code", s.handleRedeemCode)
		r.Post("/pair", s.handlePair)

		r.Group(func(r chi.Router) {
			r.Use(s.deviceAuth(false))
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/pull-outbound", s.handlePullOutbound)
			r.Post("/outbound-ack", s.handleOutboundAck)
		})

		// Inbound and delivery reports also arrive from the legacy
		// server-side adapter, authenticated by shared secret.
		r.Group(func(r chi.Router) {
			r.Use(s.deviceAuth(true))
			r.Post("/inbound", s.handleInbound)
			r.Post("/delivery", s.handleDelivery)
		})
	})

	// Admin surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", s.handleCreateTenant)
			r.Get("/", s.handleListTenants)
			r.Get("/{id}", s.handleGetTenant)
			r.Put("/{id}", s.handleUpdateTenant)
			r.Post("/{id}/keys", s.handleCreateKey)
			r.Get("/{id}/keys", s.handleListKeys)
			r.Get("/{id}/stats", s.handleAdminTenantStats)
		})
		r.Delete("/keys/{id}", s.handleRevokeKey)

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.handleCreateDevice)
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Put("/{id}", s.handleUpdateDevice)
			r.Post("/{id}/rotate-token", s.handleRotateToken)
			r.Post("/{id}/pair-code", s.handleMintPairCode)
			r.Get("/{id}/pair-codes", s.handleListPairCodes)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleCreateWebhook)
			r.Get("/", s.handleListWebhooks)
			r.Put("/{id}", s.handleUpdateWebhook)
			r.Post("/{id}/rotate-secret", s.handleRotateWebhookSecret)
			r.Delete("/{id}", s.handleDeleteWebhook)
		})

		r.Get("/outbound", s.handleAdminListOutbound)
		r.Get("/inbound", s.handleAdminListInbound)
		r.Get("/audit", s.handleListAudit)
		r.Get("/stats", s.handleAdminStats)
	})

	return r
}
