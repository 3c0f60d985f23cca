// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/getouch/smsgw/internal/auth"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/webhook"
)

// slugRe bounds tenant slugs to lowercase DNS-label shape.
var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// Pair code TTL bounds in minutes.
const (
	pairTTLMin     = 5
	pairTTLMax     = 1440
	pairTTLDefault = 30
)

// --- tenants ---

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
		Plan string `json:"plan"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeValidation(w, "invalid JSON body")
		return
	}
	if !slugRe.MatchString(req.Slug) {
		writeValidation(w, "slug must be lowercase alphanumeric with hyphens")
		return
	}
	if req.Name == "" {
		req.Name = req.Slug
	}
	if req.Plan == "" {
		req.Plan = "standard"
	}

	t := &store.Tenant{Slug: req.Slug, Name: req.Name, Plan: req.Plan, Settings: store.Meta{}}
	if err := s.store.CreateTenant(r.Context(), t); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, &t.ID, "tenant.created", "tenant", t.ID.String(), store.Meta{"slug": t.Slug})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": emptyIfNil(tenants)})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	var req struct {
		Name   *string `json:"name"`
		Plan   *string `json:"plan"`
		Status *string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeValidation(w, "invalid JSON body")
		return
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Plan != nil {
		t.Plan = *req.Plan
	}
	if req.Status != nil {
		switch *req.Status {
		case store.TenantActive:
			t.Status = store.TenantActive
			t.SuspendedAt = nil
		case store.TenantSuspended:
			now := time.Now().UTC()
			t.Status = store.TenantSuspended
			t.SuspendedAt = &now
		default:
			writeValidation(w, "status must be active or suspended")
			return
		}
	}

	if err := s.store.UpdateTenant(r.Context(), t); err != nil {
		writeStoreErr(w, err)
		return
	}
	s.audit(r, &t.ID, "tenant.updated", "tenant", t.ID.String(), store.Meta{"status": t.Status})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminTenantStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	counts, err := s.store.TenantMessageCounts(r.Context(), id)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outbound": counts})
}

// --- api keys ---

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		writeStoreErr(w, err)
		return
	}

	var req struct {
		Name         string     `json:"name"`
		Scopes       []string   `json:"scopes"`
		RateLimitRPM int        `json:"rate_limit_rpm"`
		ExpiresAt    *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeValidation(w, "name is required")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{store.ScopeSend, store.ScopeRead}
	}
	for _, sc := range req.Scopes {
		switch sc {
		case store.ScopeSend, store.ScopeRead, store.ScopeInbox:
		default:
			writeValidation(w, "unknown scope: "+sc)
			return
		}
	}

	raw, digest, err := auth.GenerateAPIKey()
	if err != nil {
		writeInternal(w)
		return
	}
	key := &store.APIKey{
		TenantID:     tenantID,
		Name:         req.Name,
		KeyHash:      digest,
		KeyLast4:     auth.KeyLast4(raw),
		Scopes:       req.Scopes,
		RateLimitRPM: req.RateLimitRPM,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, &tenantID, "apikey.created", "api_key", key.ID.String(), store.Meta{"name": key.Name})
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"api_key": raw, // shown exactly once
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context(), tenantID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": emptyIfNil(keys)})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	s.audit(r, nil, "apikey.revoked", "api_key", id.String(), nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- devices ---

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID     *uuid.UUID `json:"tenant_id"`
		Name         string     `json:"name"`
		PhoneNumber  *string    `json:"phone_number"`
		IsSharedPool bool       `json:"is_shared_pool"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeValidation(w, "name is required")
		return
	}
	if req.TenantID == nil && !req.IsSharedPool {
		writeValidation(w, "device needs a tenant_id or is_shared_pool")
		return
	}

	token, err := auth.GenerateDeviceToken()
	if err != nil {
		writeInternal(w)
		return
	}
	dev := &store.Device{
		TenantID:     req.TenantID,
		Name:         req.Name,
		PhoneNumber:  req.PhoneNumber,
		DeviceToken:  token,
		IsSharedPool: req.IsSharedPool,
		IsEnabled:    true,
	}
	if err := s.store.CreateDevice(r.Context(), dev); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, req.TenantID, "device.created", "device", dev.ID.String(), store.Meta{"name": dev.Name})
	writeJSON(w, http.StatusCreated, map[string]any{
		"device":       dev,
		"device_token": token, // shown exactly once
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var tenantID *uuid.UUID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeValidation(w, "invalid tenant_id")
			return
		}
		tenantID = &id
	}
	devices, err := s.store.ListDevices(r.Context(), tenantID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": emptyIfNil(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	var req struct {
		Name         *string    `json:"name"`
		PhoneNumber  *string    `json:"phone_number"`
		TenantID     *uuid.UUID `json:"tenant_id"`
		IsSharedPool *bool      `json:"is_shared_pool"`
		IsEnabled    *bool      `json:"is_enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeValidation(w, "invalid JSON body")
		return
	}
	if req.Name != nil {
		dev.Name = *req.Name
	}
	if req.PhoneNumber != nil {
		dev.PhoneNumber = req.PhoneNumber
	}
	if req.TenantID != nil {
		dev.TenantID = req.TenantID
	}
	if req.IsSharedPool != nil {
		dev.IsSharedPool = *req.IsSharedPool
	}
	if req.IsEnabled != nil {
		dev.IsEnabled = *req.IsEnabled
	}

	if err := s.store.UpdateDevice(r.Context(), dev); err != nil {
		writeStoreErr(w, err)
		return
	}
	s.audit(r, dev.TenantID, "device.updated", "device", dev.ID.String(), nil)
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	token, err := auth.GenerateDeviceToken()
	if err != nil {
		writeInternal(w)
		return
	}
	if err := s.store.RotateDeviceToken(r.Context(), id, token); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, nil, "device.token_rotated", "device", id.String(), nil)
	writeJSON(w, http.StatusOK, map[string]string{
		"device_token": token, // previous token is invalid immediately
	})
}

// --- pair codes ---

func (s *Server) handleMintPairCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	var req struct {
		TTLMinutes int `json:"ttl_minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		req.TTLMinutes = 0
	}
	if req.TTLMinutes == 0 {
		req.TTLMinutes = pairTTLDefault
	}
	if req.TTLMinutes < pairTTLMin || req.TTLMinutes > pairTTLMax {
		writeValidation(w, "ttl_minutes must be between 5 and 1440")
		return
	}

	raw, digest, prefix, err := auth.GeneratePairCode()
	if err != nil {
		writeInternal(w)
		return
	}
	pc := &store.PairCode{
		CodeHash:   digest,
		CodePrefix: prefix,
		DeviceID:   dev.ID,
		CreatedBy:  actorFrom(r.Context()),
		ExpiresAt:  time.Now().UTC().Add(time.Duration(req.TTLMinutes) * time.Minute),
	}
	if err := s.store.CreatePairCode(r.Context(), pc); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, dev.TenantID, "device.pair_code_minted", "device", dev.ID.String(),
		store.Meta{"prefix": prefix})
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":        raw, // shown exactly once
		"code_prefix": prefix,
		"expires_at":  pc.ExpiresAt,
		"pair_url":    s.pairURL(raw),
	})
}

func (s *Server) handleListPairCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	codes, err := s.store.ListPairCodes(r.Context(), &id)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pair_codes": emptyIfNil(codes)})
}

// pairURL builds the public redemption link handed to the operator.
func (s *Server) pairURL(code string) string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = "http://localhost" + s.cfg.Listen
	}
	return base + "/pair?code=" + code
}

// --- webhooks ---

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   uuid.UUID `json:"tenant_id"`
		EventType  string    `json:"event_type"`
		URL        string    `json:"url"`
		MaxRetries int       `json:"max_retries"`
		BackoffMs  int       `json:"backoff_ms"`
	}
	if err := decodeJSON(r, &req); err != nil || req.TenantID == uuid.Nil || req.URL == "" {
		writeValidation(w, "tenant_id and url are required")
		return
	}
	if !webhook.ValidEventType(req.EventType) {
		writeValidation(w, "unknown event_type")
		return
	}

	secret, err := auth.GenerateWebhookSecret()
	if err != nil {
		writeInternal(w)
		return
	}
	hook := &store.Webhook{
		TenantID:      req.TenantID,
		EventType:     req.EventType,
		URL:           req.URL,
		SigningSecret: secret,
		MaxRetries:    req.MaxRetries,
		BackoffMs:     req.BackoffMs,
	}
	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, &req.TenantID, "webhook.created", "webhook", hook.ID.String(),
		store.Meta{"event_type": hook.EventType})
	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook":        hook,
		"signing_secret": secret, // shown exactly once
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	var tenantID *uuid.UUID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeValidation(w, "invalid tenant_id")
			return
		}
		tenantID = &id
	}
	hooks, err := s.store.ListWebhooks(r.Context(), tenantID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": emptyIfNil(hooks)})
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	hook, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	var req struct {
		URL        *string `json:"url"`
		IsActive   *bool   `json:"is_active"`
		MaxRetries *int    `json:"max_retries"`
		BackoffMs  *int    `json:"backoff_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeValidation(w, "invalid JSON body")
		return
	}
	if req.URL != nil {
		hook.URL = *req.URL
	}
	if req.IsActive != nil {
		hook.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		hook.MaxRetries = *req.MaxRetries
	}
	if req.BackoffMs != nil {
		hook.BackoffMs = *req.BackoffMs
	}

	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		writeStoreErr(w, err)
		return
	}
	s.audit(r, &hook.TenantID, "webhook.updated", "webhook", hook.ID.String(), nil)
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleRotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	hook, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	secret, err := auth.GenerateWebhookSecret()
	if err != nil {
		writeInternal(w)
		return
	}
	hook.SigningSecret = secret
	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.audit(r, &hook.TenantID, "webhook.secret_rotated", "webhook", hook.ID.String(), nil)
	writeJSON(w, http.StatusOK, map[string]string{"signing_secret": secret})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	s.audit(r, nil, "webhook.deleted", "webhook", id.String(), nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- cross-tenant listings, audit, stats ---

func (s *Server) handleAdminListOutbound(w http.ResponseWriter, r *http.Request) {
	f := messageFilterFromQuery(r)
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			f.TenantID = &id
		}
	}
	msgs, err := s.store.ListOutbound(r.Context(), f)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNil(msgs)})
}

func (s *Server) handleAdminListInbound(w http.ResponseWriter, r *http.Request) {
	f := messageFilterFromQuery(r)
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			f.TenantID = &id
		}
	}
	msgs, err := s.store.ListInbound(r.Context(), f)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": emptyIfNil(msgs)})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{Action: q.Get("action")}
	if raw := q.Get("tenant_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			f.TenantID = &id
		}
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}

	entries, err := s.store.ListAudit(r.Context(), f)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": emptyIfNil(entries)})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetQueueStats(r.Context())
	if err != nil {
		writeInternal(w)
		return
	}
	resp := map[string]any{"queue": stats}
	if worker, err := s.store.GetWorkerHealth(r.Context()); err == nil {
		resp["worker"] = worker
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

// audit records an administrative or device action. Best effort: failures are
// logged and never affect the caller.
func (s *Server) audit(r *http.Request, tenantID *uuid.UUID, action, resource, resourceID string, details store.Meta) {
	actor := actorFrom(r.Context())
	if actor == "" {
		actor = "device"
	}
	ip := clientIP(r)

	entry := &store.AuditEntry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		Resource:   &resource,
		ResourceID: &resourceID,
		Details:    details,
	}
	if ip != "" {
		entry.IPAddress = &ip
	}

	s.bg.enqueue("audit", func(ctx context.Context) error {
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			logger := log.WithComponent("api")
			logger.Warn().Err(err).
				Str("event", "api.audit_failed").
				Str("action", action).
				Msg("audit append failed")
		}
		return nil
	})
}

// pathUUID parses a UUID path parameter, writing 404 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeNotFound(w)
		return uuid.Nil, false
	}
	return id, true
}

// clientIP returns the remote address without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
