// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/store"
)

type sendRequest struct {
	To             string     `json:"to" validate:"required,e164"`
	Message        string     `json:"message" validate:"required"`
	SenderDeviceID *uuid.UUID `json:"sender_device_id"`
	Metadata       store.Meta `json:"metadata"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// handleSend accepts an outbound message into the queue.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidation(w, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidation(w, "to must be E.164 and message must be non-empty")
		return
	}
	if len(req.Message) > maxMessageLen {
		writeValidation(w, "message exceeds 1600 characters")
		return
	}

	// Header takes precedence over the body field.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}

	msg := &store.OutboundMessage{
		TenantID:          p.Tenant.ID,
		ToNumber:          req.To,
		MessageBody:       req.Message,
		PreferredDeviceID: req.SenderDeviceID,
		Metadata:          req.Metadata,
		MaxAttempts:       s.cfg.MaxAttempts,
	}
	if idemKey != "" {
		msg.IdempotencyKey = &idemKey
	}

	idempotent, err := s.store.CreateOutbound(r.Context(), msg)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	resp := map[string]any{
		"message_id": msg.ID,
		"status":     msg.Status,
		"to":         msg.ToNumber,
		"created_at": msg.CreatedAt,
	}
	if idempotent {
		resp["idempotent"] = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	metrics.MessagesQueued.Inc()
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.message_queued").
		Str(log.FieldTenantID, p.Tenant.ID.String()).
		Str(log.FieldMessageID, msg.ID.String()).
		Msg("outbound message accepted")
	writeJSON(w, http.StatusCreated, resp)
}

// handleGetMessage returns one message with its timeline, tenant-scoped.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w)
		return
	}

	msg, err := s.store.GetOutbound(r.Context(), &p.Tenant.ID, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		writeInternal(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  msg,
		"timeline": events,
	})
}

// handleListOutbound returns the tenant's outbound messages, newest first.
func (s *Server) handleListOutbound(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	f := messageFilterFromQuery(r)
	f.TenantID = &p.Tenant.ID

	msgs, err := s.store.ListOutbound(r.Context(), f)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": emptyIfNil(msgs),
		"limit":    store.ClampLimit(f.Limit),
		"offset":   f.Offset,
	})
}

// handleListInbox returns the tenant's inbound messages, newest first.
func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	f := messageFilterFromQuery(r)
	f.TenantID = &p.Tenant.ID

	msgs, err := s.store.ListInbound(r.Context(), f)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": emptyIfNil(msgs),
		"limit":    store.ClampLimit(f.Limit),
		"offset":   f.Offset,
	})
}

// handleTenantStats returns outbound counts by status for the caller's tenant.
func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	counts, err := s.store.TenantMessageCounts(r.Context(), p.Tenant.ID)
	if err != nil {
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outbound": counts})
}

// messageFilterFromQuery parses the shared pagination and window parameters.
func messageFilterFromQuery(r *http.Request) store.MessageFilter {
	q := r.URL.Query()
	f := store.MessageFilter{Status: q.Get("status")}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = &t
	}
	return f
}

// emptyIfNil keeps list responses as [] rather than null.
func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
