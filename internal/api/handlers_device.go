// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/getouch/smsgw/internal/auth"
	"github.com/getouch/smsgw/internal/dispatch"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/webhook"
)

// pullBatchSize is the maximum messages handed out per pull.
const pullBatchSize = 5

// pairResponse is returned by both pairing flows. The device token appears
// here and nowhere else.
type pairResponse struct {
	DeviceID            uuid.UUID  `json:"device_id"`
	DeviceToken         string     `json:"device_token"`
	TenantID            *uuid.UUID `json:"tenant_id,omitempty"`
	Name                string     `json:"name"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	ServerTime          time.Time  `json:"server_time"`
}

func (s *Server) pairResponseFor(dev *store.Device) pairResponse {
	return pairResponse{
		DeviceID:            dev.ID,
		DeviceToken:         dev.DeviceToken,
		TenantID:            dev.TenantID,
		Name:                dev.Name,
		PollIntervalSeconds: int(s.cfg.DevicePollInterval.Seconds()),
		ServerTime:          time.Now().UTC(),
	}
}

// handleRedeemCode consumes a one-time pair code and hands out the device
// token. Unknown, expired and used codes are indistinguishable to the caller.
func (s *Server) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string     `json:"code"`
		DeviceInfo store.Meta `json:"device_info"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeValidation(w, "code is required")
		return
	}

	dev, err := s.store.RedeemPairCode(r.Context(), auth.HashSecret(req.Code), clientIP(r))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := s.store.HeartbeatDevice(r.Context(), dev.ID, req.DeviceInfo); err != nil {
		writeInternal(w)
		return
	}

	s.audit(r, dev.TenantID, "device.paired_via_code", "device", dev.ID.String(), nil)
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.device_paired").
		Str(log.FieldDeviceID, dev.ID.String()).
		Msg("device paired via code")
	writeJSON(w, http.StatusOK, s.pairResponseFor(dev))
}

// handlePair pairs a device whose operator entered the token manually.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceToken string     `json:"device_token"`
		DeviceInfo  store.Meta `json:"device_info"`
	}
	if err := decodeJSON(r, &req); err != nil || req.DeviceToken == "" {
		writeValidation(w, "device_token is required")
		return
	}

	dev, err := s.store.GetDeviceByToken(r.Context(), req.DeviceToken)
	if err != nil {
		writeUnauthorized(w, "unknown device token")
		return
	}
	if err := s.store.HeartbeatDevice(r.Context(), dev.ID, req.DeviceInfo); err != nil {
		writeInternal(w)
		return
	}

	s.audit(r, dev.TenantID, "device.paired", "device", dev.ID.String(), nil)
	writeJSON(w, http.StatusOK, s.pairResponseFor(dev))
}

// handleHeartbeat refreshes device presence and merges reported metadata.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r.Context())

	var info store.Meta
	if err := decodeJSON(r, &info); err != nil {
		info = nil
	}
	if err := s.store.HeartbeatDevice(r.Context(), dev.ID, info); err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"poll_interval_seconds": int(s.cfg.DevicePollInterval.Seconds()),
		"server_time":           time.Now().UTC(),
	})
}

// pulledMessage is the wire shape handed to the Android client.
type pulledMessage struct {
	MessageID uuid.UUID `json:"message_id"`
	ToNumber  string    `json:"to_number"`
	Body      string    `json:"body"`
	SendRef   string    `json:"send_ref"`
}

// handlePullOutbound leases queued messages for a pull-mode device. The pull
// itself is the lease; the server-side dispatcher will not double-send.
func (s *Server) handlePullOutbound(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r.Context())

	msgs, err := s.store.PullForDevice(r.Context(), dev, pullBatchSize)
	if err != nil {
		writeInternal(w)
		return
	}

	out := make([]pulledMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, pulledMessage{
			MessageID: msgs[i].ID,
			ToNumber:  msgs[i].ToNumber,
			Body:      msgs[i].MessageBody,
			SendRef:   msgs[i].ID.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleOutboundAck records a device's verdict on a pulled message.
func (s *Server) handleOutboundAck(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r.Context())

	var req struct {
		MessageID    uuid.UUID `json:"message_id"`
		Status       string    `json:"status"`
		ErrorCode    string    `json:"error_code"`
		ErrorMessage string    `json:"error_message"`
		ExternalRef  string    `json:"external_ref"`
	}
	if err := decodeJSON(r, &req); err != nil || req.MessageID == uuid.Nil {
		writeValidation(w, "message_id is required")
		return
	}

	msg, err := s.store.GetOutbound(r.Context(), nil, req.MessageID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if !deviceMayReport(dev, msg) {
		writeNotFound(w)
		return
	}

	switch req.Status {
	case store.StatusSent:
		if err := s.store.MarkSent(r.Context(), req.MessageID, req.ExternalRef, dev.ID); err != nil {
			writeStoreErr(w, err)
			return
		}
		metrics.MessagesSent.Inc()
		s.emitOutbound(r, req.MessageID, webhook.EventMessageSent)

	case store.StatusFailed:
		if req.ErrorMessage == "" {
			req.ErrorMessage = "device reported failure"
		}
		permanent := dispatch.IsPermanentCode(req.ErrorCode)
		if err := s.store.MarkFailed(r.Context(), req.MessageID, req.ErrorMessage, req.ErrorCode, permanent); err != nil {
			writeStoreErr(w, err)
			return
		}
		if permanent {
			metrics.MessagesFailed.WithLabelValues("permanent").Inc()
		} else {
			metrics.MessagesFailed.WithLabelValues("transient").Inc()
		}
		if msg, err := s.store.GetOutbound(r.Context(), nil, req.MessageID); err == nil && msg.Status == store.StatusFailed {
			s.emit(msg.TenantID, webhook.EventMessageFailed, webhook.OutboundPayload(msg))
		}

	default:
		writeValidation(w, "status must be sent or failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInbound ingests an SMS received by a device. Calls arriving through
// the legacy shared-secret path carry no device; the default tenant owns
// those messages.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	dev := deviceFrom(r.Context())

	var req struct {
		From       string     `json:"from"`
		To         *string    `json:"to"`
		Message    string     `json:"message"`
		ExternalID *string    `json:"external_id"`
		Metadata   store.Meta `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil || req.From == "" || req.Message == "" {
		writeValidation(w, "from and message are required")
		return
	}

	tenantID, err := s.resolveInboundTenant(r, dev)
	if err != nil {
		writeInternal(w)
		return
	}

	msg := &store.InboundMessage{
		TenantID:    tenantID,
		FromNumber:  req.From,
		ToNumber:    req.To,
		MessageBody: req.Message,
		ExternalID:  req.ExternalID,
		Metadata:    req.Metadata,
	}
	if dev != nil {
		msg.DeviceID = &dev.ID
	}

	idempotent, err := s.store.CreateInbound(r.Context(), msg)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if idempotent {
		writeJSON(w, http.StatusOK, map[string]any{"message_id": msg.ID, "idempotent": true})
		return
	}

	metrics.MessagesInbound.Inc()
	s.emit(tenantID, webhook.EventMessageInbound, webhook.InboundPayload{
		MessageID: msg.ID,
		From:      msg.FromNumber,
		To:        msg.ToNumber,
		Message:   msg.MessageBody,
		DeviceID:  msg.DeviceID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"message_id": msg.ID})
}

// handleDelivery records a delivery report for a sent message.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID   uuid.UUID `json:"message_id"`
		Status      string    `json:"status"`
		ExternalRef string    `json:"external_ref"`
	}
	if err := decodeJSON(r, &req); err != nil || req.MessageID == uuid.Nil {
		writeValidation(w, "message_id is required")
		return
	}
	if req.Status != store.StatusDelivered {
		writeValidation(w, "status must be delivered")
		return
	}

	before, err := s.store.GetOutbound(r.Context(), nil, req.MessageID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if !deviceMayReport(deviceFrom(r.Context()), before) {
		writeNotFound(w)
		return
	}
	if err := s.store.MarkDelivered(r.Context(), req.MessageID); err != nil {
		writeStoreErr(w, err)
		return
	}
	if before.Status == store.StatusSent {
		if msg, err := s.store.GetOutbound(r.Context(), nil, req.MessageID); err == nil {
			s.emit(msg.TenantID, webhook.EventMessageDelivered, webhook.OutboundPayload(msg))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// deviceMayReport restricts acks and delivery reports to the device that
// carried the message or a device of the owning tenant. Internal-secret calls
// carry no device and are trusted.
func deviceMayReport(dev *store.Device, msg *store.OutboundMessage) bool {
	if dev == nil {
		return true
	}
	if msg.FromDeviceID != nil && *msg.FromDeviceID == dev.ID {
		return true
	}
	return dev.TenantID != nil && *dev.TenantID == msg.TenantID
}

// resolveInboundTenant maps an inbound message to its owning tenant: the
// device's tenant when known, otherwise the configured default tenant.
func (s *Server) resolveInboundTenant(r *http.Request, dev *store.Device) (uuid.UUID, error) {
	if dev != nil && dev.TenantID != nil {
		return *dev.TenantID, nil
	}
	t, err := s.store.GetTenantBySlug(r.Context(), s.cfg.DefaultTenantSlug)
	if err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

// emit publishes a webhook event when delivery is enabled.
func (s *Server) emit(tenantID uuid.UUID, eventType string, data any) {
	if s.events != nil {
		s.events.Emit(tenantID, eventType, data)
	}
}

// emitOutbound reloads a message and publishes its current state.
func (s *Server) emitOutbound(r *http.Request, id uuid.UUID, eventType string) {
	if s.events == nil {
		return
	}
	if msg, err := s.store.GetOutbound(r.Context(), nil, id); err == nil {
		s.emit(msg.TenantID, eventType, webhook.OutboundPayload(msg))
	}
}
