// SPDX-License-Identifier: MIT

// Package webhook delivers signed event callbacks to tenant endpoints. Events
// are queued in a bounded channel and delivered by a background worker; a full
// queue drops the event and bumps a counter rather than blocking the caller.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/getouch/smsgw/internal/auth"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/store"
)

// Event types emitted by the gateway.
const (
	EventMessageSent      = "sms.sent"
	EventMessageDelivered = "sms.delivered"
	EventMessageFailed    = "sms.failed"
	EventMessageInbound   = "sms.inbound"
)

// EventTypes lists the event types a webhook may register for.
var EventTypes = []string{
	EventMessageSent, EventMessageDelivered, EventMessageFailed, EventMessageInbound,
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t string) bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// Event is one pending callback.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	TenantID  uuid.UUID `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(tenantID uuid.UUID, eventType string, data any)
}

// egress caps outgoing webhook requests per second across all tenants.
const (
	egressRPS   = 50
	egressBurst = 100
)

// Dispatcher fans events out to each tenant's registered endpoints.
type Dispatcher struct {
	store   store.Store
	client  *http.Client
	queue   chan Event
	timeout time.Duration
	egress  *rate.Limiter
}

// New returns a Dispatcher with a bounded queue. queueSize events beyond the
// bound are dropped.
func New(s store.Store, queueSize int, timeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		store:   s,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		egress:  rate.NewLimiter(egressRPS, egressBurst),
	}
}

// Emit enqueues an event without blocking. Delivery is best effort: if the
// queue is full the event is counted and dropped.
func (d *Dispatcher) Emit(tenantID uuid.UUID, eventType string, data any) {
	ev := Event{
		ID:        uuid.New(),
		Type:      eventType,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDropped.Inc()
		logger := log.WithComponent("webhook")
		logger.Warn().
			Str("event", "webhook.dropped").
			Str(log.FieldTenantID, tenantID.String()).
			Str("event_type", eventType).
			Msg("delivery queue full, event dropped")
	}
}

// Run drains the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// deliver posts the event to every active matching endpoint, honouring each
// endpoint's retry policy. Retries are in-memory only; an event lost to a
// crash is not replayed.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	logger := log.WithComponent("webhook")

	hooks, err := d.store.ActiveWebhooks(ctx, ev.TenantID, ev.Type)
	if err != nil {
		logger.Error().Err(err).
			Str("event", "webhook.lookup_failed").
			Str(log.FieldTenantID, ev.TenantID.String()).
			Msg("could not load webhook registrations")
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := encodeBody(ev)
	if err != nil {
		logger.Error().Err(err).Str("event", "webhook.encode_failed").Msg("could not encode event")
		return
	}

	for i := range hooks {
		d.deliverOne(ctx, &hooks[i], ev, body)
	}
}

// encodeBody flattens the event into {"event": type, ...data fields}.
func encodeBody(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	flat := map[string]any{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	flat["event"] = ev.Type
	return json.Marshal(flat)
}

func (d *Dispatcher) deliverOne(ctx context.Context, hook *store.Webhook, ev Event, body []byte) {
	logger := log.WithComponent("webhook")
	backoff := time.Duration(hook.BackoffMs) * time.Millisecond

	var lastStatus int
	for attempt := 0; attempt <= hook.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		status, err := d.post(ctx, hook, ev, body)
		lastStatus = status
		if err == nil && status >= 200 && status < 300 {
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
			_ = d.store.RecordWebhookResult(ctx, hook.ID, status)
			return
		}
		logger.Warn().
			Str("event", "webhook.attempt_failed").
			Str("url", hook.URL).
			Int("status", status).
			Int("attempt", attempt+1).
			Err(err).
			Msg("webhook delivery attempt failed")
	}

	metrics.WebhookDeliveries.WithLabelValues("error").Inc()
	_ = d.store.RecordWebhookResult(ctx, hook.ID, lastStatus)
	logger.Error().
		Str("event", "webhook.delivery_failed").
		Str("url", hook.URL).
		Str("event_type", ev.Type).
		Int("retries", hook.MaxRetries).
		Msg("webhook delivery exhausted retries")
}

func (d *Dispatcher) post(ctx context.Context, hook *store.Webhook, ev Event, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.egress.Wait(reqCtx); err != nil {
		return 0, fmt.Errorf("webhook: egress limit: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Id", uuid.NewString())
	req.Header.Set("X-Webhook-Signature", auth.SignWebhookPayload(hook.SigningSecret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

// MessagePayload is the event body for outbound message lifecycle events.
type MessagePayload struct {
	MessageID  uuid.UUID  `json:"message_id"`
	To         string     `json:"to"`
	Status     string     `json:"status"`
	DeviceID   *uuid.UUID `json:"device_id,omitempty"`
	ExternalID *string    `json:"external_id,omitempty"`
	Error      *string    `json:"error,omitempty"`
	ErrorCode  *string    `json:"error_code,omitempty"`
}

// InboundPayload is the event body for message.inbound.
type InboundPayload struct {
	MessageID uuid.UUID  `json:"message_id"`
	From      string     `json:"from"`
	To        *string    `json:"to,omitempty"`
	Message   string     `json:"message"`
	DeviceID  *uuid.UUID `json:"device_id,omitempty"`
}

// OutboundPayload builds the lifecycle payload from a stored message.
func OutboundPayload(m *store.OutboundMessage) MessagePayload {
	return MessagePayload{
		MessageID:  m.ID,
		To:         m.ToNumber,
		Status:     m.Status,
		DeviceID:   m.FromDeviceID,
		ExternalID: m.ExternalID,
		Error:      m.LastError,
		ErrorCode:  m.ErrorCode,
	}
}
