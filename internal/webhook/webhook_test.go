// SPDX-License-Identifier: MIT

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getouch/smsgw/internal/auth"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/store/storetest"
)

func registerHook(t *testing.T, m *storetest.Mem, tenantID uuid.UUID, url, secret string, retries int) *store.Webhook {
	t.Helper()
	hook := &store.Webhook{
		TenantID:      tenantID,
		EventType:     EventMessageSent,
		URL:           url,
		SigningSecret: secret,
		MaxRetries:    retries,
		BackoffMs:     1,
	}
	require.NoError(t, m.CreateWebhook(context.Background(), hook))
	return hook
}

func TestDeliverSignsAndFlattensPayload(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	var gotBody []byte
	var gotSig, gotEvent, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotID = r.Header.Get("X-Webhook-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := registerHook(t, m, tenantID, srv.URL, "s3cret", 0)

	d := New(m, 8, time.Second)
	msgID := uuid.New()
	d.deliver(context.Background(), Event{
		ID:       uuid.New(),
		Type:     EventMessageSent,
		TenantID: tenantID,
		Data:     MessagePayload{MessageID: msgID, To: "+15551234567", Status: "sent"},
	})

	require.NotEmpty(t, gotBody)
	assert.Equal(t, EventMessageSent, gotEvent)
	assert.NotEmpty(t, gotID)
	assert.Equal(t, auth.SignWebhookPayload("s3cret", gotBody), gotSig)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &flat))
	assert.Equal(t, EventMessageSent, flat["event"])
	assert.Equal(t, msgID.String(), flat["message_id"])
	assert.Equal(t, "+15551234567", flat["to"])

	// Bookkeeping recorded on the registration.
	stored, err := m.GetWebhook(context.Background(), hook.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastStatus)
	assert.Equal(t, http.StatusOK, *stored.LastStatus)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registerHook(t, m, tenantID, srv.URL, "s", 3)

	d := New(m, 8, time.Second)
	d.deliver(context.Background(), Event{
		ID: uuid.New(), Type: EventMessageSent, TenantID: tenantID,
		Data: MessagePayload{MessageID: uuid.New()},
	})

	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := registerHook(t, m, tenantID, srv.URL, "s", 2)

	d := New(m, 8, time.Second)
	d.deliver(context.Background(), Event{
		ID: uuid.New(), Type: EventMessageSent, TenantID: tenantID,
		Data: MessagePayload{MessageID: uuid.New()},
	})

	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")

	stored, err := m.GetWebhook(context.Background(), hook.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastStatus)
	assert.Equal(t, http.StatusBadGateway, *stored.LastStatus)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	m := storetest.New()
	d := New(m, 1, time.Second)

	// Nothing drains the queue; the second emit must not block.
	done := make(chan struct{})
	go func() {
		d.Emit(uuid.New(), EventMessageSent, MessagePayload{})
		d.Emit(uuid.New(), EventMessageSent, MessagePayload{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
}

func TestDeliverSkipsInactiveAndOtherEvents(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	hook := registerHook(t, m, tenantID, srv.URL, "s", 0)
	hook.IsActive = false
	require.NoError(t, m.UpdateWebhook(context.Background(), hook))

	d := New(m, 8, time.Second)
	d.deliver(context.Background(), Event{
		ID: uuid.New(), Type: EventMessageSent, TenantID: tenantID,
		Data: MessagePayload{},
	})
	assert.Zero(t, calls.Load())
}

func TestValidEventType(t *testing.T) {
	assert.True(t, ValidEventType("sms.sent"))
	assert.True(t, ValidEventType("sms.inbound"))
	assert.False(t, ValidEventType("sms.unknown"))
	assert.False(t, ValidEventType(""))
}
