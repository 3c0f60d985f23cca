// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getouch/smsgw/internal/router"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/store/storetest"
)

type fakeSender struct {
	externalID string
	err        error
	mu         sync.Mutex
	sent       []uuid.UUID
}

func (f *fakeSender) Send(_ context.Context, _ *store.Device, msg *store.OutboundMessage) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg.ID)
	f.mu.Unlock()
	return f.externalID, f.err
}

type recordedEvent struct {
	tenantID  uuid.UUID
	eventType string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEmitter) Emit(tenantID uuid.UUID, eventType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{tenantID, eventType})
}

func (f *fakeEmitter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.eventType)
	}
	return out
}

func setup(t *testing.T, sender Sender) (*storetest.Mem, *Dispatcher, *fakeEmitter, *store.Tenant) {
	t.Helper()
	m := storetest.New()
	tenant := &store.Tenant{Slug: "acme", Name: "Acme"}
	require.NoError(t, m.CreateTenant(context.Background(), tenant))

	emitter := &fakeEmitter{}
	d := New(Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    5,
		SendTimeout:  time.Second,
	}, m, router.New(m), sender, emitter)
	return m, d, emitter, tenant
}

func onlineDevice(t *testing.T, m *storetest.Mem, tenantID uuid.UUID) *store.Device {
	t.Helper()
	dev := &store.Device{TenantID: &tenantID, Name: "handset", DeviceToken: uuid.NewString(), IsEnabled: true}
	require.NoError(t, m.CreateDevice(context.Background(), dev))
	require.NoError(t, m.HeartbeatDevice(context.Background(), dev.ID, nil))
	return dev
}

func queueOne(t *testing.T, m *storetest.Mem, tenantID uuid.UUID) *store.OutboundMessage {
	t.Helper()
	msg := &store.OutboundMessage{TenantID: tenantID, ToNumber: "+15551230000", MessageBody: "hi", MaxAttempts: 5}
	_, err := m.CreateOutbound(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestTickSendsQueuedMessage(t *testing.T) {
	sender := &fakeSender{externalID: "ext-9"}
	m, d, emitter, tenant := setup(t, sender)
	dev := onlineDevice(t, m, tenant.ID)
	msg := queueOne(t, m, tenant.ID)

	processed := d.tick(context.Background())
	assert.Equal(t, 1, processed)

	got, err := m.GetOutbound(context.Background(), nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "ext-9", *got.ExternalID)
	require.NotNil(t, got.FromDeviceID)
	assert.Equal(t, dev.ID, *got.FromDeviceID)

	assert.Equal(t, []string{"sms.sent"}, emitter.types())
}

func TestTickPermanentFailure(t *testing.T) {
	sender := &fakeSender{err: &SendError{Code: CodeInvalidNumber, Message: "bad number"}}
	m, d, emitter, tenant := setup(t, sender)
	onlineDevice(t, m, tenant.ID)
	msg := queueOne(t, m, tenant.ID)

	d.tick(context.Background())

	got, err := m.GetOutbound(context.Background(), nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, CodeInvalidNumber, *got.ErrorCode)

	assert.Equal(t, []string{"sms.failed"}, emitter.types())
}

func TestTickTransientFailureRequeues(t *testing.T) {
	sender := &fakeSender{err: &SendError{Code: CodeTimeout, Message: "slow adapter"}}
	m, d, emitter, tenant := setup(t, sender)
	onlineDevice(t, m, tenant.ID)
	msg := queueOne(t, m, tenant.ID)

	d.tick(context.Background())

	got, err := m.GetOutbound(context.Background(), nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRetryAt.After(time.Now()), "backoff scheduled")

	assert.Empty(t, emitter.types(), "no terminal event for a retryable failure")
}

func TestTickNoDeviceIsTransient(t *testing.T) {
	sender := &fakeSender{externalID: "unused"}
	m, d, _, tenant := setup(t, sender)
	msg := queueOne(t, m, tenant.ID)

	d.tick(context.Background())

	got, err := m.GetOutbound(context.Background(), nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, CodeNoDevice, *got.ErrorCode)
	assert.Empty(t, sender.sent, "nothing reaches the adapter without a device")
}

func TestTickEmptyQueue(t *testing.T) {
	sender := &fakeSender{}
	_, d, emitter, _ := setup(t, sender)

	assert.Zero(t, d.tick(context.Background()))
	assert.Empty(t, emitter.types())
}

func TestSendErrorClassification(t *testing.T) {
	assert.True(t, (&SendError{Code: CodeInvalidNumber}).Permanent())
	assert.True(t, (&SendError{Code: CodeBlocked}).Permanent())
	assert.True(t, (&SendError{Code: CodeSimError}).Permanent())
	assert.False(t, (&SendError{Code: CodeTimeout}).Permanent())
	assert.False(t, (&SendError{Code: CodeNoDevice}).Permanent())
	assert.False(t, (&SendError{Code: CodeAdapterError}).Permanent())

	assert.True(t, IsPermanentCode("SIM_ERROR"))
	assert.False(t, IsPermanentCode(""))
	assert.False(t, IsPermanentCode("TIMEOUT"))
}
