// SPDX-License-Identifier: MIT

package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getouch/smsgw/internal/store"
)

func seedTenant(t *testing.T, m *Mem) *store.Tenant {
	t.Helper()
	tenant := &store.Tenant{Slug: "acme", Name: "Acme"}
	require.NoError(t, m.CreateTenant(context.Background(), tenant))
	return tenant
}

func seedDevice(t *testing.T, m *Mem, tenantID *uuid.UUID, online bool) *store.Device {
	t.Helper()
	dev := &store.Device{
		TenantID:    tenantID,
		Name:        "handset",
		DeviceToken: uuid.NewString(),
		IsEnabled:   true,
	}
	require.NoError(t, m.CreateDevice(context.Background(), dev))
	if online {
		require.NoError(t, m.HeartbeatDevice(context.Background(), dev.ID, nil))
	}
	return dev
}

func queueMessage(t *testing.T, m *Mem, tenantID uuid.UUID) *store.OutboundMessage {
	t.Helper()
	msg := &store.OutboundMessage{
		TenantID:    tenantID,
		ToNumber:    "+15551230000",
		MessageBody: "hello",
		MaxAttempts: 5,
	}
	idem, err := m.CreateOutbound(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, idem)
	return msg
}

func TestCreateOutboundIdempotency(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	key := "abc123"
	first := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15550001111", MessageBody: "one",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	idem, err := m.CreateOutbound(ctx, first)
	require.NoError(t, err)
	assert.False(t, idem)

	second := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15550001111", MessageBody: "one",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	idem, err = m.CreateOutbound(ctx, second)
	require.NoError(t, err)
	assert.True(t, idem)
	assert.Equal(t, first.ID, second.ID, "replay returns the original row")

	// Same key under another tenant is a fresh message.
	other := seedTenant2(t, m, "other")
	third := &store.OutboundMessage{
		TenantID: other.ID, ToNumber: "+15550001111", MessageBody: "one",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	idem, err = m.CreateOutbound(ctx, third)
	require.NoError(t, err)
	assert.False(t, idem)
	assert.NotEqual(t, first.ID, third.ID)
}

func seedTenant2(t *testing.T, m *Mem, slug string) *store.Tenant {
	t.Helper()
	tenant := &store.Tenant{Slug: slug, Name: slug}
	require.NoError(t, m.CreateTenant(context.Background(), tenant))
	return tenant
}

func TestCreateOutboundIdempotencyKeyReuseConflicts(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	key := "reused"
	first := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15550001111", MessageBody: "one",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	_, err := m.CreateOutbound(ctx, first)
	require.NoError(t, err)

	otherTo := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15550002222", MessageBody: "one",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	_, err = m.CreateOutbound(ctx, otherTo)
	assert.ErrorIs(t, err, store.ErrConflict)

	otherBody := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15550001111", MessageBody: "two",
		IdempotencyKey: &key, MaxAttempts: 5,
	}
	_, err = m.CreateOutbound(ctx, otherBody)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestLeaseMovesToProcessingOnce(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	msg := queueMessage(t, m, tenant.ID)

	batch, err := m.LeaseQueuedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, msg.ID, batch[0].ID)
	assert.Equal(t, store.StatusProcessing, batch[0].Status)

	// Second lease sees nothing.
	batch, err = m.LeaseQueuedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestLeaseConcurrentCallersGetDisjointBatches(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	const queued = 20
	want := make(map[uuid.UUID]bool, queued)
	for i := 0; i < queued; i++ {
		want[queueMessage(t, m, tenant.ID).ID] = true
	}

	const workers = 8
	var mu sync.Mutex
	counts := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := m.LeaseQueuedMessages(ctx, 5)
			assert.NoError(t, err)
			mu.Lock()
			for _, msg := range batch {
				counts[msg.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, counts, queued, "union of batches covers the whole queue")
	for id, n := range counts {
		assert.Equal(t, 1, n, "message %s leased more than once", id)
		assert.True(t, want[id])
	}
}

func TestMarkFailedTransientRequeuesWithBackoff(t *testing.T) {
	m := New()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	tenant := seedTenant(t, m)
	ctx := context.Background()

	msg := queueMessage(t, m, tenant.ID)
	_, err := m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed(ctx, msg.ID, "timeout", "TIMEOUT", false))

	got, err := m.GetOutbound(ctx, nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, base.Add(time.Minute), got.NextRetryAt, "2^1 * 30s after first failure")

	// Not leaseable until the retry time passes.
	batch, err := m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, batch)

	m.Now = func() time.Time { return base.Add(2 * time.Minute) }
	batch, err = m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMarkFailedPermanentIsTerminal(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	msg := queueMessage(t, m, tenant.ID)
	_, err := m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed(ctx, msg.ID, "bad number", "INVALID_NUMBER", true))

	got, err := m.GetOutbound(ctx, nil, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.NotNil(t, got.FailedAt)
	assert.Equal(t, "INVALID_NUMBER", *got.ErrorCode)
}

func TestMarkFailedExhaustionPromotesToPermanent(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	msg := &store.OutboundMessage{
		TenantID: tenant.ID, ToNumber: "+15551230000", MessageBody: "x", MaxAttempts: 2,
	}
	_, err := m.CreateOutbound(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed(ctx, msg.ID, "t1", "TIMEOUT", false))
	got, _ := m.GetOutbound(ctx, nil, msg.ID)
	assert.Equal(t, store.StatusQueued, got.Status)

	require.NoError(t, m.MarkFailed(ctx, msg.ID, "t2", "TIMEOUT", false))
	got, _ = m.GetOutbound(ctx, nil, msg.ID)
	assert.Equal(t, store.StatusFailed, got.Status, "transient failure at max_attempts goes terminal")
	assert.Equal(t, 2, got.Attempts)
}

func TestDeliveredOnlyFromSent(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	dev := seedDevice(t, m, &tenant.ID, true)
	ctx := context.Background()

	msg := queueMessage(t, m, tenant.ID)

	// Delivery report before sent is recorded as a late timeline entry only.
	require.NoError(t, m.MarkDelivered(ctx, msg.ID))
	got, _ := m.GetOutbound(ctx, nil, msg.ID)
	assert.Equal(t, store.StatusQueued, got.Status)

	_, err := m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.MarkSent(ctx, msg.ID, "ext-1", dev.ID))
	require.NoError(t, m.MarkDelivered(ctx, msg.ID))

	got, _ = m.GetOutbound(ctx, nil, msg.ID)
	assert.Equal(t, store.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	events, err := m.ListEvents(ctx, msg.ID)
	require.NoError(t, err)
	statuses := make([]string, 0, len(events))
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []string{"queued", "delivery_late", "sent", "delivered"}, statuses)
}

func TestRequeueStaleProcessing(t *testing.T) {
	m := New()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	tenant := seedTenant(t, m)
	ctx := context.Background()

	msg := queueMessage(t, m, tenant.ID)
	_, err := m.LeaseQueuedMessages(ctx, 1)
	require.NoError(t, err)

	// Too fresh to reap.
	n, err := m.RequeueStaleProcessing(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	m.Now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = m.RequeueStaleProcessing(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := m.GetOutbound(ctx, nil, msg.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Zero(t, got.Attempts, "reaping is not an attempt")
}

func TestRedeemPairCodeAtMostOnce(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	dev := seedDevice(t, m, &tenant.ID, false)
	ctx := context.Background()

	pc := &store.PairCode{
		CodeHash:  "hash-1",
		DeviceID:  dev.ID,
		CreatedBy: "admin",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, m.CreatePairCode(ctx, pc))

	got, err := m.RedeemPairCode(ctx, "hash-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	// Second redemption fails like an unknown code.
	_, err = m.RedeemPairCode(ctx, "hash-1", "10.0.0.2")
	assert.ErrorIs(t, err, store.ErrInvalidPairCode)

	// Unknown and expired are indistinguishable.
	_, err = m.RedeemPairCode(ctx, "nope", "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrInvalidPairCode)

	expired := &store.PairCode{
		CodeHash:  "hash-2",
		DeviceID:  dev.ID,
		CreatedBy: "admin",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, m.CreatePairCode(ctx, expired))
	_, err = m.RedeemPairCode(ctx, "hash-2", "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrInvalidPairCode)
}

func TestPickDevicePolicy(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	// No devices at all.
	_, err := m.PickDevice(ctx, tenant.ID, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	shared := seedDevice(t, m, nil, true)
	sharedCopy, _ := m.GetDevice(ctx, shared.ID)
	sharedCopy.IsSharedPool = true
	require.NoError(t, m.UpdateDevice(ctx, sharedCopy))

	// Only the shared pool qualifies.
	got, err := m.PickDevice(ctx, tenant.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, shared.ID, got.ID)

	// A tenant device beats the shared pool.
	own := seedDevice(t, m, &tenant.ID, true)
	got, err = m.PickDevice(ctx, tenant.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	// Preferred wins when online; ignored when offline.
	preferred := seedDevice(t, m, &tenant.ID, true)
	got, err = m.PickDevice(ctx, tenant.ID, &preferred.ID)
	require.NoError(t, err)
	assert.Equal(t, preferred.ID, got.ID)

	offline := seedDevice(t, m, &tenant.ID, false)
	got, err = m.PickDevice(ctx, tenant.ID, &offline.ID)
	require.NoError(t, err)
	assert.NotEqual(t, offline.ID, got.ID, "offline preferred falls through")
}

func TestPullForDeviceScoping(t *testing.T) {
	m := New()
	tenantA := seedTenant(t, m)
	tenantB := seedTenant2(t, m, "beta")
	devA := seedDevice(t, m, &tenantA.ID, true)
	ctx := context.Background()

	msgA := queueMessage(t, m, tenantA.ID)
	msgB := queueMessage(t, m, tenantB.ID)

	pulled, err := m.PullForDevice(ctx, devA, 10)
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	assert.Equal(t, msgA.ID, pulled[0].ID)
	require.NotNil(t, pulled[0].FromDeviceID)
	assert.Equal(t, devA.ID, *pulled[0].FromDeviceID)

	// Tenant B's message is untouched and still leaseable.
	got, _ := m.GetOutbound(ctx, nil, msgB.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestMarkStaleDevicesOffline(t *testing.T) {
	m := New()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	tenant := seedTenant(t, m)
	dev := seedDevice(t, m, &tenant.ID, true)
	ctx := context.Background()

	m.Now = func() time.Time { return base.Add(3 * time.Minute) }
	swept, err := m.MarkStaleDevicesOffline(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, dev.ID, swept[0].ID)

	got, _ := m.GetDevice(ctx, dev.ID)
	assert.Equal(t, store.DeviceOffline, got.Status)
}

func TestCreateInboundDeduplicates(t *testing.T) {
	m := New()
	tenant := seedTenant(t, m)
	ctx := context.Background()

	ext := "sms-42"
	first := &store.InboundMessage{TenantID: tenant.ID, FromNumber: "+15550009999", MessageBody: "hi", ExternalID: &ext}
	idem, err := m.CreateInbound(ctx, first)
	require.NoError(t, err)
	assert.False(t, idem)

	dup := &store.InboundMessage{TenantID: tenant.ID, FromNumber: "+15550009999", MessageBody: "hi", ExternalID: &ext}
	idem, err = m.CreateInbound(ctx, dup)
	require.NoError(t, err)
	assert.True(t, idem)
	assert.Equal(t, first.ID, dup.ID)
}
