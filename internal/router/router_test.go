// SPDX-License-Identifier: MIT

package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/store/storetest"
)

func TestPickNoDevice(t *testing.T) {
	m := storetest.New()
	r := New(m)

	_, err := r.Pick(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestPickPrefersTenantDevice(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	pool := &store.Device{Name: "pool", DeviceToken: uuid.NewString(), IsSharedPool: true, IsEnabled: true}
	require.NoError(t, m.CreateDevice(context.Background(), pool))
	require.NoError(t, m.HeartbeatDevice(context.Background(), pool.ID, nil))

	own := &store.Device{TenantID: &tenantID, Name: "own", DeviceToken: uuid.NewString(), IsEnabled: true}
	require.NoError(t, m.CreateDevice(context.Background(), own))
	require.NoError(t, m.HeartbeatDevice(context.Background(), own.ID, nil))

	r := New(m)
	picked, err := r.Pick(context.Background(), tenantID, nil)
	require.NoError(t, err)
	assert.Equal(t, own.ID, picked.ID)
}

func TestSweeperMarksStaleOffline(t *testing.T) {
	m := storetest.New()
	tenantID := uuid.New()

	dev := &store.Device{TenantID: &tenantID, Name: "quiet", DeviceToken: uuid.NewString(), IsEnabled: true}
	require.NoError(t, m.CreateDevice(context.Background(), dev))
	require.NoError(t, m.HeartbeatDevice(context.Background(), dev.ID, nil))

	base := time.Now()
	m.Now = func() time.Time { return base.Add(3 * time.Minute) }

	s := NewSweeper(m, 2*time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := m.GetDevice(context.Background(), dev.ID)
		return err == nil && got.Status == store.DeviceOffline
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
