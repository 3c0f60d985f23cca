// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowsWithinBudget(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := m.Allow(ctx, "k1", 10)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
	}

	d, err := m.Allow(ctx, "k1", 10)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Allow(ctx, "busy", 5)
		require.NoError(t, err)
	}
	d, err := m.Allow(ctx, "busy", 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = m.Allow(ctx, "idle", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryWindowSlides(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		now = base.Add(time.Duration(i) * 10 * time.Millisecond)
		d, err := m.Allow(ctx, "k", 60)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}

	// Refill must not happen mid-window: 1.5s later the budget is still spent.
	now = base.Add(1500 * time.Millisecond)
	d, err := m.Allow(ctx, "k", 60)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "no admissions until the oldest request ages out")
	assert.Equal(t, 58500*time.Millisecond, d.RetryAfter, "oldest+window-now")

	// Once the oldest timestamp falls out of the window, one slot opens.
	now = base.Add(window + time.Millisecond)
	d, err = m.Allow(ctx, "k", 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = m.Allow(ctx, "k", 60)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "only the aged-out slot was reclaimed")
}

func TestMemoryRollingCount(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// Two early, one late in the window.
	for _, offset := range []time.Duration{0, time.Second, 55 * time.Second} {
		now = base.Add(offset)
		d, err := m.Allow(ctx, "k", 3)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	now = base.Add(56 * time.Second)
	d, err := m.Allow(ctx, "k", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// At base+61s the two early requests have aged out; the late one remains.
	now = base.Add(61 * time.Second)
	d, err = m.Allow(ctx, "k", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryZeroRPMMeansUnlimited(t *testing.T) {
	m := NewMemory()
	d, err := m.Allow(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisFixedWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client)
	now := time.Date(2026, 8, 24, 12, 0, 10, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := r.Allow(ctx, "key-a", 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := r.Allow(ctx, "key-a", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 50*time.Second, d.RetryAfter, "seconds until the window rolls")

	// Next minute window starts fresh.
	r.now = func() time.Time { return now.Add(time.Minute) }
	d, err = r.Allow(ctx, "key-a", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisKeysAreIndependent(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client)
	ctx := context.Background()

	d, err := r.Allow(ctx, "a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = r.Allow(ctx, "a", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = r.Allow(ctx, "b", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
