// SPDX-License-Identifier: MIT

// Package ratelimit enforces per-key request budgets. Two backends exist: an
// in-process sliding window for single-node deployments and a Redis fixed
// window shared across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the rolling period a budget applies to.
const window = time.Minute

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks whether one more request fits inside key's budget of rpm
// requests per minute.
type Limiter interface {
	Allow(ctx context.Context, key string, rpm int) (Decision, error)
}

// memoryEntry holds the timestamps of a key's requests inside the current
// window, oldest first.
type memoryEntry struct {
	stamps   []time.Time
	lastSeen time.Time
}

// Memory is a per-process sliding-window limiter. Each key keeps a log of its
// request timestamps; a request is admitted only while fewer than rpm
// timestamps fall inside the rolling window.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory returns an in-process limiter.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Allow records the request against key's window. When the window is full the
// request is denied and RetryAfter reports when the oldest timestamp falls out.
func (m *Memory) Allow(_ context.Context, key string, rpm int) (Decision, error) {
	if rpm <= 0 {
		return Decision{Allowed: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.lastSeen = now
	m.evictLocked()

	// Drop timestamps that have aged out of the window.
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(e.stamps) && !e.stamps[keep].After(cutoff) {
		keep++
	}
	e.stamps = append(e.stamps[:0], e.stamps[keep:]...)

	if len(e.stamps) >= rpm {
		return Decision{RetryAfter: e.stamps[0].Add(window).Sub(now)}, nil
	}
	e.stamps = append(e.stamps, now)
	return Decision{Allowed: true}, nil
}

// evictLocked drops windows idle for over ten minutes so the map stays bounded.
func (m *Memory) evictLocked() {
	if len(m.entries) < 4096 {
		return
	}
	cutoff := m.now().Add(-10 * time.Minute)
	for k, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, k)
		}
	}
}
