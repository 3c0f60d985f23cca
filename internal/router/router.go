// SPDX-License-Identifier: MIT

// Package router selects a sending device for each outbound message and keeps
// device presence honest by sweeping stale heartbeats.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/store"
)

// ErrNoDevice is returned when no online, enabled device can serve the tenant.
var ErrNoDevice = errors.New("router: no eligible device")

// Router picks devices for dispatch.
type Router struct {
	store store.Store
}

// New returns a Router over the given store.
func New(s store.Store) *Router {
	return &Router{store: s}
}

// Pick returns the device that should carry the message: the preferred device
// if it is online and enabled, otherwise the tenant's freshest online device,
// otherwise any device from the shared pool.
func (r *Router) Pick(ctx context.Context, tenantID uuid.UUID, preferred *uuid.UUID) (*store.Device, error) {
	dev, err := r.store.PickDevice(ctx, tenantID, preferred)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoDevice
	}
	return dev, err
}

// Sweeper flips devices offline when their heartbeat goes quiet.
type Sweeper struct {
	store     store.Store
	threshold time.Duration
	every     time.Duration
}

// NewSweeper returns a Sweeper marking devices offline after threshold of
// silence, checking on the given interval.
func NewSweeper(s store.Store, threshold, every time.Duration) *Sweeper {
	return &Sweeper{store: s, threshold: threshold, every: every}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := log.WithComponent("router")
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.store.MarkStaleDevicesOffline(ctx, s.threshold)
			if err != nil {
				logger.Error().Err(err).
					Str("event", "router.sweep_failed").
					Msg("stale device sweep failed")
				continue
			}
			for _, d := range swept {
				logger.Warn().
					Str("event", "router.device_offline").
					Str(log.FieldDeviceID, d.ID.String()).
					Str("device_name", d.Name).
					Msg("device missed heartbeats, marked offline")
			}
			if stats, err := s.store.GetQueueStats(ctx); err == nil {
				metrics.DevicesOnline.Set(float64(stats.OnlineDevices))
			}
		}
	}
}
