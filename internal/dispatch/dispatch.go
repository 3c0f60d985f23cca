// SPDX-License-Identifier: MIT

// Package dispatch runs the outbound send loop: lease a batch of due messages,
// route each to a device, push it through the adapter and record the outcome.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/router"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/webhook"
)

// Config tunes the dispatch loop.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	SendTimeout     time.Duration
	StaleProcessing time.Duration
	Concurrency     int
}

// Dispatcher is the push-mode send worker.
type Dispatcher struct {
	cfg     Config
	store   store.Store
	router  *router.Router
	sender  Sender
	events  webhook.Emitter
	running atomic.Bool
}

// New returns a Dispatcher. events may be nil when webhook delivery is off.
func New(cfg Config, s store.Store, r *router.Router, sender Sender, events webhook.Emitter) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.BatchSize
	}
	return &Dispatcher{cfg: cfg, store: s, router: r, sender: sender, events: events}
}

// Run polls the queue until ctx is done. Each tick leases one batch; a tick
// that fires while the previous batch is still in flight is skipped.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("dispatch")
	logger.Info().
		Str("event", "dispatch.started").
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "dispatch.stopped").Msg("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if !d.running.CompareAndSwap(false, true) {
				continue
			}
			processed := d.tick(ctx)
			d.running.Store(false)

			if err := d.store.WorkerHeartbeat(ctx, processed); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("event", "dispatch.heartbeat_failed").Msg("worker heartbeat failed")
			}
			if stats, err := d.store.GetQueueStats(ctx); err == nil {
				metrics.QueueDepth.Set(float64(stats.QueueDepth))
			}
		}
	}
}

// tick leases and processes one batch, returning the number of messages that
// reached a sent or failed outcome.
func (d *Dispatcher) tick(ctx context.Context) int {
	logger := log.WithComponent("dispatch")

	batch, err := d.store.LeaseQueuedMessages(ctx, d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Str("event", "dispatch.lease_failed").Msg("queue lease failed")
		}
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i := range batch {
		msg := batch[i]
		g.Go(func() error {
			if d.process(gctx, &msg) {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load())
}

// process drives one message to an outcome. Returns true when the message
// reached sent or failed (terminal or retry-scheduled).
func (d *Dispatcher) process(ctx context.Context, msg *store.OutboundMessage) bool {
	logger := log.WithComponent("dispatch").With().
		Str(log.FieldMessageID, msg.ID.String()).
		Str(log.FieldTenantID, msg.TenantID.String()).
		Logger()

	dev, err := d.router.Pick(ctx, msg.TenantID, msg.PreferredDeviceID)
	if err != nil {
		if errors.Is(err, router.ErrNoDevice) {
			logger.Warn().Str("event", "dispatch.no_device").Msg("no eligible device")
			d.fail(ctx, msg, &SendError{Code: CodeNoDevice, Message: "no online device for tenant"})
			return true
		}
		logger.Error().Err(err).Str("event", "dispatch.route_failed").Msg("device selection failed")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	externalID, err := d.sender.Send(sendCtx, dev, msg)
	cancel()

	if err != nil {
		var se *SendError
		if !errors.As(err, &se) {
			se = &SendError{Code: CodeAdapterError, Message: err.Error()}
		}
		logger.Warn().
			Str("event", "dispatch.send_failed").
			Str(log.FieldDeviceID, dev.ID.String()).
			Str("code", se.Code).
			Bool("permanent", se.Permanent()).
			Msg(se.Message)
		d.fail(ctx, msg, se)
		return true
	}

	if err := d.store.MarkSent(ctx, msg.ID, externalID, dev.ID); err != nil {
		logger.Error().Err(err).Str("event", "dispatch.mark_sent_failed").Msg("could not record sent state")
		return false
	}
	metrics.MessagesSent.Inc()
	logger.Info().
		Str("event", "dispatch.sent").
		Str(log.FieldDeviceID, dev.ID.String()).
		Int("attempt", msg.Attempts+1).
		Msg("message handed to device")

	d.emit(ctx, msg.ID, webhook.EventMessageSent)
	return true
}

// fail records the failure and emits message.failed when the message goes
// terminal.
func (d *Dispatcher) fail(ctx context.Context, msg *store.OutboundMessage, se *SendError) {
	if err := d.store.MarkFailed(ctx, msg.ID, se.Message, se.Code, se.Permanent()); err != nil {
		logger := log.WithComponent("dispatch")
		logger.Error().Err(err).
			Str("event", "dispatch.mark_failed_failed").
			Str(log.FieldMessageID, msg.ID.String()).
			Msg("could not record failure")
		return
	}
	if se.Permanent() {
		metrics.MessagesFailed.WithLabelValues("permanent").Inc()
	} else {
		metrics.MessagesFailed.WithLabelValues("transient").Inc()
	}

	if updated, err := d.store.GetOutbound(ctx, nil, msg.ID); err == nil && updated.Status == store.StatusFailed {
		d.emitMessage(updated, webhook.EventMessageFailed)
	}
}

// emit reloads the message and publishes the event with its current state.
func (d *Dispatcher) emit(ctx context.Context, id uuid.UUID, eventType string) {
	if d.events == nil {
		return
	}
	if msg, err := d.store.GetOutbound(ctx, nil, id); err == nil {
		d.emitMessage(msg, eventType)
	}
}

func (d *Dispatcher) emitMessage(msg *store.OutboundMessage, eventType string) {
	if d.events == nil {
		return
	}
	d.events.Emit(msg.TenantID, eventType, webhook.OutboundPayload(msg))
}

// Reaper requeues messages stuck in processing after a crash or lost adapter
// response.
type Reaper struct {
	store     store.Store
	olderThan time.Duration
	every     time.Duration
}

// NewReaper returns a Reaper requeueing processing rows older than olderThan.
func NewReaper(s store.Store, olderThan, every time.Duration) *Reaper {
	return &Reaper{store: s, olderThan: olderThan, every: every}
}

// Run reaps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	logger := log.WithComponent("dispatch")
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.store.RequeueStaleProcessing(ctx, r.olderThan)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Str("event", "dispatch.reap_failed").Msg("stale lease requeue failed")
				}
				continue
			}
			if n > 0 {
				logger.Warn().
					Str("event", "dispatch.leases_reaped").
					Int("count", n).
					Msg("requeued stale processing messages")
			}
		}
	}
}
