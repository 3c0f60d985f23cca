// SPDX-License-Identifier: MIT

package api

import (
	"context"

	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
)

// bgQueueSize bounds pending bookkeeping tasks.
const bgQueueSize = 256

type bgTask struct {
	name string
	fn   func(context.Context) error
}

// taskQueue runs request-path bookkeeping (audit inserts, api-key usage
// touches) on a single worker behind a bounded channel. Like the webhook
// dispatcher, a full queue drops the task and bumps a counter rather than
// blocking the request or spawning a goroutine per call.
type taskQueue struct {
	tasks chan bgTask
}

func newTaskQueue(size int) *taskQueue {
	if size <= 0 {
		size = bgQueueSize
	}
	return &taskQueue{tasks: make(chan bgTask, size)}
}

// enqueue submits a task without blocking. Best effort: overflow is counted
// and dropped.
func (q *taskQueue) enqueue(name string, fn func(context.Context) error) {
	select {
	case q.tasks <- bgTask{name: name, fn: fn}:
	default:
		metrics.BackgroundDropped.WithLabelValues(name).Inc()
		logger := log.WithComponent("api")
		logger.Warn().
			Str("event", "api.background_dropped").
			Str("task", name).
			Msg("background queue full, task dropped")
	}
}

// run drains the queue until ctx is done.
func (q *taskQueue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-q.tasks:
			if err := t.fn(ctx); err != nil {
				logger := log.WithComponent("api")
				logger.Warn().Err(err).
					Str("event", "api.background_failed").
					Str("task", t.name).
					Msg("background task failed")
			}
		}
	}
}

// RunBackground processes queued bookkeeping tasks until ctx is done. The
// daemon runs it alongside the HTTP server.
func (s *Server) RunBackground(ctx context.Context) error {
	return s.bg.run(ctx)
}
