// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueNeverBlocks(t *testing.T) {
	q := newTaskQueue(1)

	// No worker running: overflow must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			q.enqueue("noop", func(context.Context) error { return nil })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}

func TestTaskQueueRunsTasks(t *testing.T) {
	q := newTaskQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.run(ctx) }()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		q.enqueue("count", func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	require.Eventually(t, func() bool { return ran.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestTaskQueueStopsOnCancel(t *testing.T) {
	q := newTaskQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.run(ctx), context.Canceled)
}
