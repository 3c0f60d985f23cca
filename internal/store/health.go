// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// workerID is the singleton worker_health row key.
const workerID = "main"

// WorkerHeartbeat upserts the dispatcher heartbeat row, adding processed to
// the lifetime counter.
func (db *DB) WorkerHeartbeat(ctx context.Context, processed int) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO worker_health (id, status, last_heartbeat, messages_processed)
		VALUES ($1, 'running', NOW(), $2)
		ON CONFLICT (id) DO UPDATE
		SET status = 'running', last_heartbeat = NOW(),
		    messages_processed = worker_health.messages_processed + $2`,
		workerID, processed)
	if err != nil {
		return fmt.Errorf("store: worker heartbeat: %w", err)
	}
	return nil
}

// GetWorkerHealth returns the dispatcher heartbeat row.
func (db *DB) GetWorkerHealth(ctx context.Context) (*WorkerHealth, error) {
	var w WorkerHealth
	err := db.pool.QueryRow(ctx, `
		SELECT id, status, last_heartbeat, messages_processed
		FROM worker_health WHERE id = $1`, workerID).
		Scan(&w.ID, &w.Status, &w.LastHeartbeat, &w.MessagesProcessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: worker health: %w", err)
	}
	return &w, nil
}

// GetQueueStats returns the roll-up feeding the health endpoint.
func (db *DB) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	defer observe(ctx, "GetQueueStats", time.Now())

	var s QueueStats
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM outbound_messages WHERE status = 'queued'),
			(SELECT COUNT(*) FROM outbound_messages WHERE status = 'failed' AND failed_at > NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM devices WHERE status = 'online' AND is_enabled)`).
		Scan(&s.QueueDepth, &s.Failures24h, &s.OnlineDevices)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	return &s, nil
}

// TenantMessageCounts returns outbound counts by status for one tenant.
func (db *DB) TenantMessageCounts(ctx context.Context, tenantID uuid.UUID) (map[string]int, error) {
	defer observe(ctx, "TenantMessageCounts", time.Now())

	rows, err := db.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM outbound_messages
		WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: tenant counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: tenant counts: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
