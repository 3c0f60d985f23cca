// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboundCols = `id, tenant_id, to_number, message_body, status, from_device_id,
	preferred_device_id, external_id, idempotency_key, attempts, max_attempts,
	next_retry_at, last_error, error_code, metadata, created_at, updated_at,
	delivered_at, failed_at`

func scanOutbound(row pgx.Row) (*OutboundMessage, error) {
	var m OutboundMessage
	err := row.Scan(&m.ID, &m.TenantID, &m.ToNumber, &m.MessageBody, &m.Status,
		&m.FromDeviceID, &m.PreferredDeviceID, &m.ExternalID, &m.IdempotencyKey,
		&m.Attempts, &m.MaxAttempts, &m.NextRetryAt, &m.LastError, &m.ErrorCode,
		&m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.DeliveredAt, &m.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan outbound: %w", err)
	}
	return &m, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, direction, status, details string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO status_events (id, message_id, direction, status, details)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), messageID, direction, status, details)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// CreateOutbound inserts a queued message with its initial timeline entry.
// When the tenant already holds a row for the same idempotency key, the
// existing row is loaded into m and idempotent=true is returned.
func (db *DB) CreateOutbound(ctx context.Context, m *OutboundMessage) (bool, error) {
	defer observe(ctx, "CreateOutbound", time.Now())

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = 5
	}
	if m.Metadata == nil {
		m.Metadata = Meta{}
	}

	var idempotent bool
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO outbound_messages
				(id, tenant_id, to_number, message_body, status, preferred_device_id,
				 idempotency_key, max_attempts, next_retry_at, metadata)
			VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, NOW(), $8)
			ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL
			DO NOTHING
			RETURNING `+outboundCols,
			m.ID, m.TenantID, m.ToNumber, m.MessageBody, m.PreferredDeviceID,
			m.IdempotencyKey, m.MaxAttempts, m.Metadata)

		created, err := scanOutbound(row)
		if err == nil {
			*m = *created
			return appendEvent(ctx, tx, m.ID, "outbound", StatusQueued, "")
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// Conflict on (tenant_id, idempotency_key): surface the prior row,
		// but only when the replay carries the same payload. A reused key
		// with a different recipient or body is a caller bug.
		existing, err := scanOutbound(tx.QueryRow(ctx, `
			SELECT `+outboundCols+` FROM outbound_messages
			WHERE tenant_id = $1 AND idempotency_key = $2`,
			m.TenantID, m.IdempotencyKey))
		if err != nil {
			return err
		}
		if existing.ToNumber != m.ToNumber || existing.MessageBody != m.MessageBody {
			return ErrConflict
		}
		*m = *existing
		idempotent = true
		return nil
	})
	return idempotent, err
}

// LeaseQueuedMessages atomically moves up to limit due queued rows to
// processing, skipping rows locked by concurrent lessors. At-most-one lease
// per row is guaranteed by the row lock.
func (db *DB) LeaseQueuedMessages(ctx context.Context, limit int) ([]OutboundMessage, error) {
	defer observe(ctx, "LeaseQueuedMessages", time.Now())

	var out []OutboundMessage
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE outbound_messages
			SET status = 'processing', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM outbound_messages
				WHERE status = 'queued' AND next_retry_at <= NOW() AND attempts < max_attempts
				ORDER BY next_retry_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+outboundCols, limit)
		if err != nil {
			return fmt.Errorf("store: lease: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanOutbound(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

// PullForDevice leases queued messages eligible for the given device: rows
// preferring it, rows of its tenant, or (shared pool) rows with no preference.
// The pull is the lease; the dispatcher never double-leases these rows.
func (db *DB) PullForDevice(ctx context.Context, dev *Device, limit int) ([]OutboundMessage, error) {
	defer observe(ctx, "PullForDevice", time.Now())

	cond := `preferred_device_id = $2`
	args := []any{limit, dev.ID}
	switch {
	case dev.TenantID != nil:
		cond += ` OR tenant_id = $3`
		args = append(args, *dev.TenantID)
	case dev.IsSharedPool:
		cond += ` OR preferred_device_id IS NULL`
	}

	var out []OutboundMessage
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE outbound_messages
			SET status = 'processing', from_device_id = $2, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM outbound_messages
				WHERE status = 'queued' AND next_retry_at <= NOW() AND attempts < max_attempts
				  AND (`+cond+`)
				ORDER BY next_retry_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+outboundCols, args...)
		if err != nil {
			return fmt.Errorf("store: pull for device: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanOutbound(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

// MarkSent transitions a leased message to sent, recording the egress external
// id and the sending device. A repeated ack for an already-sent row is a no-op.
func (db *DB) MarkSent(ctx context.Context, id uuid.UUID, externalID string, deviceID uuid.UUID) error {
	defer observe(ctx, "MarkSent", time.Now())

	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbound_messages
			SET status = 'sent', attempts = attempts + 1, external_id = $2,
			    from_device_id = $3, updated_at = NOW()
			WHERE id = $1 AND status IN ('queued', 'processing')`,
			id, nullableString(externalID), deviceID)
		if err != nil {
			return fmt.Errorf("store: mark sent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return db.requireMessage(ctx, tx, id)
		}
		return appendEvent(ctx, tx, id, "outbound", StatusSent, "")
	})
}

// MarkDelivered transitions a sent message to delivered. Delivery reports for
// rows in any other state are recorded on the timeline as delivery_late
// without changing the row, which also makes repeated calls idempotent.
func (db *DB) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	defer observe(ctx, "MarkDelivered", time.Now())

	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbound_messages
			SET status = 'delivered', delivered_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'sent'`, id)
		if err != nil {
			return fmt.Errorf("store: mark delivered: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := db.requireMessage(ctx, tx, id); err != nil {
				return err
			}
			return appendEvent(ctx, tx, id, "outbound", "delivery_late", "delivery report outside sent state")
		}
		return appendEvent(ctx, tx, id, "outbound", StatusDelivered, "")
	})
}

// MarkFailed records a failed attempt. Permanent failures (or transient ones
// that exhaust max_attempts) finalise the row; otherwise it is requeued with
// exponential backoff.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, errMsg, code string, permanent bool) error {
	defer observe(ctx, "MarkFailed", time.Now())

	return db.withTx(ctx, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `
			SELECT attempts, max_attempts FROM outbound_messages
			WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: mark failed: %w", err)
		}

		attempts++
		if permanent || attempts >= maxAttempts {
			_, err := tx.Exec(ctx, `
				UPDATE outbound_messages
				SET status = 'failed', attempts = $2, last_error = $3, error_code = $4,
				    failed_at = NOW(), updated_at = NOW()
				WHERE id = $1`,
				id, attempts, errMsg, nullableString(code))
			if err != nil {
				return fmt.Errorf("store: mark failed: %w", err)
			}
			return appendEvent(ctx, tx, id, "outbound", StatusFailed, errMsg)
		}

		_, err = tx.Exec(ctx, `
			UPDATE outbound_messages
			SET status = 'queued', attempts = $2, last_error = $3, error_code = $4,
			    next_retry_at = NOW() + $5::interval, updated_at = NOW()
			WHERE id = $1`,
			id, attempts, errMsg, nullableString(code),
			fmt.Sprintf("%d seconds", int(Backoff(attempts).Seconds())))
		if err != nil {
			return fmt.Errorf("store: mark failed: %w", err)
		}
		return appendEvent(ctx, tx, id, "outbound", "retry_scheduled", errMsg)
	})
}

// RequeueStaleProcessing returns rows stuck in processing (a crashed worker or
// a device that never acked its pull lease) to the queue.
func (db *DB) RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	defer observe(ctx, "RequeueStaleProcessing", time.Now())

	var requeued int
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE outbound_messages
			SET status = 'queued', next_retry_at = NOW(), updated_at = NOW()
			WHERE status = 'processing' AND updated_at < NOW() - $1::interval
			RETURNING id`,
			fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
		if err != nil {
			return fmt.Errorf("store: requeue stale: %w", err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("store: requeue stale: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := appendEvent(ctx, tx, id, "outbound", StatusQueued, "stale processing lease requeued"); err != nil {
				return err
			}
		}
		requeued = len(ids)
		return nil
	})
	return requeued, err
}

// GetOutbound returns one message, optionally scoped to a tenant.
func (db *DB) GetOutbound(ctx context.Context, tenantID *uuid.UUID, id uuid.UUID) (*OutboundMessage, error) {
	defer observe(ctx, "GetOutbound", time.Now())

	if tenantID != nil {
		return scanOutbound(db.pool.QueryRow(ctx,
			`SELECT `+outboundCols+` FROM outbound_messages WHERE id = $1 AND tenant_id = $2`,
			id, *tenantID))
	}
	return scanOutbound(db.pool.QueryRow(ctx,
		`SELECT `+outboundCols+` FROM outbound_messages WHERE id = $1`, id))
}

// ListOutbound returns messages matching the filter, newest first.
func (db *DB) ListOutbound(ctx context.Context, f MessageFilter) ([]OutboundMessage, error) {
	defer observe(ctx, "ListOutbound", time.Now())

	where, args := messageWhere(f)
	query := `SELECT ` + outboundCols + ` FROM outbound_messages` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, ClampLimit(f.Limit), f.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list outbound: %w", err)
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListEvents returns the append-only timeline for a message, oldest first.
func (db *DB) ListEvents(ctx context.Context, messageID uuid.UUID) ([]StatusEvent, error) {
	defer observe(ctx, "ListEvents", time.Now())

	rows, err := db.pool.Query(ctx, `
		SELECT id, message_id, direction, status, details, created_at
		FROM status_events WHERE message_id = $1 ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		var e StatusEvent
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Direction, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// requireMessage returns ErrNotFound when the message does not exist; it is
// used to distinguish missing rows from ineligible state transitions.
func (db *DB) requireMessage(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbound_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("store: check message: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func messageWhere(f MessageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != nil {
		add("tenant_id = $%d", *f.TenantID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
