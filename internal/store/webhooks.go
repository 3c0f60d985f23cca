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

const webhookCols = `id, tenant_id, event_type, url, signing_secret, is_active,
	max_retries, backoff_ms, last_triggered, last_status, created_at, updated_at`

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var w Webhook
	err := row.Scan(&w.ID, &w.TenantID, &w.EventType, &w.URL, &w.SigningSecret,
		&w.IsActive, &w.MaxRetries, &w.BackoffMs, &w.LastTriggered, &w.LastStatus,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan webhook: %w", err)
	}
	return &w, nil
}

// CreateWebhook registers a callback for one (tenant, event_type).
func (db *DB) CreateWebhook(ctx context.Context, w *Webhook) error {
	defer observe(ctx, "CreateWebhook", time.Now())

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
	if w.BackoffMs <= 0 {
		w.BackoffMs = 1000
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO webhooks (id, tenant_id, event_type, url, signing_secret, is_active, max_retries, backoff_ms)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		RETURNING `+webhookCols,
		w.ID, w.TenantID, w.EventType, w.URL, w.SigningSecret, w.MaxRetries, w.BackoffMs)

	created, err := scanWebhook(row)
	if err != nil {
		return err
	}
	*w = *created
	return nil
}

// GetWebhook returns one webhook registration.
func (db *DB) GetWebhook(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	defer observe(ctx, "GetWebhook", time.Now())
	return scanWebhook(db.pool.QueryRow(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id))
}

// ListWebhooks returns registrations, optionally for one tenant.
func (db *DB) ListWebhooks(ctx context.Context, tenantID *uuid.UUID) ([]Webhook, error) {
	defer observe(ctx, "ListWebhooks", time.Now())

	query := `SELECT ` + webhookCols + ` FROM webhooks ORDER BY created_at`
	args := []any{}
	if tenantID != nil {
		query = `SELECT ` + webhookCols + ` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at`
		args = append(args, *tenantID)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ActiveWebhooks returns active registrations matching tenant and event type.
func (db *DB) ActiveWebhooks(ctx context.Context, tenantID uuid.UUID, eventType string) ([]Webhook, error) {
	defer observe(ctx, "ActiveWebhooks", time.Now())

	rows, err := db.pool.Query(ctx, `
		SELECT `+webhookCols+` FROM webhooks
		WHERE tenant_id = $1 AND event_type = $2 AND is_active`,
		tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("store: active webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWebhook persists url, active flag, retry policy and signing secret.
func (db *DB) UpdateWebhook(ctx context.Context, w *Webhook) error {
	defer observe(ctx, "UpdateWebhook", time.Now())

	tag, err := db.pool.Exec(ctx, `
		UPDATE webhooks
		SET url = $2, signing_secret = $3, is_active = $4, max_retries = $5,
		    backoff_ms = $6, updated_at = NOW()
		WHERE id = $1`,
		w.ID, w.URL, w.SigningSecret, w.IsActive, w.MaxRetries, w.BackoffMs)
	if err != nil {
		return fmt.Errorf("store: update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a registration.
func (db *DB) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	defer observe(ctx, "DeleteWebhook", time.Now())

	tag, err := db.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWebhookResult updates delivery bookkeeping. Called fire-and-forget
// after each delivery attempt completes.
func (db *DB) RecordWebhookResult(ctx context.Context, id uuid.UUID, status int) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE webhooks SET last_triggered = NOW(), last_status = $2 WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("store: record webhook result: %w", err)
	}
	return nil
}
