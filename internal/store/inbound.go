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

const inboundCols = `id, tenant_id, device_id, from_number, to_number, message_body,
	external_id, metadata, created_at`

func scanInbound(row pgx.Row) (*InboundMessage, error) {
	var m InboundMessage
	err := row.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.FromNumber, &m.ToNumber,
		&m.MessageBody, &m.ExternalID, &m.Metadata, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan inbound: %w", err)
	}
	return &m, nil
}

// CreateInbound ingests an inbound SMS. When the tenant already holds a row
// with the same external id, the existing row is loaded into m and
// idempotent=true is returned; no new row is inserted.
func (db *DB) CreateInbound(ctx context.Context, m *InboundMessage) (bool, error) {
	defer observe(ctx, "CreateInbound", time.Now())

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = Meta{}
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO inbound_messages (id, tenant_id, device_id, from_number, to_number, message_body, external_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, external_id) WHERE external_id IS NOT NULL
		DO NOTHING
		RETURNING `+inboundCols,
		m.ID, m.TenantID, m.DeviceID, m.FromNumber, m.ToNumber, m.MessageBody,
		m.ExternalID, m.Metadata)

	created, err := scanInbound(row)
	if err == nil {
		*m = *created
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	existing, err := scanInbound(db.pool.QueryRow(ctx, `
		SELECT `+inboundCols+` FROM inbound_messages
		WHERE tenant_id = $1 AND external_id = $2`,
		m.TenantID, m.ExternalID))
	if err != nil {
		return false, err
	}
	*m = *existing
	return true, nil
}

// ListInbound returns inbound messages matching the filter, newest first.
func (db *DB) ListInbound(ctx context.Context, f MessageFilter) ([]InboundMessage, error) {
	defer observe(ctx, "ListInbound", time.Now())

	where, args := messageWhere(MessageFilter{TenantID: f.TenantID, From: f.From, To: f.To})
	query := `SELECT ` + inboundCols + ` FROM inbound_messages` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, ClampLimit(f.Limit), f.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list inbound: %w", err)
	}
	defer rows.Close()

	var out []InboundMessage
	for rows.Next() {
		m, err := scanInbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
