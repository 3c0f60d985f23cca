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

const deviceCols = `id, tenant_id, name, phone_number, device_token, status,
	is_shared_pool, is_enabled, last_seen_at, metadata, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.PhoneNumber, &d.DeviceToken,
		&d.Status, &d.IsSharedPool, &d.IsEnabled, &d.LastSeenAt, &d.Metadata,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan device: %w", err)
	}
	return &d, nil
}

// CreateDevice inserts a new device row.
func (db *DB) CreateDevice(ctx context.Context, d *Device) error {
	defer observe(ctx, "CreateDevice", time.Now())

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DeviceOffline
	}
	if d.Metadata == nil {
		d.Metadata = Meta{}
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO devices (id, tenant_id, name, phone_number, device_token, status, is_shared_pool, is_enabled, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+deviceCols,
		d.ID, d.TenantID, d.Name, d.PhoneNumber, d.DeviceToken, d.Status,
		d.IsSharedPool, d.IsEnabled, d.Metadata)

	created, err := scanDevice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	*d = *created
	return nil
}

// GetDevice returns the device with the given id.
func (db *DB) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	defer observe(ctx, "GetDevice", time.Now())
	return scanDevice(db.pool.QueryRow(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE id = $1`, id))
}

// GetDeviceByToken resolves a raw device token to its device row. Used by the
// manual token-pair flow; HMAC verification elsewhere looks up by device id.
func (db *DB) GetDeviceByToken(ctx context.Context, token string) (*Device, error) {
	defer observe(ctx, "GetDeviceByToken", time.Now())
	return scanDevice(db.pool.QueryRow(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE device_token = $1`, token))
}

// ListDevices returns devices, optionally restricted to one tenant.
func (db *DB) ListDevices(ctx context.Context, tenantID *uuid.UUID) ([]Device, error) {
	defer observe(ctx, "ListDevices", time.Now())

	query := `SELECT ` + deviceCols + ` FROM devices ORDER BY created_at`
	args := []any{}
	if tenantID != nil {
		query = `SELECT ` + deviceCols + ` FROM devices WHERE tenant_id = $1 ORDER BY created_at`
		args = append(args, *tenantID)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDevice persists mutable device fields.
func (db *DB) UpdateDevice(ctx context.Context, d *Device) error {
	defer observe(ctx, "UpdateDevice", time.Now())

	tag, err := db.pool.Exec(ctx, `
		UPDATE devices
		SET tenant_id = $2, name = $3, phone_number = $4, status = $5,
		    is_shared_pool = $6, is_enabled = $7, metadata = $8, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.TenantID, d.Name, d.PhoneNumber, d.Status,
		d.IsSharedPool, d.IsEnabled, d.Metadata)
	if err != nil {
		return fmt.Errorf("store: update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateDeviceToken replaces the device token; the previous token is invalid
// immediately.
func (db *DB) RotateDeviceToken(ctx context.Context, id uuid.UUID, token string) error {
	defer observe(ctx, "RotateDeviceToken", time.Now())

	tag, err := db.pool.Exec(ctx, `
		UPDATE devices SET device_token = $2, updated_at = NOW() WHERE id = $1`,
		id, token)
	if err != nil {
		return fmt.Errorf("store: rotate device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HeartbeatDevice marks a device online, refreshes last_seen_at and merges the
// reported device info under metadata.device_info.
func (db *DB) HeartbeatDevice(ctx context.Context, id uuid.UUID, info Meta) error {
	defer observe(ctx, "HeartbeatDevice", time.Now())

	var err error
	if len(info) > 0 {
		_, err = db.pool.Exec(ctx, `
			UPDATE devices
			SET status = 'online', last_seen_at = NOW(), updated_at = NOW(),
			    metadata = jsonb_set(metadata, '{device_info}', COALESCE(metadata->'device_info', '{}'::jsonb) || $2::jsonb)
			WHERE id = $1`, id, info)
	} else {
		_, err = db.pool.Exec(ctx, `
			UPDATE devices
			SET status = 'online', last_seen_at = NOW(), updated_at = NOW()
			WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("store: heartbeat device: %w", err)
	}
	return nil
}

// MarkStaleDevicesOffline demotes online devices whose last_seen_at is older
// than threshold, returning the affected rows for logging.
func (db *DB) MarkStaleDevicesOffline(ctx context.Context, threshold time.Duration) ([]Device, error) {
	defer observe(ctx, "MarkStaleDevicesOffline", time.Now())

	rows, err := db.pool.Query(ctx, `
		UPDATE devices SET status = 'offline', updated_at = NOW()
		WHERE status = 'online'
		  AND (last_seen_at IS NULL OR last_seen_at < NOW() - $1::interval)
		RETURNING `+deviceCols,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("store: mark stale devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// PickDevice applies the routing policy: preferred device if online and
// enabled, then the tenant's most recently seen online device, then the
// shared pool. Returns ErrNotFound when no device qualifies.
func (db *DB) PickDevice(ctx context.Context, tenantID uuid.UUID, preferred *uuid.UUID) (*Device, error) {
	defer observe(ctx, "PickDevice", time.Now())

	if preferred != nil {
		d, err := scanDevice(db.pool.QueryRow(ctx, `
			SELECT `+deviceCols+` FROM devices
			WHERE id = $1 AND status = 'online' AND is_enabled`, *preferred))
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	d, err := scanDevice(db.pool.QueryRow(ctx, `
		SELECT `+deviceCols+` FROM devices
		WHERE tenant_id = $1 AND status = 'online' AND is_enabled
		ORDER BY last_seen_at DESC NULLS LAST LIMIT 1`, tenantID))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return scanDevice(db.pool.QueryRow(ctx, `
		SELECT ` + deviceCols + ` FROM devices
		WHERE is_shared_pool AND status = 'online' AND is_enabled
		ORDER BY last_seen_at DESC NULLS LAST LIMIT 1`))
}
