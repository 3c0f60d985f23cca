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

const pairCodeCols = `id, code_hash, code_prefix, device_id, created_by, expires_at,
	used_at, used_by_ip, created_at`

func scanPairCode(row pgx.Row) (*PairCode, error) {
	var pc PairCode
	err := row.Scan(&pc.ID, &pc.CodeHash, &pc.CodePrefix, &pc.DeviceID, &pc.CreatedBy,
		&pc.ExpiresAt, &pc.UsedAt, &pc.UsedByIP, &pc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan pair code: %w", err)
	}
	return &pc, nil
}

// CreatePairCode stores a freshly minted code digest.
func (db *DB) CreatePairCode(ctx context.Context, pc *PairCode) error {
	defer observe(ctx, "CreatePairCode", time.Now())

	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO pair_codes (id, code_hash, code_prefix, device_id, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+pairCodeCols,
		pc.ID, pc.CodeHash, pc.CodePrefix, pc.DeviceID, pc.CreatedBy, pc.ExpiresAt)

	created, err := scanPairCode(row)
	if err != nil {
		return err
	}
	*pc = *created
	return nil
}

// ListPairCodes returns codes, optionally for one device, newest first.
func (db *DB) ListPairCodes(ctx context.Context, deviceID *uuid.UUID) ([]PairCode, error) {
	defer observe(ctx, "ListPairCodes", time.Now())

	query := `SELECT ` + pairCodeCols + ` FROM pair_codes ORDER BY created_at DESC`
	args := []any{}
	if deviceID != nil {
		query = `SELECT ` + pairCodeCols + ` FROM pair_codes WHERE device_id = $1 ORDER BY created_at DESC`
		args = append(args, *deviceID)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pair codes: %w", err)
	}
	defer rows.Close()

	var out []PairCode
	for rows.Next() {
		pc, err := scanPairCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pc)
	}
	return out, rows.Err()
}

// RedeemPairCode consumes a code atomically: the single update statement only
// matches an unused, unexpired row, so exactly one of any number of concurrent
// redeemers wins. Unknown, expired and already-used codes are indistinguishable
// to the caller; all return ErrInvalidPairCode.
func (db *DB) RedeemPairCode(ctx context.Context, codeHash, ip string) (*Device, error) {
	defer observe(ctx, "RedeemPairCode", time.Now())

	var deviceID uuid.UUID
	err := db.pool.QueryRow(ctx, `
		UPDATE pair_codes
		SET used_at = NOW(), used_by_ip = $2
		WHERE code_hash = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING device_id`,
		codeHash, nullableString(ip)).Scan(&deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidPairCode
	}
	if err != nil {
		return nil, fmt.Errorf("store: redeem pair code: %w", err)
	}

	return db.GetDevice(ctx, deviceID)
}
