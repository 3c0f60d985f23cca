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

const apiKeyCols = `id, tenant_id, name, key_hash, key_last4, scopes, rate_limit_rpm,
	is_active, last_used_at, expires_at, created_at, revoked_at`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyLast4, &k.Scopes,
		&k.RateLimitRPM, &k.IsActive, &k.LastUsedAt, &k.ExpiresAt, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan api key: %w", err)
	}
	return &k, nil
}

// CreateAPIKey inserts a new key row. The raw secret is never stored; callers
// pass its SHA-256 digest in KeyHash.
func (db *DB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	defer observe(ctx, "CreateAPIKey", time.Now())

	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.RateLimitRPM <= 0 {
		k.RateLimitRPM = 60
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, key_last4, scopes, rate_limit_rpm, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		RETURNING `+apiKeyCols,
		k.ID, k.TenantID, k.Name, k.KeyHash, k.KeyLast4, k.Scopes, k.RateLimitRPM, k.ExpiresAt)

	created, err := scanAPIKey(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	*k = *created
	return nil
}

// GetAPIKeyByHash resolves a key digest to the key and its owning tenant.
func (db *DB) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, *Tenant, error) {
	defer observe(ctx, "GetAPIKeyByHash", time.Now())

	k, err := scanAPIKey(db.pool.QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, nil, err
	}

	t, err := db.GetTenant(ctx, k.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return k, t, nil
}

// ListAPIKeys returns all keys for a tenant.
func (db *DB) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error) {
	defer observe(ctx, "ListAPIKeys", time.Now())

	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// RevokeAPIKey deactivates a key immediately.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	defer observe(ctx, "RevokeAPIKey", time.Now())

	tag, err := db.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = FALSE, revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey updates last_used_at. Called fire-and-forget from the auth path.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}
