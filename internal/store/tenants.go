// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const tenantCols = `id, slug, name, plan, status, settings, created_at, updated_at, suspended_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Plan, &t.Status, &t.Settings,
		&t.CreatedAt, &t.UpdatedAt, &t.SuspendedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan tenant: %w", err)
	}
	return &t, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateTenant inserts a new tenant. Slug collisions return ErrConflict.
func (db *DB) CreateTenant(ctx context.Context, t *Tenant) error {
	defer observe(ctx, "CreateTenant", time.Now())

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if t.Settings == nil {
		t.Settings = Meta{}
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, slug, name, plan, status, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+tenantCols,
		t.ID, t.Slug, t.Name, t.Plan, t.Status, t.Settings)

	created, err := scanTenant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	*t = *created
	return nil
}

// GetTenant returns the tenant with the given id.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	defer observe(ctx, "GetTenant", time.Now())
	return scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
}

// GetTenantBySlug returns the tenant with the given slug.
func (db *DB) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	defer observe(ctx, "GetTenantBySlug", time.Now())
	return scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE slug = $1`, slug))
}

// ListTenants returns all tenants ordered by creation time.
func (db *DB) ListTenants(ctx context.Context) ([]Tenant, error) {
	defer observe(ctx, "ListTenants", time.Now())

	rows, err := db.pool.Query(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTenant persists name, plan, status, settings and suspension state.
func (db *DB) UpdateTenant(ctx context.Context, t *Tenant) error {
	defer observe(ctx, "UpdateTenant", time.Now())

	tag, err := db.pool.Exec(ctx, `
		UPDATE tenants
		SET name = $2, plan = $3, status = $4, settings = $5,
		    suspended_at = $6, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.Plan, t.Status, t.Settings, t.SuspendedAt)
	if err != nil {
		return fmt.Errorf("store: update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
