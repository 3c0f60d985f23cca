// SPDX-License-Identifier: MIT

// Package store provides durable persistence for the gateway over PostgreSQL.
// All message status transitions happen inside transactions; the queue lease
// uses row locks with SKIP LOCKED so any number of gateway processes can
// dispatch concurrently.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/getouch/smsgw/internal/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// slowQueryThreshold is the duration above which a statement is logged as slow.
const slowQueryThreshold = 250 * time.Millisecond

// Store is the persistence contract consumed by the API, router, dispatcher
// and webhook components. *DB is the PostgreSQL implementation.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	UpdateTenant(ctx context.Context, t *Tenant) error

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, *Tenant, error)
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKey(ctx context.Context, id uuid.UUID) error

	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*Device, error)
	GetDeviceByToken(ctx context.Context, token string) (*Device, error)
	ListDevices(ctx context.Context, tenantID *uuid.UUID) ([]Device, error)
	UpdateDevice(ctx context.Context, d *Device) error
	RotateDeviceToken(ctx context.Context, id uuid.UUID, token string) error
	HeartbeatDevice(ctx context.Context, id uuid.UUID, info Meta) error
	MarkStaleDevicesOffline(ctx context.Context, threshold time.Duration) ([]Device, error)
	PickDevice(ctx context.Context, tenantID uuid.UUID, preferred *uuid.UUID) (*Device, error)

	// Pair codes
	CreatePairCode(ctx context.Context, pc *PairCode) error
	ListPairCodes(ctx context.Context, deviceID *uuid.UUID) ([]PairCode, error)
	RedeemPairCode(ctx context.Context, codeHash, ip string) (*Device, error)

	// Outbound queue
	CreateOutbound(ctx context.Context, m *OutboundMessage) (idempotent bool, err error)
	LeaseQueuedMessages(ctx context.Context, limit int) ([]OutboundMessage, error)
	PullForDevice(ctx context.Context, dev *Device, limit int) ([]OutboundMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID, externalID string, deviceID uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg, code string, permanent bool) error
	RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)
	GetOutbound(ctx context.Context, tenantID *uuid.UUID, id uuid.UUID) (*OutboundMessage, error)
	ListOutbound(ctx context.Context, f MessageFilter) ([]OutboundMessage, error)
	ListEvents(ctx context.Context, messageID uuid.UUID) ([]StatusEvent, error)

	// Inbound
	CreateInbound(ctx context.Context, m *InboundMessage) (idempotent bool, err error)
	ListInbound(ctx context.Context, f MessageFilter) ([]InboundMessage, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*Webhook, error)
	ListWebhooks(ctx context.Context, tenantID *uuid.UUID) ([]Webhook, error)
	ActiveWebhooks(ctx context.Context, tenantID uuid.UUID, eventType string) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) error
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	RecordWebhookResult(ctx context.Context, id uuid.UUID, status int) error

	// Audit
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Worker health / stats
	WorkerHeartbeat(ctx context.Context, processed int) error
	GetWorkerHealth(ctx context.Context) (*WorkerHealth, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
	TenantMessageCounts(ctx context.Context, tenantID uuid.UUID) (map[string]int, error)
}

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Ping verifies database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate applies the embedded goose migrations against dsn.
func Migrate(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("store: open for migrate: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Str("event", "store.migrated").
		Msg("database schema up to date")
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// observe logs statements slower than slowQueryThreshold.
func observe(ctx context.Context, name string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed >= slowQueryThreshold {
		logger := log.WithComponentFromContext(ctx, "store")
		logger.Warn().
			Str("event", "store.slow_query").
			Str("query", name).
			Dur("elapsed", elapsed).
			Msg("slow query")
	}
}
