// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by store operations. Handlers map these onto the
// HTTP error taxonomy.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrConflict        = errors.New("store: conflict")
	ErrInvalidPairCode = errors.New("store: pair code invalid")
)

// Tenant lifecycle states.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Device presence states.
const (
	DeviceOnline   = "online"
	DeviceOffline  = "offline"
	DeviceDegraded = "degraded"
)

// Outbound message lifecycle states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// API key scopes.
const (
	ScopeSend  = "sms:send"
	ScopeRead  = "sms:read"
	ScopeInbox = "sms:inbox"
)

// Meta is an opaque JSON object column.
type Meta map[string]any

// Tenant is an administrative boundary owning keys, devices, messages and webhooks.
type Tenant struct {
	ID          uuid.UUID  `json:"id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Plan        string     `json:"plan"`
	Status      string     `json:"status"`
	Settings    Meta       `json:"settings"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// APIKey authenticates tenant API requests. Only the SHA-256 digest of the raw
// secret is stored.
type APIKey struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"`
	KeyLast4     string     `json:"key_last4"`
	Scopes       []string   `json:"scopes"`
	RateLimitRPM int        `json:"rate_limit_rpm"`
	IsActive     bool       `json:"is_active"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Device is a registered Android handset. A nil TenantID means the device
// belongs to the shared pool. DeviceToken is the raw HMAC key; it is returned
// to the operator exactly once at creation or rotation.
type Device struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	Name         string     `json:"name"`
	PhoneNumber  *string    `json:"phone_number,omitempty"`
	DeviceToken  string     `json:"-"`
	Status       string     `json:"status"`
	IsSharedPool bool       `json:"is_shared_pool"`
	IsEnabled    bool       `json:"is_enabled"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	Metadata     Meta       `json:"metadata"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PairCode is a one-time TTL-bounded secret used to bootstrap a device token.
type PairCode struct {
	ID         uuid.UUID  `json:"id"`
	CodeHash   string     `json:"-"`
	CodePrefix string     `json:"code_prefix"`
	DeviceID   uuid.UUID  `json:"device_id"`
	CreatedBy  string     `json:"created_by"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	UsedByIP   *string    `json:"used_by_ip,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OutboundMessage is a row in the durable send queue.
type OutboundMessage struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	ToNumber          string     `json:"to"`
	MessageBody       string     `json:"message"`
	Status            string     `json:"status"`
	FromDeviceID      *uuid.UUID `json:"from_device_id,omitempty"`
	PreferredDeviceID *uuid.UUID `json:"preferred_device_id,omitempty"`
	ExternalID        *string    `json:"external_id,omitempty"`
	IdempotencyKey    *string    `json:"idempotency_key,omitempty"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	NextRetryAt       time.Time  `json:"next_retry_at"`
	LastError         *string    `json:"last_error,omitempty"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	Metadata          Meta       `json:"metadata"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// InboundMessage is an SMS received by a device and ingested by the gateway.
type InboundMessage struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	DeviceID    *uuid.UUID `json:"device_id,omitempty"`
	FromNumber  string     `json:"from"`
	ToNumber    *string    `json:"to,omitempty"`
	MessageBody string     `json:"message"`
	ExternalID  *string    `json:"external_id,omitempty"`
	Metadata    Meta       `json:"metadata"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StatusEvent is an append-only timeline entry for a message.
type StatusEvent struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook is a tenant callback registration for one event type.
type Webhook struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	EventType     string     `json:"event_type"`
	URL           string     `json:"url"`
	SigningSecret string     `json:"-"`
	IsActive      bool       `json:"is_active"`
	MaxRetries    int        `json:"max_retries"`
	BackoffMs     int        `json:"backoff_ms"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	LastStatus    *int       `json:"last_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AuditEntry is an append-only record of an administrative or device action.
type AuditEntry struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   *uuid.UUID `json:"tenant_id,omitempty"`
	Actor      string     `json:"actor"`
	Action     string     `json:"action"`
	Resource   *string    `json:"resource,omitempty"`
	ResourceID *string    `json:"resource_id,omitempty"`
	Details    Meta       `json:"details,omitempty"`
	IPAddress  *string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// WorkerHealth is the singleton dispatcher heartbeat row.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	MessagesProcessed int64     `json:"messages_processed"`
}

// QueueStats is the roll-up consumed by the health endpoint.
type QueueStats struct {
	QueueDepth    int `json:"queue_depth"`
	Failures24h   int `json:"failures_24h"`
	OnlineDevices int `json:"online_devices"`
}

// MessageFilter bounds paginated message listings. Limit is clamped to 100.
type MessageFilter struct {
	TenantID *uuid.UUID
	Status   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// AuditFilter bounds paginated audit listings.
type AuditFilter struct {
	TenantID *uuid.UUID
	Action   string
	Limit    int
	Offset   int
}

// ClampLimit normalises a requested page size into [1,100].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// Backoff returns the retry delay for a message that has failed `attempts`
// times: 2^min(attempts,5) * 30s, capped at 16 minutes.
func Backoff(attempts int) time.Duration {
	if attempts > 5 {
		attempts = 5
	}
	return time.Duration(1<<attempts) * 30 * time.Second
}
