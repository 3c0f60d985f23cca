// SPDX-License-Identifier: MIT

// Package storetest provides an in-memory Store implementation with the same
// semantics as the PostgreSQL store, for use in component tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getouch/smsgw/internal/store"
)

// Mem is a mutex-guarded in-memory implementation of store.Store.
type Mem struct {
	mu sync.Mutex

	Tenants   map[uuid.UUID]*store.Tenant
	Keys      map[uuid.UUID]*store.APIKey
	Devices   map[uuid.UUID]*store.Device
	PairCodes map[uuid.UUID]*store.PairCode
	Outbound  map[uuid.UUID]*store.OutboundMessage
	Inbound   map[uuid.UUID]*store.InboundMessage
	Events    []store.StatusEvent
	Webhooks  map[uuid.UUID]*store.Webhook
	Audit     []store.AuditEntry
	Worker    *store.WorkerHealth

	// Now lets tests control the clock; defaults to time.Now.
	Now func() time.Time
}

var _ store.Store = (*Mem)(nil)

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		Tenants:   make(map[uuid.UUID]*store.Tenant),
		Keys:      make(map[uuid.UUID]*store.APIKey),
		Devices:   make(map[uuid.UUID]*store.Device),
		PairCodes: make(map[uuid.UUID]*store.PairCode),
		Outbound:  make(map[uuid.UUID]*store.OutboundMessage),
		Inbound:   make(map[uuid.UUID]*store.InboundMessage),
		Webhooks:  make(map[uuid.UUID]*store.Webhook),
		Now:       time.Now,
	}
}

func (m *Mem) now() time.Time { return m.Now() }

// --- tenants ---

func (m *Mem) CreateTenant(_ context.Context, t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Tenants {
		if existing.Slug == t.Slug {
			return store.ErrConflict
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = store.TenantActive
	}
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.Tenants[t.ID] = &cp
	return nil
}

func (m *Mem) GetTenant(_ context.Context, id uuid.UUID) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Mem) GetTenantBySlug(_ context.Context, slug string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Mem) ListTenants(_ context.Context) ([]store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Tenant
	for _, t := range m.Tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) UpdateTenant(_ context.Context, t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Tenants[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Name, cur.Plan, cur.Status = t.Name, t.Plan, t.Status
	cur.Settings, cur.SuspendedAt = t.Settings, t.SuspendedAt
	cur.UpdatedAt = m.now()
	return nil
}

// --- api keys ---

func (m *Mem) CreateAPIKey(_ context.Context, k *store.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.RateLimitRPM <= 0 {
		k.RateLimitRPM = 60
	}
	k.IsActive = true
	k.CreatedAt = m.now()
	cp := *k
	m.Keys[k.ID] = &cp
	return nil
}

func (m *Mem) GetAPIKeyByHash(_ context.Context, hash string) (*store.APIKey, *store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.Keys {
		if k.KeyHash == hash {
			t, ok := m.Tenants[k.TenantID]
			if !ok {
				return nil, nil, store.ErrNotFound
			}
			kc, tc := *k, *t
			return &kc, &tc, nil
		}
	}
	return nil, nil, store.ErrNotFound
}

func (m *Mem) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.APIKey
	for _, k := range m.Keys {
		if k.TenantID == tenantID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok || k.RevokedAt != nil {
		return store.ErrNotFound
	}
	now := m.now()
	k.IsActive = false
	k.RevokedAt = &now
	return nil
}

func (m *Mem) TouchAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.Keys[id]; ok {
		now := m.now()
		k.LastUsedAt = &now
	}
	return nil
}

// --- devices ---

func (m *Mem) CreateDevice(_ context.Context, d *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = store.DeviceOffline
	}
	if d.Metadata == nil {
		d.Metadata = store.Meta{}
	}
	d.CreatedAt = m.now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.Devices[d.ID] = &cp
	return nil
}

func (m *Mem) GetDevice(_ context.Context, id uuid.UUID) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Mem) GetDeviceByToken(_ context.Context, token string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Devices {
		if d.DeviceToken == token {
			cp := *d
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Mem) ListDevices(_ context.Context, tenantID *uuid.UUID) ([]store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Device
	for _, d := range m.Devices {
		if tenantID == nil || (d.TenantID != nil && *d.TenantID == *tenantID) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) UpdateDevice(_ context.Context, d *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Devices[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.TenantID, cur.Name, cur.PhoneNumber = d.TenantID, d.Name, d.PhoneNumber
	cur.Status, cur.IsSharedPool, cur.IsEnabled = d.Status, d.IsSharedPool, d.IsEnabled
	cur.Metadata = d.Metadata
	cur.UpdatedAt = m.now()
	return nil
}

func (m *Mem) RotateDeviceToken(_ context.Context, id uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.DeviceToken = token
	d.UpdatedAt = m.now()
	return nil
}

func (m *Mem) HeartbeatDevice(_ context.Context, id uuid.UUID, info store.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[id]
	if !ok {
		return store.ErrNotFound
	}
	now := m.now()
	d.Status = store.DeviceOnline
	d.LastSeenAt = &now
	d.UpdatedAt = now
	if len(info) > 0 {
		if d.Metadata == nil {
			d.Metadata = store.Meta{}
		}
		existing, _ := d.Metadata["device_info"].(map[string]any)
		if existing == nil {
			existing = map[string]any{}
		}
		for k, v := range info {
			existing[k] = v
		}
		d.Metadata["device_info"] = existing
	}
	return nil
}

func (m *Mem) MarkStaleDevicesOffline(_ context.Context, threshold time.Duration) ([]store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-threshold)
	var out []store.Device
	for _, d := range m.Devices {
		if d.Status == store.DeviceOnline && (d.LastSeenAt == nil || d.LastSeenAt.Before(cutoff)) {
			d.Status = store.DeviceOffline
			d.UpdatedAt = m.now()
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *Mem) PickDevice(_ context.Context, tenantID uuid.UUID, preferred *uuid.UUID) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	online := func(d *store.Device) bool {
		return d.Status == store.DeviceOnline && d.IsEnabled
	}

	if preferred != nil {
		if d, ok := m.Devices[*preferred]; ok && online(d) {
			cp := *d
			return &cp, nil
		}
	}

	best := func(match func(*store.Device) bool) *store.Device {
		var found *store.Device
		for _, d := range m.Devices {
			if !online(d) || !match(d) {
				continue
			}
			if found == nil || laterSeen(d, found) {
				found = d
			}
		}
		return found
	}

	if d := best(func(d *store.Device) bool {
		return d.TenantID != nil && *d.TenantID == tenantID
	}); d != nil {
		cp := *d
		return &cp, nil
	}
	if d := best(func(d *store.Device) bool { return d.IsSharedPool }); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func laterSeen(a, b *store.Device) bool {
	if a.LastSeenAt == nil {
		return false
	}
	if b.LastSeenAt == nil {
		return true
	}
	return a.LastSeenAt.After(*b.LastSeenAt)
}

// --- pair codes ---

func (m *Mem) CreatePairCode(_ context.Context, pc *store.PairCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}
	pc.CreatedAt = m.now()
	cp := *pc
	m.PairCodes[pc.ID] = &cp
	return nil
}

func (m *Mem) ListPairCodes(_ context.Context, deviceID *uuid.UUID) ([]store.PairCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PairCode
	for _, pc := range m.PairCodes {
		if deviceID == nil || pc.DeviceID == *deviceID {
			out = append(out, *pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) RedeemPairCode(_ context.Context, codeHash, ip string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.PairCodes {
		if pc.CodeHash != codeHash {
			continue
		}
		if pc.UsedAt != nil || !pc.ExpiresAt.After(m.now()) {
			return nil, store.ErrInvalidPairCode
		}
		now := m.now()
		pc.UsedAt = &now
		if ip != "" {
			pc.UsedByIP = &ip
		}
		d, ok := m.Devices[pc.DeviceID]
		if !ok {
			return nil, store.ErrNotFound
		}
		cp := *d
		return &cp, nil
	}
	return nil, store.ErrInvalidPairCode
}

// --- outbound ---

func (m *Mem) CreateOutbound(_ context.Context, msg *store.OutboundMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IdempotencyKey != nil {
		for _, existing := range m.Outbound {
			if existing.TenantID == msg.TenantID && existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *msg.IdempotencyKey {
				if existing.ToNumber != msg.ToNumber || existing.MessageBody != msg.MessageBody {
					return false, store.ErrConflict
				}
				*msg = *existing
				return true, nil
			}
		}
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 5
	}
	if msg.Metadata == nil {
		msg.Metadata = store.Meta{}
	}
	now := m.now()
	msg.Status = store.StatusQueued
	msg.NextRetryAt = now
	msg.CreatedAt = now
	msg.UpdatedAt = now
	cp := *msg
	m.Outbound[msg.ID] = &cp
	m.appendEventLocked(msg.ID, "outbound", store.StatusQueued, "")
	return false, nil
}

func (m *Mem) LeaseQueuedMessages(_ context.Context, limit int) ([]store.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaseLocked(limit, nil), nil
}

func (m *Mem) PullForDevice(_ context.Context, dev *store.Device, limit int) ([]store.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.leaseLocked(limit, func(msg *store.OutboundMessage) bool {
		if msg.PreferredDeviceID != nil && *msg.PreferredDeviceID == dev.ID {
			return true
		}
		if dev.TenantID != nil {
			return msg.TenantID == *dev.TenantID
		}
		return dev.IsSharedPool && msg.PreferredDeviceID == nil
	})
	for i := range msgs {
		devID := dev.ID
		m.Outbound[msgs[i].ID].FromDeviceID = &devID
		msgs[i].FromDeviceID = &devID
	}
	return msgs, nil
}

func (m *Mem) leaseLocked(limit int, eligible func(*store.OutboundMessage) bool) []store.OutboundMessage {
	now := m.now()
	var due []*store.OutboundMessage
	for _, msg := range m.Outbound {
		if msg.Status != store.StatusQueued || msg.NextRetryAt.After(now) || msg.Attempts >= msg.MaxAttempts {
			continue
		}
		if eligible != nil && !eligible(msg) {
			continue
		}
		due = append(due, msg)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]store.OutboundMessage, 0, len(due))
	for _, msg := range due {
		msg.Status = store.StatusProcessing
		msg.UpdatedAt = now
		out = append(out, *msg)
	}
	return out
}

func (m *Mem) MarkSent(_ context.Context, id uuid.UUID, externalID string, deviceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Outbound[id]
	if !ok {
		return store.ErrNotFound
	}
	if msg.Status != store.StatusQueued && msg.Status != store.StatusProcessing {
		return nil
	}
	msg.Status = store.StatusSent
	msg.Attempts++
	if externalID != "" {
		msg.ExternalID = &externalID
	}
	msg.FromDeviceID = &deviceID
	msg.UpdatedAt = m.now()
	m.appendEventLocked(id, "outbound", store.StatusSent, "")
	return nil
}

func (m *Mem) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Outbound[id]
	if !ok {
		return store.ErrNotFound
	}
	if msg.Status != store.StatusSent {
		m.appendEventLocked(id, "outbound", "delivery_late", "delivery report outside sent state")
		return nil
	}
	now := m.now()
	msg.Status = store.StatusDelivered
	msg.DeliveredAt = &now
	msg.UpdatedAt = now
	m.appendEventLocked(id, "outbound", store.StatusDelivered, "")
	return nil
}

func (m *Mem) MarkFailed(_ context.Context, id uuid.UUID, errMsg, code string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Outbound[id]
	if !ok {
		return store.ErrNotFound
	}
	msg.Attempts++
	msg.LastError = &errMsg
	if code != "" {
		msg.ErrorCode = &code
	}
	now := m.now()
	msg.UpdatedAt = now
	if permanent || msg.Attempts >= msg.MaxAttempts {
		msg.Status = store.StatusFailed
		msg.FailedAt = &now
		m.appendEventLocked(id, "outbound", store.StatusFailed, errMsg)
		return nil
	}
	msg.Status = store.StatusQueued
	msg.NextRetryAt = now.Add(store.Backoff(msg.Attempts))
	m.appendEventLocked(id, "outbound", "retry_scheduled", errMsg)
	return nil
}

func (m *Mem) RequeueStaleProcessing(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	n := 0
	for _, msg := range m.Outbound {
		if msg.Status == store.StatusProcessing && msg.UpdatedAt.Before(cutoff) {
			msg.Status = store.StatusQueued
			msg.NextRetryAt = m.now()
			msg.UpdatedAt = m.now()
			m.appendEventLocked(msg.ID, "outbound", store.StatusQueued, "stale processing lease requeued")
			n++
		}
	}
	return n, nil
}

func (m *Mem) GetOutbound(_ context.Context, tenantID *uuid.UUID, id uuid.UUID) (*store.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Outbound[id]
	if !ok || (tenantID != nil && msg.TenantID != *tenantID) {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Mem) ListOutbound(_ context.Context, f store.MessageFilter) ([]store.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OutboundMessage
	for _, msg := range m.Outbound {
		if f.TenantID != nil && msg.TenantID != *f.TenantID {
			continue
		}
		if f.Status != "" && msg.Status != f.Status {
			continue
		}
		if f.From != nil && msg.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && msg.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (m *Mem) ListEvents(_ context.Context, messageID uuid.UUID) ([]store.StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.StatusEvent
	for _, e := range m.Events {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Mem) appendEventLocked(messageID uuid.UUID, direction, status, details string) {
	m.Events = append(m.Events, store.StatusEvent{
		ID:        uuid.New(),
		MessageID: messageID,
		Direction: direction,
		Status:    status,
		Details:   details,
		CreatedAt: m.now(),
	})
}

// --- inbound ---

func (m *Mem) CreateInbound(_ context.Context, msg *store.InboundMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ExternalID != nil {
		for _, existing := range m.Inbound {
			if existing.TenantID == msg.TenantID && existing.ExternalID != nil &&
				*existing.ExternalID == *msg.ExternalID {
				*msg = *existing
				return true, nil
			}
		}
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Metadata == nil {
		msg.Metadata = store.Meta{}
	}
	msg.CreatedAt = m.now()
	cp := *msg
	m.Inbound[msg.ID] = &cp
	return false, nil
}

func (m *Mem) ListInbound(_ context.Context, f store.MessageFilter) ([]store.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.InboundMessage
	for _, msg := range m.Inbound {
		if f.TenantID != nil && msg.TenantID != *f.TenantID {
			continue
		}
		if f.From != nil && msg.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && msg.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

// --- webhooks ---

func (m *Mem) CreateWebhook(_ context.Context, w *store.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
	if w.BackoffMs <= 0 {
		w.BackoffMs = 1000
	}
	w.IsActive = true
	w.CreatedAt = m.now()
	w.UpdatedAt = w.CreatedAt
	cp := *w
	m.Webhooks[w.ID] = &cp
	return nil
}

func (m *Mem) GetWebhook(_ context.Context, id uuid.UUID) (*store.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Mem) ListWebhooks(_ context.Context, tenantID *uuid.UUID) ([]store.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Webhook
	for _, w := range m.Webhooks {
		if tenantID == nil || w.TenantID == *tenantID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ActiveWebhooks(_ context.Context, tenantID uuid.UUID, eventType string) ([]store.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Webhook
	for _, w := range m.Webhooks {
		if w.TenantID == tenantID && w.EventType == eventType && w.IsActive {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *Mem) UpdateWebhook(_ context.Context, w *store.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Webhooks[w.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.URL, cur.SigningSecret, cur.IsActive = w.URL, w.SigningSecret, w.IsActive
	cur.MaxRetries, cur.BackoffMs = w.MaxRetries, w.BackoffMs
	cur.UpdatedAt = m.now()
	return nil
}

func (m *Mem) DeleteWebhook(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Webhooks[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Webhooks, id)
	return nil
}

func (m *Mem) RecordWebhookResult(_ context.Context, id uuid.UUID, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.Webhooks[id]; ok {
		now := m.now()
		w.LastTriggered = &now
		w.LastStatus = &status
	}
	return nil
}

// --- audit / health ---

func (m *Mem) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.now()
	m.Audit = append(m.Audit, *e)
	return nil
}

func (m *Mem) ListAudit(_ context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEntry
	for _, e := range m.Audit {
		if f.TenantID != nil && (e.TenantID == nil || *e.TenantID != *f.TenantID) {
			continue
		}
		if f.Action != "" && !strings.EqualFold(e.Action, f.Action) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (m *Mem) WorkerHeartbeat(_ context.Context, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Worker == nil {
		m.Worker = &store.WorkerHealth{ID: "main"}
	}
	m.Worker.Status = "running"
	m.Worker.LastHeartbeat = m.now()
	m.Worker.MessagesProcessed += int64(processed)
	return nil
}

func (m *Mem) GetWorkerHealth(_ context.Context) (*store.WorkerHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Worker == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.Worker
	return &cp, nil
}

func (m *Mem) GetQueueStats(_ context.Context) (*store.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &store.QueueStats{}
	for _, msg := range m.Outbound {
		switch msg.Status {
		case store.StatusQueued:
			s.QueueDepth++
		case store.StatusFailed:
			if msg.FailedAt != nil && msg.FailedAt.After(m.now().Add(-24*time.Hour)) {
				s.Failures24h++
			}
		}
	}
	for _, d := range m.Devices {
		if d.Status == store.DeviceOnline && d.IsEnabled {
			s.OnlineDevices++
		}
	}
	return s, nil
}

func (m *Mem) TenantMessageCounts(_ context.Context, tenantID uuid.UUID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, msg := range m.Outbound {
		if msg.TenantID == tenantID {
			out[msg.Status]++
		}
	}
	return out, nil
}

func paginate[T any](in []T, limit, offset int) []T {
	limit = store.ClampLimit(limit)
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}
