package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"mint-pipeline/internal/models"
)

type memRecord struct {
	req   models.MintRequest
	audit []models.AuditEntry
}

type memKey struct {
	requestID string
	expires   time.Time
}

// Memory is an in-process store with the same semantics as Postgres. Used in tests and dev mode.
type Memory struct {
	mu             sync.Mutex
	requests       map[string]*memRecord
	orphanAudit    map[string][]models.AuditEntry
	keys           map[string]memKey
	idempotencyTTL time.Duration
}

func NewMemory(idempotencyTTL time.Duration) *Memory {
	return &Memory{
		requests:       make(map[string]*memRecord),
		orphanAudit:    make(map[string][]models.AuditEntry),
		keys:           make(map[string]memKey),
		idempotencyTTL: idempotencyTTL,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Create(_ context.Context, req models.MintRequest) (models.MintRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey != "" {
		if k, ok := m.keys[req.IdempotencyKey]; ok && (m.idempotencyTTL <= 0 || req.CreatedAt.Before(k.expires)) {
			if rec, ok := m.requests[k.requestID]; ok {
				return cloneRequest(rec.req), true, nil
			}
		}
		m.keys[req.IdempotencyKey] = memKey{requestID: req.ID, expires: req.CreatedAt.Add(m.idempotencyTTL)}
	}

	req.Status = models.StatusReceived
	req.UpdatedAt = req.CreatedAt
	stored := cloneRequest(req)
	m.requests[req.ID] = &memRecord{req: stored, audit: []models.AuditEntry{acceptedEntry(stored)}}
	return cloneRequest(stored), false, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string, at time.Time) (models.MintRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok || (m.idempotencyTTL > 0 && !at.Before(k.expires)) {
		return models.MintRequest{}, false, nil
	}
	rec, ok := m.requests[k.requestID]
	if !ok {
		return models.MintRequest{}, false, nil
	}
	return cloneRequest(rec.req), true, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.MintRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[id]
	if !ok {
		return models.MintRequest{}, ErrNotFound
	}
	return cloneRequest(rec.req), nil
}

func (m *Memory) Transition(_ context.Context, id string, t Transition) (models.MintRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[id]
	if !ok {
		return models.MintRequest{}, ErrNotFound
	}
	if err := t.check(rec.req.Status); err != nil {
		return cloneRequest(rec.req), err
	}
	next := cloneRequest(rec.req)
	if t.Apply != nil {
		t.Apply(&next)
	}
	next.Status = t.To
	next.UpdatedAt = t.At
	rec.req = cloneRequest(next)
	rec.audit = append(rec.audit, t.entry(id, int64(len(rec.audit))+1))
	return next, nil
}

func (m *Memory) Audit(_ context.Context, id string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.requests[id]; ok {
		return append([]models.AuditEntry(nil), rec.audit...), nil
	}
	if entries, ok := m.orphanAudit[id]; ok {
		return append([]models.AuditEntry(nil), entries...), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) Stalled(_ context.Context, before time.Time, limit int) ([]models.MintRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MintRequest
	for _, rec := range m.requests {
		if !rec.req.Status.Terminal() && rec.req.UpdatedAt.Before(before) {
			out = append(out, cloneRequest(rec.req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.requests {
		if rec.req.Status.Terminal() && rec.req.UpdatedAt.Before(before) {
			m.orphanAudit[id] = rec.audit
			delete(m.requests, id)
			n++
		}
	}
	for key, k := range m.keys {
		if m.idempotencyTTL > 0 && k.expires.Before(before) {
			delete(m.keys, key)
		}
	}
	return n, nil
}

func cloneRequest(r models.MintRequest) models.MintRequest {
	if r.Attributes != nil {
		r.Attributes = append([]models.Attribute(nil), r.Attributes...)
	}
	if r.Metadata != nil {
		r.Metadata = append(json.RawMessage(nil), r.Metadata...)
	}
	if r.Token != nil {
		tok := *r.Token
		r.Token = &tok
	}
	return r
}
