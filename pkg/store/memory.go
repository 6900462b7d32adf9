package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	txs         map[string]*contracts.Transaction
	deadLetters map[string]*contracts.DeadLetterEntry
	records     map[string]*contracts.CommittedRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:         make(map[string]*contracts.Transaction),
		deadLetters: make(map[string]*contracts.DeadLetterEntry),
		records:     make(map[string]*contracts.CommittedRecord),
	}
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *contracts.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.DigestHex]; ok {
		return ErrConflict
	}
	m.txs[tx.DigestHex] = tx.Clone()
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, digestHex string) (*contracts.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[digestHex]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *contracts.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.DigestHex]; !ok {
		return ErrNotFound
	}
	m.txs[tx.DigestHex] = tx.Clone()
	return nil
}

func (m *MemoryStore) ListOutstanding(_ context.Context, maxRetries, limit int) ([]*contracts.Transaction, error) {
	m.mu.RLock()
	out := make([]*contracts.Transaction, 0)
	for _, tx := range m.txs {
		if outstanding(tx, maxRetries) {
			out = append(out, tx.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return lessChecked(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateDeadLetter(_ context.Context, e *contracts.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[e.ID]; ok {
		return ErrConflict
	}
	m.deadLetters[e.ID] = cloneDeadLetter(e)
	return nil
}

func (m *MemoryStore) GetDeadLetter(_ context.Context, id string) (*contracts.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeadLetter(e), nil
}

func (m *MemoryStore) UpdateDeadLetter(_ context.Context, e *contracts.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[e.ID]; !ok {
		return ErrNotFound
	}
	m.deadLetters[e.ID] = cloneDeadLetter(e)
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error) {
	m.mu.RLock()
	out := make([]*contracts.DeadLetterEntry, 0)
	for _, e := range m.deadLetters {
		if f.Match(e) {
			out = append(out, cloneDeadLetter(e))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveRecord(_ context.Context, r *contracts.CommittedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.DigestHex]; ok {
		return ErrConflict
	}
	c := *r
	c.TenantSet = append([]string(nil), r.TenantSet...)
	c.EventIDs = append([]string(nil), r.EventIDs...)
	m.records[r.DigestHex] = &c
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, digestHex string) (*contracts.CommittedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[digestHex]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	c.TenantSet = append([]string(nil), r.TenantSet...)
	c.EventIDs = append([]string(nil), r.EventIDs...)
	return &c, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func cloneDeadLetter(e *contracts.DeadLetterEntry) *contracts.DeadLetterEntry {
	c := *e
	if e.PayloadSnapshot != nil {
		c.PayloadSnapshot = append(json.RawMessage(nil), e.PayloadSnapshot...)
	}
	if e.ResolvedAt != nil {
		v := *e.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}
