package checkout

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory pending purchase store for demo/development
// mode.
type MemoryStore struct {
	purchases map[string]*PendingPurchase
	mu        sync.Mutex
}

// NewMemoryStore creates a new in-memory pending purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{purchases: make(map[string]*PendingPurchase)}
}

func (m *MemoryStore) Create(ctx context.Context, p *PendingPurchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.purchases[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*PendingPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetSession(ctx context.Context, id, providerSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return ErrPurchaseNotFound
	}
	p.ProviderSessionID = providerSessionID
	p.UpdatedAt = time.Now()
	return nil
}

// Commit flips the purchase to COMMITTED and applies the grant under the
// store mutex. If the grant fails the flip is rolled back, so a retry sees
// the purchase still pending.
func (m *MemoryStore) Commit(ctx context.Context, id string, grant GrantFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.Status == StatusCommitted {
		return false, nil
	}

	prev := p.Status
	now := time.Now()
	p.Status = StatusCommitted
	p.CommittedAt = &now
	p.UpdatedAt = now

	if err := grant(ctx, nil); err != nil {
		p.Status = prev
		p.CommittedAt = nil
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) MarkAbandoned(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.Status != StatusAwaitingPayment {
		return false, nil
	}
	p.Status = StatusAbandoned
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*PendingPurchase
	for _, p := range m.purchases {
		if p.Status == StatusAwaitingPayment && p.CreatedAt.Before(cutoff) {
			cp := *p
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
