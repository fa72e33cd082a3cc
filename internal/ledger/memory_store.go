package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/jferrand/guestfolio/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// seasonalTerm is one purchased seasonal slot's season length. A term is
// free while bookletID is empty and bound while a booklet occupies it.
type seasonalTerm struct {
	months    int
	bookletID string
}

// MemoryStore is an in-memory slot ledger store for demo/development mode.
//
// Per-account read-modify-write sequences are serialized through a sharded
// mutex keyed by account ID, mirroring the row-lock discipline of the
// postgres store. The inner RWMutex only guards map structure.
type MemoryStore struct {
	ledgers   map[string]*SlotLedger
	booklets  map[string]*Booklet
	byAccount map[string][]string // accountID -> booklet IDs, insertion order
	terms     map[string][]*seasonalTerm
	mu        sync.RWMutex
	accounts  *syncutil.ContextShardedMutex
}

// NewMemoryStore creates a new in-memory slot ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:   make(map[string]*SlotLedger),
		booklets:  make(map[string]*Booklet),
		byAccount: make(map[string][]string),
		terms:     make(map[string][]*seasonalTerm),
		accounts:  syncutil.NewContextShardedMutex(),
	}
}

func (m *MemoryStore) CreateLedger(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ledgers[accountID]; ok {
		return ErrLedgerExists
	}
	now := time.Now()
	m.ledgers[accountID] = &SlotLedger{
		AccountID:    accountID,
		TrialGranted: true,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (m *MemoryStore) GetLedger(ctx context.Context, accountID string) (*SlotLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[accountID]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GrantCapacity(ctx context.Context, accountID string, kind Kind, amount, seasonalMonths int) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}

	unlock, err := m.accounts.LockContext(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[accountID]
	if !ok {
		return ErrLedgerNotFound
	}
	switch kind {
	case KindAnnual:
		l.AnnualCapacity += amount
	case KindSeasonal:
		l.SeasonalCapacity += amount
		if seasonalMonths < 1 {
			seasonalMonths = 1
		}
		for i := 0; i < amount; i++ {
			m.terms[accountID] = append(m.terms[accountID], &seasonalTerm{months: seasonalMonths})
		}
	case KindTrial:
		l.TrialGranted = true
	}
	l.Version++
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, accountID string, kind Kind, b *Booklet) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}

	// The account lock makes check-then-reserve a single atomic unit.
	unlock, err := m.accounts.LockContext(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[accountID]
	if !ok {
		return ErrLedgerNotFound
	}
	if l.Remaining(kind) < 1 {
		return &InsufficientSlotsError{Kind: kind}
	}

	now := time.Now()
	switch kind {
	case KindAnnual:
		l.AnnualUsed++
	case KindSeasonal:
		l.SeasonalUsed++
		months := m.bindTermLocked(accountID, b.ID)
		if b.SeasonalEndsAt == nil {
			ends := now.AddDate(0, months, 0)
			b.SeasonalEndsAt = &ends
		}
	case KindTrial:
		l.TrialUsed++
	}
	l.Version++
	l.UpdatedAt = now

	cp := *b
	cp.AccountID = accountID
	cp.Kind = kind
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	m.booklets[cp.ID] = &cp
	m.byAccount[accountID] = append(m.byAccount[accountID], cp.ID)
	*b = cp
	return nil
}

// bindTermLocked takes the oldest free seasonal term for the booklet and
// returns its months. Ledgers granted before term tracking have no rows;
// those fall back to the shortest season.
func (m *MemoryStore) bindTermLocked(accountID, bookletID string) int {
	for _, term := range m.terms[accountID] {
		if term.bookletID == "" {
			term.bookletID = bookletID
			return term.months
		}
	}
	return 1
}

func (m *MemoryStore) Release(ctx context.Context, bookletID string) (bool, error) {
	m.mu.RLock()
	b, ok := m.booklets[bookletID]
	if !ok {
		m.mu.RUnlock()
		return false, ErrBookletNotFound
	}
	accountID := b.AccountID
	m.mu.RUnlock()

	unlock, err := m.accounts.LockContext(ctx, accountID)
	if err != nil {
		return false, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok = m.booklets[bookletID]
	if !ok {
		return false, ErrBookletNotFound
	}
	if !b.Active {
		// Already released: idempotent no-op.
		return false, nil
	}
	return true, m.deactivateLocked(b, time.Now())
}

// deactivateLocked releases b's slot. Both mutexes must be held.
func (m *MemoryStore) deactivateLocked(b *Booklet, now time.Time) error {
	l, ok := m.ledgers[b.AccountID]
	if !ok {
		return ErrLedgerNotFound
	}
	switch b.Kind {
	case KindAnnual:
		if l.AnnualUsed > 0 {
			l.AnnualUsed--
		}
	case KindSeasonal:
		if l.SeasonalUsed > 0 {
			l.SeasonalUsed--
		}
		// The term returns to the pool with the slot.
		for _, term := range m.terms[b.AccountID] {
			if term.bookletID == b.ID {
				term.bookletID = ""
				break
			}
		}
	case KindTrial:
		if l.TrialUsed > 0 {
			l.TrialUsed--
		}
	}
	l.Version++
	l.UpdatedAt = now

	b.Active = false
	deactivated := now
	b.DeactivatedAt = &deactivated
	return nil
}

func (m *MemoryStore) GetBooklet(ctx context.Context, bookletID string) (*Booklet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.booklets[bookletID]
	if !ok {
		return nil, ErrBookletNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBooklets(ctx context.Context, accountID string) ([]*Booklet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAccount[accountID]
	result := make([]*Booklet, 0, len(ids))
	for _, id := range ids {
		if b, ok := m.booklets[id]; ok {
			cp := *b
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ExpireSeasonal(ctx context.Context, now time.Time, limit int) (int, error) {
	// Collect candidates under the read lock, then release each one under
	// its account lock so the sweep never blocks user traffic globally.
	m.mu.RLock()
	var due []string
	for id, b := range m.booklets {
		if b.Active && b.Kind == KindSeasonal && b.SeasonalEndsAt != nil && b.SeasonalEndsAt.Before(now) {
			due = append(due, id)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	m.mu.RUnlock()

	return m.expireBooklets(ctx, due, now)
}

func (m *MemoryStore) ExpireSeasonalFor(ctx context.Context, accountID string, now time.Time) (int, error) {
	m.mu.RLock()
	var due []string
	for _, id := range m.byAccount[accountID] {
		b, ok := m.booklets[id]
		if ok && b.Active && b.Kind == KindSeasonal && b.SeasonalEndsAt != nil && b.SeasonalEndsAt.Before(now) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	return m.expireBooklets(ctx, due, now)
}

func (m *MemoryStore) expireBooklets(ctx context.Context, due []string, now time.Time) (int, error) {
	expired := 0
	for _, id := range due {
		m.mu.RLock()
		b, ok := m.booklets[id]
		accountID := ""
		if ok {
			accountID = b.AccountID
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}

		unlock, err := m.accounts.LockContext(ctx, accountID)
		if err != nil {
			return expired, err
		}
		m.mu.Lock()
		b, ok = m.booklets[id]
		if ok && b.Active {
			if err := m.deactivateLocked(b, now); err == nil {
				expired++
			}
		}
		m.mu.Unlock()
		unlock()
	}
	return expired, nil
}
