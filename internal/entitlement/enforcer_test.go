package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jferrand/guestfolio/internal/ledger"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type mockAccess struct {
	mu        sync.Mutex
	consume   map[string]bool
	countries map[string]string
}

func newMockAccess() *mockAccess {
	return &mockAccess{
		consume:   make(map[string]bool),
		countries: make(map[string]string),
	}
}

func (m *mockAccess) allow(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consume[accountID] = true
}

func (m *mockAccess) block(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consume[accountID] = false
}

func (m *mockAccess) setCountry(accountID, country string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countries[accountID] = country
}

func (m *mockAccess) CanConsume(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consume[accountID], nil
}

func (m *mockAccess) Country(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countries[accountID], nil
}

// conflictStore wraps a real store and fails the first N Reserve calls with
// a transient write conflict.
type conflictStore struct {
	ledger.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) Reserve(ctx context.Context, accountID string, kind ledger.Kind, b *ledger.Booklet) error {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return ledger.ErrConflict
	}
	c.mu.Unlock()
	return c.Store.Reserve(ctx, accountID, kind, b)
}

func newTestEnforcer(t *testing.T, accountID string) (*Enforcer, *ledger.MemoryStore, *mockAccess) {
	t.Helper()
	store := ledger.NewMemoryStore()
	if err := store.CreateLedger(context.Background(), accountID); err != nil {
		t.Fatalf("CreateLedger failed: %v", err)
	}
	access := newMockAccess()
	access.allow(accountID)
	return NewEnforcer(store, access), store, access
}

// ===========================================================================
// Reserve
// ===========================================================================

func TestEnforcer_Reserve(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 1, 0)

	b, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "Gîte du Lac")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if b.ID == "" || !b.Active || b.Kind != ledger.KindAnnual {
		t.Errorf("booklet not populated: %+v", b)
	}
	if b.Name != "Gîte du Lac" {
		t.Errorf("name = %q", b.Name)
	}

	remaining, err := enf.Remaining(ctx, "acc_1")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.Annual != 0 {
		t.Errorf("remaining annual = %d, want 0", remaining.Annual)
	}
}

func TestEnforcer_Reserve_BlockedAccount(t *testing.T) {
	ctx := context.Background()
	enf, store, access := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 1, 0)
	access.block("acc_1")

	if _, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "x"); !errors.Is(err, ErrAccountBlocked) {
		t.Errorf("expected ErrAccountBlocked, got %v", err)
	}

	// The gate fires before the ledger: nothing was consumed.
	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 0 {
		t.Errorf("blocked reserve consumed a slot: used = %d", l.AnnualUsed)
	}
}

func TestEnforcer_Reserve_Insufficient(t *testing.T) {
	ctx := context.Background()
	enf, _, _ := newTestEnforcer(t, "acc_1")

	_, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "x")
	if !errors.Is(err, ledger.ErrInsufficientSlots) {
		t.Errorf("expected insufficient slots, got %v", err)
	}
}

func TestEnforcer_Reserve_UnknownKind(t *testing.T) {
	enf, _, _ := newTestEnforcer(t, "acc_1")
	if _, err := enf.Reserve(context.Background(), "acc_1", ledger.Kind("WEEKLY"), "x"); !errors.Is(err, ledger.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEnforcer_Reserve_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	inner := ledger.NewMemoryStore()
	if err := inner.CreateLedger(ctx, "acc_1"); err != nil {
		t.Fatalf("CreateLedger failed: %v", err)
	}
	inner.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 1, 0)

	access := newMockAccess()
	access.allow("acc_1")
	store := &conflictStore{Store: inner, conflicts: 2}
	enf := NewEnforcer(store, access)

	b, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "x")
	if err != nil {
		t.Fatalf("Reserve should survive transient conflicts, got %v", err)
	}
	if b == nil || !b.Active {
		t.Error("reserve did not complete after retry")
	}
}

func TestEnforcer_Reserve_ConflictsExhausted(t *testing.T) {
	ctx := context.Background()
	inner := ledger.NewMemoryStore()
	if err := inner.CreateLedger(ctx, "acc_1"); err != nil {
		t.Fatalf("CreateLedger failed: %v", err)
	}
	inner.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 1, 0)

	access := newMockAccess()
	access.allow("acc_1")
	store := &conflictStore{Store: inner, conflicts: 100}
	enf := NewEnforcer(store, access)

	if _, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "x"); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("expected ErrConflict after retries exhausted, got %v", err)
	}
}

// ===========================================================================
// Duplicate
// ===========================================================================

func TestEnforcer_Duplicate(t *testing.T) {
	ctx := context.Background()
	enf, store, access := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindSeasonal, 2, 1)
	access.setCountry("acc_1", "FR")

	ends := time.Now().Add(30 * 24 * time.Hour)
	src := &ledger.Booklet{ID: "bk_src", Name: "Camping Les Dunes", SeasonalEndsAt: &ends}
	if err := store.Reserve(ctx, "acc_1", ledger.KindSeasonal, src); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	dup, err := enf.Duplicate(ctx, "bk_src")
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	if dup.Kind != ledger.KindSeasonal {
		t.Errorf("copy kind = %s, want SEASONAL", dup.Kind)
	}
	if dup.Name != "Camping Les Dunes (copy)" {
		t.Errorf("copy name = %q", dup.Name)
	}
	// The copy inherits the source's remaining season.
	if dup.SeasonalEndsAt == nil || !dup.SeasonalEndsAt.Equal(ends) {
		t.Errorf("copy season end = %v, want %v", dup.SeasonalEndsAt, ends)
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.SeasonalUsed != 2 {
		t.Errorf("seasonal used = %d, want 2", l.SeasonalUsed)
	}
}

func TestEnforcer_Duplicate_CountryRequired(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 2, 0)
	src := &ledger.Booklet{ID: "bk_src"}
	if err := store.Reserve(ctx, "acc_1", ledger.KindAnnual, src); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	if _, err := enf.Duplicate(ctx, "bk_src"); !errors.Is(err, ErrCountryRequired) {
		t.Errorf("expected ErrCountryRequired, got %v", err)
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 1 {
		t.Errorf("failed duplicate consumed a slot: used = %d", l.AnnualUsed)
	}
}

func TestEnforcer_Duplicate_TrialRejected(t *testing.T) {
	ctx := context.Background()
	enf, store, access := newTestEnforcer(t, "acc_1")
	access.setCountry("acc_1", "FR")
	src := &ledger.Booklet{ID: "bk_trial"}
	if err := store.Reserve(ctx, "acc_1", ledger.KindTrial, src); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	if _, err := enf.Duplicate(ctx, "bk_trial"); !errors.Is(err, ErrTrialNotDuplicable) {
		t.Errorf("expected ErrTrialNotDuplicable, got %v", err)
	}
}

func TestEnforcer_Duplicate_SourceInactive(t *testing.T) {
	ctx := context.Background()
	enf, store, access := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 2, 0)
	access.setCountry("acc_1", "FR")
	src := &ledger.Booklet{ID: "bk_src"}
	if err := store.Reserve(ctx, "acc_1", ledger.KindAnnual, src); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}
	if _, err := store.Release(ctx, "bk_src"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, err := enf.Duplicate(ctx, "bk_src"); !errors.Is(err, ErrSourceInactive) {
		t.Errorf("expected ErrSourceInactive, got %v", err)
	}
}

func TestEnforcer_Duplicate_NotFound(t *testing.T) {
	ctx := context.Background()
	enf, _, access := newTestEnforcer(t, "acc_1")
	access.setCountry("acc_1", "FR")

	if _, err := enf.Duplicate(ctx, "bk_missing"); !errors.Is(err, ledger.ErrBookletNotFound) {
		t.Errorf("expected ErrBookletNotFound, got %v", err)
	}
}

func TestEnforcer_Duplicate_ChargesSourceAccount(t *testing.T) {
	ctx := context.Background()
	enf, store, access := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 2, 0)
	access.setCountry("acc_1", "FR")
	src := &ledger.Booklet{ID: "bk_src", Name: "Gite du Lac"}
	if err := store.Reserve(ctx, "acc_1", ledger.KindAnnual, src); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	dup, err := enf.Duplicate(ctx, "bk_src")
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	// The copy always lands on the source booklet's own account.
	if dup.AccountID != "acc_1" {
		t.Errorf("copy account = %q, want acc_1", dup.AccountID)
	}
	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 2 {
		t.Errorf("annual used = %d, want 2", l.AnnualUsed)
	}
}

// ===========================================================================
// Release / sweeps
// ===========================================================================

func TestEnforcer_Release_Idempotent(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindAnnual, 1, 0)

	b, err := enf.Reserve(ctx, "acc_1", ledger.KindAnnual, "x")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := enf.Release(ctx, b.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := enf.Release(ctx, b.ID); err != nil {
		t.Fatalf("repeat Release errored: %v", err)
	}

	remaining, _ := enf.Remaining(ctx, "acc_1")
	if remaining.Annual != 1 {
		t.Errorf("remaining annual = %d, want 1", remaining.Annual)
	}
}

func TestEnforcer_ExpireSeasonal(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindSeasonal, 1, 1)

	past := time.Now().Add(-time.Hour)
	b := &ledger.Booklet{ID: "bk_old", SeasonalEndsAt: &past}
	if err := store.Reserve(ctx, "acc_1", ledger.KindSeasonal, b); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	n, err := enf.ExpireSeasonal(ctx)
	if err != nil {
		t.Fatalf("ExpireSeasonal failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}

	remaining, _ := enf.Remaining(ctx, "acc_1")
	if remaining.Seasonal != 1 {
		t.Errorf("remaining seasonal = %d, want 1 after expiry", remaining.Seasonal)
	}
}

func TestEnforcer_Reserve_SeasonalEndDate(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindSeasonal, 1, 2)

	b, err := enf.Reserve(ctx, "acc_1", ledger.KindSeasonal, "Camping Les Dunes")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if b.SeasonalEndsAt == nil {
		t.Fatal("seasonal booklet created through the enforcer has no end date")
	}
	want := time.Now().AddDate(0, 2, 0)
	if d := b.SeasonalEndsAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Errorf("end date = %v, want about %v", b.SeasonalEndsAt, want)
	}

	// Once the season has run its course the sweep must release the slot.
	expired, err := store.ExpireSeasonal(ctx, time.Now().AddDate(0, 3, 0), 100)
	if err != nil {
		t.Fatalf("ExpireSeasonal failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired %d, want 1", expired)
	}
	remaining, _ := enf.Remaining(ctx, "acc_1")
	if remaining.Seasonal != 1 {
		t.Errorf("remaining seasonal = %d, want 1 after the season ended", remaining.Seasonal)
	}
}

func TestEnforcer_Remaining_ExpiresEndedSeasons(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindSeasonal, 1, 1)

	past := time.Now().Add(-time.Hour)
	b := &ledger.Booklet{ID: "bk_old", SeasonalEndsAt: &past}
	if err := store.Reserve(ctx, "acc_1", ledger.KindSeasonal, b); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	// No sweep runs here: the read alone must stop counting the ended
	// season against the quota.
	remaining, err := enf.Remaining(ctx, "acc_1")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.Seasonal != 1 {
		t.Errorf("remaining seasonal = %d, want 1 right after the end date", remaining.Seasonal)
	}

	ended, _ := store.GetBooklet(ctx, "bk_old")
	if ended.Active {
		t.Error("ended seasonal booklet should be deactivated by the read")
	}
}

func TestEnforcer_Reserve_AfterSeasonEnded(t *testing.T) {
	ctx := context.Background()
	enf, store, _ := newTestEnforcer(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", ledger.KindSeasonal, 1, 1)

	past := time.Now().Add(-time.Hour)
	old := &ledger.Booklet{ID: "bk_old", SeasonalEndsAt: &past}
	if err := store.Reserve(ctx, "acc_1", ledger.KindSeasonal, old); err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}

	// The ended season frees its slot for this reserve without a sweep.
	b, err := enf.Reserve(ctx, "acc_1", ledger.KindSeasonal, "nouvelle saison")
	if err != nil {
		t.Fatalf("Reserve after season end failed: %v", err)
	}
	if b.SeasonalEndsAt == nil || !b.SeasonalEndsAt.After(time.Now()) {
		t.Errorf("new booklet end date = %v, want in the future", b.SeasonalEndsAt)
	}
}
