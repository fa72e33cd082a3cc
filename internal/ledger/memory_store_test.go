package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newLedgerStore(t *testing.T, accountID string) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.CreateLedger(context.Background(), accountID); err != nil {
		t.Fatalf("CreateLedger failed: %v", err)
	}
	return store
}

// ===========================================================================
// Ledger lifecycle
// ===========================================================================

func TestCreateLedger_TrialGrant(t *testing.T) {
	store := newLedgerStore(t, "acc_1")

	l, err := store.GetLedger(context.Background(), "acc_1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if !l.TrialGranted {
		t.Error("new ledger should carry the trial grant")
	}
	if l.Remaining(KindTrial) != 1 {
		t.Errorf("remaining trial = %d, want 1", l.Remaining(KindTrial))
	}
	if l.Remaining(KindAnnual) != 0 || l.Remaining(KindSeasonal) != 0 {
		t.Error("new ledger should have zero purchased capacity")
	}
}

func TestCreateLedger_Duplicate(t *testing.T) {
	store := newLedgerStore(t, "acc_1")
	if err := store.CreateLedger(context.Background(), "acc_1"); !errors.Is(err, ErrLedgerExists) {
		t.Errorf("expected ErrLedgerExists, got %v", err)
	}
}

func TestGetLedger_NotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.GetLedger(context.Background(), "acc_missing"); !errors.Is(err, ErrLedgerNotFound) {
		t.Errorf("expected ErrLedgerNotFound, got %v", err)
	}
}

func TestGrantCapacity_Accumulates(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")

	if err := store.GrantCapacity(ctx, "acc_1", KindAnnual, 2, 0); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}
	if err := store.GrantCapacity(ctx, "acc_1", KindAnnual, 3, 0); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}
	if err := store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 1); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}

	l, err := store.GetLedger(ctx, "acc_1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if l.AnnualCapacity != 5 {
		t.Errorf("annual capacity = %d, want 5 (grants accumulate)", l.AnnualCapacity)
	}
	if l.SeasonalCapacity != 1 {
		t.Errorf("seasonal capacity = %d, want 1", l.SeasonalCapacity)
	}
}

func TestGrantCapacity_Errors(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")

	if err := store.GrantCapacity(ctx, "acc_1", Kind("WEEKLY"), 1, 0); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if err := store.GrantCapacity(ctx, "acc_missing", KindAnnual, 1, 0); !errors.Is(err, ErrLedgerNotFound) {
		t.Errorf("expected ErrLedgerNotFound, got %v", err)
	}
}

// ===========================================================================
// Reserve / Release
// ===========================================================================

func TestReserve_ConsumesSlot(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	if err := store.GrantCapacity(ctx, "acc_1", KindAnnual, 1, 0); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}

	b := &Booklet{ID: "bk_1", Name: "Chalet Les Pins"}
	if err := store.Reserve(ctx, "acc_1", KindAnnual, b); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !b.Active || b.AccountID != "acc_1" || b.Kind != KindAnnual {
		t.Errorf("reserved booklet not populated: %+v", b)
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 1 {
		t.Errorf("annual used = %d, want 1", l.AnnualUsed)
	}

	// Capacity exhausted: the next reserve fails and inserts nothing.
	err := store.Reserve(ctx, "acc_1", KindAnnual, &Booklet{ID: "bk_2"})
	if !errors.Is(err, ErrInsufficientSlots) {
		t.Fatalf("expected insufficient slots, got %v", err)
	}
	var insufficient *InsufficientSlotsError
	if !errors.As(err, &insufficient) || insufficient.Kind != KindAnnual {
		t.Errorf("error should name the exhausted kind, got %v", err)
	}
	if _, err := store.GetBooklet(ctx, "bk_2"); !errors.Is(err, ErrBookletNotFound) {
		t.Error("failed reserve must not insert a booklet row")
	}
}

func TestReserve_TrialSingleUse(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")

	if err := store.Reserve(ctx, "acc_1", KindTrial, &Booklet{ID: "bk_1"}); err != nil {
		t.Fatalf("first trial reserve failed: %v", err)
	}
	err := store.Reserve(ctx, "acc_1", KindTrial, &Booklet{ID: "bk_2"})
	if !errors.Is(err, ErrInsufficientSlots) {
		t.Errorf("second trial reserve should fail, got %v", err)
	}
}

func TestRelease_FreesSlot(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindAnnual, 1, 0)
	store.Reserve(ctx, "acc_1", KindAnnual, &Booklet{ID: "bk_1"})

	released, err := store.Release(ctx, "bk_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !released {
		t.Error("first release should report released=true")
	}

	b, _ := store.GetBooklet(ctx, "bk_1")
	if b.Active || b.DeactivatedAt == nil {
		t.Error("released booklet should be inactive with a deactivation time")
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 0 {
		t.Errorf("annual used = %d, want 0 after release", l.AnnualUsed)
	}

	// The freed slot is reusable.
	if err := store.Reserve(ctx, "acc_1", KindAnnual, &Booklet{ID: "bk_2"}); err != nil {
		t.Errorf("reserve after release failed: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindAnnual, 1, 0)
	store.Reserve(ctx, "acc_1", KindAnnual, &Booklet{ID: "bk_1"})

	store.Release(ctx, "bk_1")
	for i := 0; i < 3; i++ {
		released, err := store.Release(ctx, "bk_1")
		if err != nil {
			t.Fatalf("repeat release errored: %v", err)
		}
		if released {
			t.Fatal("repeat release must be a no-op")
		}
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != 0 {
		t.Errorf("annual used = %d, repeat releases must not go negative", l.AnnualUsed)
	}
}

func TestRelease_NotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Release(context.Background(), "bk_missing"); !errors.Is(err, ErrBookletNotFound) {
		t.Errorf("expected ErrBookletNotFound, got %v", err)
	}
}

// With R remaining slots and N concurrent reserves, exactly min(N, R)
// succeed.
func TestReserve_NoOversell(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")

	const capacity = 7
	const attempts = 40
	if err := store.GrantCapacity(ctx, "acc_1", KindAnnual, capacity, 0); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := &Booklet{ID: fmt.Sprintf("bk_%d", n)}
			results <- store.Reserve(ctx, "acc_1", KindAnnual, b)
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientSlots):
			failed++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != capacity {
		t.Errorf("%d reserves succeeded, want exactly %d", succeeded, capacity)
	}
	if failed != attempts-capacity {
		t.Errorf("%d reserves failed, want %d", failed, attempts-capacity)
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.AnnualUsed != capacity {
		t.Errorf("annual used = %d, want %d", l.AnnualUsed, capacity)
	}
}

func TestListBooklets(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindAnnual, 3, 0)
	for _, id := range []string{"bk_a", "bk_b", "bk_c"} {
		if err := store.Reserve(ctx, "acc_1", KindAnnual, &Booklet{ID: id}); err != nil {
			t.Fatalf("Reserve %s failed: %v", id, err)
		}
	}

	list, err := store.ListBooklets(ctx, "acc_1")
	if err != nil {
		t.Fatalf("ListBooklets failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d booklets, want 3", len(list))
	}
	// Insertion order is preserved.
	for i, id := range []string{"bk_a", "bk_b", "bk_c"} {
		if list[i].ID != id {
			t.Errorf("booklet[%d] = %s, want %s", i, list[i].ID, id)
		}
	}

	empty, err := store.ListBooklets(ctx, "acc_other")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown account should list zero booklets, got %d, %v", len(empty), err)
	}
}

// ===========================================================================
// Seasonal expiry
// ===========================================================================

func TestExpireSeasonal(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 3, 1)

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	for _, tc := range []struct {
		id   string
		ends time.Time
	}{
		{"bk_ended1", past},
		{"bk_ended2", past.Add(-time.Minute)},
		{"bk_live", future},
	} {
		ends := tc.ends
		b := &Booklet{ID: tc.id, SeasonalEndsAt: &ends}
		if err := store.Reserve(ctx, "acc_1", KindSeasonal, b); err != nil {
			t.Fatalf("Reserve %s failed: %v", tc.id, err)
		}
	}

	expired, err := store.ExpireSeasonal(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpireSeasonal failed: %v", err)
	}
	if expired != 2 {
		t.Errorf("expired %d booklets, want 2", expired)
	}

	l, _ := store.GetLedger(ctx, "acc_1")
	if l.SeasonalUsed != 1 {
		t.Errorf("seasonal used = %d, want 1 after expiry", l.SeasonalUsed)
	}

	// Expired booklets stay readable, just deactivated.
	ended, _ := store.GetBooklet(ctx, "bk_ended1")
	if ended == nil || ended.Active {
		t.Error("expired booklet should still exist, inactive")
	}
	live, _ := store.GetBooklet(ctx, "bk_live")
	if live == nil || !live.Active {
		t.Error("unexpired booklet must stay active")
	}

	// A second sweep finds nothing.
	again, err := store.ExpireSeasonal(ctx, now, 100)
	if err != nil || again != 0 {
		t.Errorf("repeat sweep expired %d, want 0 (err %v)", again, err)
	}
}

func TestExpireSeasonal_Limit(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 5, 1)

	past := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ends := past
		b := &Booklet{ID: fmt.Sprintf("bk_%d", i), SeasonalEndsAt: &ends}
		if err := store.Reserve(ctx, "acc_1", KindSeasonal, b); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}

	expired, err := store.ExpireSeasonal(ctx, time.Now(), 2)
	if err != nil {
		t.Fatalf("ExpireSeasonal failed: %v", err)
	}
	if expired != 2 {
		t.Errorf("limited sweep expired %d, want 2", expired)
	}
}

// ===========================================================================
// Seasonal terms
// ===========================================================================

// closeTo reports whether got is within a minute of want.
func closeTo(got, want time.Time) bool {
	d := got.Sub(want)
	return d > -time.Minute && d < time.Minute
}

func TestReserve_SeasonalEndDateFromTerm(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	if err := store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 3); err != nil {
		t.Fatalf("GrantCapacity failed: %v", err)
	}

	b := &Booklet{ID: "bk_1", Name: "Camping d'Ete"}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, b); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if b.SeasonalEndsAt == nil {
		t.Fatal("seasonal booklet has no end date")
	}
	if want := time.Now().AddDate(0, 3, 0); !closeTo(*b.SeasonalEndsAt, want) {
		t.Errorf("end date = %v, want about %v", b.SeasonalEndsAt, want)
	}
}

func TestReserve_SeasonalTermsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 1)
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 3)

	first := &Booklet{ID: "bk_1"}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, first); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	second := &Booklet{ID: "bk_2"}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, second); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	now := time.Now()
	if !closeTo(*first.SeasonalEndsAt, now.AddDate(0, 1, 0)) {
		t.Errorf("first end date = %v, want about one month out", first.SeasonalEndsAt)
	}
	if !closeTo(*second.SeasonalEndsAt, now.AddDate(0, 3, 0)) {
		t.Errorf("second end date = %v, want about three months out", second.SeasonalEndsAt)
	}
}

func TestRelease_SeasonalTermReturnsToPool(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 2)

	b := &Booklet{ID: "bk_1"}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, b); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.Release(ctx, "bk_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The freed slot still carries its purchased two-month season.
	again := &Booklet{ID: "bk_2"}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, again); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
	if want := time.Now().AddDate(0, 2, 0); !closeTo(*again.SeasonalEndsAt, want) {
		t.Errorf("end date = %v, want about %v", again.SeasonalEndsAt, want)
	}
}

func TestReserve_PresetEndDateKept(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 2)

	// The duplicate path arrives with the source's end date already set.
	ends := time.Now().Add(10 * 24 * time.Hour)
	b := &Booklet{ID: "bk_1", SeasonalEndsAt: &ends}
	if err := store.Reserve(ctx, "acc_1", KindSeasonal, b); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !b.SeasonalEndsAt.Equal(ends) {
		t.Errorf("preset end date overwritten: %v, want %v", b.SeasonalEndsAt, ends)
	}
}

func TestExpireSeasonalFor_ScopedToAccount(t *testing.T) {
	ctx := context.Background()
	store := newLedgerStore(t, "acc_1")
	if err := store.CreateLedger(ctx, "acc_2"); err != nil {
		t.Fatalf("CreateLedger failed: %v", err)
	}
	store.GrantCapacity(ctx, "acc_1", KindSeasonal, 1, 1)
	store.GrantCapacity(ctx, "acc_2", KindSeasonal, 1, 1)

	past := time.Now().Add(-time.Hour)
	for i, acc := range []string{"acc_1", "acc_2"} {
		ends := past
		b := &Booklet{ID: fmt.Sprintf("bk_%d", i), SeasonalEndsAt: &ends}
		if err := store.Reserve(ctx, acc, KindSeasonal, b); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}

	n, err := store.ExpireSeasonalFor(ctx, "acc_1", time.Now())
	if err != nil {
		t.Fatalf("ExpireSeasonalFor failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}

	l1, _ := store.GetLedger(ctx, "acc_1")
	l2, _ := store.GetLedger(ctx, "acc_2")
	if l1.SeasonalUsed != 0 {
		t.Errorf("acc_1 seasonal used = %d, want 0", l1.SeasonalUsed)
	}
	if l2.SeasonalUsed != 1 {
		t.Errorf("acc_2 seasonal used = %d, want 1 (other accounts untouched)", l2.SeasonalUsed)
	}
}
