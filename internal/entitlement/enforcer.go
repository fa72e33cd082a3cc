package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jferrand/guestfolio/internal/idgen"
	"github.com/jferrand/guestfolio/internal/ledger"
	"github.com/jferrand/guestfolio/internal/metrics"
	"github.com/jferrand/guestfolio/internal/retry"
	"github.com/jferrand/guestfolio/internal/traces"
)

const (
	conflictAttempts  = 3
	conflictBaseDelay = 25 * time.Millisecond
)

// Enforcer grants and releases booklet slots.
type Enforcer struct {
	store  ledger.Store
	access AccessProvider
}

// NewEnforcer creates a new entitlement enforcer.
func NewEnforcer(store ledger.Store, access AccessProvider) *Enforcer {
	return &Enforcer{store: store, access: access}
}

// Reserve atomically consumes one slot of the given kind and creates the
// booklet row. Under concurrency, N reserves against R remaining slots yield
// exactly min(N, R) successes. A seasonal booklet comes back with its end
// date stamped from the purchased season length.
func (e *Enforcer) Reserve(ctx context.Context, accountID string, kind ledger.Kind, name string) (*ledger.Booklet, error) {
	if !kind.Valid() {
		return nil, ledger.ErrUnknownKind
	}

	ctx, span := traces.StartSpan(ctx, "entitlement.Reserve",
		traces.AccountID(accountID), traces.SlotKind(string(kind)))
	defer span.End()

	allowed, err := e.access.CanConsume(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check access gate: %w", err)
	}
	if !allowed {
		metrics.SlotReservesTotal.WithLabelValues(string(kind), "blocked").Inc()
		return nil, ErrAccountBlocked
	}

	if kind == ledger.KindSeasonal {
		// An ended season frees its slot for this reserve, not just on
		// the next interval sweep.
		e.expireDue(ctx, accountID)
	}

	b := &ledger.Booklet{
		ID:   idgen.WithPrefix("bk_"),
		Name: name,
	}
	err = e.withConflictRetry(ctx, func() error {
		return e.store.Reserve(ctx, accountID, kind, b)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientSlots) {
			metrics.SlotReservesTotal.WithLabelValues(string(kind), "insufficient").Inc()
		} else {
			metrics.SlotReservesTotal.WithLabelValues(string(kind), "error").Inc()
		}
		return nil, err
	}

	metrics.SlotReservesTotal.WithLabelValues(string(kind), "granted").Inc()
	return b, nil
}

// Duplicate copies a source booklet into a new slot of the same kind on the
// source's own account. Trial booklets are never duplicable, and the
// account's country must be set first (a precondition of the caller's flow,
// not a ledger invariant).
func (e *Enforcer) Duplicate(ctx context.Context, sourceID string) (*ledger.Booklet, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.Duplicate",
		traces.BookletID(sourceID))
	defer span.End()

	src, err := e.store.GetBooklet(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	accountID := src.AccountID
	if src.Kind == ledger.KindTrial {
		return nil, ErrTrialNotDuplicable
	}
	if src.Kind == ledger.KindSeasonal {
		// A source whose season already ended must read as inactive here,
		// sweep or no sweep.
		e.expireDue(ctx, accountID)
		if src, err = e.store.GetBooklet(ctx, sourceID); err != nil {
			return nil, err
		}
	}
	if !src.Active {
		return nil, ErrSourceInactive
	}

	country, err := e.access.Country(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check country: %w", err)
	}
	if country == "" {
		return nil, ErrCountryRequired
	}

	allowed, err := e.access.CanConsume(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check access gate: %w", err)
	}
	if !allowed {
		metrics.SlotReservesTotal.WithLabelValues(string(src.Kind), "blocked").Inc()
		return nil, ErrAccountBlocked
	}

	b := &ledger.Booklet{
		ID:   idgen.WithPrefix("bk_"),
		Name: src.Name + " (copy)",
	}
	if src.Kind == ledger.KindSeasonal && src.SeasonalEndsAt != nil {
		// The copy occupies a seasonal slot for the remainder of the
		// source's season.
		endsAt := *src.SeasonalEndsAt
		b.SeasonalEndsAt = &endsAt
	}
	err = e.withConflictRetry(ctx, func() error {
		return e.store.Reserve(ctx, accountID, src.Kind, b)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientSlots) {
			metrics.SlotReservesTotal.WithLabelValues(string(src.Kind), "insufficient").Inc()
		} else {
			metrics.SlotReservesTotal.WithLabelValues(string(src.Kind), "error").Inc()
		}
		return nil, err
	}

	metrics.SlotReservesTotal.WithLabelValues(string(src.Kind), "granted").Inc()
	return b, nil
}

// Release returns a booklet's slot to the ledger. Idempotent: releasing an
// already-released booklet is a no-op.
func (e *Enforcer) Release(ctx context.Context, bookletID string) error {
	ctx, span := traces.StartSpan(ctx, "entitlement.Release", traces.BookletID(bookletID))
	defer span.End()

	var released bool
	err := e.withConflictRetry(ctx, func() error {
		var rerr error
		released, rerr = e.store.Release(ctx, bookletID)
		return rerr
	})
	if err != nil {
		return err
	}
	if released {
		if b, gerr := e.store.GetBooklet(ctx, bookletID); gerr == nil {
			metrics.SlotReleasesTotal.WithLabelValues(string(b.Kind)).Inc()
		}
	}
	return nil
}

// Remaining returns the per-kind remaining slot counts for the dashboard.
// Seasonal booklets past their end date are expired before the read, so an
// ended season never counts against the quota the dashboard shows.
func (e *Enforcer) Remaining(ctx context.Context, accountID string) (*ledger.RemainingSlots, error) {
	e.expireDue(ctx, accountID)

	l, err := e.store.GetLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &ledger.RemainingSlots{
		Annual:   l.Remaining(ledger.KindAnnual),
		Seasonal: l.Remaining(ledger.KindSeasonal),
		Trial:    l.Remaining(ledger.KindTrial),
	}, nil
}

// ListBooklets returns the account's booklets, active and expired.
func (e *Enforcer) ListBooklets(ctx context.Context, accountID string) ([]*ledger.Booklet, error) {
	return e.store.ListBooklets(ctx, accountID)
}

// ExpireSeasonal releases seasonal booklets past their end date.
func (e *Enforcer) ExpireSeasonal(ctx context.Context) (int, error) {
	n, err := e.store.ExpireSeasonal(ctx, time.Now(), 100)
	if n > 0 {
		metrics.SeasonalExpiriesTotal.Add(float64(n))
	}
	return n, err
}

// expireDue lazily expires one account's ended seasons. Best effort: a
// failure here is caught by the interval sweep.
func (e *Enforcer) expireDue(ctx context.Context, accountID string) {
	n, err := e.store.ExpireSeasonalFor(ctx, accountID, time.Now())
	if err == nil && n > 0 {
		metrics.SeasonalExpiriesTotal.Add(float64(n))
	}
}

// withConflictRetry retries transient ledger write conflicts a bounded
// number of times; everything else is permanent.
func (e *Enforcer) withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		err := fn()
		if err != nil && !errors.Is(err, ledger.ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
}
