package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jferrand/guestfolio/internal/idgen"
	"github.com/jferrand/guestfolio/internal/ledger"
	"github.com/jferrand/guestfolio/internal/metrics"
	"github.com/jferrand/guestfolio/internal/plan"
	"github.com/jferrand/guestfolio/internal/pricing"
	"github.com/jferrand/guestfolio/internal/retry"
	"github.com/jferrand/guestfolio/internal/traces"
)

const (
	commitAttempts  = 3
	commitBaseDelay = 50 * time.Millisecond
)

// CapacityGranter is the slot ledger surface the commit path needs.
// seasonalMonths carries the purchased season length for seasonal grants.
type CapacityGranter interface {
	GrantCapacity(ctx context.Context, accountID string, kind ledger.Kind, amount, seasonalMonths int) error
}

// TxCapacityGranter is implemented by the postgres ledger store so the grant
// can join the commit's transaction.
type TxCapacityGranter interface {
	GrantCapacityTx(ctx context.Context, tx *sql.Tx, accountID string, kind ledger.Kind, amount, seasonalMonths int) error
}

// Service orchestrates checkouts.
type Service struct {
	store    Store
	provider Provider
	granter  CapacityGranter
	accounts AccountMarker
	currency string
}

// NewService creates a new checkout service.
func NewService(store Store, provider Provider, granter CapacityGranter, accounts AccountMarker, currency string) *Service {
	if currency == "" {
		currency = "eur"
	}
	return &Service{
		store:    store,
		provider: provider,
		granter:  granter,
		accounts: accounts,
		currency: currency,
	}
}

// Initiate prices the selection, records a pending purchase and opens a
// provider session. The returned URL is where the host completes payment.
//
// A failure after the pending row is written leaves an AWAITING_PAYMENT
// record with no session; it is retryable and eventually swept.
func (s *Service) Initiate(ctx context.Context, accountID, planID string, units, quantity int) (*PendingPurchase, string, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.Initiate",
		traces.AccountID(accountID), traces.PlanID(planID))
	defer span.End()

	p, err := plan.Lookup(planID)
	if err != nil {
		return nil, "", err
	}
	if p.Shape == plan.ShapeTrial {
		return nil, "", ErrTrialNotPurchasable
	}

	quote, err := pricing.Price(planID, units, quantity)
	if err != nil {
		return nil, "", err
	}

	kind := ledger.KindAnnual
	if p.Shape.Seasonal() {
		kind = ledger.KindSeasonal
	}

	now := time.Now()
	purchase := &PendingPurchase{
		ID:        idgen.WithPrefix("pp_"),
		AccountID: accountID,
		PlanID:    planID,
		Kind:      kind,
		Quantity:  quote.Quantity,
		Units:     quote.UnitsPerEstablishment,
		Amount:    quote.FirstYearTotal,
		Currency:  s.currency,
		Status:    StatusAwaitingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, purchase); err != nil {
		return nil, "", fmt.Errorf("create pending purchase: %w", err)
	}

	redirectURL, sessionID, err := s.provider.CreateSession(ctx, Session{
		PurchaseID: purchase.ID,
		PlanID:     planID,
		Amount:     purchase.Amount,
		Currency:   s.currency,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create provider session: %w", err)
	}
	if err := s.store.SetSession(ctx, purchase.ID, sessionID); err != nil {
		return nil, "", fmt.Errorf("record provider session: %w", err)
	}
	purchase.ProviderSessionID = sessionID

	metrics.CheckoutSessionsTotal.WithLabelValues(planID).Inc()
	return purchase, redirectURL, nil
}

// Confirm commits a confirmed purchase into the slot ledger. Idempotent on
// the purchase status: duplicate provider confirmations are silent no-ops.
//
// Money has already changed hands here, so a transient ledger failure is
// retried; beyond the in-process attempts, the provider's own at-least-once
// redelivery picks up (the handler answers 5xx on error).
func (s *Service) Confirm(ctx context.Context, purchaseID string) error {
	ctx, span := traces.StartSpan(ctx, "checkout.Confirm", traces.PurchaseID(purchaseID))
	defer span.End()

	purchase, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	if purchase.Status == StatusCommitted {
		metrics.DuplicateConfirmationsTotal.Inc()
		return nil
	}

	// The season length lives on the purchased plan; the ledger records it
	// per granted slot so creating the booklet later stamps the end date.
	months := 0
	if purchase.Kind == ledger.KindSeasonal {
		months = 1
		if p, perr := plan.Lookup(purchase.PlanID); perr == nil && p.SeasonalMonths > 0 {
			months = p.SeasonalMonths
		}
	}

	var committed bool
	err = retry.Do(ctx, commitAttempts, commitBaseDelay, func() error {
		var cerr error
		committed, cerr = s.store.Commit(ctx, purchaseID, func(ctx context.Context, tx *sql.Tx) error {
			if tx != nil {
				if txGranter, ok := s.granter.(TxCapacityGranter); ok {
					return txGranter.GrantCapacityTx(ctx, tx, purchase.AccountID, purchase.Kind, purchase.Quantity, months)
				}
			}
			return s.granter.GrantCapacity(ctx, purchase.AccountID, purchase.Kind, purchase.Quantity, months)
		})
		if cerr != nil && !errors.Is(cerr, ledger.ErrConflict) {
			return retry.Permanent(cerr)
		}
		return cerr
	})
	if err != nil {
		return fmt.Errorf("commit purchase %s: %w", purchaseID, err)
	}
	if !committed {
		metrics.DuplicateConfirmationsTotal.Inc()
		return nil
	}

	metrics.PurchaseCommitsTotal.Inc()

	// The state flip is not part of the commit transaction: it is a gate,
	// not money, and MarkPaid is safe to repeat on the next confirmation.
	if err := s.accounts.MarkPaid(ctx, purchase.AccountID); err != nil {
		return fmt.Errorf("mark account paid: %w", err)
	}
	return nil
}

// Abandon flips a still-pending purchase to ABANDONED (provider reported the
// session expired). No ledger mutation.
func (s *Service) Abandon(ctx context.Context, purchaseID string) error {
	_, err := s.store.MarkAbandoned(ctx, purchaseID)
	return err
}

// Get returns a pending purchase (the post-checkout return page polls this).
func (s *Service) Get(ctx context.Context, purchaseID string) (*PendingPurchase, error) {
	return s.store.Get(ctx, purchaseID)
}

// SweepAbandoned marks AWAITING_PAYMENT purchases older than maxAge as
// ABANDONED. Returns how many were swept.
func (s *Service) SweepAbandoned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	due, err := s.store.ListAwaitingBefore(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale purchases: %w", err)
	}

	swept := 0
	for _, p := range due {
		abandoned, err := s.store.MarkAbandoned(ctx, p.ID)
		if err != nil {
			continue
		}
		if abandoned {
			swept++
		}
	}
	if swept > 0 {
		metrics.AbandonedPurchasesTotal.Add(float64(swept))
	}
	return swept, nil
}
