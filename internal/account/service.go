package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jferrand/guestfolio/internal/idgen"
)

// Service provides account business logic.
type Service struct {
	store     Store
	ledgers   LedgerCreator
	trialDays int
}

// NewService creates a new account service.
func NewService(store Store, ledgers LedgerCreator, trialDays int) *Service {
	if trialDays <= 0 {
		trialDays = 14
	}
	return &Service{store: store, ledgers: ledgers, trialDays: trialDays}
}

// Create registers a new account in TRIAL_ACTIVE state and creates its
// all-zero slot ledger (with the trial grant) in the same step.
func (s *Service) Create(ctx context.Context, email, country string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("account: email is required")
	}

	now := time.Now()
	a := &Account{
		ID:          idgen.WithPrefix("acc_"),
		Email:       email,
		Country:     strings.TrimSpace(country),
		State:       StateTrialActive,
		TrialEndsAt: now.AddDate(0, 0, s.trialDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	if err := s.ledgers.CreateLedger(ctx, a.ID); err != nil {
		// An account without a ledger can never reserve a slot; undo the
		// signup so the email stays free for a retry.
		_ = s.store.Delete(ctx, a.ID)
		return nil, fmt.Errorf("create slot ledger: %w", err)
	}
	return a, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// SetCountry records the account's country. Required before duplicating
// booklets.
func (s *Service) SetCountry(ctx context.Context, id, country string) (*Account, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Country = strings.TrimSpace(country)
	a.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CanConsume reports whether the account may consume slots right now. This
// is the precondition the entitlement enforcer checks before every reserve.
func (s *Service) CanConsume(ctx context.Context, id string) (bool, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return a.State.CanConsume(), nil
}

// Country returns the account's country (empty if unset).
func (s *Service) Country(ctx context.Context, id string) (string, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return a.Country, nil
}

// MarkPaid moves the account to PAID_ACTIVE. Called when a purchase commits;
// also the renewal/re-subscription path out of PAID_EXPIRED.
func (s *Service) MarkPaid(ctx context.Context, id string) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	a.State = StatePaidActive
	a.UpdatedAt = time.Now()
	return s.store.Update(ctx, a)
}

// ExpireTrials moves TRIAL_ACTIVE accounts past their trial window to
// TRIAL_EXPIRED. The ledger's trial grant is untouched: only the access
// gate changes.
func (s *Service) ExpireTrials(ctx context.Context) (int, error) {
	due, err := s.store.ListTrialDue(ctx, time.Now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list due trials: %w", err)
	}

	expired := 0
	for _, a := range due {
		a.State = StateTrialExpired
		a.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, a); err != nil {
			continue
		}
		expired++
	}
	return expired, nil
}
