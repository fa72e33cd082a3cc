// Package account manages customer accounts and their subscription state.
//
// The subscription state is the access gate in front of the slot ledger:
// only TRIAL_ACTIVE and PAID_ACTIVE accounts may consume slots. The gate
// never touches the ledger itself; a trial expiring leaves the trial slot's
// capacity in place and only closes the gate.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account: not found")
	ErrEmailTaken      = errors.New("account: email already registered")
	ErrInvalidState    = errors.New("account: invalid subscription state")
)

// State represents an account's subscription lifecycle state.
type State string

const (
	StateTrialActive  State = "TRIAL_ACTIVE"
	StateTrialExpired State = "TRIAL_EXPIRED"
	StatePaidActive   State = "PAID_ACTIVE"
	StatePaidExpired  State = "PAID_EXPIRED"
)

// CanConsume reports whether the state allows consuming slots.
func (s State) CanConsume() bool {
	return s == StateTrialActive || s == StatePaidActive
}

// Account represents one customer.
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Country     string    `json:"country,omitempty"` // empty until the host supplies it
	State       State     `json:"state"`
	TrialEndsAt time.Time `json:"trialEndsAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateRequest is the request body for account creation.
type CreateRequest struct {
	Email   string `json:"email" binding:"required"`
	Country string `json:"country"`
}

// CountryRequest is the request body for setting the account country.
type CountryRequest struct {
	Country string `json:"country" binding:"required"`
}

// Store persists account data.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	// Delete removes an account row. Only the signup compensation path
	// uses it, to undo a Create whose ledger never materialized.
	Delete(ctx context.Context, id string) error
	// ListTrialDue returns TRIAL_ACTIVE accounts whose trial window elapsed.
	ListTrialDue(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// LedgerCreator creates the account's slot ledger alongside the account.
type LedgerCreator interface {
	CreateLedger(ctx context.Context, accountID string) error
}
