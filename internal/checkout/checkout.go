// Package checkout orchestrates plan purchases through the external payment
// provider.
//
// Flow:
//  1. Host picks a plan; Initiate prices it and records a PendingPurchase
//  2. Host is redirected to the provider's payment page
//  3. The provider confirms asynchronously (at-least-once, possibly
//     duplicated); Confirm commits the capacity grant exactly once
//  4. Purchases that never confirm are swept to ABANDONED; no capacity moves
//
// Capacity is never pre-reserved at session start, so an abandoned session
// needs no compensating action.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jferrand/guestfolio/internal/ledger"
	"github.com/jferrand/guestfolio/internal/money"
)

var (
	ErrPurchaseNotFound    = errors.New("checkout: purchase not found")
	ErrTrialNotPurchasable = errors.New("checkout: the trial plan is not purchasable")
)

// Status represents a pending purchase's lifecycle state.
type Status string

const (
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusCommitted       Status = "COMMITTED"
	StatusAbandoned       Status = "ABANDONED"
)

// PendingPurchase is the record of an in-flight checkout. Its ID doubles as
// the idempotency key for provider confirmations.
type PendingPurchase struct {
	ID                string      `json:"id"`
	AccountID         string      `json:"accountId"`
	PlanID            string      `json:"planId"`
	Kind              ledger.Kind `json:"kind"`
	Quantity          int         `json:"quantity"` // establishments; 1 purchase grants 1 slot each
	Units             int         `json:"units"`    // billable units per establishment
	Amount            money.Cents `json:"amount"`   // first-cycle total handed to the provider
	Currency          string      `json:"currency"`
	Status            Status      `json:"status"`
	ProviderSessionID string      `json:"providerSessionId,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	CommittedAt       *time.Time  `json:"committedAt,omitempty"`
}

// GrantFunc applies the capacity grant during a commit. tx is the commit's
// transaction for the postgres store and nil for the in-memory store.
type GrantFunc func(ctx context.Context, tx *sql.Tx) error

// Store persists pending purchases.
//
// Commit is the idempotency barrier of the whole flow: it flips the purchase
// to COMMITTED and applies the grant as one atomic unit, and reports
// committed=false without touching anything when the purchase already was.
type Store interface {
	Create(ctx context.Context, p *PendingPurchase) error
	Get(ctx context.Context, id string) (*PendingPurchase, error)
	SetSession(ctx context.Context, id, providerSessionID string) error
	Commit(ctx context.Context, id string, grant GrantFunc) (committed bool, err error)
	// MarkAbandoned flips AWAITING_PAYMENT to ABANDONED; other states are
	// left alone (a late confirmation beats the sweep).
	MarkAbandoned(ctx context.Context, id string) (bool, error)
	ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingPurchase, error)
}

// Session is the input to the payment provider.
type Session struct {
	PurchaseID string
	PlanID     string
	Amount     money.Cents
	Currency   string
}

// Provider is the external checkout provider contract.
type Provider interface {
	// CreateSession opens a payment session and returns the URL to redirect
	// the host to, plus the provider's session ID.
	CreateSession(ctx context.Context, s Session) (redirectURL, sessionID string, err error)
}

// AccountMarker flips the account's subscription state once a purchase
// commits.
type AccountMarker interface {
	MarkPaid(ctx context.Context, accountID string) error
}
