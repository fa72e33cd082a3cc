// Package ledger tracks booklet slot entitlements per account.
//
// Flow:
//  1. Account is created with an empty ledger plus one trial grant
//  2. A confirmed purchase grants capacity (annual or seasonal slots)
//  3. Creating or duplicating a booklet reserves a slot (used + 1)
//  4. Deleting a booklet, or a seasonal period ending, releases the slot
//
// The ledger row is the only shared mutable resource in the engine. Every
// mutation is a single atomic read-modify-write per account: capacity moves
// only through GrantCapacity (checkout commit) and used only through
// Reserve/Release/ExpireSeasonal (entitlement enforcer).
//
// Seasonal slots carry a season length. Each seasonal grant records one
// term (1, 2 or 3 months) per slot; reserving a seasonal slot consumes a
// term and fixes the booklet's end date, and releasing the slot returns
// the term to the pool. Free terms always equal remaining seasonal slots.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLedgerNotFound  = errors.New("ledger: not found")
	ErrLedgerExists    = errors.New("ledger: already exists")
	ErrBookletNotFound = errors.New("ledger: booklet not found")
	ErrUnknownKind     = errors.New("ledger: unknown slot kind")

	// ErrInsufficientSlots is the match target for *InsufficientSlotsError.
	ErrInsufficientSlots = errors.New("ledger: insufficient slots")

	// ErrConflict signals a transient write conflict under concurrency.
	// Callers retry a bounded number of times before surfacing it.
	ErrConflict = errors.New("ledger: write conflict")
)

// Kind identifies the slot kind a booklet occupies.
type Kind string

const (
	KindTrial    Kind = "TRIAL"
	KindAnnual   Kind = "ANNUAL"
	KindSeasonal Kind = "SEASONAL"
)

// Valid returns true if the kind is recognised.
func (k Kind) Valid() bool {
	return k == KindTrial || k == KindAnnual || k == KindSeasonal
}

// InsufficientSlotsError reports which kind ran out. It matches
// ErrInsufficientSlots via errors.Is.
type InsufficientSlotsError struct {
	Kind Kind
}

func (e *InsufficientSlotsError) Error() string {
	return fmt.Sprintf("ledger: no remaining %s slot", e.Kind)
}

func (e *InsufficientSlotsError) Is(target error) bool {
	return target == ErrInsufficientSlots
}

// SlotLedger is the per-account record of purchased and consumed slots.
type SlotLedger struct {
	AccountID        string    `json:"accountId"`
	AnnualCapacity   int       `json:"annualCapacity"`
	AnnualUsed       int       `json:"annualUsed"`
	SeasonalCapacity int       `json:"seasonalCapacity"`
	SeasonalUsed     int       `json:"seasonalUsed"`
	TrialGranted     bool      `json:"trialGranted"`
	TrialUsed        int       `json:"trialUsed"` // 0 or 1
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Capacity returns the purchased capacity for a kind.
func (l *SlotLedger) Capacity(kind Kind) int {
	switch kind {
	case KindAnnual:
		return l.AnnualCapacity
	case KindSeasonal:
		return l.SeasonalCapacity
	case KindTrial:
		if l.TrialGranted {
			return 1
		}
		return 0
	}
	return 0
}

// Used returns the consumed slot count for a kind.
func (l *SlotLedger) Used(kind Kind) int {
	switch kind {
	case KindAnnual:
		return l.AnnualUsed
	case KindSeasonal:
		return l.SeasonalUsed
	case KindTrial:
		return l.TrialUsed
	}
	return 0
}

// Remaining returns capacity minus used for a kind. Never negative.
func (l *SlotLedger) Remaining(kind Kind) int {
	return l.Capacity(kind) - l.Used(kind)
}

// RemainingSlots is the dashboard-facing quota summary.
type RemainingSlots struct {
	Annual   int `json:"annual"`
	Seasonal int `json:"seasonal"`
	Trial    int `json:"trial"`
}

// Booklet is the existence/kind/expiry record of a digital welcome booklet.
// The booklet payload itself (modules, languages, QR code) lives in the
// content store, not here.
type Booklet struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	Kind           Kind       `json:"kind"`
	Name           string     `json:"name"`
	SeasonalEndsAt *time.Time `json:"seasonalEndsAt,omitempty"` // set iff Kind == SEASONAL
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeactivatedAt  *time.Time `json:"deactivatedAt,omitempty"`
}

// Store persists slot ledgers and booklet rows.
//
// GrantCapacity and Reserve/Release must each be atomic per account: two
// concurrent Reserve calls against one remaining slot yield exactly one
// success and one InsufficientSlotsError.
type Store interface {
	// CreateLedger creates the all-zero ledger with the trial grant.
	CreateLedger(ctx context.Context, accountID string) error
	GetLedger(ctx context.Context, accountID string) (*SlotLedger, error)

	// GrantCapacity adds purchased capacity. Append-only: amounts accumulate,
	// they never replace prior capacity. Invoked only by the checkout commit.
	// For KindSeasonal, seasonalMonths is the season length each granted
	// slot carries; it is recorded per slot and consumed by Reserve.
	GrantCapacity(ctx context.Context, accountID string, kind Kind, amount, seasonalMonths int) error

	// Reserve atomically checks remaining capacity, increments used, and
	// inserts the booklet row. On a full ledger it returns
	// *InsufficientSlotsError and inserts nothing.
	//
	// For KindSeasonal with b.SeasonalEndsAt unset, Reserve takes the
	// oldest free seasonal term and stamps b.SeasonalEndsAt with the
	// reserve time plus that term's months. A preset end date (the
	// duplicate path) is kept as-is.
	Reserve(ctx context.Context, accountID string, kind Kind, b *Booklet) error

	// Release deactivates the booklet and decrements used. Idempotent:
	// releasing an already-released booklet reports released=false, nil.
	Release(ctx context.Context, bookletID string) (released bool, err error)

	GetBooklet(ctx context.Context, bookletID string) (*Booklet, error)
	ListBooklets(ctx context.Context, accountID string) ([]*Booklet, error)

	// ExpireSeasonal releases seasonal booklets whose period ended before
	// now. Booklet rows are soft-deactivated, not deleted, so the content
	// stays viewable. Returns the number of booklets expired.
	ExpireSeasonal(ctx context.Context, now time.Time, limit int) (int, error)

	// ExpireSeasonalFor is ExpireSeasonal scoped to one account. Reads on
	// the account's quota call it so an ended season frees its slot on
	// the next read, not on the next interval sweep.
	ExpireSeasonalFor(ctx context.Context, accountID string, now time.Time) (int, error)
}
