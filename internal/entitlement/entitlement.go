// Package entitlement is the operation gateway in front of the slot ledger.
//
// Every slot-consuming action (create booklet, duplicate booklet) funnels
// through the Enforcer: it checks the account's access gate, then asks the
// store for an atomic check-and-reserve. No other component mutates the
// used counters.
package entitlement

import (
	"context"
	"errors"
)

var (
	// ErrAccountBlocked means the subscription state forbids consuming
	// slots (expired trial, lapsed subscription).
	ErrAccountBlocked = errors.New("entitlement: account is not allowed to consume slots")

	// ErrCountryRequired is a precondition failure on Duplicate: the caller
	// should collect the missing country and retry the same action.
	ErrCountryRequired = errors.New("entitlement: account country must be set first")

	// ErrTrialNotDuplicable rejects duplicating a trial booklet.
	ErrTrialNotDuplicable = errors.New("entitlement: trial booklets cannot be duplicated")

	// ErrSourceInactive rejects duplicating a deactivated booklet.
	ErrSourceInactive = errors.New("entitlement: source booklet is not active")
)

// AccessProvider supplies the per-account preconditions owned by the account
// service: the subscription-state gate and the country field.
type AccessProvider interface {
	CanConsume(ctx context.Context, accountID string) (bool, error)
	Country(ctx context.Context, accountID string) (string, error)
}

// ReserveRequest is the request body for creating a booklet.
type ReserveRequest struct {
	Kind string `json:"kind" binding:"required"`
	Name string `json:"name"`
}
