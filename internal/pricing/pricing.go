// Package pricing computes priced quotes from the plan catalogue.
//
// Quotes are pure: same inputs, same output, no side effects. All arithmetic
// is exact integer cents; the only rounding is the half-up division that
// produces the monthly equivalent of an annual price.
package pricing

import (
	"errors"

	"github.com/jferrand/guestfolio/internal/money"
	"github.com/jferrand/guestfolio/internal/plan"
)

var (
	// ErrInvalidUnitRange covers genuinely malformed input (non-positive
	// units or quantity). Merely out-of-range unit counts clamp silently.
	ErrInvalidUnitRange = errors.New("pricing: invalid unit range")
)

// Quote is the priced result of a plan selection. Ephemeral: it is handed to
// the checkout flow and never persisted on its own.
type Quote struct {
	PlanID                string      `json:"planId"`
	UnitPrice             money.Cents `json:"unitPrice"`
	UnitsPerEstablishment int         `json:"unitsPerEstablishment"`
	Quantity              int         `json:"quantity"`
	Subtotal              money.Cents `json:"subtotal"`
	SetupFee              money.Cents `json:"setupFee"`
	FirstYearTotal        money.Cents `json:"firstYearTotal"`
	// MonthlyEquivalent is only set for annual shapes; seasonal plans report
	// the period price, not a derived monthly figure.
	MonthlyEquivalent money.Cents `json:"monthlyEquivalent,omitempty"`
}

// Price computes a quote for quantity establishments of the given plan.
// units is the billable-unit count per establishment (rooms, pitches) and is
// ignored for flat plans.
func Price(planID string, units, quantity int) (*Quote, error) {
	p, err := plan.Lookup(planID)
	if err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, ErrInvalidUnitRange
	}

	q := &Quote{
		PlanID:                p.ID,
		Quantity:              quantity,
		UnitsPerEstablishment: 1,
	}

	switch {
	case p.Shape == plan.ShapeTrial:
		// Free plan: everything stays zero.
	case p.PerUnit():
		if units < 1 {
			return nil, ErrInvalidUnitRange
		}
		clamped := p.Tiers.Clamp(units)
		q.UnitsPerEstablishment = clamped
		q.UnitPrice = p.Tiers.UnitPrice(clamped)
		q.Subtotal = q.UnitPrice * money.Cents(clamped) * money.Cents(quantity)
	default:
		q.UnitPrice = p.FlatPrice
		q.Subtotal = p.FlatPrice * money.Cents(quantity)
	}

	q.SetupFee = p.SetupFee * money.Cents(quantity)
	q.FirstYearTotal = q.Subtotal + q.SetupFee
	if p.Shape.Annual() {
		q.MonthlyEquivalent = q.Subtotal.DivRound(12)
	}
	return q, nil
}
