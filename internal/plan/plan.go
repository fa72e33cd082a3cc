// Package plan holds the read-only catalogue of purchasable offerings.
//
// Plans are reference data: they are resolved once per request and never
// mutated at runtime. Per-unit plans carry a degressive tier table; flat
// plans carry a single period price.
package plan

import (
	"errors"

	"github.com/jferrand/guestfolio/internal/money"
)

var ErrPlanNotFound = errors.New("plan: not found")

// Family identifies the product family a plan belongs to.
type Family string

const (
	FamilyHosts   Family = "HOSTS"
	FamilyHotel   Family = "HOTEL"
	FamilyCamping Family = "CAMPING"
)

// Shape identifies the billing shape of a plan.
type Shape string

const (
	ShapeTrial         Shape = "TRIAL"
	ShapeAnnual        Shape = "ANNUAL"
	ShapeSeasonal1M    Shape = "SEASONAL_1M"
	ShapeSeasonal2M    Shape = "SEASONAL_2M"
	ShapeSeasonal3M    Shape = "SEASONAL_3M"
	ShapePerUnitAnnual Shape = "PER_UNIT_ANNUAL"
)

// Seasonal reports whether the shape bills for a sub-year season.
func (s Shape) Seasonal() bool {
	return s == ShapeSeasonal1M || s == ShapeSeasonal2M || s == ShapeSeasonal3M
}

// Annual reports whether the shape bills a full year (and therefore has a
// meaningful monthly equivalent).
func (s Shape) Annual() bool {
	return s == ShapeAnnual || s == ShapePerUnitAnnual
}

// Plan is an immutable catalogue entry.
type Plan struct {
	ID             string      `json:"id"`
	Family         Family      `json:"family"`
	Shape          Shape       `json:"shape"`
	FlatPrice      money.Cents `json:"flatPrice"`          // flat shapes only
	SetupFee       money.Cents `json:"setupFee,omitempty"` // per establishment, first cycle only
	Tiers          *TierTable  `json:"tiers,omitempty"`    // per-unit shapes only
	SeasonalMonths int         `json:"seasonalMonths,omitempty"`
}

// PerUnit reports whether the plan prices by billable unit (room, pitch).
func (p *Plan) PerUnit() bool { return p.Shape == ShapePerUnitAnnual }

// Catalogue is the hardcoded plan catalogue.
//
// Prices are in euro cents. Tier tables are degressive: the per-unit price
// never increases with the unit count.
var Catalogue = map[string]*Plan{
	"essai-gratuit": {
		ID:     "essai-gratuit",
		Family: FamilyHosts,
		Shape:  ShapeTrial,
	},
	"hotes-annuel": {
		ID:        "hotes-annuel",
		Family:    FamilyHosts,
		Shape:     ShapeAnnual,
		FlatPrice: 5900,
	},
	"hotes-saisonnier-1m": {
		ID:             "hotes-saisonnier-1m",
		Family:         FamilyHosts,
		Shape:          ShapeSeasonal1M,
		FlatPrice:      1900,
		SeasonalMonths: 1,
	},
	"hotes-saisonnier-2m": {
		ID:             "hotes-saisonnier-2m",
		Family:         FamilyHosts,
		Shape:          ShapeSeasonal2M,
		FlatPrice:      2900,
		SeasonalMonths: 2,
	},
	"hotes-saisonnier-3m": {
		ID:             "hotes-saisonnier-3m",
		Family:         FamilyHosts,
		Shape:          ShapeSeasonal3M,
		FlatPrice:      3900,
		SeasonalMonths: 3,
	},
	"hotel-annuel": {
		ID:     "hotel-annuel",
		Family: FamilyHotel,
		Shape:  ShapePerUnitAnnual,
		Tiers: &TierTable{
			MaxUnits: 500,
			Rows: []TierRow{
				{MinUnits: 5, UnitPrice: 1800},
				{MinUnits: 10, UnitPrice: 1600},
				{MinUnits: 20, UnitPrice: 1500},
				{MinUnits: 50, UnitPrice: 1300},
				{MinUnits: 100, UnitPrice: 1100},
				{MinUnits: 200, UnitPrice: 900},
				{MinUnits: 350, UnitPrice: 800},
			},
		},
	},
	"camping-annuel": {
		ID:       "camping-annuel",
		Family:   FamilyCamping,
		Shape:    ShapePerUnitAnnual,
		SetupFee: 16000,
		Tiers: &TierTable{
			MaxUnits: 300,
			Rows: []TierRow{
				{MinUnits: 5, UnitPrice: 3300},
				{MinUnits: 10, UnitPrice: 3000},
				{MinUnits: 25, UnitPrice: 2700},
				{MinUnits: 50, UnitPrice: 2400},
				{MinUnits: 100, UnitPrice: 2100},
				{MinUnits: 200, UnitPrice: 1800},
			},
		},
	},
}

// Order defines the display ordering of plans on the pricing page.
var Order = []string{
	"essai-gratuit",
	"hotes-annuel",
	"hotes-saisonnier-1m",
	"hotes-saisonnier-2m",
	"hotes-saisonnier-3m",
	"hotel-annuel",
	"camping-annuel",
}

// Lookup resolves a plan by ID.
func Lookup(id string) (*Plan, error) {
	p, ok := Catalogue[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

// Valid returns true if the plan ID is recognised.
func Valid(id string) bool {
	_, ok := Catalogue[id]
	return ok
}
