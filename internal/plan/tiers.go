package plan

import "github.com/jferrand/guestfolio/internal/money"

// TierRow maps the lower bound of a bracket to its per-unit price.
type TierRow struct {
	MinUnits  int         `json:"minUnits"`
	UnitPrice money.Cents `json:"unitPrice"`
}

// TierTable is an ordered set of degressive, inclusive-lower-bound brackets.
// Rows are sorted ascending by MinUnits and prices never increase with scale.
// The first row's MinUnits is the table floor; MaxUnits is the ceiling.
type TierTable struct {
	Rows     []TierRow `json:"rows"`
	MaxUnits int       `json:"maxUnits"`
}

// Floor returns the lowest supported unit count.
func (t *TierTable) Floor() int {
	if len(t.Rows) == 0 {
		return 0
	}
	return t.Rows[0].MinUnits
}

// Clamp folds a unit count into the supported [floor, ceiling] range.
// Out-of-range values clamp silently; malformed input is the caller's problem.
func (t *TierTable) Clamp(units int) int {
	if units < t.Floor() {
		return t.Floor()
	}
	if t.MaxUnits > 0 && units > t.MaxUnits {
		return t.MaxUnits
	}
	return units
}

// UnitPrice returns the price of the highest bracket whose MinUnits does not
// exceed the (clamped) unit count. Exactly one bracket applies for any count
// at or above the floor.
func (t *TierTable) UnitPrice(units int) money.Cents {
	units = t.Clamp(units)
	price := money.Cents(0)
	for _, row := range t.Rows {
		if row.MinUnits > units {
			break
		}
		price = row.UnitPrice
	}
	return price
}
