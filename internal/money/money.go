// Package money provides exact integer arithmetic for monetary amounts.
//
// Amounts are carried as euro cents end to end; rounding happens only at the
// display boundary, never inside a computation.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("money: invalid amount")

// Cents is a monetary amount in euro cents.
type Cents int64

// String renders the amount with two decimal digits, e.g. 30000 -> "300.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON renders the amount as a decimal string, e.g. "25.00".
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string with up to two fraction digits.
func (c *Cents) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Parse converts a decimal string like "160" or "19.90" to cents.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	var f int64
	if frac != "" {
		if len(frac) > 2 {
			return 0, ErrInvalidAmount
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return Cents(v), nil
}

// DivRound divides the amount by n, rounding half-up.
// Used only at the display boundary (monthly equivalent of an annual price).
func (c Cents) DivRound(n int64) Cents {
	if n == 0 {
		return 0
	}
	v := int64(c)
	q := v / n
	r := v % n
	if r*2 >= n {
		q++
	}
	return Cents(q)
}
