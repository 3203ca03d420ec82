package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cashback returns floor(amount * rate) in minor units.
// Floor never credits a fraction of a kobo that was not paid for.
func Cashback(amount Money, rate decimal.Decimal) Money {
	if !amount.IsPositive() || !rate.IsPositive() {
		return 0
	}
	return Money(amount.Decimal().Mul(rate).Floor().IntPart())
}

// ParseRate parses a cashback rate such as "0.03". The rate must lie in [0, 1].
func ParseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid cashback rate %q: %w", s, err)
	}
	if err := ValidateRate(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

func ValidateRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("cashback rate %s outside [0, 1]", r)
	}
	return nil
}

// MustRate is ParseRate for constants. It panics on an invalid rate.
func MustRate(s string) decimal.Decimal {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}
