// Package money holds the fixed-point currency rules shared by the ledger:
// which scale a currency uses, how incoming amounts are parsed, and the
// single rounding mode applied to derived amounts.
package money

import (
	"errors"
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrExcessPrecision = errors.New("amount has more precision than the currency allows")
)

// Currency is an ISO 4217 currency with its minor-unit scale.
type Currency struct {
	Code  string
	Scale int32
}

// CurrencyOf looks up code in the go-money currency table.
func CurrencyOf(code string) (Currency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	c := gomoney.GetCurrency(code)
	if c == nil {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return Currency{Code: c.Code, Scale: int32(c.Fraction)}, nil
}

// MustCurrency is CurrencyOf for package-level defaults and tests.
func MustCurrency(code string) Currency {
	c, err := CurrencyOf(code)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse reads a decimal string. Amounts carrying more fractional digits
// than the currency scale are rejected rather than rounded.
func (c Currency) Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := c.CheckScale(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckScale reports whether d fits the currency's minor unit exactly.
func (c Currency) CheckScale(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(c.Scale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrExcessPrecision, d.String(), c.Scale)
	}
	return nil
}

// Round applies round-half-even at the minor-unit scale.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(c.Scale)
}

// ToMinor converts d to an integer count of minor units.
func (c Currency) ToMinor(d decimal.Decimal) (int64, error) {
	if err := c.CheckScale(d); err != nil {
		return 0, err
	}
	return d.Shift(c.Scale).IntPart(), nil
}

// Equal compares two amounts at currency precision.
func (c Currency) Equal(a, b decimal.Decimal) bool {
	return c.Round(a).Equal(c.Round(b))
}

// String renders d with exactly Scale decimal places.
func (c Currency) String(d decimal.Decimal) string {
	return d.StringFixed(c.Scale)
}

// Format renders d for display using the currency's symbol and separators.
func (c Currency) Format(d decimal.Decimal) string {
	// Round leaves d at the currency scale, so ToMinor cannot fail.
	units, _ := c.ToMinor(c.Round(d))
	return gomoney.New(units, c.Code).Display()
}
