// Package money provides decimal amount helpers for settlement math.
//
// Amounts are carried as decimal.Decimal in major currency units with
// two decimal places (1 NGN = 100 kobo). The payment gateway works in
// minor units, so conversions happen only at the gateway boundary.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of minor-unit digits.
const Decimals = 2

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrInvalidRate   = errors.New("money: rate must be between 0 and 1")
	ErrRefundTooBig  = errors.New("money: refund exceeds total")

	minorPerMajor = decimal.NewFromInt(100)
)

// Parse converts a decimal string (e.g. "1500.50") to a Decimal.
//
// Rules:
//   - Negative amounts are rejected
//   - More than two fractional digits are rejected (no silent rounding)
//   - Empty string is rejected
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places ("1500.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// ToMinor converts a major-unit amount to the gateway's minor unit.
func ToMinor(d decimal.Decimal) int64 {
	return d.Mul(minorPerMajor).Round(0).IntPart()
}

// FromMinor converts a gateway minor-unit amount to major units.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Decimals)
}

// ValidRate reports whether rate is a fraction in [0, 1].
func ValidRate(rate decimal.Decimal) bool {
	return !rate.IsNegative() && rate.LessThanOrEqual(decimal.NewFromInt(1))
}

// Commission returns total × rate rounded half away from zero to the
// smallest currency unit.
func Commission(total, rate decimal.Decimal) decimal.Decimal {
	return total.Mul(rate).Round(Decimals)
}

// Split is the division of one order's funds between customer, platform,
// and seller. Refund + Commission + SellerEarning always equals the total.
type Split struct {
	Refund        decimal.Decimal `json:"refund"`
	Commission    decimal.Decimal `json:"commission"`
	SellerEarning decimal.Decimal `json:"sellerEarning"`
}

// Total returns the sum of all three parts.
func (s Split) Total() decimal.Decimal {
	return s.Refund.Add(s.Commission).Add(s.SellerEarning)
}

// SplitRelease is the split for a full release to the seller.
func SplitRelease(total, rate decimal.Decimal) (Split, error) {
	return SplitPartial(total, decimal.Zero, rate)
}

// SplitPartial divides total into a customer refund, the platform
// commission and the seller earning. Commission is computed on the full
// total but capped at what remains after the refund, so the seller share
// is never negative.
func SplitPartial(total, refund, rate decimal.Decimal) (Split, error) {
	if total.IsNegative() || refund.IsNegative() {
		return Split{}, ErrInvalidAmount
	}
	if !ValidRate(rate) {
		return Split{}, ErrInvalidRate
	}
	if refund.GreaterThan(total) {
		return Split{}, ErrRefundTooBig
	}
	remaining := total.Sub(refund)
	commission := Commission(total, rate)
	if commission.GreaterThan(remaining) {
		commission = remaining
	}
	return Split{
		Refund:        refund,
		Commission:    commission,
		SellerEarning: remaining.Sub(commission),
	}, nil
}
