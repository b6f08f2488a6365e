package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable means no usable rate exists right now. Callers may retry.
var ErrRateUnavailable = errors.New("fx rate unavailable")

// Rate is a conversion rate quoted as units of To per unit of From, valid in
// [ValidFrom, ValidUntil).
type Rate struct {
	From       string
	To         string
	Value      decimal.Decimal
	ValidFrom  time.Time
	ValidUntil time.Time
}

// ValidAt reports whether the rate may be applied at t.
func (r Rate) ValidAt(t time.Time) bool {
	if r.Value.Sign() <= 0 {
		return false
	}
	if !r.ValidFrom.IsZero() && t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidUntil.IsZero() || t.Before(r.ValidUntil)
}

// Provider supplies the current conversion rate between two currencies.
type Provider interface {
	CurrentRate(ctx context.Context, from, to string) (Rate, error)
}

// Rounding selects how converted minor units are rounded.
type Rounding string

const (
	RoundHalfEven Rounding = "half_even"
	RoundHalfUp   Rounding = "half_up"
	RoundDown     Rounding = "down"
)

// ParseRounding validates a rounding mode name.
func ParseRounding(s string) (Rounding, error) {
	switch r := Rounding(strings.ToLower(strings.TrimSpace(s))); r {
	case RoundHalfEven, RoundHalfUp, RoundDown:
		return r, nil
	case "":
		return RoundHalfEven, nil
	default:
		return "", fmt.Errorf("unknown rounding mode %q", s)
	}
}

const defaultDecimals int32 = 2

// Converter turns an amount in minor units of one currency into minor units of
// another, honouring each currency's number of decimals.
type Converter struct {
	Decimals map[string]int32
	Rounding Rounding
}

func (c Converter) decimals(currency string) int32 {
	if d, ok := c.Decimals[currency]; ok {
		return d
	}
	return defaultDecimals
}

// Convert applies rate to amount (minor units of rate.From) and returns minor units
// of rate.To.
func (c Converter) Convert(amount int64, rate Rate) int64 {
	major := decimal.New(amount, -c.decimals(rate.From))
	converted := major.Mul(rate.Value).Shift(c.decimals(rate.To))
	switch c.Rounding {
	case RoundDown:
		converted = converted.Truncate(0)
	case RoundHalfUp:
		converted = converted.Round(0)
	default:
		converted = converted.RoundBank(0)
	}
	return converted.IntPart()
}
