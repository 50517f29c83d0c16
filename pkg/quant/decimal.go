// Package quant holds the numeric helpers shared by the decode and
// read paths. All market values are decimal.Decimal; float64 never
// touches prices or sizes.
package quant

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a feed numeric string exactly. Empty strings and
// anything decimal.NewFromString rejects are errors; there is no float
// fallback.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty numeric field")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %q: %w", s, err)
	}
	return d, nil
}

// Mid returns the midpoint of a bid/ask pair.
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid.
func Spread(bid, ask decimal.Decimal) decimal.Decimal {
	return ask.Sub(bid)
}

// VWAP returns notional / qty, or zero when qty is zero.
func VWAP(notional, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// FromUnixMilli converts a feed millisecond timestamp to time.Time.
// Zero input yields the zero time, not the epoch.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
