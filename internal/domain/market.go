package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book an order or level belongs to.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide converts a feed-side string to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy", "BID", "bid":
		return SideBuy, nil
	case "SELL", "sell", "ASK", "ask":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// PriceLevel is a price and the aggregate resting size at that price
// on one side of a book. A level with zero size is never resting.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Notional returns price * size.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Size)
}

// OrderDelta is a differential update to a single price level.
// Size is the new aggregate size at Price (absolute replace, not additive);
// size zero removes the level. Sequence increases monotonically per token.
type OrderDelta struct {
	TokenID   string          `json:"token_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is an execution reported by the feed. Side is the aggressor side.
type Trade struct {
	TokenID   string          `json:"token_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickSizeChange announces a new minimum price increment for a token.
type TickSizeChange struct {
	TokenID     string          `json:"token_id"`
	OldTickSize decimal.Decimal `json:"old_tick_size"`
	NewTickSize decimal.Decimal `json:"new_tick_size"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BookSnapshot is a full image of one token's book at a sequence number.
// Bids are ordered best-first (descending price), asks best-first
// (ascending price).
type BookSnapshot struct {
	TokenID   string       `json:"token_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}
