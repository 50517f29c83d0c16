package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncState is the lifecycle state of a tracked book.
type SyncState int32

const (
	SyncUninitialized SyncState = iota // created, no baseline yet requested
	SyncSyncing                        // waiting for a baseline snapshot
	SyncLive                           // deltas applying in sequence
	SyncOutOfSync                      // gap detected, snapshot pending
	SyncClosed                         // untracked / torn down, terminal
)

func (s SyncState) String() string {
	switch s {
	case SyncUninitialized:
		return "UNINITIALIZED"
	case SyncSyncing:
		return "SYNCING"
	case SyncLive:
		return "LIVE"
	case SyncOutOfSync:
		return "OUT_OF_SYNC"
	case SyncClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// BookSummary is an immutable point-in-time view of one book: the best
// N levels per side plus sync metadata. Safe to hold across any number
// of writes to the live book.
type BookSummary struct {
	TokenID      string          `json:"token_id"`
	Bids         []PriceLevel    `json:"bids"` // best-first, descending price
	Asks         []PriceLevel    `json:"asks"` // best-first, ascending price
	BidDepth     int             `json:"bid_depth"`
	AskDepth     int             `json:"ask_depth"`
	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	LastSequence uint64          `json:"last_sequence"`
	TickSize     decimal.Decimal `json:"tick_size"`
	LastTrade    *Trade          `json:"last_trade,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	State        SyncState       `json:"state"`
}

// BestBid returns the highest resting bid, if any.
func (s BookSummary) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest resting ask, if any.
func (s BookSummary) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// FillResult is the outcome of walking a book summary with a
// hypothetical order. InsufficientLiquidity is a normal outcome, not an
// error: the partial fill computed so far is still carried.
type FillResult struct {
	TokenID               string          `json:"token_id"`
	Side                  Side            `json:"side"`
	RequestedSize         decimal.Decimal `json:"requested_size"`
	FilledSize            decimal.Decimal `json:"filled_size"`
	RemainingSize         decimal.Decimal `json:"remaining_size"`
	AvgPrice              decimal.Decimal `json:"avg_price"`
	Slippage              decimal.Decimal `json:"slippage"`
	Fills                 []PriceLevel    `json:"fills"` // per-level consumption, best-first
	InsufficientLiquidity bool            `json:"insufficient_liquidity"`
}

// FullFill reports whether the requested size was filled completely.
func (r FillResult) FullFill() bool {
	return r.RemainingSize.IsZero() && r.FilledSize.Equal(r.RequestedSize)
}
