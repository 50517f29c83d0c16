// Package fill simulates walking a book summary to estimate execution
// price and slippage for a hypothetical order, before anything is sent
// to the venue. Read-only: no side effect on any live book or order.
package fill

import (
	"github.com/shopspring/decimal"

	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/pkg/quant"
)

// Request describes the hypothetical order. A zero LimitPrice means a
// marketable order: the walk is bounded only by available liquidity.
type Request struct {
	TokenID    string
	Side       domain.Side
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
}

// Engine simulates fills against immutable book summaries.
type Engine struct{}

// NewEngine creates a fill engine.
func NewEngine() *Engine { return &Engine{} }

// Simulate walks the opposing ladder from best price outward, consuming
// size level by level, stopping at the first level past the limit
// price. The result carries filled size, remainder, volume-weighted
// average price and signed slippage versus the best opposing price at
// simulation start. InsufficientLiquidity is a normal outcome carrying
// the partial fill computed so far.
func (e *Engine) Simulate(req Request, snap domain.BookSummary) (domain.FillResult, error) {
	if req.Size.IsZero() || req.Size.IsNegative() {
		return domain.FillResult{}, &domain.ConfigurationError{Field: "size", Reason: "must be positive"}
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.FillResult{}, &domain.ConfigurationError{Field: "side", Reason: "must be BUY or SELL"}
	}

	// A buy consumes asks, a sell consumes bids. Both ladders are
	// already ordered best-first in the summary.
	ladder := snap.Asks
	if req.Side == domain.SideSell {
		ladder = snap.Bids
	}

	res := domain.FillResult{
		TokenID:       req.TokenID,
		Side:          req.Side,
		RequestedSize: req.Size,
		FilledSize:    decimal.Zero,
		RemainingSize: req.Size,
		AvgPrice:      decimal.Zero,
		Slippage:      decimal.Zero,
	}

	notional := decimal.Zero
	for _, level := range ladder {
		if res.RemainingSize.IsZero() {
			break
		}
		if pastLimit(req, level.Price) {
			break
		}

		take := level.Size
		if take.GreaterThan(res.RemainingSize) {
			take = res.RemainingSize
		}

		res.Fills = append(res.Fills, domain.PriceLevel{Price: level.Price, Size: take})
		res.FilledSize = res.FilledSize.Add(take)
		res.RemainingSize = res.RemainingSize.Sub(take)
		notional = notional.Add(level.Price.Mul(take))
	}

	res.AvgPrice = quant.VWAP(notional, res.FilledSize)
	res.InsufficientLiquidity = !res.RemainingSize.IsZero()

	// Slippage is signed against the best opposing price at the start
	// of the walk: positive means worse than touch for a buy, and the
	// sign is flipped for a sell so that positive stays "worse".
	if len(ladder) > 0 && !res.FilledSize.IsZero() {
		best := ladder[0].Price
		if req.Side == domain.SideBuy {
			res.Slippage = res.AvgPrice.Sub(best)
		} else {
			res.Slippage = best.Sub(res.AvgPrice)
		}
	}

	return res, nil
}

// pastLimit reports whether a level price violates the limit: above it
// for a buy, below it for a sell. Zero limit never binds.
func pastLimit(req Request, price decimal.Decimal) bool {
	if req.LimitPrice.IsZero() {
		return false
	}
	if req.Side == domain.SideBuy {
		return price.GreaterThan(req.LimitPrice)
	}
	return price.LessThan(req.LimitPrice)
}
