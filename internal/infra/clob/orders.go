package clob

import (
	"github.com/shopspring/decimal"

	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/fill"
)

// OrderArgs carries the user-facing parameters of a limit order before
// it is signed and posted. Price is a limit, not a hint: EstimateFill
// never walks past it.
type OrderArgs struct {
	TokenID string
	Side    domain.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// NewOrderArgs builds order args for one token.
func NewOrderArgs(tokenID string, side domain.Side, price, size decimal.Decimal) OrderArgs {
	return OrderArgs{TokenID: tokenID, Side: side, Price: price, Size: size}
}

// Validate checks the args against the venue's hard constraints:
// prediction-market prices live strictly inside (0, 1).
func (a OrderArgs) Validate() error {
	if a.TokenID == "" {
		return &domain.ConfigurationError{Field: "token_id", Reason: "must not be empty"}
	}
	if a.Side != domain.SideBuy && a.Side != domain.SideSell {
		return &domain.ConfigurationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !a.Price.IsPositive() || a.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &domain.ConfigurationError{Field: "price", Reason: "must be in (0, 1)"}
	}
	if !a.Size.IsPositive() {
		return &domain.ConfigurationError{Field: "size", Reason: "must be positive"}
	}
	return nil
}

// EstimateFill simulates the order against a book summary and reports
// what would execute immediately at or inside the limit price.
func (a OrderArgs) EstimateFill(snap domain.BookSummary) (domain.FillResult, error) {
	if err := a.Validate(); err != nil {
		return domain.FillResult{}, err
	}
	return fill.NewEngine().Simulate(fill.Request{
		TokenID:    a.TokenID,
		Side:       a.Side,
		Size:       a.Size,
		LimitPrice: a.Price,
	}, snap)
}

// Marketable reports whether any part of the order would cross the
// book immediately. Invalid args are simply not marketable.
func (a OrderArgs) Marketable(snap domain.BookSummary) bool {
	res, err := a.EstimateFill(snap)
	if err != nil {
		return false
	}
	return !res.FilledSize.IsZero()
}
