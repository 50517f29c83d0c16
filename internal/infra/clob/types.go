package clob

import (
	"github.com/shopspring/decimal"
)

// bookResponse is the wire shape of GET /book.
type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Sequence  uint64      `json:"sequence"`
	Timestamp string      `json:"timestamp"` // ms
	Hash      string      `json:"hash"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Token is one outcome token of a market.
type Token struct {
	TokenID string          `json:"token_id"`
	Outcome string          `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
	Winner  bool            `json:"winner"`
}

// Market is the static metadata for one market.
type Market struct {
	ConditionID     string          `json:"condition_id"`
	QuestionID      string          `json:"question_id"`
	Question        string          `json:"question"`
	Active          bool            `json:"active"`
	Closed          bool            `json:"closed"`
	MinTickSize     decimal.Decimal `json:"minimum_tick_size"`
	MinOrderSize    decimal.Decimal `json:"minimum_order_size"`
	AcceptingOrders bool            `json:"accepting_orders"`
	Tokens          []Token         `json:"tokens"`
}

// MarketsPage is one page of GET /markets.
type MarketsPage struct {
	Limit      int      `json:"limit"`
	Count      int      `json:"count"`
	NextCursor string   `json:"next_cursor"`
	Data       []Market `json:"data"`
}

type tickSizeResponse struct {
	MinimumTickSize string `json:"minimum_tick_size"`
}

// OrderResponse is the venue's reply to an order post.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrMsg       string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

// CancelResponse is the venue's reply to an order cancel.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}
