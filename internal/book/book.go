// Package book reconstructs per-token limit order books from sequenced
// feed messages and exposes consistent point-in-time summaries to
// concurrent readers.
package book

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/jmenglis/polyfill-go/internal/domain"
)

// Book is one token's reconstructed order book. It is not safe for
// concurrent use on its own; the Manager serializes all access through
// a per-token lock.
type Book struct {
	tokenID string
	depth   int

	// Ladders are ordered best-first: iterating bids yields descending
	// prices, asks ascending. The tree maximum is therefore always the
	// least-priority level on that side.
	bids *btree.BTreeG[domain.PriceLevel]
	asks *btree.BTreeG[domain.PriceLevel]

	lastSeq   uint64
	tickSize  decimal.Decimal
	lastTrade *domain.Trade
	updatedAt time.Time
	state     domain.SyncState
}

func newBook(tokenID string, depth int) *Book {
	return &Book{
		tokenID: tokenID,
		depth:   depth,
		bids: btree.NewBTreeG(func(a, b domain.PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewBTreeG(func(a, b domain.PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
		state: domain.SyncUninitialized,
	}
}

func (b *Book) ladder(side domain.Side) *btree.BTreeG[domain.PriceLevel] {
	if side == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

// setLevel replaces the aggregate size at price. Zero size removes the
// level. Levels beyond the depth bound are evicted worst-first; the
// bound caps memory and summary cost, sequence tracking is unaffected.
func (b *Book) setLevel(side domain.Side, price, size decimal.Decimal) {
	tr := b.ladder(side)
	if size.IsZero() {
		tr.Delete(domain.PriceLevel{Price: price})
		return
	}
	tr.Set(domain.PriceLevel{Price: price, Size: size})
	for tr.Len() > b.depth {
		tr.PopMax()
	}
}

// applyDelta mutates one level and advances the sequence. Caller has
// already enforced sequence contiguity.
func (b *Book) applyDelta(d *domain.OrderDelta) {
	b.setLevel(d.Side, d.Price, d.Size)
	b.lastSeq = d.Sequence
	if !d.Timestamp.IsZero() {
		b.updatedAt = d.Timestamp
	} else {
		b.updatedAt = time.Now().UTC()
	}
}

// applySnapshot replaces both ladders and the sequence wholesale.
func (b *Book) applySnapshot(s *domain.BookSnapshot) {
	b.bids.Clear()
	b.asks.Clear()
	for _, l := range s.Bids {
		b.setLevel(domain.SideBuy, l.Price, l.Size)
	}
	for _, l := range s.Asks {
		b.setLevel(domain.SideSell, l.Price, l.Size)
	}
	b.lastSeq = s.Sequence
	if !s.Timestamp.IsZero() {
		b.updatedAt = s.Timestamp
	} else {
		b.updatedAt = time.Now().UTC()
	}
	b.state = domain.SyncLive
}

// summary copies the best n levels per side plus totals over the whole
// tracked depth. The result shares nothing with the live book.
func (b *Book) summary(n int) domain.BookSummary {
	sum := domain.BookSummary{
		TokenID:      b.tokenID,
		BidDepth:     b.bids.Len(),
		AskDepth:     b.asks.Len(),
		TotalBidSize: decimal.Zero,
		TotalAskSize: decimal.Zero,
		LastSequence: b.lastSeq,
		TickSize:     b.tickSize,
		UpdatedAt:    b.updatedAt,
		State:        b.state,
	}

	sum.Bids = make([]domain.PriceLevel, 0, min(n, b.bids.Len()))
	b.bids.Scan(func(l domain.PriceLevel) bool {
		if len(sum.Bids) < n {
			sum.Bids = append(sum.Bids, l)
		}
		sum.TotalBidSize = sum.TotalBidSize.Add(l.Size)
		return true
	})

	sum.Asks = make([]domain.PriceLevel, 0, min(n, b.asks.Len()))
	b.asks.Scan(func(l domain.PriceLevel) bool {
		if len(sum.Asks) < n {
			sum.Asks = append(sum.Asks, l)
		}
		sum.TotalAskSize = sum.TotalAskSize.Add(l.Size)
		return true
	})

	if b.lastTrade != nil {
		t := *b.lastTrade
		sum.LastTrade = &t
	}
	return sum
}
