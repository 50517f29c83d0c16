package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jmenglis/polyfill-go/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func level(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: d(price), Size: d(size)}
}

func TestBook_SetLevel_ZeroRemoves(t *testing.T) {
	b := newBook("tok", 10)

	b.setLevel(domain.SideBuy, d("0.45"), d("100"))
	b.setLevel(domain.SideBuy, d("0.44"), d("50"))
	if b.bids.Len() != 2 {
		t.Fatalf("bids len = %d, want 2", b.bids.Len())
	}

	// Zero size deletes the level outright.
	b.setLevel(domain.SideBuy, d("0.45"), decimal.Zero)
	if b.bids.Len() != 1 {
		t.Fatalf("bids len after removal = %d, want 1", b.bids.Len())
	}

	best, ok := b.bids.Min()
	if !ok || !best.Price.Equal(d("0.44")) {
		t.Errorf("best bid = %v, want 0.44", best.Price)
	}
}

func TestBook_SetLevel_ReplacesNotAdds(t *testing.T) {
	b := newBook("tok", 10)

	b.setLevel(domain.SideSell, d("0.55"), d("100"))
	b.setLevel(domain.SideSell, d("0.55"), d("30"))

	if b.asks.Len() != 1 {
		t.Fatalf("asks len = %d, want 1", b.asks.Len())
	}
	best, _ := b.asks.Min()
	if !best.Size.Equal(d("30")) {
		t.Errorf("size = %s, want 30 (absolute replace, not additive)", best.Size)
	}
}

func TestBook_DepthEviction(t *testing.T) {
	// Depth 3: inserting a 4th level must evict the worst, and the
	// worst only.
	b := newBook("tok", 3)

	for _, l := range []domain.PriceLevel{
		level("0.40", "10"),
		level("0.41", "10"),
		level("0.42", "10"),
	} {
		b.setLevel(domain.SideBuy, l.Price, l.Size)
	}

	// Better than all resting levels: 0.40 goes.
	b.setLevel(domain.SideBuy, d("0.43"), d("10"))
	if b.bids.Len() != 3 {
		t.Fatalf("bids len = %d, want 3", b.bids.Len())
	}
	worst, _ := b.bids.Max()
	if !worst.Price.Equal(d("0.41")) {
		t.Errorf("worst bid = %s, want 0.41 (0.40 evicted)", worst.Price)
	}
	best, _ := b.bids.Min()
	if !best.Price.Equal(d("0.43")) {
		t.Errorf("best bid = %s, want 0.43", best.Price)
	}
}

func TestBook_DepthEviction_Asks(t *testing.T) {
	b := newBook("tok", 2)

	b.setLevel(domain.SideSell, d("0.50"), d("5"))
	b.setLevel(domain.SideSell, d("0.51"), d("5"))
	b.setLevel(domain.SideSell, d("0.49"), d("5"))

	if b.asks.Len() != 2 {
		t.Fatalf("asks len = %d, want 2", b.asks.Len())
	}
	// For asks best is lowest; 0.51 is the worst and must be gone.
	worst, _ := b.asks.Max()
	if !worst.Price.Equal(d("0.50")) {
		t.Errorf("worst ask = %s, want 0.50 (0.51 evicted)", worst.Price)
	}
}

func TestBook_ApplySnapshot_Replaces(t *testing.T) {
	b := newBook("tok", 10)
	b.setLevel(domain.SideBuy, d("0.30"), d("999"))
	b.lastSeq = 5

	snap := &domain.BookSnapshot{
		TokenID:   "tok",
		Bids:      []domain.PriceLevel{level("0.45", "100")},
		Asks:      []domain.PriceLevel{level("0.55", "200")},
		Sequence:  42,
		Timestamp: time.UnixMilli(1700000000000).UTC(),
	}
	b.applySnapshot(snap)

	if b.state != domain.SyncLive {
		t.Errorf("state = %s, want LIVE", b.state)
	}
	if b.lastSeq != 42 {
		t.Errorf("lastSeq = %d, want 42", b.lastSeq)
	}
	if b.bids.Len() != 1 || b.asks.Len() != 1 {
		t.Fatalf("ladder sizes = %d/%d, want 1/1 (wholesale replace)", b.bids.Len(), b.asks.Len())
	}
	best, _ := b.bids.Min()
	if !best.Price.Equal(d("0.45")) {
		t.Errorf("best bid = %s, want 0.45 (pre-snapshot level must be gone)", best.Price)
	}
}

func TestBook_Summary_Isolation(t *testing.T) {
	b := newBook("tok", 10)
	b.setLevel(domain.SideBuy, d("0.45"), d("100"))
	b.setLevel(domain.SideSell, d("0.55"), d("50"))
	b.lastTrade = &domain.Trade{TokenID: "tok", Price: d("0.50"), Size: d("10")}

	sum := b.summary(10)

	// Mutate the live book after taking the summary.
	b.setLevel(domain.SideBuy, d("0.45"), decimal.Zero)
	b.lastTrade.Price = d("0.99")

	if len(sum.Bids) != 1 || !sum.Bids[0].Price.Equal(d("0.45")) {
		t.Errorf("summary bids = %v, want the pre-mutation 0.45 level", sum.Bids)
	}
	if !sum.LastTrade.Price.Equal(d("0.50")) {
		t.Errorf("summary last trade = %s, want 0.50 (deep copy)", sum.LastTrade.Price)
	}
}

func TestBook_Summary_DepthAndTotals(t *testing.T) {
	b := newBook("tok", 10)
	for _, l := range []domain.PriceLevel{
		level("0.45", "100"),
		level("0.44", "200"),
		level("0.43", "300"),
	} {
		b.setLevel(domain.SideBuy, l.Price, l.Size)
	}

	sum := b.summary(2)

	if len(sum.Bids) != 2 {
		t.Fatalf("summary bids = %d, want 2", len(sum.Bids))
	}
	if !sum.Bids[0].Price.Equal(d("0.45")) || !sum.Bids[1].Price.Equal(d("0.44")) {
		t.Errorf("summary bids not best-first: %v", sum.Bids)
	}
	if sum.BidDepth != 3 {
		t.Errorf("BidDepth = %d, want 3 (full tracked depth)", sum.BidDepth)
	}
	if !sum.TotalBidSize.Equal(d("600")) {
		t.Errorf("TotalBidSize = %s, want 600 (totals over full depth)", sum.TotalBidSize)
	}
}
