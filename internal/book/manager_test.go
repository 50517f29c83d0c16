package book

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/infra"
)

// stubFetcher serves canned snapshots and counts calls.
type stubFetcher struct {
	calls int32
	snap  *domain.BookSnapshot
	err   error
}

func (f *stubFetcher) FetchBook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	s.TokenID = tokenID
	return &s, nil
}

func newTestManager(t *testing.T, fetcher SnapshotFetcher) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Depth:      100,
		BufferSize: 16,
		Backoff:    infra.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, fetcher, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func baseSnapshot(token string, seq uint64) *domain.BookSnapshot {
	return &domain.BookSnapshot{
		TokenID:  token,
		Bids:     []domain.PriceLevel{level("0.45", "100")},
		Asks:     []domain.PriceLevel{level("0.55", "100")},
		Sequence: seq,
	}
}

func waitForState(t *testing.T, m *Manager, token string, want domain.SyncState) domain.BookSummary {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sum, err := m.Snapshot(token)
		if err == nil && sum.State == want {
			return sum
		}
		time.Sleep(5 * time.Millisecond)
	}
	sum, err := m.Snapshot(token)
	t.Fatalf("book never reached %s (state=%v err=%v)", want, sum.State, err)
	return domain.BookSummary{}
}

func TestManager_ValidatesOptions(t *testing.T) {
	if _, err := NewManager(Options{Depth: 0}, nil, nil); err == nil {
		t.Error("Depth 0 accepted, want ConfigurationError")
	}
	if _, err := NewManager(Options{Depth: 10, BufferSize: -1}, nil, nil); err == nil {
		t.Error("negative BufferSize accepted, want ConfigurationError")
	}
}

func TestManager_SnapshotUnknownToken(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.Snapshot("nobody"); !errors.Is(err, domain.ErrUnknownToken) {
		t.Errorf("err = %v, want ErrUnknownToken", err)
	}
}

func TestManager_DeltaBeforeBaselineIsBuffered(t *testing.T) {
	m := newTestManager(t, nil) // no fetcher: waits for a feed snapshot

	res, err := m.ApplyDelta(domain.OrderDelta{
		TokenID: "tok", Side: domain.SideBuy, Price: d("0.45"), Size: d("100"), Sequence: 10,
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if res != ResultBuffered {
		t.Errorf("result = %s, want buffered", res)
	}

	sum, _ := m.Snapshot("tok")
	if sum.State != domain.SyncSyncing {
		t.Errorf("state = %s, want SYNCING", sum.State)
	}
	if len(sum.Bids) != 0 {
		t.Errorf("book has levels before baseline: %v", sum.Bids)
	}
}

func TestManager_SnapshotThenReplay(t *testing.T) {
	m := newTestManager(t, nil)

	// Deltas 10 and 11 arrive before the baseline at sequence 9.
	m.ApplyDelta(domain.OrderDelta{TokenID: "tok", Side: domain.SideBuy, Price: d("0.46"), Size: d("50"), Sequence: 10})
	m.ApplyDelta(domain.OrderDelta{TokenID: "tok", Side: domain.SideBuy, Price: d("0.45"), Size: d("0"), Sequence: 11})

	if err := m.ApplySnapshot(baseSnapshot("tok", 9)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	sum, err := m.Snapshot("tok")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sum.State != domain.SyncLive {
		t.Fatalf("state = %s, want LIVE", sum.State)
	}
	if sum.LastSequence != 11 {
		t.Errorf("LastSequence = %d, want 11 (buffered deltas replayed)", sum.LastSequence)
	}
	// Delta 11 removed the 0.45 bid the snapshot carried, 10 added 0.46.
	if len(sum.Bids) != 1 || !sum.Bids[0].Price.Equal(d("0.46")) {
		t.Errorf("bids = %v, want single 0.46 level", sum.Bids)
	}
}

func TestManager_LiveSequenceGate(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.ApplySnapshot(baseSnapshot("tok", 100)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	tests := []struct {
		name string
		seq  uint64
		want ApplyResult
	}{
		{"duplicate", 100, ResultStale},
		{"older", 50, ResultStale},
		{"contiguous", 101, ResultApplied},
		{"gap", 105, ResultBuffered},
	}
	for _, tt := range tests {
		res, err := m.ApplyDelta(domain.OrderDelta{
			TokenID: "tok", Side: domain.SideBuy, Price: d("0.40"), Size: d("1"), Sequence: tt.seq,
		})
		if err != nil {
			t.Fatalf("%s: ApplyDelta: %v", tt.name, err)
		}
		if res != tt.want {
			t.Errorf("%s: result = %s, want %s", tt.name, res, tt.want)
		}
	}

	sum, _ := m.Snapshot("tok")
	if sum.State != domain.SyncOutOfSync {
		t.Errorf("state after gap = %s, want OUT_OF_SYNC", sum.State)
	}
	if sum.LastSequence != 101 {
		t.Errorf("LastSequence = %d, want 101 (gapped delta not applied)", sum.LastSequence)
	}
}

func TestManager_GapTriggersResync(t *testing.T) {
	fetcher := &stubFetcher{snap: baseSnapshot("", 200)}
	m := newTestManager(t, fetcher)

	if err := m.ApplySnapshot(baseSnapshot("tok", 100)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	// Sequence jumps 100 -> 150: gap, book must resync via the fetcher.
	m.ApplyDelta(domain.OrderDelta{TokenID: "tok", Side: domain.SideBuy, Price: d("0.40"), Size: d("1"), Sequence: 150})

	sum := waitForState(t, m, "tok", domain.SyncLive)
	if sum.LastSequence != 200 {
		t.Errorf("LastSequence = %d, want 200 (fetched snapshot)", sum.LastSequence)
	}
	if atomic.LoadInt32(&fetcher.calls) == 0 {
		t.Error("fetcher never called")
	}
}

func TestManager_ResyncRetriesOnFetchError(t *testing.T) {
	boom := &domain.TransportError{Op: "GET /book", Err: errors.New("boom")}
	fetcher := &stubFetcher{err: boom}
	m := newTestManager(t, fetcher)

	m.Track("tok")

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&fetcher.calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls := atomic.LoadInt32(&fetcher.calls); calls < 2 {
		t.Fatalf("fetcher calls = %d, want >= 2 (retry with backoff)", calls)
	}

	// A later snapshot off the feed still recovers the book.
	if err := m.ApplySnapshot(baseSnapshot("tok", 5)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	sum, _ := m.Snapshot("tok")
	if sum.State != domain.SyncLive {
		t.Errorf("state = %s, want LIVE", sum.State)
	}
}

func TestManager_MarkOutOfSync(t *testing.T) {
	fetcher := &stubFetcher{snap: baseSnapshot("", 300)}
	m := newTestManager(t, fetcher)

	for _, tok := range []string{"a", "b"} {
		if err := m.ApplySnapshot(baseSnapshot(tok, 100)); err != nil {
			t.Fatalf("ApplySnapshot(%s): %v", tok, err)
		}
	}

	m.MarkOutOfSync("a", "b", "untracked")

	for _, tok := range []string{"a", "b"} {
		sum := waitForState(t, m, tok, domain.SyncLive)
		if sum.LastSequence != 300 {
			t.Errorf("%s: LastSequence = %d, want 300", tok, sum.LastSequence)
		}
	}
	// The untracked token must not have been created.
	if _, err := m.Snapshot("untracked"); !errors.Is(err, domain.ErrUnknownToken) {
		t.Errorf("untracked token materialized: err = %v", err)
	}
}

func TestManager_BufferDisabledDrops(t *testing.T) {
	m, err := NewManager(Options{Depth: 10, BufferSize: 0}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	res, err := m.ApplyDelta(domain.OrderDelta{
		TokenID: "tok", Side: domain.SideBuy, Price: d("0.45"), Size: d("1"), Sequence: 7,
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if res != ResultDropped {
		t.Errorf("result = %s, want dropped (buffering disabled)", res)
	}
}

func TestManager_BufferBounded(t *testing.T) {
	m, err := NewManager(Options{Depth: 10, BufferSize: 2}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	// Three buffered deltas with capacity two: the oldest is discarded.
	for seq := uint64(10); seq <= 12; seq++ {
		m.ApplyDelta(domain.OrderDelta{
			TokenID: "tok", Side: domain.SideBuy, Price: d("0.4"), Size: d("1"), Sequence: seq,
		})
	}

	e := m.lookup("tok")
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(e.pending))
	}
	if e.pending[0].Sequence != 11 || e.pending[1].Sequence != 12 {
		t.Errorf("pending sequences = %d,%d, want 11,12 (oldest dropped)",
			e.pending[0].Sequence, e.pending[1].Sequence)
	}
}

func TestManager_ReplayGapResyncsAgain(t *testing.T) {
	m := newTestManager(t, nil)

	// Buffer 10 and 13: after a baseline at 9, the jump 10 -> 13 is a
	// gap inside the buffer.
	m.ApplyDelta(domain.OrderDelta{TokenID: "tok", Side: domain.SideBuy, Price: d("0.46"), Size: d("1"), Sequence: 10})
	m.ApplyDelta(domain.OrderDelta{TokenID: "tok", Side: domain.SideBuy, Price: d("0.47"), Size: d("1"), Sequence: 13})

	if err := m.ApplySnapshot(baseSnapshot("tok", 9)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	sum, _ := m.Snapshot("tok")
	if sum.State != domain.SyncOutOfSync {
		t.Fatalf("state = %s, want OUT_OF_SYNC (gap inside buffer)", sum.State)
	}
	if sum.LastSequence != 10 {
		t.Errorf("LastSequence = %d, want 10 (contiguous prefix applied)", sum.LastSequence)
	}

	// The remainder is still held and replays after the next snapshot.
	if err := m.ApplySnapshot(baseSnapshot("tok", 12)); err != nil {
		t.Fatalf("second ApplySnapshot: %v", err)
	}
	sum, _ = m.Snapshot("tok")
	if sum.State != domain.SyncLive || sum.LastSequence != 13 {
		t.Errorf("state/seq = %s/%d, want LIVE/13", sum.State, sum.LastSequence)
	}
}

func TestManager_UntrackCloses(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.ApplySnapshot(baseSnapshot("tok", 1)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	m.Untrack("tok")

	if _, err := m.Snapshot("tok"); !errors.Is(err, domain.ErrUnknownToken) {
		t.Errorf("Snapshot after Untrack: err = %v, want ErrUnknownToken", err)
	}
	// Re-applying a delta creates a fresh book, not the closed one.
	res, err := m.ApplyDelta(domain.OrderDelta{
		TokenID: "tok", Side: domain.SideBuy, Price: d("0.4"), Size: d("1"), Sequence: 2,
	})
	if err != nil {
		t.Fatalf("ApplyDelta after Untrack: %v", err)
	}
	if res != ResultBuffered {
		t.Errorf("result = %s, want buffered (fresh uninitialized book)", res)
	}
}

func TestManager_TradeAndTickSize(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.ApplySnapshot(baseSnapshot("tok", 1)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	m.ApplyTrade(domain.Trade{TokenID: "tok", Side: domain.SideBuy, Price: d("0.50"), Size: d("10")})
	m.ApplyTickSize(domain.TickSizeChange{TokenID: "tok", OldTickSize: d("0.01"), NewTickSize: d("0.001")})

	// Untracked tokens are ignored, not created.
	m.ApplyTrade(domain.Trade{TokenID: "other", Price: d("0.5"), Size: d("1")})

	sum, _ := m.Snapshot("tok")
	if sum.LastTrade == nil || !sum.LastTrade.Price.Equal(d("0.50")) {
		t.Errorf("LastTrade = %v, want price 0.50", sum.LastTrade)
	}
	if !sum.TickSize.Equal(d("0.001")) {
		t.Errorf("TickSize = %s, want 0.001", sum.TickSize)
	}
	if _, err := m.Snapshot("other"); !errors.Is(err, domain.ErrUnknownToken) {
		t.Errorf("trade for untracked token created a book: err = %v", err)
	}
}
