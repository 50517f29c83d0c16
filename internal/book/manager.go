package book

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmenglis/polyfill-go/internal/decode"
	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/infra"
	"github.com/jmenglis/polyfill-go/internal/obs"
)

// ApplyResult reports what happened to a delta.
type ApplyResult int

const (
	ResultApplied  ApplyResult = iota // applied to the live book
	ResultStale                       // sequence at or below the book, dropped
	ResultBuffered                    // held until a snapshot arrives
	ResultDropped                     // out-of-sync buffer disabled or full
)

func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	case ResultBuffered:
		return "buffered"
	case ResultDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SnapshotFetcher is the REST collaborator boundary: it returns a full
// book image for a token, or a transient error the manager retries per
// backoff policy.
type SnapshotFetcher interface {
	FetchBook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error)
}

// Options configures a Manager.
type Options struct {
	Depth        int // tracked levels per side
	SummaryDepth int // levels returned by Snapshot
	BufferSize   int // deltas buffered per token while out of sync; 0 drops
	Backoff      infra.BackoffPolicy
}

// Manager owns one Book per token. Exactly one logical writer path
// applies deltas to a given book; any number of readers take immutable
// summaries. Books for different tokens never contend: the token map is
// guarded by a read-mostly lock and every book by its own mutex.
type Manager struct {
	opts    Options
	fetcher SnapshotFetcher
	metrics obs.Metrics

	mu    sync.RWMutex
	books map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	mu        sync.Mutex
	book      *Book
	pending   []domain.OrderDelta
	resyncing bool
}

// NewManager validates opts and creates an empty manager. fetcher may
// be nil (replay mode): gaps then stay OutOfSync until a snapshot
// arrives on the feed itself.
func NewManager(opts Options, fetcher SnapshotFetcher, metrics obs.Metrics) (*Manager, error) {
	if opts.Depth <= 0 {
		return nil, &domain.ConfigurationError{Field: "depth", Reason: "must be positive"}
	}
	if opts.SummaryDepth <= 0 || opts.SummaryDepth > opts.Depth {
		opts.SummaryDepth = opts.Depth
	}
	if opts.BufferSize < 0 {
		return nil, &domain.ConfigurationError{Field: "buffer_size", Reason: "cannot be negative"}
	}
	if opts.Backoff.Base == 0 && opts.Backoff.Max == 0 {
		opts.Backoff = infra.DefaultBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		fetcher: fetcher,
		metrics: obs.OrNoop(metrics),
		books:   make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Track creates books for the given tokens and kicks off their baseline
// snapshot fetch. Tracking an already-tracked token is a no-op.
func (m *Manager) Track(tokenIDs ...string) {
	for _, id := range tokenIDs {
		e := m.getOrCreate(id)
		e.mu.Lock()
		if e.book.state == domain.SyncUninitialized {
			e.book.state = domain.SyncSyncing
			m.requestResyncLocked(e, id)
		}
		e.mu.Unlock()
	}
}

// Untrack closes and removes a token's book. Terminal for that book.
func (m *Manager) Untrack(tokenID string) {
	m.mu.Lock()
	e, ok := m.books[tokenID]
	if ok {
		delete(m.books, tokenID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.book.state = domain.SyncClosed
	e.pending = nil
	e.mu.Unlock()
}

// Tracked returns the tracked token ids.
func (m *Manager) Tracked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.books))
	for id := range m.books {
		out = append(out, id)
	}
	return out
}

// Apply dispatches one decoded feed message. Heartbeats and unknown
// frames are ignored here.
func (m *Manager) Apply(msg *decode.Message) {
	switch msg.Type {
	case decode.MsgOrderDelta:
		m.ApplyDelta(*msg.Delta)
	case decode.MsgBookSnapshot:
		m.ApplySnapshot(msg.Snapshot)
	case decode.MsgTrade:
		m.ApplyTrade(*msg.Trade)
	case decode.MsgTickSizeChange:
		m.ApplyTickSize(*msg.TickSize)
	}
}

// ApplyDelta routes a delta through the sequence gate. Books are
// created lazily on first delta. The critical section is a single level
// mutation; it never suspends.
func (m *Manager) ApplyDelta(d domain.OrderDelta) (ApplyResult, error) {
	e := m.getOrCreate(d.TokenID)
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book
	switch b.state {
	case domain.SyncClosed:
		return ResultDropped, domain.ErrBookClosed

	case domain.SyncUninitialized, domain.SyncSyncing:
		// No baseline yet: hold the delta and make sure a snapshot is
		// on its way.
		b.state = domain.SyncSyncing
		res := m.bufferLocked(e, d)
		m.requestResyncLocked(e, d.TokenID)
		return res, nil

	case domain.SyncOutOfSync:
		return m.bufferLocked(e, d), nil
	}

	// Live path.
	switch {
	case d.Sequence <= b.lastSeq:
		// Stale or duplicate: safe to drop.
		m.metrics.SequenceGap(d.TokenID)
		return ResultStale, nil

	case d.Sequence > b.lastSeq+1:
		// Missing updates underneath; applying on top would build a
		// silently wrong book.
		slog.Warn("sequence gap, resyncing",
			"token", d.TokenID,
			"expected", b.lastSeq+1,
			"got", d.Sequence)
		m.metrics.SequenceGap(d.TokenID)
		b.state = domain.SyncOutOfSync
		res := m.bufferLocked(e, d)
		m.requestResyncLocked(e, d.TokenID)
		return res, nil

	default:
		start := time.Now()
		b.applyDelta(&d)
		m.metrics.ApplyLatency(time.Since(start))
		return ResultApplied, nil
	}
}

// ApplySnapshot replaces a book wholesale, clears OutOfSync and replays
// buffered deltas above the snapshot's sequence in order.
func (m *Manager) ApplySnapshot(s *domain.BookSnapshot) error {
	e := m.getOrCreate(s.TokenID)
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.book
	if b.state == domain.SyncClosed {
		return domain.ErrBookClosed
	}

	b.applySnapshot(s)
	e.resyncing = false
	m.replayPendingLocked(e, s.TokenID)
	return nil
}

// replayPendingLocked replays buffered deltas through the same sequence
// gate the live path uses. A gap inside the buffer flips the book back
// to OutOfSync with the remainder still held.
func (m *Manager) replayPendingLocked(e *entry, tokenID string) {
	if len(e.pending) == 0 {
		return
	}
	pending := e.pending
	e.pending = nil
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Sequence < pending[j].Sequence
	})

	b := e.book
	for i, d := range pending {
		if d.Sequence <= b.lastSeq {
			continue
		}
		if d.Sequence > b.lastSeq+1 {
			slog.Warn("gap inside buffered deltas, resyncing again",
				"token", tokenID,
				"expected", b.lastSeq+1,
				"got", d.Sequence)
			b.state = domain.SyncOutOfSync
			e.pending = pending[i:]
			m.requestResyncLocked(e, tokenID)
			return
		}
		b.applyDelta(&d)
	}
}

// ApplyTrade records the last trade for a tracked token. Trades for
// untracked tokens are ignored.
func (m *Manager) ApplyTrade(t domain.Trade) {
	e := m.lookup(t.TokenID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.book.state != domain.SyncClosed {
		e.book.lastTrade = &t
	}
	e.mu.Unlock()
}

// ApplyTickSize records a tick size change for a tracked token.
func (m *Manager) ApplyTickSize(c domain.TickSizeChange) {
	e := m.lookup(c.TokenID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.book.state != domain.SyncClosed {
		e.book.tickSize = c.NewTickSize
	}
	e.mu.Unlock()
}

// Snapshot returns an immutable summary of one book: best N levels per
// side, totals, last update time and sync state. It blocks at most for
// the duration of one delta application.
func (m *Manager) Snapshot(tokenID string) (domain.BookSummary, error) {
	e := m.lookup(tokenID)
	if e == nil {
		return domain.BookSummary{}, domain.ErrUnknownToken
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.summary(m.opts.SummaryDepth), nil
}

// SnapshotDepth is Snapshot with an explicit level count.
func (m *Manager) SnapshotDepth(tokenID string, depth int) (domain.BookSummary, error) {
	e := m.lookup(tokenID)
	if e == nil {
		return domain.BookSummary{}, domain.ErrUnknownToken
	}
	if depth <= 0 {
		depth = m.opts.SummaryDepth
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.summary(depth), nil
}

// MarkOutOfSync flags the given tokens as desynchronized and requests
// fresh snapshots. The stream manager calls this after a reconnect: a
// resumed stream cannot be assumed sequence-contiguous with what
// preceded the gap.
func (m *Manager) MarkOutOfSync(tokenIDs ...string) {
	for _, id := range tokenIDs {
		e := m.lookup(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		switch e.book.state {
		case domain.SyncLive, domain.SyncSyncing, domain.SyncUninitialized:
			e.book.state = domain.SyncOutOfSync
			m.requestResyncLocked(e, id)
		}
		e.mu.Unlock()
	}
}

// Close tears the manager down: all books become Closed and in-flight
// resync fetches are cancelled.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	books := m.books
	m.books = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range books {
		e.mu.Lock()
		e.book.state = domain.SyncClosed
		e.pending = nil
		e.mu.Unlock()
	}
	m.wg.Wait()
}

func (m *Manager) lookup(tokenID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[tokenID]
}

func (m *Manager) getOrCreate(tokenID string) *entry {
	m.mu.RLock()
	e, ok := m.books[tokenID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.books[tokenID]; ok {
		return e
	}
	e = &entry{book: newBook(tokenID, m.opts.Depth)}
	m.books[tokenID] = e
	return e
}

// bufferLocked holds a delta for replay after the next snapshot. The
// buffer is bounded; the oldest delta is discarded first since it is
// the least likely to outrank the incoming snapshot.
func (m *Manager) bufferLocked(e *entry, d domain.OrderDelta) ApplyResult {
	if m.opts.BufferSize == 0 {
		return ResultDropped
	}
	if len(e.pending) >= m.opts.BufferSize {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, d)
	return ResultBuffered
}

// requestResyncLocked starts the snapshot fetch loop for a token unless
// one is already running. Caller holds e.mu.
func (m *Manager) requestResyncLocked(e *entry, tokenID string) {
	if e.resyncing {
		return
	}
	if m.fetcher == nil {
		slog.Warn("no snapshot fetcher configured, waiting for feed snapshot", "token", tokenID)
		return
	}
	e.resyncing = true
	m.metrics.Resync(tokenID)

	m.wg.Add(1)
	go m.resyncLoop(e, tokenID)
}

func (m *Manager) resyncLoop(e *entry, tokenID string) {
	defer m.wg.Done()

	for retry := 0; ; retry++ {
		e.mu.Lock()
		state := e.book.state
		still := e.resyncing
		e.mu.Unlock()
		if !still || state == domain.SyncLive || state == domain.SyncClosed {
			return
		}

		snap, err := m.fetcher.FetchBook(m.ctx, tokenID)
		if err == nil {
			if err := m.ApplySnapshot(snap); err != nil {
				slog.Warn("resync snapshot rejected", "token", tokenID, "err", err)
			}
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		delay := m.opts.Backoff.Delay(retry)
		slog.Warn("snapshot fetch failed",
			"token", tokenID, "retry", retry, "delay", delay, "err", err)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
