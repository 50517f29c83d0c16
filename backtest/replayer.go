// Package backtest replays a recorded feed journal through a live book
// manager, so book reconstruction and fill estimates can be studied
// offline against real captured market data.
package backtest

import (
	"context"
	"log/slog"

	"github.com/jmenglis/polyfill-go/internal/book"
	"github.com/jmenglis/polyfill-go/internal/decode"
	"github.com/jmenglis/polyfill-go/internal/record"
)

// Stats summarizes one replay run.
type Stats struct {
	Frames    int
	Deltas    int
	Snapshots int
	Trades    int
}

// Replayer feeds journaled messages into a manager in recorded order.
type Replayer struct {
	journal *record.Journal
}

// NewReplayer wraps an opened journal.
func NewReplayer(j *record.Journal) *Replayer {
	return &Replayer{journal: j}
}

// Run replays every journaled message for tokenID ("" for all) into
// mgr, synchronously, using the same apply path as live ingestion.
func (r *Replayer) Run(ctx context.Context, mgr *book.Manager, tokenID string) (Stats, error) {
	var stats Stats
	err := r.journal.Load(ctx, tokenID, func(msg *decode.Message) bool {
		if ctx.Err() != nil {
			return false
		}
		stats.Frames++
		switch msg.Type {
		case decode.MsgOrderDelta:
			stats.Deltas++
		case decode.MsgBookSnapshot:
			stats.Snapshots++
		case decode.MsgTrade:
			stats.Trades++
		}
		mgr.Apply(msg)
		return true
	})
	if err != nil {
		return stats, err
	}

	slog.Info("replay finished",
		"frames", stats.Frames,
		"deltas", stats.Deltas,
		"snapshots", stats.Snapshots,
		"trades", stats.Trades)
	return stats, ctx.Err()
}
