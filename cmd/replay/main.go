package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jmenglis/polyfill-go/backtest"
	"github.com/jmenglis/polyfill-go/internal/book"
	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/fill"
	"github.com/jmenglis/polyfill-go/internal/infra"
	"github.com/jmenglis/polyfill-go/internal/record"
)

// replay feeds a recorded feed journal back through the book manager and
// reports fill simulations against the reconstructed books.
func main() {
	journalPath := flag.String("journal", "polyfill.db", "path to recorded feed journal")
	token := flag.String("token", "", "replay a single token (default: all recorded)")
	sizes := flag.String("sizes", "10,100,1000", "comma-separated order sizes to simulate")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	journal, err := record.NewJournal(*journalPath)
	if err != nil {
		slog.Error("journal open failed", "path", *journalPath, "err", err)
		os.Exit(1)
	}
	defer journal.Close()

	// No snapshot fetcher: replay is offline, gaps stay visible in the
	// final book state instead of triggering a resync.
	books, err := book.NewManager(book.Options{
		Depth:        infra.DefaultConfig().Book.Depth,
		SummaryDepth: infra.DefaultConfig().Book.SummaryDepth,
	}, nil, nil)
	if err != nil {
		slog.Error("book manager init failed", "err", err)
		os.Exit(1)
	}
	defer books.Close()

	ctx := context.Background()
	stats, err := backtest.NewReplayer(journal).Run(ctx, books, *token)
	if err != nil {
		slog.Error("replay failed", "err", err)
		os.Exit(1)
	}
	slog.Info("replay complete",
		"frames", stats.Frames,
		"deltas", stats.Deltas,
		"snapshots", stats.Snapshots,
		"trades", stats.Trades,
	)

	engine := fill.NewEngine()
	for _, tokenID := range books.Tracked() {
		sum, err := books.Snapshot(tokenID)
		if err != nil {
			continue
		}
		fmt.Printf("\n%s  state=%s seq=%d depth=%d/%d\n",
			tokenID, sum.State, sum.LastSequence, sum.BidDepth, sum.AskDepth)

		for _, raw := range strings.Split(*sizes, ",") {
			size, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil || !size.IsPositive() {
				continue
			}
			for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
				res, err := engine.Simulate(fill.Request{
					TokenID: tokenID,
					Side:    side,
					Size:    size,
				}, sum)
				if err != nil {
					slog.Warn("simulation failed", "token", tokenID, "side", side, "err", err)
					continue
				}
				printResult(side, size, res)
			}
		}
	}
}

func printResult(side domain.Side, size decimal.Decimal, res domain.FillResult) {
	if res.FilledSize.IsZero() {
		fmt.Printf("  %-4s %8s  no liquidity\n", side, size.String())
		return
	}
	line := fmt.Sprintf("  %-4s %8s  filled=%s avg=%s slippage=%s",
		side, size.String(), res.FilledSize.String(), res.AvgPrice.String(), res.Slippage.String())
	if res.InsufficientLiquidity {
		line += fmt.Sprintf(" (short %s)", res.RemainingSize.String())
	}
	fmt.Println(line)
}
