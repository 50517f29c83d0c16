package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmenglis/polyfill-go/internal/book"
	"github.com/jmenglis/polyfill-go/internal/infra"
	"github.com/jmenglis/polyfill-go/internal/infra/clob"
	"github.com/jmenglis/polyfill-go/internal/obs"
	"github.com/jmenglis/polyfill-go/internal/record"
	"github.com/jmenglis/polyfill-go/internal/stream"
	"github.com/jmenglis/polyfill-go/pkg/quant"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics", "localhost:9530", "prometheus metrics listen address")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging.Level)

	if len(cfg.Feed.Tokens) == 0 {
		slog.Error("no tokens configured under feed.tokens")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewProm(prometheus.DefaultRegisterer)
	go func() {
		slog.Info("metrics server started", "addr", *metricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	dns := infra.NewDNSCache(time.Duration(cfg.Rest.DNSTTLSec) * time.Second)
	rest := clob.New(cfg, dns, nil)

	books, err := book.NewManager(book.Options{
		Depth:        cfg.Book.Depth,
		SummaryDepth: cfg.Book.SummaryDepth,
		BufferSize:   cfg.Book.BufferSize,
		Backoff:      cfg.Backoff(),
	}, rest, metrics)
	if err != nil {
		slog.Error("book manager init failed", "err", err)
		os.Exit(1)
	}
	defer books.Close()

	streams := stream.NewManager(stream.Config{
		WSURL:        cfg.Feed.WSURL,
		PingInterval: cfg.PingInterval(),
		ReadGrace:    cfg.ReadGrace(),
		Backoff:      cfg.Backoff(),
	}, dns, metrics, books)
	defer streams.Close()

	var journal *record.Journal
	if cfg.Journal.Enabled {
		journal, err = record.NewJournal(cfg.Journal.Path)
		if err != nil {
			slog.Error("journal open failed", "path", cfg.Journal.Path, "err", err)
			os.Exit(1)
		}
		defer journal.Close()
		slog.Info("journaling feed", "path", cfg.Journal.Path)
	}

	books.Track(cfg.Feed.Tokens...)
	sub, err := streams.Subscribe(ctx, cfg.Feed.Tokens, []stream.Channel{stream.ChannelMarket})
	if err != nil {
		slog.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	slog.Info("subscribed", "tokens", len(cfg.Feed.Tokens), "ws_url", cfg.Feed.WSURL)

	go summaryLoop(ctx, books, cfg.Feed.Tokens)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			books.Apply(msg)
			if journal != nil {
				if err := journal.Record(ctx, msg); err != nil {
					slog.Warn("journal write failed", "err", err)
				}
			}
		}
	}
}

// summaryLoop logs the top of each tracked book periodically.
func summaryLoop(ctx context.Context, books *book.Manager, tokens []string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, token := range tokens {
				sum, err := books.Snapshot(token)
				if err != nil {
					continue
				}
				attrs := []any{
					"token", shorten(token),
					"state", sum.State.String(),
					"seq", sum.LastSequence,
				}
				bid, hasBid := sum.BestBid()
				ask, hasAsk := sum.BestAsk()
				if hasBid {
					attrs = append(attrs, "bid", bid.Price.String())
				}
				if hasAsk {
					attrs = append(attrs, "ask", ask.Price.String())
				}
				if hasBid && hasAsk {
					attrs = append(attrs,
						"mid", quant.Mid(bid.Price, ask.Price).String(),
						"spread", quant.Spread(bid.Price, ask.Price).String())
				}
				slog.Info("book", attrs...)
			}
		}
	}
}

func shorten(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
