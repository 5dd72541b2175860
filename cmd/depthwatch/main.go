// depthwatch mirrors a single order book and prints the top of book on every
// applied update. Useful for eyeballing a symbol without a database or config.
//
// Usage: go run ./cmd/depthwatch -symbol btcusdt -levels 5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/depth-mirror/internal/api"
	"github.com/rickgao/depth-mirror/internal/config"
	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/model"
	"github.com/rickgao/depth-mirror/internal/orderbook"
	"github.com/rickgao/depth-mirror/internal/router"
	"github.com/rickgao/depth-mirror/internal/snapshot"
)

func main() {
	symbol := flag.String("symbol", "btcusdt", "symbol to mirror")
	levels := flag.Int("levels", 5, "levels per side to print")
	speed := flag.String("speed", "100ms", "diff stream speed (\"\" for 1s)")
	limit := flag.Int("limit", config.DefaultSnapshotLimit, "REST snapshot depth")
	restURL := flag.String("rest", config.DefaultRestURL, "REST base URL")
	wsURL := flag.String("ws", config.DefaultWSURL, "stream base URL")
	verbose := flag.Bool("v", false, "print full updates as JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Discard()

	registry := connection.NewRegistry(connection.RegistryConfig{
		BaseURL:   *wsURL,
		Transport: connection.DefaultTransportConfig(),
	}, logger, m)

	fetcher := snapshot.New(snapshot.DefaultConfig(),
		api.NewClient(*restURL, "", api.WithLogger(logger)), logger, m)

	// A single console sink behind the router keeps printing off the sync goroutine.
	rtr := router.New(router.Config{
		Depth:         *levels,
		BufferSize:    64,
		MaxBufferSize: 256,
	}, logger, m, router.SinkFunc{
		SinkName: "console",
		Fn: func(_ context.Context, u model.BookUpdate) error {
			printUpdate(u, *verbose)
			return nil
		},
	})

	cfg := orderbook.DefaultConfig(*symbol)
	cfg.SnapshotLimit = *limit
	cfg.UpdateSpeed = *speed

	syncer := orderbook.NewSynchronizer(cfg, registry, fetcher, logger, m,
		orderbook.WithUpdateHandler(rtr.UpdateHandler()),
		orderbook.WithErrorHandler(func(sym string, err error) {
			logger.Warn("sync error", "symbol", sym, "error", err)
		}),
	)

	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}
	if err := syncer.Start(ctx); err != nil {
		logger.Error("failed to start synchronizer", "error", err)
		os.Exit(1)
	}

	logger.Info("watching - press Ctrl+C to stop", "symbol", syncer.Symbol(), "stream", cfg.StreamPath())

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := rtr.Stats()
				console := st.Sinks["console"]
				logger.Info("stats",
					"state", syncer.State(),
					"last_update_id", syncer.LastAppliedID(),
					"published", st.Published,
					"dropped", console.Buffer.Dropped,
				)
			}
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	syncer.Close()
	registry.StopAll()
	rtr.Stop(shutdownCtx)
}

func printUpdate(u model.BookUpdate, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(u, "", "  ")
		fmt.Printf("%s\n", data)
		return
	}

	bid, ask := "-", "-"
	if b, ok := u.BestBid(); ok {
		bid = b.Quantity.String() + " @ " + b.Price.String()
	}
	if a, ok := u.BestAsk(); ok {
		ask = a.Quantity.String() + " @ " + a.Price.String()
	}
	spread := "-"
	if s, ok := u.Spread(); ok {
		spread = s.String()
	}

	fmt.Printf("[%s] %s id=%d bid=%s ask=%s spread=%s\n",
		u.UpdateTime.Format("15:04:05.000"), u.Symbol, u.LastUpdateID, bid, ask, spread)
}
