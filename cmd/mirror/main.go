// mirror keeps local replicas of exchange order books in sync and fans them
// out to TimescaleDB and Redis.
//
// Usage: go run ./cmd/mirror --config configs/mirror.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/depth-mirror/internal/api"
	"github.com/rickgao/depth-mirror/internal/config"
	"github.com/rickgao/depth-mirror/internal/connection"
	"github.com/rickgao/depth-mirror/internal/database"
	"github.com/rickgao/depth-mirror/internal/metrics"
	"github.com/rickgao/depth-mirror/internal/orderbook"
	"github.com/rickgao/depth-mirror/internal/publisher"
	"github.com/rickgao/depth-mirror/internal/router"
	"github.com/rickgao/depth-mirror/internal/snapshot"
	"github.com/rickgao/depth-mirror/internal/version"
	"github.com/rickgao/depth-mirror/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/mirror.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging).With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting mirror",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"symbols", len(cfg.Depth.Symbols),
		"sessions", len(cfg.Sessions.Classes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mirror failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mirror stopped")
}

// newLogger builds the slog handler selected in config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func transportConfig(cfg *config.MirrorConfig) connection.TransportConfig {
	tc := connection.DefaultTransportConfig()
	tc.BaseDelay = cfg.Streams.ReconnectBaseDelay
	tc.MaxDelay = cfg.Streams.ReconnectMaxDelay
	tc.MaxRetries = cfg.Streams.MaxRetries
	tc.Client.PingInterval = cfg.Streams.PingInterval
	tc.Client.PingTimeout = cfg.Streams.ReadTimeout
	tc.Client.BufferSize = cfg.Streams.BufferSize
	tc.Client.Header = http.Header{"User-Agent": {version.UserAgent()}}
	return tc
}

func run(ctx context.Context, cfg *config.MirrorConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Sinks
	var (
		sinks  []router.Sink
		pool   *pgxpool.Pool
		rdb    *redis.Client
		bookWr *writer.BookWriter
	)

	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		var err error
		pool, err = database.Connect(ctx, cfg.Database.Timescale, "depth-mirror/"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool, cfg.Database.Hypertable); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}

		bookWr = writer.NewBookWriter(writer.Config{
			BatchSize:     cfg.Writers.BatchSize,
			FlushInterval: cfg.Writers.FlushInterval,
		}, pool, logger.With("component", "writer"), m)
		sinks = append(sinks, bookWr)
	}

	if cfg.Redis.Enabled {
		var err error
		rdb, err = publisher.Dial(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		sinks = append(sinks, publisher.NewRedisPublisher(rdb, publisher.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			TTL:       cfg.Redis.TTL,
		}, logger.With("component", "publisher")))
	}

	rtr := router.New(router.Config{
		Depth:         cfg.Depth.PublishDepth,
		BufferSize:    cfg.Writers.BufferSize / 10,
		MaxBufferSize: cfg.Writers.BufferSize,
	}, logger.With("component", "router"), m, sinks...)

	// Streams and order books
	registry := connection.NewRegistry(connection.RegistryConfig{
		BaseURL:   cfg.API.WSURL,
		Transport: transportConfig(cfg),
	}, logger.With("component", "registry"), m)

	apiClient := api.NewClient(cfg.API.RestURL, cfg.API.APIKey,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
	if err := apiClient.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	fetcher := snapshot.New(snapshot.Config{
		Concurrency: cfg.Depth.SnapshotConcurrency,
		Timeout:     cfg.Depth.SnapshotTimeout,
	}, apiClient, logger.With("component", "snapshot"), m)

	books := orderbook.NewManager(orderbook.ManagerConfig{
		Symbols: cfg.Depth.Symbols,
		Sync: orderbook.Config{
			SnapshotLimit:    cfg.Depth.SnapshotLimit,
			UpdateSpeed:      cfg.Depth.UpdateSpeed,
			RefreshInterval:  cfg.Depth.RefreshInterval,
			ResyncDelay:      cfg.Depth.ResyncDelay,
			MaxBufferedDiffs: cfg.Depth.MaxBufferedDiffs,
		},
	}, registry, fetcher, logger.With("component", "orderbook"), m,
		orderbook.WithUpdateHandler(rtr.UpdateHandler()),
		orderbook.WithErrorHandler(func(symbol string, err error) {
			logger.Warn("order book sync error", "symbol", symbol, "error", err)
		}),
	)

	// Sessions
	sessions, err := newSessions(cfg, registry, logger, m)
	if err != nil {
		return err
	}

	// Start everything. On a failed start whatever already runs is stopped.
	td := newTeardown(logger)
	startFailed := func(err error) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = td.run(shutdownCtx)
		return err
	}

	if bookWr != nil {
		if err := bookWr.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
		td.add("book writer", bookWr.Stop)
	}
	if err := rtr.Start(ctx); err != nil {
		return startFailed(fmt.Errorf("start router: %w", err))
	}
	td.add("router", rtr.Stop)
	td.add("streams", func(context.Context) error {
		registry.StopAll()
		sessions.stopRegistries()
		return nil
	})
	if err := books.Start(ctx); err != nil {
		return startFailed(fmt.Errorf("start order books: %w", err))
	}
	td.add("order books", func(context.Context) error {
		books.Close()
		return nil
	})
	// Added before starting: a partial start leaves earlier classes open.
	td.add("sessions", sessions.closeAll)
	if err := sessions.start(ctx); err != nil {
		return startFailed(err)
	}

	healthServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHealthHandler(healthDeps{
			books:    books,
			registry: registry,
			sessions: sessions,
			pool:     pool,
			redis:    rdb,
			router:   rtr,
			rest:     apiClient,
			gatherer: reg,
			path:     cfg.Metrics.Path,
			depth:    cfg.Depth.PublishDepth,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("mirror running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := td.run(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
