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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/exchange"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metamarket"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/paper"
	"github.com/atmx/settlement-engine/internal/portfolio"
	"github.com/atmx/settlement-engine/internal/resolver"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store, ledger and event bus ---
	var (
		st      store.Store
		led     ledger.Ledger
		bus     events.Bus = events.NewMemoryBus()
		cleanup []func()
	)

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		led = ledger.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store and ledger (data will not persist)")
		ms := store.NewMemoryStore()
		st = ms
		led = ledger.NewMemoryLedger(ms)
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		bus = events.NewRedisBus(rdb)
		slog.Info("Redis cache and event bus enabled")
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Audit archive ---
	var archiver audit.Archiver = audit.Nop{}
	if cfg.S3.Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, audit.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			slog.Error("s3 archiver init failed", "err", err)
			os.Exit(1)
		}
		archiver = a
		slog.Info("resolution audit archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- WebSocket hub ---
	hub := stream.NewHub(logger)
	go hub.Run(ctx)

	// --- Resolver ---
	exchanges := exchange.Registry{
		model.SourcePolymarket: exchange.NewPolymarketClient(
			cfg.Polymarket.BaseURL, cfg.Polymarket.Timeout.Duration, cfg.Polymarket.RatePerSecond),
		model.SourceKalshi: exchange.NewKalshiClient(
			cfg.Kalshi.BaseURL, cfg.Kalshi.Timeout.Duration, cfg.Kalshi.RatePerSecond),
	}
	res := resolver.New(resolver.Config{Interval: cfg.Resolver.Interval.Duration}, resolver.Deps{
		Store:     st,
		Exchanges: exchanges,
		Ledger:    led,
		Archiver:  archiver,
		Notifier:  hub,
		Logger:    logger,
	})
	if cfg.Resolver.Enabled {
		res.Start(ctx)
		defer res.Stop()
	}

	// --- Betting services ---
	metaSvc := metamarket.NewService(st, logger,
		metamarket.WithNotifier(hub),
		metamarket.WithMaxBet(cfg.Betting.MaxMetaBetDecimal()),
	)
	if err := metaSvc.ListenCompetitionEnd(ctx, bus); err != nil {
		slog.Error("competition end listener failed", "err", err)
		os.Exit(1)
	}
	paperSvc := paper.NewService(st, paper.Config{
		StartingBalance: cfg.Betting.SandboxStartingBalanceDecimal(),
		Liquidity:       cfg.Betting.PaperPoolLiquidityDecimal(),
	}, logger)
	portfolios := portfolio.NewManager(logger)

	// --- HTTP server ---
	srvAPI := api.NewServer(api.Deps{
		Resolver:    res,
		Resolutions: st,
		MetaMarkets: metaSvc,
		Paper:       paperSvc,
		Portfolios:  portfolios,
		Ledger:      led,
		Bus:         bus,
		Hub:         hub,
		Logger:      logger,
	}, api.Limits{
		VirtualStartingBalance: cfg.Betting.VirtualStartingBalanceDecimal(),
		MaxVirtualBet:          cfg.Betting.MaxVirtualBetDecimal(),
	}, cfg.Server.CORSOrigins)

	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      srvAPI.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
