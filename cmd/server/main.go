package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/futstar/momentum-engine/internal/api"
	"github.com/futstar/momentum-engine/internal/config"
	"github.com/futstar/momentum-engine/internal/engine"
	"github.com/futstar/momentum-engine/internal/ingest"
	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/limits"
	"github.com/futstar/momentum-engine/internal/metrics"
	"github.com/futstar/momentum-engine/internal/momentum"
	"github.com/futstar/momentum-engine/internal/settlement"
	"github.com/futstar/momentum-engine/internal/store"
	"github.com/futstar/momentum-engine/internal/store/clickhouse"
	"github.com/futstar/momentum-engine/internal/store/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize stores ---
	var positions store.PositionStore
	var samples store.SampleStore
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := migrations.RunPostgres(ctx, pool); err != nil {
			slog.Error("postgres migrations failed", "err", err)
			os.Exit(1)
		}
		var st store.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		positions, samples = st, st
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		positions, samples = mem, mem
	}

	// Mirror samples into ClickHouse for audit analytics if configured.
	if cfg.ClickHouseDSN != "" {
		conn, err := clickhouse.Open(ctx, cfg.ClickHouseDSN)
		if err != nil {
			slog.Error("clickhouse connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { conn.Close() })
		samples = store.NewTeeSampleStore(samples, clickhouse.NewSampleStore(conn))
		slog.Info("ClickHouse sample audit enabled")
	}

	// --- Settlement collaborator ---
	var payer ledger.Payer = settlement.LogPayer{}
	var escrow engine.Escrow
	if cfg.SettlementURL != "" {
		client := settlement.NewHTTPClient(cfg.SettlementURL, cfg.PayoutTimeout)
		payer = client
		if cfg.EscrowEnabled {
			escrow = client
		}
		slog.Info("settlement service configured", "url", cfg.SettlementURL, "escrow", cfg.EscrowEnabled)
	} else {
		slog.Warn("SETTLEMENT_URL not set, payouts are only logged")
		if cfg.EscrowEnabled {
			escrow = settlement.LogPayer{}
		}
	}

	// --- Engine ---
	eng := engine.New(engine.Config{
		Momentum: momentum.Config{
			Window:    cfg.Momentum.Window,
			Tick:      cfg.Momentum.Tick,
			HalfLife:  cfg.Momentum.HalfLife,
			JumpAlert: cfg.Momentum.JumpAlert,
		},
		Ledger: ledger.Config{
			FeeRate:        cfg.Ledger.FeeRate,
			MaxWindow:      cfg.Ledger.MaxWindow,
			DefaultWindow:  cfg.Ledger.DefaultWindow,
			Limits:         limits.NewStakeLimiter(cfg.Ledger.MaxStakePerMatch, cfg.Ledger.MaxOpenStake),
			PayoutTimeout:  cfg.PayoutTimeout,
			PayoutMaxRetry: cfg.PayoutMaxRetry,
		},
		Settlement: settlement.Config{
			StalenessBudget: cfg.Settlement.StalenessBudget,
		},
		Ingest:          ingest.Options{AllowEqualTimestamps: cfg.Ingest.AllowEqualTimestamps},
		EventQueue:      cfg.Ingest.EventQueue,
		SubscriberQueue: cfg.Broadcast.SubscriberQueue,
	}, engine.Deps{
		Positions: positions,
		Samples:   samples,
		Payer:     payer,
		Escrow:    escrow,
	})
	if err := eng.Restore(ctx); err != nil {
		slog.Error("position recovery failed", "err", err)
		os.Exit(1)
	}

	reconcile, err := settlement.NewReconcileJob(cfg.Settlement.ReconcileSchedule, eng.Ledger())
	if err != nil {
		slog.Error("invalid RECONCILE_SCHEDULE", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"momentum-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(eng, api.Options{RequestTimeout: 30 * time.Second})
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return reconcile.Run(gctx)
	})
	if cfg.FeedURL != "" {
		feed := ingest.NewFeedClient(cfg.FeedURL, eng.FeedHandler(), nil)
		g.Go(func() error {
			return feed.Run(gctx)
		})
		slog.Info("consuming live feed", "url", cfg.FeedURL)
	}
	g.Go(func() error {
		slog.Info("momentum-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down momentum-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("momentum-engine stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("momentum-engine stopped")
}
