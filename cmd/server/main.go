package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/optx/margin-engine/internal/api"
	"github.com/optx/margin-engine/internal/exposure"
	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/metrics"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/oracle"
	"github.com/optx/margin-engine/internal/position"
	"github.com/optx/margin-engine/internal/registry"
	"github.com/optx/margin-engine/internal/risk"
	"github.com/optx/margin-engine/internal/seizure"
	"github.com/optx/margin-engine/internal/store"
	"github.com/optx/margin-engine/internal/yield"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")
	ownerKey := os.Getenv("OWNER_KEY")
	if ownerKey == "" {
		slog.Error("OWNER_KEY is required")
		os.Exit(1)
	}
	baseAsset := envOr("BASE_ASSET", "USDC")
	baseDecimals, err := strconv.ParseUint(envOr("BASE_ASSET_DECIMALS", "6"), 10, 8)
	if err != nil {
		slog.Error("invalid BASE_ASSET_DECIMALS", "err", err)
		os.Exit(1)
	}
	staleness, err := time.ParseDuration(envOr("ORACLE_MAX_STALENESS", "5m"))
	if err != nil {
		slog.Error("invalid ORACLE_MAX_STALENESS", "err", err)
		os.Exit(1)
	}

	// --- Journal store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory journal (records will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engines ---
	journal := store.NewJournal(st)
	led := ledger.New(journal, nil)
	if err := led.SetAsset(model.AssetConfig{
		Symbol:    baseAsset,
		Supported: true,
		Decimals:  uint8(baseDecimals),
	}); err != nil {
		slog.Error("base asset config failed", "err", err)
		os.Exit(1)
	}

	if os.Getenv("YIELD_VAULT") == "1" {
		// Dev-mode in-process strategy for the base asset.
		if err := led.SetStrategy(baseAsset, yield.NewVault()); err != nil {
			slog.Error("yield vault setup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("yield vault enabled", "asset", baseAsset)
	}

	static := oracle.NewStatic(nil)
	prices := oracle.NewValidated(static, staleness, nil)
	catalog := registry.NewMemory()

	eng := position.NewEngine(led, catalog, nil, journal, nil)
	riskEngine, err := risk.NewEngine(ownerKey, risk.DefaultParams(baseAsset), led, eng, prices, catalog)
	if err != nil {
		slog.Error("risk engine setup failed", "err", err)
		os.Exit(1)
	}
	eng.BindRisk(riskEngine)
	eng.BindPlanner(seizure.NewPlanner(riskEngine))

	if maxPerSeries, err := strconv.ParseInt(envOr("MAX_SHORT_PER_SERIES", "0"), 10, 64); err == nil && maxPerSeries > 0 {
		maxPerUnderlying, err := strconv.ParseInt(envOr("MAX_SHORT_PER_UNDERLYING", "0"), 10, 64)
		if err != nil {
			slog.Error("invalid MAX_SHORT_PER_UNDERLYING", "err", err)
			os.Exit(1)
		}
		eng.BindLimits(exposure.NewLimiter(maxPerSeries, maxPerUnderlying))
		slog.Info("short limits enabled", "per_series", maxPerSeries, "per_underlying", maxPerUnderlying)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(led, riskEngine, eng, st, wsHub)
	svc.EnableAdmin(catalog, static, ownerKey)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}
