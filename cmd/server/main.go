package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/marketplace-engine/internal/api"
	"github.com/atmx/marketplace-engine/internal/config"
	"github.com/atmx/marketplace-engine/internal/ledger"
	"github.com/atmx/marketplace-engine/internal/market"
	"github.com/atmx/marketplace-engine/internal/metrics"
	"github.com/atmx/marketplace-engine/internal/model"
	"github.com/atmx/marketplace-engine/internal/params"
	"github.com/atmx/marketplace-engine/internal/settlement"
	"github.com/atmx/marketplace-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store and ledgers ---
	var (
		st       store.Store
		assets   ledger.AssetLedger
		currency ledger.CurrencyLedger
		cleanup  []func()
	)

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		if err := ledger.Migrate(ctx, pool); err != nil {
			slog.Error("ledger migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		assets = ledger.NewPostgresAssetLedger(pool)
		currency = ledger.NewPostgresCurrencyLedger(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		assets = ledger.NewMemoryAssetLedger()
		currency = ledger.NewMemoryCurrencyLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Marketplace ---
	admin := model.Account(cfg.Marketplace.Admin)
	custodian := model.Account(cfg.Marketplace.Custodian)

	ps, err := params.NewStore(admin, model.Params{
		AuctionDuration:      cfg.Marketplace.AuctionDuration,
		MinParticipantsCount: *cfg.Marketplace.MinParticipantsCount,
	})
	if err != nil {
		slog.Error("invalid marketplace parameters", "err", err)
		os.Exit(1)
	}

	settle := settlement.NewEngine(assets, currency, custodian)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	engine := market.NewEngine(st, settle, ps, market.WithPublisher(wsHub))
	if err := engine.Reconcile(ctx); err != nil {
		slog.Error("stored records do not match custody", "err", err)
		os.Exit(1)
	}
	svc := api.NewService(engine, nil)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"marketplace-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket stream must not sit behind the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("marketplace-engine listening",
			"port", cfg.Server.Port,
			"admin", admin,
			"custodian", custodian,
			"auction_duration", cfg.Marketplace.AuctionDuration.String(),
			"min_participants", *cfg.Marketplace.MinParticipantsCount,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down marketplace-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("marketplace-engine stopped")
}
