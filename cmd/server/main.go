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
	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/exchange"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
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
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Bootstrap exchange state ---
	params := governanceFromEnv()
	initialPrice := envUint("INITIAL_ORACLE_PRICE", 100)
	initState := &model.ExchangeState{
		OraclePrice:      initialPrice,
		OracleLastUpdate: time.Now().Unix(),
		Params:           params,
	}
	if err := st.InitExchange(context.Background(), initState, &model.Vault{}); err != nil {
		slog.Error("exchange bootstrap failed", "err", err)
		os.Exit(1)
	}
	slog.Info("exchange ready",
		"fee_rate_bps", params.TradingFeeRate,
		"max_leverage", params.MaxLeverage,
		"liq_threshold_bps", params.LiquidationThreshold,
	)

	// --- WebSocket hub ---
	wsHub := exchange.NewWSHub()
	go wsHub.Run()

	// --- Exchange service ---
	svc := exchange.NewService(st, adminToken, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time exchange events.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts and funding.
		r.Post("/accounts", svc.CreateAccount)
		r.Get("/accounts/{owner}", svc.GetAccount)
		r.Post("/accounts/{owner}/deposit", svc.Deposit)
		r.Post("/accounts/{owner}/withdraw", svc.Withdraw)
		r.Get("/accounts/{owner}/history", svc.GetHistory)

		// Position lifecycle.
		r.Post("/positions/open", svc.OpenPosition)
		r.Post("/positions/close", svc.ClosePosition)
		r.Post("/positions/liquidate", svc.LiquidatePosition)

		// Venue-wide state.
		r.Get("/exchange", svc.GetExchange)

		// Administration: oracle price and the trading pause switch.
		r.Post("/admin/price", svc.UpdatePrice)
		r.Post("/admin/pause", svc.Pause)
		r.Post("/admin/resume", svc.Resume)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
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

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

// governanceFromEnv builds the venue parameters, starting from the
// defaults and applying any environment overrides.
func governanceFromEnv() model.GovernanceParams {
	p := model.DefaultGovernanceParams()
	p.TradingFeeRate = uint16(envUint("FEE_RATE_BPS", uint64(p.TradingFeeRate)))
	p.LiquidationThreshold = uint16(envUint("LIQ_THRESHOLD_BPS", uint64(p.LiquidationThreshold)))
	p.MaxLeverage = uint8(envUint("MAX_LEVERAGE", uint64(p.MaxLeverage)))
	p.MinMargin = envUint("MIN_MARGIN", p.MinMargin)
	p.FundingInterval = uint32(envUint("FUNDING_INTERVAL_SECS", uint64(p.FundingInterval)))
	p.OracleValidityPeriod = uint32(envUint("ORACLE_VALIDITY_SECS", uint64(p.OracleValidityPeriod)))
	return p
}

func envUint(key string, fallback uint64) uint64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid numeric env var, using default", "key", key, "value", raw)
		return fallback
	}
	return v
}
