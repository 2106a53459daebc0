package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/aurapoints/aura-engine/internal/api"
	"github.com/aurapoints/aura-engine/internal/config"
	"github.com/aurapoints/aura-engine/internal/curve"
	"github.com/aurapoints/aura-engine/internal/engine"
	"github.com/aurapoints/aura-engine/internal/events"
	"github.com/aurapoints/aura-engine/internal/keeper"
	"github.com/aurapoints/aura-engine/internal/metrics"
	"github.com/aurapoints/aura-engine/internal/parlay"
	"github.com/aurapoints/aura-engine/internal/store"
	"github.com/aurapoints/aura-engine/internal/store/migrations"
)

func main() {
	cfg := config.Default()
	if path := os.Getenv("AURA_CONFIG"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("aura-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("aura-engine stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Event sinks ---
	wsHub := events.NewWSHub(logger)
	sinks := events.Multi{{Name: "ws", Publisher: wsHub}}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup", "err", err)
		}
		sinks = append(sinks, events.Named{Name: "redis", Publisher: events.NewRedisPublisher(rdb, cfg.Redis.Channel)})
		slog.Info("redis event publisher enabled", "channel", cfg.Redis.Channel)
	}

	if cfg.ClickHouse.DSN != "" {
		conn, err := events.OpenClickHouse(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		cleanup = append(cleanup, func() { conn.Close() })
		if cfg.ClickHouse.Migrate {
			if err := migrations.RunClickHouse(ctx, conn); err != nil {
				return fmt.Errorf("clickhouse migrations: %w", err)
			}
		}
		sinks = append(sinks, events.Named{Name: "clickhouse", Publisher: events.NewClickHouseSink(conn)})
		slog.Info("clickhouse analytics sink enabled")
	}

	// --- Engine ---
	crv, err := curve.New(cfg.Curve.BasePrice, cfg.Curve.ScoreScale)
	if err != nil {
		return err
	}
	eng, err := engine.New(st, engine.Options{
		Accounts: engine.Accounts{
			Authority: cfg.Accounts.Authority,
			Oracle:    cfg.Accounts.Oracle,
			Treasury:  cfg.Accounts.Treasury,
			Market:    cfg.Accounts.Market,
			Parlay:    cfg.Accounts.Parlay,
		},
		Minters: cfg.Accounts.Minters,
		Curve:   crv,
		Parlay: parlay.Config{
			MinLegs:         cfg.Parlay.MinLegs,
			MaxLegs:         cfg.Parlay.MaxLegs,
			ResolutionDelay: cfg.Parlay.ResolutionDelay,
			LossSink:        parlay.Sink(cfg.Parlay.LossSink),
		},
		Publisher: sinks,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Bootstrap.Enabled {
		if _, err := eng.Bootstrap(ctx, engine.Genesis{
			Supply:        cfg.Bootstrap.GenesisSupply,
			MarketReserve: cfg.Bootstrap.MarketReserve,
			Treasury:      cfg.Bootstrap.Treasury,
		}); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go wsHub.Run(hubCtx)

	if cfg.Keeper.Enabled {
		k := keeper.New(eng, keeper.Config{
			Schedule:  cfg.Keeper.Schedule,
			BatchSize: cfg.Keeper.BatchSize,
			Caller:    cfg.Accounts.Authority,
		}, logger)
		if err := k.Start(ctx); err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
		defer k.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"aura-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket stream of committed events. Not behind the request timeout.
	r.Get("/ws", wsHub.HandleWS)

	auth := api.Authenticator{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("no jwt secret configured, trusting the " + api.AccountHeader + " header")
	}
	svc := api.NewService(eng, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		svc.Routes(r, auth)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("aura-engine listening", "port", cfg.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down aura-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if cfg.Migrate {
			if err := migrations.RunPostgres(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		slog.Info("connected to PostgreSQL")
		return store.NewPostgresStore(pool), pool.Close, nil

	case "bolt":
		bs, err := store.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened bolt store", "path", cfg.BoltPath)
		return bs, func() { bs.Close() }, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		return ms, func() { ms.Close() }, nil
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
