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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/character-exchange/internal/account"
	"github.com/atmx/character-exchange/internal/archive"
	"github.com/atmx/character-exchange/internal/catalog"
	"github.com/atmx/character-exchange/internal/config"
	"github.com/atmx/character-exchange/internal/events"
	"github.com/atmx/character-exchange/internal/limits"
	"github.com/atmx/character-exchange/internal/lock"
	"github.com/atmx/character-exchange/internal/metrics"
	"github.com/atmx/character-exchange/internal/pricing"
	"github.com/atmx/character-exchange/internal/ratelimit"
	"github.com/atmx/character-exchange/internal/scheduler"
	"github.com/atmx/character-exchange/internal/store"
	"github.com/atmx/character-exchange/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	uncached := st
	if cfg.Postgres.URL != "" {
		if cfg.Postgres.RunMigrations {
			if err := store.Migrate(cfg.Postgres.URL); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		uncached = st
		slog.Info("connected to PostgreSQL")

		// Read-through cache for the catalog.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		uncached = st
	}

	// --- Collaborators ---
	var prices pricing.Source
	if cfg.Upstream.CatalogURL != "" {
		prices = pricing.NewHTTPSource(cfg.Upstream.CatalogURL, cfg.Upstream.Timeout)
		slog.Info("using remote catalog", "url", cfg.Upstream.CatalogURL)
	} else {
		// Orders always price against the primary, never a cached quote.
		prices = pricing.NewStoreSource(uncached)
	}
	prices = pricing.NewRetrying(prices, cfg.Upstream.Retries, cfg.Upstream.Backoff)

	var accounts account.Service
	if cfg.Upstream.AccountsURL != "" {
		accounts = account.NewHTTPClient(cfg.Upstream.AccountsURL, cfg.Upstream.Timeout)
		slog.Info("using remote account service", "url", cfg.Upstream.AccountsURL)
	} else {
		accounts = account.NewStoreService(st)
	}
	accounts = account.NewRetrying(accounts, cfg.Upstream.Retries, cfg.Upstream.Backoff)

	var locker lock.Locker = lock.NewKeyedMutex()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.Trading.OrderTimeout+cfg.Trading.LockTimeout, 10*time.Millisecond)
	}

	// --- Events ---
	hub := events.NewHub()
	go hub.Run(ctx)
	var pub events.Publisher = hub
	if rdb != nil {
		pub = events.NewRedisPublisher(rdb, events.DefaultChannel)
		go events.Relay(ctx, rdb, events.DefaultChannel, hub)
	}

	// --- Trade engine ---
	opts := trade.DefaultOptions()
	opts.MaxOrderQuantity = cfg.Trading.MaxOrderQuantity
	opts.DefaultPageSize = cfg.Trading.DefaultPageSize
	opts.MaxPageSize = cfg.Trading.MaxPageSize
	opts.OrderTimeout = cfg.Trading.OrderTimeout
	opts.LockTimeout = cfg.Trading.LockTimeout

	engine := trade.NewEngine(trade.Deps{
		Prices:     prices,
		Accounts:   accounts,
		Ledger:     st,
		Characters: st,
		Locker:     locker,
		Limiter:    limits.NewPositionLimiter(cfg.Trading.MaxHoldingQuantity, cfg.Trading.MaxTotalInvestedDecimal()),
		Events:     pub,
	}, opts)

	var orderMW []func(http.Handler) http.Handler
	if rdb != nil && cfg.HTTP.RateLimit > 0 {
		orderMW = append(orderMW, ratelimit.Middleware(ratelimit.NewRedisLimiter(rdb), cfg.HTTP.RateLimit, cfg.HTTP.RateWindow))
	}

	// --- Background jobs ---
	sched := scheduler.New(ctx, 5*time.Minute)
	gauge := catalog.NewGaugeJob(st)
	if err := sched.AddJob("@every 30s", gauge); err != nil {
		slog.Error("schedule gauge job", "err", err)
		os.Exit(1)
	}
	if err := sched.RunNow(gauge); err != nil {
		slog.Warn("initial gauge refresh failed", "err", err)
	}
	if cfg.Archive.Bucket != "" {
		up, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:         cfg.Archive.Bucket,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			slog.Error("archive setup failed", "err", err)
			os.Exit(1)
		}
		if err := sched.AddJob(cfg.Archive.Schedule, archive.New(st, up, cfg.Archive.Prefix)); err != nil {
			slog.Error("schedule archive job", "err", err)
			os.Exit(1)
		}
	}
	sched.Start()
	cleanup = append(cleanup, sched.Stop)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"character-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream; long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			trade.NewHandler(engine).Routes(r, orderMW...)
			catalog.NewHandler(st, pub).Routes(r)
			account.NewHandler(accounts).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Trading.OrderTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("character-exchange listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down character-exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("character-exchange stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
