package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/contract"
	"github.com/atmx/market-sim/internal/events"
	"github.com/atmx/market-sim/internal/feed"
	"github.com/atmx/market-sim/internal/limits"
	"github.com/atmx/market-sim/internal/logging"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/orders"
	"github.com/atmx/market-sim/internal/scheduler"
	"github.com/atmx/market-sim/internal/snapshot"
	"github.com/atmx/market-sim/internal/store"
	"github.com/atmx/market-sim/internal/trade"
)

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	var configPath string
	root := &cobra.Command{
		Use:           "market-sim",
		Short:         "Collectibles market simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MARKET_CONFIG"), "path to YAML config")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the market simulation and trading API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), configPath)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "market-sim:", err)
		os.Exit(1)
	}
}

func setup(path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer := logging.New(cfg.Log)
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "config", cfg.String())
	return cfg, logger, func() { closer.Close() }, nil
}

// connectPostgres retries until the database answers or ConnectWait elapses.
func connectPostgres(ctx context.Context, cfg config.Postgres, logger *slog.Logger) (*pgxpool.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectWait

	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, path string) error {
	cfg, logger, closeLog, err := setup(path)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Postgres.URL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	pool, err := connectPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	return store.Migrate(ctx, pool, logger)
}

func serve(ctx context.Context, path string) error {
	cfg, logger, closeLog, err := setup(path)
	if err != nil {
		return err
	}
	defer closeLog()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.URL != "" {
		pool, err := connectPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Postgres.AutoMigrate {
			if err := store.Migrate(ctx, pool, logger); err != nil {
				return err
			}
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Market ---
	seed := time.Now().UnixNano()
	mkt := market.New(market.ParamsFromConfig(cfg.Market), rand.New(rand.NewSource(seed)))
	if cfg.Snapshot.Path != "" {
		n, savedAt, err := snapshot.Restore(cfg.Snapshot.Path, mkt)
		if err != nil {
			// The snapshot is advisory; a bad one only costs the warm start.
			logger.Error("snapshot restore failed, starting cold", "path", cfg.Snapshot.Path, "err", err)
		} else if n > 0 || !savedAt.IsZero() {
			logger.Info("snapshot restored", "path", cfg.Snapshot.Path, "accounts", n, "saved_at", savedAt)
		}
	}

	matcher := orders.NewMatcher(mkt, logger)
	engine := contract.NewEngine(mkt, st, limits.FromConfig(cfg.Contract),
		contract.ParamsFromConfig(cfg.Contract, cfg.Scheduler.StoreTimeout),
		contract.WithLogger(logger))

	// --- Feed ---
	wsHub := trade.NewWSHub()
	publishers := feed.Multi{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				logger.Error("kafka writer close", "err", err)
			}
		})
		publishers = append(publishers, kp)
		logger.Info("kafka feed enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Random events ---
	activity := events.NewActivityTracker(cfg.Events.Groups, cfg.Events.ActivityWindow)
	triggerOpts := []events.Option{
		events.WithNotifier(wsHub),
		events.WithPriceRecorder(st),
		events.WithLogger(logger),
	}
	if gen := events.NewHTTPTextGenerator(cfg.LLM); gen != nil {
		triggerOpts = append(triggerOpts, events.WithTextGenerator(gen))
	}
	trigger, err := events.NewTrigger(mkt, activity, cfg.Events, rand.New(rand.NewSource(seed+1)), triggerOpts...)
	if err != nil {
		return err
	}

	sched := scheduler.New(mkt, matcher, engine, st, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithFeed(publishers),
		scheduler.WithEvents(trigger),
		scheduler.WithSnapshot(cfg.Snapshot.Path),
	)

	// --- Trade service ---
	tradeSvc := trade.NewService(mkt, matcher, engine, st,
		trade.WithFeed(publishers),
		trade.WithActivity(activity),
		trade.WithAdminToken(cfg.HTTP.AdminToken),
		trade.WithLogger(logger),
		trade.WithStoreTimeout(cfg.Scheduler.StoreTimeout),
	)

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
		status := "ok"
		if !sched.Running() {
			status = "degraded"
		}
		fmt.Fprintf(w, `{"status":%q,"service":"market-sim"}`, status)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live feed and group announcements.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("market-sim listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	sched.Start(gctx)

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down market-sim...")

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", "err", err)
		}

		sched.Stop()
		trigger.Close()
		if cfg.Snapshot.Path != "" {
			if err := snapshot.Save(cfg.Snapshot.Path, mkt.Export(), time.Now().UTC()); err != nil {
				logger.Error("final snapshot failed", "path", cfg.Snapshot.Path, "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("market-sim stopped")
	return nil
}
