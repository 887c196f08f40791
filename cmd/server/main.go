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
	"syscall"
	"time"

	"go-chat-core/internal/auth"
	"go-chat-core/internal/cluster"
	"go-chat-core/internal/config"
	"go-chat-core/internal/db"
	"go-chat-core/internal/delivery"
	"go-chat-core/internal/metrics"
	"go-chat-core/internal/ordering"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/session"
	"go-chat-core/internal/store"
	"go-chat-core/internal/transport/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Logger
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()
	log := cfg.Logger().With("node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Storage
	var (
		st       store.Store
		database *db.Database
	)
	if cfg.DBDSN != "" {
		database, err = db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = store.NewPostgres(database.Conn)
		log.Info("connected to PostgreSQL")
	} else {
		st = store.NewMemory()
		log.Warn("DB_DSN not set, messages live in memory only")
	}

	// 3. Redis, optional: without it the node runs alone
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to Redis", "addr", cfg.RedisAddr)
	}

	// 4. Core
	registry := presence.NewRegistry(presence.DefaultShards)
	tracker := ordering.NewTracker(log, st, cfg.Retry(), m)
	defer tracker.Stop()

	var (
		seq       ordering.Sequencer = ordering.NewMemorySequencer(st)
		directory *cluster.Directory
		relay     *cluster.Relay
		opts      []delivery.Option
	)
	if redisClient != nil {
		seq = ordering.NewRedisSequencer(redisClient, st)
		directory = cluster.NewDirectory(log, redisClient, cfg.NodeID, registry, cfg.DirectoryRefresh)
		relay = cluster.NewRelay(log, redisClient, directory, registry, tracker)
		opts = append(opts, delivery.WithRemote(relay))
	}
	router := delivery.NewRouter(log, st, registry, seq, tracker, m, cfg.Delivery(), opts...)

	verifier, err := verifiers(log, cfg)
	if err != nil {
		return err
	}
	sessions := session.NewManager(log, cfg.Session(), verifier, registry, router, m)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Handle("/ws", ws.NewHandler(log, sessions))
	r.Get("/healthz", healthHandler(registry, database, redisClient))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	// 6. Run until a signal or a component fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return router.Run(gctx, cfg.BacklogInterval) })
	if redisClient != nil {
		g.Go(func() error { return directory.Run(gctx, cfg.DirectoryRefresh) })
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sessions.Shutdown(sctx); err != nil {
			log.Warn("connections still open at shutdown", "err", err)
		}
		if n := router.FlushBacklog(sctx); n > 0 {
			log.Info("stored queued messages before exit", "count", n)
		}
		if left := router.Backlog(); left > 0 {
			log.Error("queued messages lost at shutdown", "count", left)
		}
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

func verifiers(log *slog.Logger, cfg config.Config) (session.Verifier, error) {
	chain := auth.Chain{auth.NewJWTVerifier(cfg.JWTSecret)}
	if cfg.APIKeys != "" {
		keys, err := auth.ParseKeys(cfg.APIKeys)
		if err != nil {
			return nil, fmt.Errorf("API_KEYS: %w", err)
		}
		chain = append(chain, keys)
		log.Info("api keys loaded", "count", keys.Len())
	}
	return chain, nil
}
