package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mfhttp "github.com/Strob0t/MemForge/internal/adapter/http"
	"github.com/Strob0t/MemForge/internal/adapter/memtier"
	"github.com/Strob0t/MemForge/internal/adapter/natsbus"
	"github.com/Strob0t/MemForge/internal/adapter/natskv"
	mfotel "github.com/Strob0t/MemForge/internal/adapter/otel"
	"github.com/Strob0t/MemForge/internal/adapter/postgres"
	"github.com/Strob0t/MemForge/internal/adapter/redistier"
	"github.com/Strob0t/MemForge/internal/config"
	"github.com/Strob0t/MemForge/internal/logger"
	"github.com/Strob0t/MemForge/internal/port/tier"
	"github.com/Strob0t/MemForge/internal/resilience"
	"github.com/Strob0t/MemForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"l1_max_entries", cfg.Cache.L1.MaxEntries,
		"l2_backend", cfg.Cache.L2.Backend,
		"broadcast", cfg.Cache.Broadcast,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := mfotel.Init(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Durable tier ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("postgres connected, migrations applied")

	store := postgres.NewStore(pool)

	// --- Shared tier ---
	var l2 tier.Tier
	switch cfg.Cache.L2.Backend {
	case "redis":
		client, err := redistier.New(ctx, redistier.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Cache.L2.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		l2 = client
	case "nats":
		kv, closeKV, err := natskv.Connect(ctx, cfg.NATS.URL, cfg.NATS.Bucket, cfg.Cache.L2.TTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		defer closeKV()
		l2 = kv
	case "none":
		log.Info("shared tier disabled")
	}

	// --- Invalidation broadcast ---
	var announcer service.Announcer
	var bus *natsbus.Bus
	if cfg.Cache.Broadcast {
		bus, err = natsbus.Connect(cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("nats bus: %w", err)
		}
		defer bus.Close()
		announcer = bus
	}

	// --- Engine and facade ---
	engine := service.NewEngine(service.EngineConfig{
		L1:            memtier.New(cfg.Cache.L1.MaxEntries, cfg.Cache.L1.TTL),
		L2:            l2,
		L3:            store,
		L1TTL:         cfg.Cache.L1.TTL,
		L2TTL:         cfg.Cache.L2.TTL,
		L3TTL:         cfg.Cache.L3.TTL,
		RemoteTimeout: cfg.Cache.Timeout,
		Breaker:       resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		Announcer:     announcer,
		Logger:        log,
	})
	defer engine.Wait()

	facade := service.NewFacade(engine, store, log)

	if bus != nil {
		unsubscribe, err := bus.Subscribe(func(pattern string) {
			n := engine.DropLocal(context.Background(), pattern)
			log.Debug("peer invalidation applied", "pattern", pattern, "removed", n)
		})
		if err != nil {
			return fmt.Errorf("invalidation subscribe: %w", err)
		}
		defer unsubscribe()
	}

	reg, err := mfotel.RegisterCacheMetrics(engine.Snapshot)
	if err != nil {
		return fmt.Errorf("cache metrics: %w", err)
	}
	defer func() { _ = reg.Unregister() }()

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(mfhttp.PropagateRequestID)
	r.Use(mfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(mfotel.HTTPMiddleware(cfg.Logging.Service))

	mfhttp.MountRoutes(r, mfhttp.NewHandlers(engine, facade, log))

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
