package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/atmx/nft-market/internal/config"
	"github.com/atmx/nft-market/internal/events"
	"github.com/atmx/nft-market/internal/keylock"
	"github.com/atmx/nft-market/internal/ledger"
	"github.com/atmx/nft-market/internal/market"
	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/registry"
	"github.com/atmx/nft-market/internal/rpc"
	"github.com/atmx/nft-market/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch cfg.StoreKind() {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "mysql":
		sqlStore, err := store.OpenMySQL(ctx, cfg.Store.MySQLDSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sqlStore.Close() })
		st = sqlStore
		slog.Info("connected to MySQL")
	case "sqlite":
		sqlStore, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			slog.Error("open sqlite failed", "path", cfg.Store.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sqlStore.Close() })
		st = sqlStore
		slog.Info("opened SQLite", "path", cfg.Store.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run(ctx)

	sinks := events.Multi{metrics.Sink{}, events.NewLogger(logger)}
	var locker keylock.Locker = keylock.NewLocal()

	// With Redis, the cache, the locks and the event feed are shared by every
	// instance. Websocket clients receive events relayed back from the channel.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		locker = keylock.NewRedisLocker(rdb, cfg.Redis.LockTTL)

		publisher := events.NewRedisPublisher(rdb, cfg.Redis.EventsChannel)
		sinks = append(sinks, publisher)
		go func() {
			if err := publisher.Subscribe(ctx, hub); err != nil {
				slog.Error("event relay stopped", "err", err)
			}
		}()

		// Closed before the stores so the relay goroutine exits first.
		cleanup = append([]func(){func() { rdb.Close() }}, cleanup...)
		slog.Info("Redis cache, locks and events enabled", "channel", cfg.Redis.EventsChannel)
	} else {
		sinks = append(sinks, hub)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collaborators ---
	items := registry.NewMemory()
	payouts := payout.NewMemory()

	// --- Ledger ---
	l := ledger.New(st, items, payouts, cfg.Marketplace.Operator,
		ledger.WithEventSink(sinks),
		ledger.WithLocker(locker),
	)
	marketSvc := market.NewService(l, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"nft-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	marketSvc.Routes(r)
	if cfg.Marketplace.DevCollaborators {
		market.NewDevCollaborators(items, payouts, cfg.Marketplace.Operator).Routes(r)
		slog.Warn("dev collaborator endpoints enabled")
	}

	// --- Servers ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("nft-market listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPC.Port != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
		if err != nil {
			slog.Error("grpc listen failed", "port", cfg.GRPC.Port, "err", err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor))
		rpc.Register(grpcServer, rpc.NewServer(l))

		go func() {
			slog.Info("gRPC server listening", "port", cfg.GRPC.Port)
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("gRPC server error", "err", err)
			}
		}()
	}

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down nft-market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	stop()
	fmt.Println("nft-market stopped")
}
