package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/edutech-labs/coinledger/internal/config"
	"github.com/edutech-labs/coinledger/internal/infra"
	"github.com/edutech-labs/coinledger/internal/ledger"
	"github.com/edutech-labs/coinledger/internal/logging"
	"github.com/edutech-labs/coinledger/internal/routes"
	"github.com/edutech-labs/coinledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "service", cfg.AppName, "env", cfg.AppEnv)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var db *pgxpool.Pool
	if cfg.StoreBackend == config.BackendPostgres {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var store ledger.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg := ledger.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migrate ledger schema", "error", err)
			os.Exit(1)
		}
		store = pg
	case config.BackendRedis:
		store = ledger.NewRedisStore(cache)
	default:
		logger.Warn("using in-memory ledger store; balances are lost on restart")
		store = ledger.NewInMemory()
	}

	srv, err := server.New(cfg, routes.Deps{Store: store, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("coin ledger started", "address", cfg.Address(), "store", cfg.StoreBackend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
