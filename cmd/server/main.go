// Package main runs the specboard API server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/specboard/specboard/internal/app"
	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/config"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/migrations"
	"github.com/specboard/specboard/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, closeDB, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	if closeDB != nil {
		defer closeDB()
	}

	opts := app.Options{}
	if redisCache, closeRedis := openRedis(ctx, cfg, log); redisCache != nil {
		opts.Cache = redisCache
		opts.SharedRateLimit = true
		defer closeRedis()
	}

	application := app.New(cfg, stores, opts, log)
	application.Start()
	defer application.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      application.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// openStores connects Postgres when configured, otherwise the application
// falls back to in-memory storage.
func openStores(ctx context.Context, cfg *config.Config, log *logging.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	stores := app.Stores{
		Users:          store,
		Projects:       store,
		Specifications: store,
		Items:          store,
	}
	return stores, func() { db.Close() }, nil
}

// openRedis connects the shared cache, returning nil when Redis is
// unavailable so the service degrades to per-process caching and limits.
func openRedis(ctx context.Context, cfg *config.Config, log *logging.Logger) (cache.Cache, func()) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unavailable, falling back to in-memory cache and limits")
		client.Close()
		return nil, nil
	}

	log.WithField("addr", cfg.Redis.Addr).Info("redis connected")
	return cache.NewRedis(client), func() { client.Close() }
}
