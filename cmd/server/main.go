package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wieden-kennedy/composite-framework/internal/app"
	"github.com/wieden-kennedy/composite-framework/internal/config"
	"github.com/wieden-kennedy/composite-framework/internal/coordinator"
	"github.com/wieden-kennedy/composite-framework/internal/logging"
	"github.com/wieden-kennedy/composite-framework/internal/policy"
	"github.com/wieden-kennedy/composite-framework/internal/postgres"
	"github.com/wieden-kennedy/composite-framework/internal/redis"
	"github.com/wieden-kennedy/composite-framework/internal/registry"
	"github.com/wieden-kennedy/composite-framework/internal/server"
	"github.com/wieden-kennedy/composite-framework/internal/websocket"
)

const reaperLockTTL = 90 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func buildPolicy(cfg *config.Config) *policy.Policy {
	apps := make(map[string]policy.Application, len(cfg.Applications))
	for id, a := range cfg.Applications {
		apps[id] = policy.Application{
			MaxDevicesPerSession: a.MaxDevicesPerSession,
			Rooms:                a.Rooms,
		}
	}
	return policy.New(apps, cfg.DefaultMaxDevices, cfg.MinDistanceMeters, cfg.MaxDistanceMeters)
}

func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	store := postgres.NewSessionRepo(pool, clock)
	publisher := redis.NewPublisher(redisClient, clock)

	pol := buildPolicy(cfg)
	coord := coordinator.New(store, pol, publisher, clock)
	reg := registry.New()

	hub := websocket.NewHub()
	subscriber := redis.NewSubscriber(redisClient, hub)

	sweeper := app.NewSweeper(reg, coord, cfg.SweepInterval, clock)
	elector := redis.NewLeaderElector(redisClient, instanceID(), reaperLockTTL)
	reaper := app.NewReaper(coord, elector, cfg.ReapInterval, cfg.StaleThreshold, clock)

	srv := server.NewServer(cfg, coord, hub, publisher, reg, pool, redisClient, clock)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		subscriber.Run(groupCtx)
		return nil
	})
	if cfg.SweepEnabled {
		group.Go(func() error {
			sweeper.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		reaper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		hub.Stop()
		return nil
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	if err := group.Wait(); err != nil {
		slog.Error("Background worker error", "error", err)
	}
	slog.Info("Shutdown complete")
}
