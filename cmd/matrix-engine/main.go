package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terra-clan/matrix-engine/internal/api"
	"github.com/terra-clan/matrix-engine/internal/config"
	"github.com/terra-clan/matrix-engine/internal/engine"
	"github.com/terra-clan/matrix-engine/internal/events"
	"github.com/terra-clan/matrix-engine/internal/health"
	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/minter"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/reconcile"
	"github.com/terra-clan/matrix-engine/internal/reward"
	"github.com/terra-clan/matrix-engine/internal/storage"
)

func main() {
	// Setup structured logging; the level is adjusted once config is loaded
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.Level)

	slog.Info("starting matrix-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver,
		"offer_level", cfg.Engine.OfferLevel,
	)

	if err := run(cfg); err != nil {
		slog.Error("matrix-engine failed", "error", err)
		os.Exit(1)
	}

	slog.Info("matrix-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()

	repo, err := openRepository(initCtx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	checks := health.NewRegistry(2 * time.Second)
	checks.Register("ledger", health.PingFunc(repo))

	hub := events.NewHub()
	defer hub.Close()

	publishers := events.Multi{hub}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(initCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		redisPublisher := events.NewRedisPublisher(rdb, cfg.Redis.StreamMaxLen)
		publishers = append(publishers, redisPublisher)
		checks.Register("redis", health.PingFunc(redisPublisher))
		slog.Info("redis event stream connected", "address", cfg.Redis.Address, "stream", events.StreamKey)
	}

	mint := minter.NewHTTPMinter(cfg.Minter.ApiKey, minter.WithTimeout(cfg.Minter.Timeout))
	coordinator := reward.NewCoordinator(repo, mint, publishers)

	eng := engine.New(engine.Config{
		AdminIdentity:  cfg.Engine.AdminIdentity,
		MilestoneLevel: cfg.Engine.MilestoneLevel,
		OfferLevel:     cfg.Engine.OfferLevel,
	}, repo, levels.NewRegistry(), coordinator)

	gc, err := eng.Bootstrap(initCtx)
	if err != nil {
		return err
	}

	if err := publishLevelsFile(initCtx, eng, gc.AdminIdentity, cfg.Engine.LevelsFile); err != nil {
		return err
	}

	slog.Info("engine ready",
		"admin", gc.AdminIdentity,
		"levels", eng.Registry().Len(),
		"milestone_level", eng.MilestoneLevel(),
		"minting_enabled", gc.MintingEnabled,
		"collaborator_linked", gc.Linked(),
	)

	server := api.NewServer(cfg.Server, eng, repo, checks, hub)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Reconcile.Enabled {
		reconciler := reconcile.NewReconciler(repo, coordinator, eng,
			cfg.Reconcile.Interval,
			cfg.Reconcile.StaleAfter,
			cfg.Reconcile.Batch,
		)
		g.Go(func() error {
			reconciler.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down gracefully...")

		// Close event streams so websocket handlers return before Shutdown waits on them
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openRepository selects the ledger driver. Postgres runs migrations first.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	if cfg.Database.Driver == config.DriverMemory {
		repo := storage.NewMemoryRepository()
		if cfg.Server.BootstrapApiKey != "" {
			repo.AddClient(&models.ApiClient{
				Name:        "bootstrap",
				ApiKey:      cfg.Server.BootstrapApiKey,
				IsActive:    true,
				Permissions: []string{"*"},
			})
		}
		slog.Warn("using in-memory ledger, progress is lost on restart")
		return repo, nil
	}

	slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
	if err := storage.MigrateFromDSN(ctx, cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		return nil, err
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	slog.Info("database connected successfully")
	return repo, nil
}

// publishLevelsFile publishes the manifest at path on first start, acting as the administrator
func publishLevelsFile(ctx context.Context, eng *engine.Engine, admin, path string) error {
	if path == "" {
		if !eng.Registry().Published() {
			slog.Warn("no level manifest published, level-advancing calls will fail until the administrator publishes one")
		}
		return nil
	}

	if eng.Registry().Published() {
		slog.Info("level manifest already published, ignoring LEVELS_FILE", "path", path)
		return nil
	}

	manifest, err := levels.LoadFile(path)
	if err != nil {
		return err
	}

	if err := eng.PublishLevels(ctx, admin, manifest); err != nil && !errors.Is(err, engine.ErrAlreadyPublished) {
		return err
	}
	return nil
}
