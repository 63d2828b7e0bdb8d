// Package main is the entrypoint for the Conductor API server.
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

	"github.com/kiranshivaraju/conductor/internal/api"
	"github.com/kiranshivaraju/conductor/internal/api/handler"
	mw "github.com/kiranshivaraju/conductor/internal/api/middleware"
	"github.com/kiranshivaraju/conductor/internal/boundres"
	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/internal/catalog"
	"github.com/kiranshivaraju/conductor/internal/config"
	"github.com/kiranshivaraju/conductor/internal/identity"
	"github.com/kiranshivaraju/conductor/internal/monitor"
	"github.com/kiranshivaraju/conductor/internal/orchestrator"
	"github.com/kiranshivaraju/conductor/internal/payment"
	"github.com/kiranshivaraju/conductor/internal/provider"
	"github.com/kiranshivaraju/conductor/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store
	pgStore := store.NewPostgresStore(pool)

	// 6. External service clients
	catalogClient := catalog.NewCachedClient(
		catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.Timeout),
		redisCache, cfg.Catalog.CacheTTL, logger)
	identityClient := identity.NewHTTPClient(cfg.Identity.BaseURL, cfg.Identity.Token, cfg.Identity.Timeout)
	ledger := payment.NewHTTPLedger(cfg.Ledger.BaseURL, cfg.Ledger.Token, cfg.Ledger.Timeout)

	// 7. Provider communication
	registry := provider.NewRegistry(pgStore, cfg.Provider.CallTimeout, cfg.Provider.HandleTTL, logger)
	gateway := provider.NewGateway(registry)
	support := provider.NewSupportCache(registry, redisCache, cfg.Provider.SupportCacheTTL, logger)

	// 8. Core services
	payments := payment.NewService(ledger, pgStore, logger)
	listeners := orchestrator.NewListeners(logger)
	verifier := orchestrator.NewVerifier(pgStore, catalogClient, support, identityClient, listeners)
	orch := orchestrator.New(pgStore, redisCache, catalogClient, verifier, payments, gateway,
		support, identityClient, listeners, orchestrator.FollowConfig(cfg.Follow), logger)

	// Resource binding hooks, one per kind
	for _, kind := range boundres.Kinds() {
		listeners.Register(boundres.NewListener(kind, pgStore))
	}
	resources := boundres.NewService(pgStore, gateway, identityClient, logger)

	// 9. Background job monitor
	if cfg.Monitor.Enabled {
		mon := monitor.New(pgStore, redisCache, orch, cfg.Monitor, logger)
		go mon.Run(ctx)
		slog.Info("job monitor started", "interval", cfg.Monitor.Interval)
	}

	// 10. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, 60),

		Health:    handler.NewHealth(pgStore, redisCache),
		Jobs:      handler.NewJobs(orch),
		Control:   handler.NewControl(orch),
		Resources: handler.NewResources(resources),
		Keys:      handler.NewKeys(pgStore),
	}
	router := api.NewRouter(deps)

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Follow subscriptions hold the response open; WriteTimeout would
		// cut live streams, so only idle and read are bounded.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
