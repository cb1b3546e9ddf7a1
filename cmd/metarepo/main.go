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

	"github.com/spf13/pflag"

	"github.com/metarepo/server/internal/api"
	"github.com/metarepo/server/internal/config"
	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/github"
	"github.com/metarepo/server/internal/gitstore"
	"github.com/metarepo/server/internal/middleware"
	"github.com/metarepo/server/internal/registry"
	"github.com/metarepo/server/internal/sync"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "metarepo: %v\n", err)
		os.Exit(2)
	}

	// Initialize structured logger
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting metadata repository",
		"data_path", cfg.DataPath,
		"default_tenant", cfg.DefaultTenant,
		"seed", cfg.SeedDir(),
		"cache_size", cfg.CacheSize,
	)

	store, err := openSeed(cfg, logger)
	if err != nil {
		return err
	}

	regCfg := registry.Config{
		DataPath:     cfg.DataPath,
		SeedPath:     cfg.SeedDir(),
		ScratchPath:  cfg.ScratchPath,
		Clients:      domain.DefaultClientTypes(),
		SourceLayout: domain.DefaultSourceLayout().With(cfg.SourceDirs),
		OutputLayout: domain.DefaultOutputLayout().With(cfg.OutputDirs),
		CacheSize:    cfg.CacheSize,
		Logger:       logger,
	}
	// Provisioning copies the clone under its read lock so a pull in
	// progress is never seen half applied
	if store != nil {
		regCfg.Seed = store
	}
	reg, err := registry.New(regCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	routerCfg := api.Config{
		Registry:      reg,
		DefaultTenant: cfg.DefaultTenant,
		Logger:        logger,
	}

	// Seed sync only runs when the seed is a git repository
	var syncMgr *sync.Manager
	if store != nil {
		syncMgr = sync.NewManager(sync.Config{
			Store:    store,
			Notifier: reg,
			Schedule: cfg.SeedSync,
			Debounce: 10 * time.Second,
			Logger:   logger,
		})
		routerCfg.Seed = store
		routerCfg.SyncManager = syncMgr
		routerCfg.SeedBranch = store.Branch()
		routerCfg.WebhookSecret = cfg.WebhookSecret
		if cfg.WebhookSecret == "" {
			logger.Warn("WEBHOOK_SECRET not set, GitHub webhooks will be rejected")
		}
	}

	// Initialize observability
	shutdownTracer, err := middleware.InitTracer(cfg.OTLPEndpoint, api.Version)
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	}

	router := api.NewRouter(routerCfg)

	// Archive and bundle transfers can be large, so only headers are bounded
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.Chain(router, logger),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	if syncMgr != nil {
		go syncMgr.Start(syncCtx)
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	syncCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}

	logger.Info("server stopped gracefully")
	return nil
}

// openSeed clones or reopens the seed repository. It returns nil when the
// seed is a plain directory or not configured.
func openSeed(cfg *config.Config, logger *slog.Logger) (*gitstore.Store, error) {
	if cfg.SeedRepoURL == "" {
		return nil, nil
	}

	var auth *github.AppAuth
	if cfg.GitHubAppID != 0 {
		var err error
		auth, err = github.NewAppAuth(cfg.GitHubAppID, cfg.GitHubAppPrivateKey, cfg.GitHubInstallationID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GitHub App auth: %w", err)
		}
	}

	store, err := gitstore.New(gitstore.Config{
		RepoURL:   cfg.SeedRepoURL,
		Branch:    cfg.SeedBranch,
		LocalPath: cfg.SeedDir(),
		Auth:      auth,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create git store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CloneTimeout)
	defer cancel()

	logger.Info("opening seed repository", "timeout", cfg.CloneTimeout)
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open seed repository within %s: %w", cfg.CloneTimeout, err)
	}
	return store, nil
}
