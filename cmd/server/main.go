package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/api"
	"github.com/shehryarbajwa/sandbox-browser/internal/artifact"
	"github.com/shehryarbajwa/sandbox-browser/internal/browser"
	"github.com/shehryarbajwa/sandbox-browser/internal/config"
	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/internal/logging"
	"github.com/shehryarbajwa/sandbox-browser/internal/metrics"
	"github.com/shehryarbajwa/sandbox-browser/internal/proxy"
	"github.com/shehryarbajwa/sandbox-browser/internal/ratelimit"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime/cdp"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime/scripted"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/internal/session"
	"github.com/shehryarbajwa/sandbox-browser/internal/tier"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting sandbox browser server")

	discovery := runtime.DefaultDiscovery()
	discovery.PollInterval = cfg.Discovery.PollInterval
	discovery.MaxWait = cfg.Discovery.MaxWait
	discovery.Grace = cfg.Discovery.Grace
	discovery.ProbeRetries = cfg.Discovery.ProbeRetries
	discovery.ProbeDelay = cfg.Discovery.ProbeDelay
	discovery.ProbeTimeout = cfg.Discovery.ProbeTimeout

	// Sandboxes, one docker provider per tier
	ports := []int{cfg.Browser.DebugPort, cfg.Browser.CommandServerPort}
	standard, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Image:       cfg.Sandbox.Image,
		Ports:       ports,
		PreviewHost: cfg.Sandbox.PreviewHost,
		ShmSizeMB:   cfg.Sandbox.ShmSizeMB,
	}, logger)
	if err != nil {
		return err
	}
	defer standard.Close()

	coldImage := cfg.Sandbox.ColdImage
	if coldImage == "" {
		coldImage = cfg.Sandbox.Image
	}
	cold, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Image:       coldImage,
		Ports:       ports,
		PreviewHost: cfg.Sandbox.PreviewHost,
		ShmSizeMB:   cfg.Sandbox.ShmSizeMB,
	}, logger)
	if err != nil {
		return err
	}
	defer cold.Close()

	profiles := tier.Profiles(discovery, cfg.Tiers.ColdMultiplier)
	tiers, err := tier.NewManager(
		tier.Pool{Tier: tier.Standard, Provisioner: standard, Discovery: profiles[tier.Standard]},
		tier.Pool{Tier: tier.Cold, Provisioner: cold, Discovery: profiles[tier.Cold]},
	)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = tiers.EnsureImages(pullCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("sandbox images ready", zap.String("image", cfg.Sandbox.Image), zap.String("cold_image", coldImage))

	// Browser runtime
	m := metrics.New()
	store, err := artifact.NewFileStore(cfg.Artifacts.Dir)
	if err != nil {
		return err
	}
	offloader := runtime.NewOffloader(store, cfg.Artifacts.BaseURL, logger)
	registry := runtime.NewRegistry(logger)
	probe := runtime.NewProbe(logger)
	discoverer := runtime.NewDiscoverer(probe, logger)
	discoverer.OnFinish(func(state runtime.DiscoveryState, elapsed time.Duration) {
		m.RecordDiscovery(string(state), elapsed)
	})

	scriptedCfg := scripted.DefaultConfig()
	scriptedCfg.Python = cfg.Browser.Python
	scriptedCfg.WorkspaceRoot = cfg.Sandbox.WorkspaceRoot
	scriptedCfg.DebugPort = cfg.Browser.DebugPort
	scriptedCfg.ServerPort = cfg.Browser.CommandServerPort
	scriptedCfg.SafetyMargin = cfg.Browser.SafetyMargin
	scriptedCfg.MaxInlineContent = cfg.Browser.MaxInlineContent
	scriptedCfg.Discovery = discovery
	playwright, err := scripted.New(scriptedCfg, scripted.Deps{
		Sandboxes:  tiers.Resolver(),
		Registry:   registry,
		Discoverer: discoverer,
		Probe:      probe,
		Offloader:  offloader,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cdpCfg := cdp.DefaultConfig()
	cdpCfg.Chromium = cfg.Browser.Chromium
	cdpCfg.WorkspaceRoot = cfg.Sandbox.WorkspaceRoot
	cdpCfg.DebugPort = cfg.Browser.DebugPort
	cdpCfg.SafetyMargin = cfg.Browser.SafetyMargin
	cdpCfg.MaxInlineContent = cfg.Browser.MaxInlineContent
	cdpCfg.Discovery = discovery
	devtools := cdp.New(cdpCfg, cdp.Deps{
		Sandboxes:  tiers.Resolver(),
		Registry:   registry,
		Discoverer: discoverer,
		Probe:      probe,
		Offloader:  offloader,
		Logger:     logger,
	})

	browsers, err := browser.NewManager(models.Provider(cfg.Browser.DefaultProvider), map[models.Provider]runtime.Manager{
		models.ProviderPlaywright: playwright,
		models.ProviderCDP:        devtools,
	}, m, logger)
	if err != nil {
		return err
	}

	// Sessions and contexts
	contexts, err := ctxmgr.NewManager(cfg.Contexts.Dir, logger)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		MaxConcurrentPerProject: cfg.Sessions.MaxConcurrentPerProject,
		DefaultTimeout:          cfg.Sessions.DefaultTimeout,
		MinTimeout:              cfg.Sessions.MinTimeout,
		MaxTimeout:              cfg.Sessions.MaxTimeout,
		IdleAfter:               cfg.Sessions.IdleAfter,
	}, session.Deps{
		Browser:  browsers,
		Tiers:    tiers,
		Contexts: contexts,
		Metrics:  m,
		Logger:   logger,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx, cfg.Sessions.SweepInterval)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	}

	router := api.NewRouter(api.Deps{
		Sessions:  sessions,
		Browser:   browsers,
		Contexts:  contexts,
		Proxy:     proxy.NewServer(sessions, tiers.Resolver(), logger),
		Limiter:   limiter,
		Artifacts: store,
		Metrics:   m,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("default_provider", cfg.Browser.DefaultProvider),
			zap.Int("rate_limit_per_hour", cfg.RateLimit.RequestsPerHour))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	sessions.Shutdown(ctx)
	logger.Info("server stopped")
	return nil
}
