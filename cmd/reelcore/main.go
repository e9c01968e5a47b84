// cmd/reelcore/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/api"
	"github.com/FeedForge/reelcore/internal/config"
	"github.com/FeedForge/reelcore/internal/connectivity"
	"github.com/FeedForge/reelcore/internal/logging"
	"github.com/FeedForge/reelcore/internal/media"
	"github.com/FeedForge/reelcore/internal/mediaurl"
	"github.com/FeedForge/reelcore/internal/netquality"
	"github.com/FeedForge/reelcore/internal/pool"
	"github.com/FeedForge/reelcore/internal/preload"
	"github.com/FeedForge/reelcore/internal/progressive"
	"github.com/FeedForge/reelcore/internal/swrcache"
)

func main() {
	configPath := config.GetEnvOrDefault("REELCORE_CONFIG", "reelcore.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Media.CacheDir != "" {
		if err := os.MkdirAll(cfg.Media.CacheDir, 0750); err != nil {
			logger.Fatal("create media cache directory", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connectivity feeds the estimator: a link change forces a fresh
	// probe so tier reacts faster than the periodic interval.
	monitor := connectivity.NewMonitor(logger)
	estimator := netquality.NewEstimator(netquality.Config{
		ProbeURL:     cfg.Network.ProbeURL,
		ProbeTimeout: cfg.Network.ProbeTimeout,
		Interval:     cfg.Network.ProbeInterval,
	}, logger)
	monitor.Subscribe(func(s connectivity.State) {
		if s.Online() {
			estimator.Kick()
		}
	})
	go estimator.Run(ctx)

	cacheOpts := []swrcache.CacheOption{}
	if cfg.Cache.Dir != "" {
		cacheOpts = append(cacheOpts, swrcache.WithDiskStore(cfg.Cache.Dir))
	}
	for name, override := range cfg.Cache.Categories {
		cat, ok := swrcache.CategoryByName(name)
		if !ok {
			logger.Warn("unknown cache category in config", zap.String("category", name))
			continue
		}
		catCfg := swrcache.ConfigFor(cat)
		if override.MaxAge > 0 {
			catCfg.MaxAge = override.MaxAge
		}
		if override.Capacity > 0 {
			catCfg.Capacity = override.Capacity
		}
		cacheOpts = append(cacheOpts, swrcache.WithCategoryConfig(cat, catCfg))
	}
	cache := swrcache.New(logger, cacheOpts...)
	defer cache.Close()

	feed := media.NewClient(cfg.Media.FeedURL, cache, logger)

	resolver := mediaurl.NewResolver([]byte(cfg.Media.SigningKey), 15*time.Minute)

	fetcher := progressive.NewFetcher(progressive.Config{
		Dir:          cfg.Media.CacheDir,
		MaxDiskBytes: cfg.Media.MaxDiskBytes,
	}, estimator, logger)

	p := pool.New(pool.Config{
		Capacity:    cfg.Pool.Capacity,
		InitTimeout: cfg.Pool.InitTimeout,
	}, resolver, fetcher, logger)
	defer p.Shutdown()

	scheduler := preload.NewScheduler(preload.ProfileByName(cfg.Preload.Profile), p, feed, logger)
	defer scheduler.Close()

	// Config hot-reload currently only retunes the preload profile;
	// everything else needs a restart.
	stopWatch, err := config.Watch(configPath, logger, func(next *config.Config) {
		scheduler.SetProfile(preload.ProfileByName(next.Preload.Profile))
		logger.Info("preload profile reloaded", zap.String("profile", next.Preload.Profile))
	})
	if err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	server := api.NewServer(cfg.Server.Port, logger, scheduler, p, cache, estimator, fetcher, monitor)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		cancel()
	}()

	logger.Info("reelcore started",
		zap.Int("port", cfg.Server.Port),
		zap.String("preload_profile", cfg.Preload.Profile),
		zap.Int("pool_capacity", cfg.Pool.Capacity))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
