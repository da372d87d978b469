package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outbreakstack/renewal-rt/internal/api"
	"github.com/outbreakstack/renewal-rt/internal/cache"
	"github.com/outbreakstack/renewal-rt/internal/config"
	"github.com/outbreakstack/renewal-rt/internal/engine"
	"github.com/outbreakstack/renewal-rt/internal/metrics"
	"github.com/outbreakstack/renewal-rt/internal/repo"
	"github.com/outbreakstack/renewal-rt/internal/services"
	"github.com/outbreakstack/renewal-rt/internal/utils"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

// memoryCacheEntries bounds the in-process cache used when Valkey is off.
const memoryCacheEntries = 512

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting rt-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider(memoryCacheEntries)
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	var surveillance engine.SurveillanceClient
	if sc := cfg.Clients.Surveillance; sc.BaseURL != "" {
		surveillance = repo.NewSurveillanceClient(repo.SurveillanceOptions{
			BaseURL:       sc.BaseURL,
			IncidencePath: sc.IncidencePath,
			PairsPath:     sc.PairsPath,
			Timeout:       sc.Timeout,
			MaxRetries:    sc.MaxRetries,
		}, cacheProvider, cfg.Cache.IncidenceTTL, logger)
	} else {
		logger.Info("surveillance client disabled; only inline incidence is accepted")
	}

	var snapshots engine.SnapshotStore
	if cfg.Snapshots.Enabled {
		store, err := repo.NewSnapshotStore(cfg.Snapshots.Dir, cacheProvider, cfg.Cache.SnapshotTTL)
		if err != nil {
			logger.Error("failed to open snapshot store", slog.String("dir", cfg.Snapshots.Dir), slog.Any("error", err))
			os.Exit(1)
		}
		snapshots = store
	}

	pool := workers.NewPool(cfg.Workers.Size)
	defer pool.Stop()

	pipeline := engine.NewPipeline(logger, *cfg, surveillance, snapshots, pool)
	renewalService := services.NewRenewalService(logger, pipeline)

	server, err := api.NewServer(cfg.Server, renewalService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("rt-engine stopped", slog.Duration("p95", renewalService.LatencyP95()))
}
