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

	"github.com/outbreakstack/seirisk/internal/api"
	"github.com/outbreakstack/seirisk/internal/cache"
	"github.com/outbreakstack/seirisk/internal/calibrate"
	"github.com/outbreakstack/seirisk/internal/config"
	"github.com/outbreakstack/seirisk/internal/engine"
	"github.com/outbreakstack/seirisk/internal/metrics"
	"github.com/outbreakstack/seirisk/internal/repo"
	"github.com/outbreakstack/seirisk/internal/risk"
	"github.com/outbreakstack/seirisk/internal/services"
	"github.com/outbreakstack/seirisk/internal/solver"
	"github.com/outbreakstack/seirisk/internal/utils"
)

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
	logger.Info("starting seirisk", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider, err := cache.New(cfg.Cache.Backend, cache.ValkeyConfig{
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
		logger.Warn("cache unavailable, continuing without it",
			slog.String("backend", cfg.Cache.Backend), slog.Any("error", err))
		cacheProvider = cache.NoopProvider{}
	}
	defer cacheProvider.Close()

	var cases services.CaseFetcher
	if cfg.Clients.Cases.BaseURL != "" {
		cases = repo.NewCaseSeriesClient(
			cfg.Clients.Cases.BaseURL,
			cfg.Clients.Cases.SeriesPath,
			cfg.Clients.Cases.Timeout,
			cacheProvider,
			cfg.Cache.SeriesTTL,
			logger,
		)
	} else {
		logger.Info("case series client disabled; CalibrateRegion will be unavailable")
	}

	presets, err := engine.NewPresetStore(cfg.Presets.Path, logger)
	if err != nil {
		logger.Error("failed to load presets", slog.String("path", cfg.Presets.Path), slog.Any("error", err))
		os.Exit(1)
	}

	riskEngine, err := risk.NewEngine(cfg.RiskOptions(), logger)
	if err != nil {
		logger.Error("failed to build risk engine", slog.Any("error", err))
		os.Exit(1)
	}

	pipeline, err := engine.NewPipeline(
		logger,
		solver.New(cfg.SolverOptions()),
		calibrate.New(cfg.CalibrationOptions(), logger),
		riskEngine,
		presets,
		engine.WithCumulativeMode(cfg.CumulativeMode()),
		engine.WithWorkers(cfg.Model.Workers),
		engine.WithSurgeThreshold(cfg.Model.SurgeThreshold),
	)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	epidemicService := services.NewEpidemicService(logger, pipeline, cases)

	server, err := api.NewServer(cfg.Server, epidemicService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Presets.Watch && presets.Path() != "" {
		go func() {
			err := presets.Watch(ctx, func(names []string, err error) {
				metrics.ObservePresetReload(err)
				if err == nil {
					logger.Info("presets active", slog.Any("names", names))
				}
			})
			if err != nil {
				logger.Warn("preset watcher stopped", slog.Any("error", err))
			}
		}()
	}

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

	logger.Info("seirisk stopped")
}
