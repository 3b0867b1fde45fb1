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
	"golang.org/x/sync/errgroup"

	"github.com/sentinelstack/sentinel-engine/internal/audit"
	"github.com/sentinelstack/sentinel-engine/internal/collector"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/coord"
	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/learn"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/predict"
	"github.com/sentinelstack/sentinel-engine/internal/recovery"
	"github.com/sentinelstack/sentinel-engine/internal/repo"
	"github.com/sentinelstack/sentinel-engine/internal/scoring"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
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
	logger.Info("starting sentinel-engine", slog.Int("services", len(cfg.Monitor.Services)))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var provider coord.Provider = coord.NewMemoryProvider()
	if cfg.Coordination.Enabled && cfg.Coordination.Addr != "" {
		valkey, err := coord.NewValkeyProvider(coord.ValkeyConfig{
			Addr:         cfg.Coordination.Addr,
			Username:     cfg.Coordination.Username,
			Password:     cfg.Coordination.Password,
			DB:           cfg.Coordination.DB,
			DialTimeout:  cfg.Coordination.DialTimeout,
			ReadTimeout:  cfg.Coordination.ReadTimeout,
			WriteTimeout: cfg.Coordination.WriteTimeout,
			MaxRetries:   cfg.Coordination.MaxRetries,
			TLS:          cfg.Coordination.TLS,
		})
		if err != nil {
			logger.Warn("valkey coordination unavailable, using in-process state", slog.Any("error", err))
		} else {
			provider = valkey
		}
	}
	defer provider.Close()

	coordStore := coord.NewStore(provider, coord.TTLs{
		Score:      cfg.Coordination.ScoreTTL,
		Prediction: cfg.Coordination.PredictionTTL,
		Action:     cfg.Coordination.ActionTTL,
	})

	telemetry := repo.NewTelemetryClient(
		cfg.Clients.Telemetry.BaseURL,
		cfg.Clients.Telemetry.QueryPath,
		cfg.Clients.Telemetry.Timeout,
		cfg.Clients.Telemetry.ProbeTimeout,
	)
	controlPlane := repo.NewControlPlaneClient(
		cfg.Clients.ControlPlane.BaseURL,
		cfg.Clients.ControlPlane.Timeout,
	)

	featureStore := features.NewStore(cfg.Monitor.HistorySize)
	registry := learn.NewRegistry()
	trainer := learn.NewTrainer(utils.ComponentLogger(logger, "trainer"), featureStore, registry, cfg.Monitor.MinSamplesToTrain)
	scorer := scoring.NewScorer(utils.ComponentLogger(logger, "scorer"), featureStore, registry, coordStore,
		cfg.Monitor.HealthThreshold, cfg.Monitor.MinSamplesToScore)
	predictor := predict.NewPredictor(utils.ComponentLogger(logger, "predictor"), featureStore, scorer, registry, coordStore)
	samples := collector.New(utils.ComponentLogger(logger, "collector"), telemetry, controlPlane, scorer, featureStore,
		cfg.Monitor.Services, cfg.Monitor.RestartLookback)
	auditLog := audit.NewLog(cfg.Audit.MaxEvents)

	executor := recovery.NewExecutor(utils.ComponentLogger(logger, "executor"), recovery.ExecutorConfig{
		RestartTimeout:     cfg.Recovery.RestartTimeout,
		GracefulStopWait:   cfg.Recovery.GracefulStopWait,
		HealthWaitTimeout:  cfg.Recovery.HealthWaitTimeout,
		HealthWaitInterval: cfg.Recovery.HealthWaitInterval,
	}, controlPlane, telemetry, coordStore, nil, featureStore, scorer)

	orchestrator := recovery.NewOrchestrator(utils.ComponentLogger(logger, "orchestrator"), cfg.Recovery, cfg.Monitor.Services,
		scorer, predictor, executor, coordStore, auditLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator.Restore(ctx)

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

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		samples.Run(groupCtx, cfg.Monitor.CollectInterval)
		return nil
	})
	group.Go(func() error {
		trainer.Run(groupCtx, cfg.Monitor.RetrainInterval)
		return nil
	})
	group.Go(func() error {
		if err := orchestrator.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("engine loop exited", slog.Any("error", err))
	}
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("sentinel-engine stopped")
}
