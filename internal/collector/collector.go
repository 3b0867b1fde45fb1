package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/repo"
)

// telemetryMetrics lists the named metrics pulled for every service, keyed
// by feature name.
var telemetryMetrics = []string{
	models.FeatureCPUUsage,
	models.FeatureMemoryUsage,
	models.FeatureNetworkRx,
	models.FeatureNetworkTx,
	models.FeatureRequestRate,
	models.FeatureErrorRate,
}

// Telemetry is the telemetry backend behaviour the collector needs.
type Telemetry interface {
	QueryMetric(ctx context.Context, service, metric string) (float64, error)
	Probe(ctx context.Context, target string) (repo.ProbeResult, error)
}

// ControlPlane is the inspect-only slice of the control plane used for
// restart counting.
type ControlPlane interface {
	Status(ctx context.Context, name string) (repo.ContainerStatus, error)
}

// ScoreSource exposes the most recent health score per service, used to
// derive the dependency-health ratio.
type ScoreSource interface {
	LastScore(service string) (models.HealthScore, bool)
}

const dependencyHealthyScore = 0.7

// Collector pulls telemetry for each monitored service on a fixed interval
// and appends samples to the feature store. A sample is always produced;
// any sub-query failure degrades that feature to zero.
type Collector struct {
	logger       *slog.Logger
	telemetry    Telemetry
	controlPlane ControlPlane
	scores       ScoreSource
	store        *features.Store
	services     []config.ServiceConfig
	lookback     time.Duration

	mu       sync.Mutex
	restarts map[string]restartTracker
}

type restartTracker struct {
	seeded    bool
	lastCount int
	seen      []time.Time
}

// New constructs a collector for the configured services.
func New(logger *slog.Logger, telemetry Telemetry, controlPlane ControlPlane, scores ScoreSource, store *features.Store, services []config.ServiceConfig, lookback time.Duration) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Collector{
		logger:       logger,
		telemetry:    telemetry,
		controlPlane: controlPlane,
		scores:       scores,
		store:        store,
		services:     services,
		lookback:     lookback,
		restarts:     make(map[string]restartTracker),
	}
}

// Collect gathers one sample for a service and appends it to the store.
func (c *Collector) Collect(ctx context.Context, svc config.ServiceConfig) models.HealthSample {
	start := time.Now()
	degraded := false

	sample := models.HealthSample{
		Service:   svc.Name,
		Timestamp: start.UTC(),
		Features:  make(map[string]float64, len(models.FeatureOrder)),
	}

	for _, metric := range telemetryMetrics {
		value, err := c.telemetry.QueryMetric(ctx, svc.Name, metric)
		if err != nil {
			c.logger.Debug("telemetry query degraded to zero",
				slog.String("service", svc.Name),
				slog.String("metric", metric),
				slog.Any("error", err))
			value = 0
			degraded = true
		}
		sample.Features[metric] = value
	}

	probe, err := c.telemetry.Probe(ctx, svc.HealthCheckURL)
	if err != nil {
		degraded = true
	}
	sample.Features[models.FeatureHealthCheckStatus] = probe.Status
	sample.Features[models.FeatureHealthCheckLatency] = probe.Latency.Seconds()

	sample.Features[models.FeatureDependencyHealth] = c.dependencyHealth(svc.Dependencies)
	sample.Features[models.FeatureRestartCount] = c.restartsInWindow(ctx, svc, start)

	c.store.Append(sample)

	outcome := metrics.OutcomeSuccess
	if degraded {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveCollection(time.Since(start), outcome)
	return sample
}

// CollectAll runs one collection pass over every configured service.
func (c *Collector) CollectAll(ctx context.Context) {
	for _, svc := range c.services {
		if ctx.Err() != nil {
			return
		}
		c.Collect(ctx, svc)
	}
}

// Run collects on the given cadence until ctx ends.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.CollectAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectAll(ctx)
		}
	}
}

// dependencyHealth returns the fraction of declared dependencies whose last
// score clears the healthy bar. Services with no dependencies are fully
// healthy on this axis; unknown dependencies count as unhealthy.
func (c *Collector) dependencyHealth(dependencies []string) float64 {
	if len(dependencies) == 0 {
		return 1.0
	}
	if c.scores == nil {
		return 0.0
	}
	healthy := 0
	for _, dep := range dependencies {
		if score, ok := c.scores.LastScore(dep); ok && score.Score > dependencyHealthyScore {
			healthy++
		}
	}
	return float64(healthy) / float64(len(dependencies))
}

// restartsInWindow counts restart-count increments observed within the
// lookback window. A failed inspect degrades to zero.
func (c *Collector) restartsInWindow(ctx context.Context, svc config.ServiceConfig, now time.Time) float64 {
	if c.controlPlane == nil || svc.Container == "" {
		return 0
	}
	status, err := c.controlPlane.Status(ctx, svc.Container)
	if err != nil {
		c.logger.Debug("restart inspect degraded to zero",
			slog.String("service", svc.Name),
			slog.Any("error", err))
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tracker := c.restarts[svc.Name]
	if tracker.seeded {
		// One event per increment since the last inspect.
		for i := 0; i < status.RestartCount-tracker.lastCount; i++ {
			tracker.seen = append(tracker.seen, now)
		}
	}
	tracker.seeded = true
	tracker.lastCount = status.RestartCount

	cutoff := now.Add(-c.lookback)
	pruned := tracker.seen[:0]
	for _, ts := range tracker.seen {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	tracker.seen = pruned
	c.restarts[svc.Name] = tracker

	return float64(len(tracker.seen))
}
