package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/repo"
)

// Result is the outcome of one action execution. Handlers never panic or
// error past the executor boundary; every failure becomes a Result.
type Result struct {
	Success bool
	Message string
}

// ControlPlane is the container lifecycle behaviour handlers need.
type ControlPlane interface {
	StartContainer(ctx context.Context, name string) error
	RestartContainer(ctx context.Context, name string, timeout time.Duration) error
	SignalStop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (repo.ContainerStatus, error)
}

// Prober runs health probes during post-action verification.
type Prober interface {
	Probe(ctx context.Context, target string) (repo.ProbeResult, error)
}

// CacheFlusher flushes the shared cache namespace used by a service.
// Flushing is namespace-wide, not key-scoped, unless the underlying cache
// supports prefix scoping.
type CacheFlusher interface {
	Flush(ctx context.Context, service string) error
}

// Maintainer runs idempotent database maintenance for a service.
type Maintainer interface {
	RunMaintenance(ctx context.Context, service, operation string) error
}

// ScoreResetter drops cached score state so it is recomputed from fresh
// samples.
type ScoreResetter interface {
	ResetHistory(service string)
}

// Handler executes one action type.
type Handler interface {
	Execute(ctx context.Context, action models.RecoveryAction) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, action models.RecoveryAction) Result

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, action models.RecoveryAction) Result {
	return f(ctx, action)
}

// ExecutorConfig bounds the timing of action execution.
type ExecutorConfig struct {
	RestartTimeout     time.Duration
	GracefulStopWait   time.Duration
	HealthWaitTimeout  time.Duration
	HealthWaitInterval time.Duration
}

func (c *ExecutorConfig) normalise() {
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 30 * time.Second
	}
	if c.GracefulStopWait <= 0 {
		c.GracefulStopWait = 10 * time.Second
	}
	if c.HealthWaitTimeout <= 0 {
		c.HealthWaitTimeout = 120 * time.Second
	}
	if c.HealthWaitInterval <= 0 {
		c.HealthWaitInterval = 2 * time.Second
	}
}

// Executor dispatches queued actions to their handlers. Action types map to
// handler implementations through a registry, so new types plug in without
// touching the orchestrator.
type Executor struct {
	logger       *slog.Logger
	cfg          ExecutorConfig
	controlPlane ControlPlane
	prober       Prober
	cache        CacheFlusher
	maintainer   Maintainer
	featureStore *features.Store
	scores       ScoreResetter
	handlers     map[models.ActionType]Handler
}

// NewExecutor constructs an executor and registers the built-in handlers.
// cache and maintainer may be nil; the corresponding actions then no-op
// successfully for services without such semantics.
func NewExecutor(
	logger *slog.Logger,
	cfg ExecutorConfig,
	controlPlane ControlPlane,
	prober Prober,
	cache CacheFlusher,
	maintainer Maintainer,
	featureStore *features.Store,
	scores ScoreResetter,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalise()

	e := &Executor{
		logger:       logger,
		cfg:          cfg,
		controlPlane: controlPlane,
		prober:       prober,
		cache:        cache,
		maintainer:   maintainer,
		featureStore: featureStore,
		scores:       scores,
		handlers:     make(map[models.ActionType]Handler),
	}

	e.Register(models.ActionRestartContainer, HandlerFunc(e.restartContainer))
	e.Register(models.ActionGracefulRestart, HandlerFunc(e.gracefulRestart))
	e.Register(models.ActionClearCache, HandlerFunc(e.clearCache))
	e.Register(models.ActionDatabaseMaintenance, HandlerFunc(e.databaseMaintenance))
	e.Register(models.ActionRebuildIndex, HandlerFunc(e.databaseMaintenance))
	e.Register(models.ActionHealthCheckReset, HandlerFunc(e.healthCheckReset))
	e.Register(models.ActionEmergencyRollback, HandlerFunc(e.emergencyRollback))
	e.Register(models.ActionAlertEscalation, HandlerFunc(e.alertEscalation))
	return e
}

// Register installs or replaces the handler for an action type.
func (e *Executor) Register(actionType models.ActionType, handler Handler) {
	e.handlers[actionType] = handler
}

// Execute runs one action and reports the outcome. Panics inside handlers
// are converted into failure results.
func (e *Executor) Execute(ctx context.Context, action models.RecoveryAction) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{Success: false, Message: fmt.Sprintf("handler panic: %v", r)}
		}
		outcome := metrics.OutcomeSuccess
		if !result.Success {
			outcome = metrics.OutcomeError
		}
		metrics.ObserveAction(string(action.Type), time.Since(start), outcome)
	}()

	handler, ok := e.handlers[action.Type]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("no handler registered for %s", action.Type)}
	}
	return handler.Execute(ctx, action)
}

func (e *Executor) restartContainer(ctx context.Context, action models.RecoveryAction) Result {
	container := action.Parameters["container"]
	if container == "" {
		return Result{Success: false, Message: "no container configured for service"}
	}
	if e.controlPlane == nil {
		return Result{Success: false, Message: "control plane not available"}
	}

	restartCtx, cancel := context.WithTimeout(ctx, e.cfg.RestartTimeout)
	err := e.controlPlane.RestartContainer(restartCtx, container, e.cfg.RestartTimeout)
	cancel()
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("restart %s: %v", container, err)}
	}

	return e.waitHealthy(ctx, action)
}

func (e *Executor) gracefulRestart(ctx context.Context, action models.RecoveryAction) Result {
	container := action.Parameters["container"]
	if container == "" || e.controlPlane == nil {
		return e.restartContainer(ctx, action)
	}

	if err := e.controlPlane.SignalStop(ctx, container); err != nil {
		e.logger.Warn("graceful stop failed, falling back to hard restart",
			slog.String("container", container), slog.Any("error", err))
		return e.restartContainer(ctx, action)
	}

	select {
	case <-ctx.Done():
		return Result{Success: false, Message: "cancelled while waiting for graceful stop"}
	case <-time.After(e.cfg.GracefulStopWait):
	}

	status, err := e.controlPlane.Status(ctx, container)
	if err != nil {
		return e.restartContainer(ctx, action)
	}
	if !status.Running {
		if err := e.controlPlane.StartContainer(ctx, container); err != nil {
			return e.restartContainer(ctx, action)
		}
	}

	return e.waitHealthy(ctx, action)
}

func (e *Executor) clearCache(ctx context.Context, action models.RecoveryAction) Result {
	if e.cache == nil {
		return Result{Success: true, Message: "no cache configured, nothing to flush"}
	}
	if err := e.cache.Flush(ctx, action.Service); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("cache flush: %v", err)}
	}
	return Result{Success: true, Message: "cache namespace flushed"}
}

func (e *Executor) databaseMaintenance(ctx context.Context, action models.RecoveryAction) Result {
	if e.maintainer == nil {
		// Services without database semantics succeed as a no-op.
		return Result{Success: true, Message: "no maintenance endpoint configured, no-op"}
	}
	if err := e.maintainer.RunMaintenance(ctx, action.Service, string(action.Type)); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("maintenance: %v", err)}
	}
	return Result{Success: true, Message: "maintenance completed"}
}

func (e *Executor) healthCheckReset(ctx context.Context, action models.RecoveryAction) Result {
	if e.featureStore != nil {
		e.featureStore.Reset(action.Service)
	}
	if e.scores != nil {
		e.scores.ResetHistory(action.Service)
	}
	return Result{Success: true, Message: "health state cleared, recomputing from fresh samples"}
}

func (e *Executor) emergencyRollback(ctx context.Context, action models.RecoveryAction) Result {
	restart := e.restartContainer(ctx, action)
	if !restart.Success {
		return Result{Success: false, Message: fmt.Sprintf("emergency restart failed: %s", restart.Message)}
	}
	flush := e.clearCache(ctx, action)
	if !flush.Success {
		return Result{Success: false, Message: fmt.Sprintf("emergency cache flush failed: %s", flush.Message)}
	}
	return Result{Success: true, Message: "emergency rollback completed"}
}

func (e *Executor) alertEscalation(ctx context.Context, action models.RecoveryAction) Result {
	// Automated mitigation has been exhausted; surface the condition instead
	// of retrying forever.
	e.logger.Error("persistent threat requires intervention",
		slog.String("service", action.Service),
		slog.String("severity", string(action.Severity)),
		slog.String("reason", action.Parameters["reason"]))
	return Result{Success: true, Message: "escalation alert emitted"}
}

// waitHealthy polls the service probe until it reports healthy or the wall
// clock deadline passes.
func (e *Executor) waitHealthy(ctx context.Context, action models.RecoveryAction) Result {
	target := action.Parameters["health_url"]
	if target == "" || e.prober == nil {
		// Nothing to verify against; restart success carries the result.
		return Result{Success: true, Message: "restarted, no health target to verify"}
	}

	deadline := time.Now().Add(e.cfg.HealthWaitTimeout)
	ticker := time.NewTicker(e.cfg.HealthWaitInterval)
	defer ticker.Stop()

	for {
		probe, err := e.prober.Probe(ctx, target)
		if err == nil && probe.Status == 1 {
			return Result{Success: true, Message: "service verified healthy after action"}
		}
		if time.Now().After(deadline) {
			return Result{Success: false, Message: fmt.Sprintf("timed out after %s waiting for healthy state", e.cfg.HealthWaitTimeout)}
		}
		select {
		case <-ctx.Done():
			return Result{Success: false, Message: "cancelled while waiting for healthy state"}
		case <-ticker.C:
		}
	}
}
