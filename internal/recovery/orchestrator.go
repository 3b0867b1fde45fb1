package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelstack/sentinel-engine/internal/audit"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/coord"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

const (
	// Predicted failure probability above which the proactive path fires.
	proactiveProbabilityThreshold = 0.8

	// Action latency observations kept for the periodic percentile log.
	latencyWindow = 200
	// Executions between percentile log lines.
	latencyLogEvery = 20
)

// HealthSource produces blended health scores on demand.
type HealthSource interface {
	Score(ctx context.Context, service string) models.HealthScore
	Threshold() float64
}

// PredictionSource produces failure predictions on demand.
type PredictionSource interface {
	Predict(ctx context.Context, service string) models.FailurePrediction
}

// ActionRunner executes a single recovery action to completion.
type ActionRunner interface {
	Execute(ctx context.Context, action models.RecoveryAction) Result
}

// serviceState is the per-service recovery bookkeeping. All access is under
// the orchestrator mutex.
type serviceState struct {
	failures      int
	healthyStreak int
	cooldownUntil time.Time
	violations    []time.Time
}

// Orchestrator decides when mitigation runs and in what order. It holds the
// action queue, per-service failure counters and cooldowns, and enforces
// single-flight per service: the cooldown/active-action check and the
// enqueue happen under one lock, so concurrent triggers for the same
// service can never race two actions into flight.
type Orchestrator struct {
	logger     *slog.Logger
	cfg        config.RecoveryConfig
	services   []config.ServiceConfig
	health     HealthSource
	predictor  PredictionSource
	runner     ActionRunner
	coordStore *coord.Store
	auditLog   *audit.Log

	sem       *semaphore.Weighted
	latencies *utils.LatencyTracker

	mu        sync.Mutex
	actions   map[string]*models.RecoveryAction
	states    map[string]*serviceState
	executed  int
	executing map[string]bool
}

// NewOrchestrator wires the recovery decision engine. coordStore and
// auditLog may be nil; coordination then degrades to in-process-only state
// and auditing is skipped.
func NewOrchestrator(
	logger *slog.Logger,
	cfg config.RecoveryConfig,
	services []config.ServiceConfig,
	health HealthSource,
	predictor PredictionSource,
	runner ActionRunner,
	coordStore *coord.Store,
	auditLog *audit.Log,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HealthyResetCycles < 1 {
		cfg.HealthyResetCycles = 3
	}
	if cfg.EscalationLimit < 1 {
		cfg.EscalationLimit = 5
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = time.Hour
	}
	if cfg.ActionRetention <= 0 {
		cfg.ActionRetention = 24 * time.Hour
	}
	if coordStore == nil {
		coordStore = coord.NewStore(nil, coord.TTLs{})
	}
	return &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		services:   services,
		health:     health,
		predictor:  predictor,
		runner:     runner,
		coordStore: coordStore,
		auditLog:   auditLog,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		latencies:  utils.NewLatencyTracker(latencyWindow),
		actions:    make(map[string]*models.RecoveryAction),
		states:     make(map[string]*serviceState),
		executing:  make(map[string]bool),
	}
}

// Restore reloads cooldowns persisted before a restart so a crash-looping
// engine does not pile restarts onto services that were just mitigated.
func (o *Orchestrator) Restore(ctx context.Context) {
	now := time.Now()
	for _, svc := range o.services {
		cooldown, err := o.coordStore.Cooldown(ctx, svc.Name)
		if err != nil || cooldown.Expired(now) {
			continue
		}
		o.mu.Lock()
		o.state(svc.Name).cooldownUntil = cooldown.ExpiresAt
		o.mu.Unlock()
		o.logger.Info("restored cooldown",
			slog.String("service", svc.Name),
			slog.Time("expires_at", cooldown.ExpiresAt))
	}
}

// TriggerOnce evaluates every monitored service and enqueues at most one
// new action per service. Reactive triggers outrank proactive ones.
func (o *Orchestrator) TriggerOnce(ctx context.Context) {
	for _, svc := range o.services {
		o.triggerService(ctx, svc)
	}
}

func (o *Orchestrator) triggerService(ctx context.Context, svc config.ServiceConfig) {
	score := o.health.Score(ctx, svc.Name)
	prediction := o.predictor.Predict(ctx, svc.Name)
	threshold := o.health.Threshold()
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.state(svc.Name)
	breached := score.Score < threshold

	if breached {
		st.healthyStreak = 0
		st.violations = append(st.violations, now)
		st.violations = pruneBefore(st.violations, now.Add(-o.cfg.EscalationWindow))
		o.audit(models.AuditEvent{
			Service: svc.Name,
			Type:    models.AuditScoreBreach,
			Message: fmt.Sprintf("health score %.3f below threshold %.2f", score.Score, threshold),
		})
	} else {
		st.healthyStreak++
		if st.failures > 0 && st.healthyStreak >= o.cfg.HealthyResetCycles {
			o.logger.Info("failure counter reset after sustained recovery",
				slog.String("service", svc.Name),
				slog.Int("healthy_cycles", st.healthyStreak))
			st.failures = 0
		}
	}

	// Single-flight: nothing new while a cooldown or an active action holds
	// the slot.
	if now.Before(st.cooldownUntil) {
		return
	}
	if o.activeActionLocked(svc.Name) != nil {
		return
	}

	if breached {
		action := o.reactiveAction(svc, st, score)
		o.enqueueLocked(ctx, action)
		return
	}

	if prediction.Probability > proactiveProbabilityThreshold {
		action := o.proactiveAction(svc, prediction)
		o.enqueueLocked(ctx, action)
	}
}

// reactiveAction picks severity from the current score and the failure
// counter. Repeated failed mitigation escalates toward rollback.
func (o *Orchestrator) reactiveAction(svc config.ServiceConfig, st *serviceState, score models.HealthScore) models.RecoveryAction {
	switch {
	case score.Score < 0.2 || st.failures > 2:
		return o.newAction(svc, models.ActionEmergencyRollback, 1, models.SeverityCritical,
			fmt.Sprintf("critical degradation: score %.3f, failures %d", score.Score, st.failures))
	case score.Score < 0.4 || st.failures > 1:
		return o.newAction(svc, models.ActionRestartContainer, 2, models.SeverityHigh,
			fmt.Sprintf("severe degradation: score %.3f, failures %d", score.Score, st.failures))
	default:
		return o.newAction(svc, firstStrategy(svc), 4, models.SeverityMedium,
			fmt.Sprintf("score %.3f below threshold", score.Score))
	}
}

// proactiveAction matches predicted risk factors to the cheapest mitigation
// likely to address them.
func (o *Orchestrator) proactiveAction(svc config.ServiceConfig, prediction models.FailurePrediction) models.RecoveryAction {
	actionType := models.ActionHealthCheckReset
	for _, factor := range prediction.RiskFactors {
		switch {
		case strings.Contains(factor, "memory"):
			actionType = models.ActionClearCache
		case strings.Contains(factor, "latency"):
			actionType = models.ActionHealthCheckReset
		case strings.Contains(factor, "dependency"), strings.Contains(factor, "database"):
			actionType = models.ActionDatabaseMaintenance
		default:
			continue
		}
		break
	}
	return o.newAction(svc, actionType, 3, models.SeverityMedium,
		fmt.Sprintf("predicted failure probability %.3f", prediction.Probability))
}

func (o *Orchestrator) newAction(svc config.ServiceConfig, actionType models.ActionType, priority int, severity models.Severity, reason string) models.RecoveryAction {
	return models.RecoveryAction{
		ID:        uuid.NewString(),
		Type:      actionType,
		Service:   svc.Name,
		Priority:  priority,
		Status:    models.StatusPending,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
		Parameters: map[string]string{
			"container":  svc.Container,
			"health_url": svc.HealthCheckURL,
			"reason":     reason,
		},
	}
}

func (o *Orchestrator) enqueueLocked(ctx context.Context, action models.RecoveryAction) {
	o.actions[action.ID] = &action
	o.audit(models.AuditEvent{
		Service:  action.Service,
		Type:     models.AuditActionQueued,
		Message:  fmt.Sprintf("%s queued at priority %d: %s", action.Type, action.Priority, action.Parameters["reason"]),
		ActionID: action.ID,
	})
	o.logger.Info("recovery action queued",
		slog.String("service", action.Service),
		slog.String("type", string(action.Type)),
		slog.Int("priority", action.Priority),
		slog.String("action_id", action.ID))
	o.persistAction(ctx, action)
}

// ExecuteOnce runs the most urgent pending action, if capacity allows.
// Urgency is lowest priority number first, then FIFO by creation time.
func (o *Orchestrator) ExecuteOnce(ctx context.Context) {
	if !o.sem.TryAcquire(1) {
		return
	}
	defer o.sem.Release(1)

	action := o.takeNext(ctx)
	if action == nil {
		return
	}
	o.execute(ctx, *action)
}

// takeNext claims the next pending action and marks it in progress. The
// cross-replica claim goes through the coordination store; a lost claim
// means another replica is already acting on the service.
func (o *Orchestrator) takeNext(ctx context.Context) *models.RecoveryAction {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]*models.RecoveryAction, 0, len(o.actions))
	for _, action := range o.actions {
		if action.Status == models.StatusPending && !o.executing[action.Service] {
			pending = append(pending, action)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, action := range pending {
		claimed, err := o.coordStore.ClaimAction(ctx, action.Service, action.ID, o.claimTTL())
		if err != nil {
			o.logger.Warn("action claim failed, proceeding unclaimed",
				slog.String("service", action.Service), slog.Any("error", err))
		} else if !claimed {
			continue
		}

		now := time.Now().UTC()
		action.Status = models.StatusInProgress
		action.StartedAt = &now
		o.executing[action.Service] = true
		o.audit(models.AuditEvent{
			Service:  action.Service,
			Type:     models.AuditActionStarted,
			Message:  fmt.Sprintf("%s started", action.Type),
			ActionID: action.ID,
		})
		o.persistAction(ctx, *action)
		return action
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, action models.RecoveryAction) {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, o.claimTTL())
	result := o.runner.Execute(execCtx, action)
	cancel()
	elapsed := time.Since(start)
	o.latencies.Observe(elapsed)

	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.executing, action.Service)
	stored, ok := o.actions[action.ID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	stored.CompletedAt = &now
	st := o.state(action.Service)

	if result.Success {
		stored.Status = models.StatusCompleted
		stored.Result = result.Message
		st.failures = 0
		st.healthyStreak = 0
		st.cooldownUntil = now.Add(o.cfg.Cooldown)
		cooldown := models.Cooldown{Service: action.Service, ExpiresAt: st.cooldownUntil}
		if err := o.coordStore.SaveCooldown(ctx, cooldown); err != nil {
			o.logger.Warn("cooldown persistence failed",
				slog.String("service", action.Service), slog.Any("error", err))
		}
		o.audit(models.AuditEvent{
			Service:  action.Service,
			Type:     models.AuditActionCompleted,
			Message:  fmt.Sprintf("%s completed: %s", action.Type, result.Message),
			ActionID: action.ID,
		})
		o.audit(models.AuditEvent{
			Service: action.Service,
			Type:    models.AuditCooldownSet,
			Message: fmt.Sprintf("cooldown until %s", st.cooldownUntil.Format(time.RFC3339)),
		})
		o.logger.Info("recovery action completed",
			slog.String("service", action.Service),
			slog.String("type", string(action.Type)),
			slog.Duration("elapsed", elapsed))
	} else {
		// No cooldown on failure: the next trigger may escalate immediately.
		stored.Status = models.StatusFailed
		stored.Error = result.Message
		st.failures++
		o.audit(models.AuditEvent{
			Service:  action.Service,
			Type:     models.AuditActionFailed,
			Message:  fmt.Sprintf("%s failed: %s", action.Type, result.Message),
			ActionID: action.ID,
		})
		o.logger.Warn("recovery action failed",
			slog.String("service", action.Service),
			slog.String("type", string(action.Type)),
			slog.Int("failures", st.failures),
			slog.String("error", result.Message))
	}

	o.persistAction(ctx, *stored)
	if err := o.coordStore.ReleaseClaim(ctx, action.Service); err != nil {
		o.logger.Warn("claim release failed",
			slog.String("service", action.Service), slog.Any("error", err))
	}

	o.executed++
	if o.executed%latencyLogEvery == 0 && o.latencies.Count() > 0 {
		o.logger.Info("action latency summary",
			slog.Int("executed", o.executed),
			slog.Duration("p50", o.latencies.Percentile(50)),
			slog.Duration("p95", o.latencies.Percentile(95)))
	}
}

// EscalateOnce emits an ALERT_ESCALATION for services that keep breaching
// while mitigation is suppressed. One alert per detection window; the
// violation history is consumed by the alert so it cannot re-fire until the
// threat persists through a fresh window.
func (o *Orchestrator) EscalateOnce(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, svc := range o.services {
		st := o.state(svc.Name)
		st.violations = pruneBefore(st.violations, now.Add(-o.cfg.EscalationWindow))
		if len(st.violations) < o.cfg.EscalationLimit {
			continue
		}
		suppressed := now.Before(st.cooldownUntil)
		active := o.activeActionLocked(svc.Name)
		if !suppressed && active == nil {
			// The trigger path still has room to act; escalation is for
			// threats that persist despite it.
			continue
		}
		if active != nil {
			// The slot is held, either by the pending escalation itself or
			// by another action; re-check next cycle.
			continue
		}

		action := o.newAction(svc, models.ActionAlertEscalation, 1, models.SeverityCritical,
			fmt.Sprintf("%d violations in %s despite suppression", len(st.violations), o.cfg.EscalationWindow))
		st.violations = nil
		o.audit(models.AuditEvent{
			Service:  svc.Name,
			Type:     models.AuditEscalation,
			Message:  action.Parameters["reason"],
			ActionID: action.ID,
		})
		o.logger.Error("persistent degradation escalated",
			slog.String("service", svc.Name),
			slog.String("action_id", action.ID))
		o.enqueueLocked(ctx, action)
	}
}

// CleanupOnce drops terminal actions older than the retention window.
func (o *Orchestrator) CleanupOnce(ctx context.Context) {
	cutoff := time.Now().Add(-o.cfg.ActionRetention)

	o.mu.Lock()
	defer o.mu.Unlock()

	for id, action := range o.actions {
		if !action.Status.Terminal() {
			continue
		}
		reference := action.CreatedAt
		if action.CompletedAt != nil {
			reference = *action.CompletedAt
		}
		if reference.Before(cutoff) {
			delete(o.actions, id)
			if err := o.coordStore.DeleteAction(ctx, id); err != nil {
				o.logger.Warn("action cleanup failed",
					slog.String("action_id", id), slog.Any("error", err))
			}
		}
	}
}

// Cancel marks a pending action cancelled. In-progress and terminal actions
// are left alone.
func (o *Orchestrator) Cancel(ctx context.Context, actionID, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	action, ok := o.actions[actionID]
	if !ok || action.Status != models.StatusPending {
		return false
	}
	now := time.Now().UTC()
	action.Status = models.StatusCancelled
	action.CompletedAt = &now
	action.Result = reason
	o.audit(models.AuditEvent{
		Service:  action.Service,
		Type:     models.AuditActionCancelled,
		Message:  fmt.Sprintf("%s cancelled: %s", action.Type, reason),
		ActionID: actionID,
	})
	o.persistAction(ctx, *action)
	return true
}

// Run drives the trigger, execution, escalation and cleanup loops until the
// context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	trigger := time.NewTicker(o.interval(o.cfg.TriggerInterval, 30*time.Second))
	execute := time.NewTicker(o.interval(o.cfg.ExecuteInterval, 10*time.Second))
	escalate := time.NewTicker(o.interval(o.cfg.EscalationInterval, 30*time.Minute))
	cleanup := time.NewTicker(o.interval(o.cfg.CleanupInterval, time.Hour))
	defer trigger.Stop()
	defer execute.Stop()
	defer escalate.Stop()
	defer cleanup.Stop()

	o.logger.Info("recovery orchestrator started",
		slog.Int("services", len(o.services)),
		slog.Int("max_concurrent", o.cfg.MaxConcurrent))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("recovery orchestrator stopped")
			return ctx.Err()
		case <-trigger.C:
			o.TriggerOnce(ctx)
		case <-execute.C:
			// Executions run detached so a slow restart cannot stall
			// triggering; the semaphore bounds how many are in flight.
			go o.ExecuteOnce(ctx)
		case <-escalate.C:
			o.EscalateOnce(ctx)
		case <-cleanup.C:
			o.CleanupOnce(ctx)
		}
	}
}

// Actions returns a snapshot of the queue and retained history, most urgent
// first.
func (o *Orchestrator) Actions() []models.RecoveryAction {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.RecoveryAction, 0, len(o.actions))
	for _, action := range o.actions {
		out = append(out, *action)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveAction returns the pending or in-progress action for a service, if
// any.
func (o *Orchestrator) ActiveAction(service string) (models.RecoveryAction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if action := o.activeActionLocked(service); action != nil {
		return *action, true
	}
	return models.RecoveryAction{}, false
}

// FailureCount reports the consecutive-failure counter for a service.
func (o *Orchestrator) FailureCount(service string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state(service).failures
}

// InCooldown reports whether reactive triggers are currently suppressed for
// a service.
func (o *Orchestrator) InCooldown(service string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Now().Before(o.state(service).cooldownUntil)
}

func (o *Orchestrator) state(service string) *serviceState {
	st, ok := o.states[service]
	if !ok {
		st = &serviceState{}
		o.states[service] = st
	}
	return st
}

func (o *Orchestrator) activeActionLocked(service string) *models.RecoveryAction {
	for _, action := range o.actions {
		if action.Service == service && action.Status.Active() {
			return action
		}
	}
	return nil
}

func (o *Orchestrator) audit(event models.AuditEvent) {
	if o.auditLog != nil {
		o.auditLog.Record(event)
	}
}

func (o *Orchestrator) persistAction(ctx context.Context, action models.RecoveryAction) {
	if err := o.coordStore.SaveAction(ctx, action); err != nil {
		o.logger.Warn("action persistence failed",
			slog.String("action_id", action.ID), slog.Any("error", err))
	}
}

// claimTTL bounds both the cross-replica claim and the execution deadline.
// It covers the slowest handler path with headroom.
func (o *Orchestrator) claimTTL() time.Duration {
	ttl := o.cfg.RestartTimeout + o.cfg.GracefulStopWait + o.cfg.HealthWaitTimeout + 30*time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (o *Orchestrator) interval(configured, fallback time.Duration) time.Duration {
	if configured <= 0 {
		return fallback
	}
	return configured
}

func firstStrategy(svc config.ServiceConfig) models.ActionType {
	for _, raw := range svc.Strategies {
		switch t := models.ActionType(strings.ToUpper(strings.TrimSpace(raw))); t {
		case models.ActionRestartContainer, models.ActionGracefulRestart,
			models.ActionClearCache, models.ActionDatabaseMaintenance,
			models.ActionRebuildIndex, models.ActionHealthCheckReset,
			models.ActionEmergencyRollback:
			return t
		}
	}
	return models.ActionGracefulRestart
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
