package scoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/coord"
	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/learn"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Rule thresholds and multiplicative penalties. All applicable penalties
// compose on the most recent sample.
const (
	probeFailurePenalty = 0.1

	cpuHighThreshold = 90.0
	cpuHighPenalty   = 0.7
	cpuWarnThreshold = 80.0
	cpuWarnPenalty   = 0.85

	memHighThreshold = 95.0
	memHighPenalty   = 0.6
	memWarnThreshold = 85.0
	memWarnPenalty   = 0.8

	depLowThreshold  = 0.5
	depLowPenalty    = 0.7
	depWarnThreshold = 0.8
	depWarnPenalty   = 0.9

	restartHighThreshold = 2
	restartHighPenalty   = 0.5
	restartWarnPenalty   = 0.8

	latencyHighThreshold = 10.0
	latencyHighPenalty   = 0.8
	latencyWarnThreshold = 5.0
	latencyWarnPenalty   = 0.9

	ruleWeight    = 0.6
	anomalyWeight = 0.4

	anomalyWindow   = 10
	ruleHistoryKeep = 100
)

// Scorer blends rule-based penalties with the anomaly model into a single
// [0,1] health score per service.
type Scorer struct {
	logger     *slog.Logger
	store      *features.Store
	registry   *learn.Registry
	coordStore *coord.Store
	threshold  float64
	minSamples int

	mu          sync.RWMutex
	lastScores  map[string]models.HealthScore
	ruleHistory map[string][]float64
}

// NewScorer constructs a scorer. coordStore may be nil when durable
// mirroring is disabled.
func NewScorer(logger *slog.Logger, store *features.Store, registry *learn.Registry, coordStore *coord.Store, threshold float64, minSamples int) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &Scorer{
		logger:      logger,
		store:       store,
		registry:    registry,
		coordStore:  coordStore,
		threshold:   threshold,
		minSamples:  minSamples,
		lastScores:  make(map[string]models.HealthScore),
		ruleHistory: make(map[string][]float64),
	}
}

// Threshold returns the configured health threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score computes the blended health score for a service. Services with too
// little history are assumed healthy until proven otherwise, which avoids
// false positives during cold start.
func (s *Scorer) Score(ctx context.Context, service string) models.HealthScore {
	now := time.Now().UTC()

	if s.store.Len(service) < s.minSamples {
		score := models.HealthScore{
			Service:          service,
			Score:            1.0,
			RuleComponent:    1.0,
			AnomalyComponent: 1.0,
			Timestamp:        now,
		}
		s.record(ctx, score)
		return score
	}

	latest, _ := s.store.Latest(service)
	rule := RuleComponent(latest)

	anomaly := 1.0
	if model, ok := s.registry.Model(service); ok {
		anomaly = model.Anomaly.Score(s.store.Recent(service, anomalyWindow))
	}

	score := models.HealthScore{
		Service:          service,
		Score:            clamp(ruleWeight*rule+anomalyWeight*anomaly, 0, 1),
		RuleComponent:    rule,
		AnomalyComponent: anomaly,
		Timestamp:        now,
	}

	if score.Score < s.threshold {
		s.logger.Warn("health score below threshold",
			slog.String("service", service),
			slog.Float64("score", score.Score),
			slog.Float64("rule_component", rule),
			slog.Float64("anomaly_component", anomaly),
			slog.Float64("threshold", s.threshold))
	}

	s.record(ctx, score)
	return score
}

// LastScore returns the most recently computed score for a service.
func (s *Scorer) LastScore(service string) (models.HealthScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.lastScores[service]
	return score, ok
}

// RuleHistory returns up to n most recent rule components for a service,
// oldest first. The failure predictor fits its trend over this series.
func (s *Scorer) RuleHistory(service string, n int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.ruleHistory[service]
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	out := make([]float64, n)
	copy(out, history[len(history)-n:])
	return out
}

// ResetHistory drops cached score state for a service, forcing fresh
// recomputation. Used by the health-check-reset action.
func (s *Scorer) ResetHistory(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastScores, service)
	delete(s.ruleHistory, service)
}

func (s *Scorer) record(ctx context.Context, score models.HealthScore) {
	s.mu.Lock()
	s.lastScores[score.Service] = score
	history := append(s.ruleHistory[score.Service], score.RuleComponent)
	if overflow := len(history) - ruleHistoryKeep; overflow > 0 {
		history = history[overflow:]
	}
	s.ruleHistory[score.Service] = history
	s.mu.Unlock()

	metrics.SetHealthScore(score.Service, score.Score)

	if s.coordStore != nil {
		if err := s.coordStore.SaveScore(ctx, score); err != nil {
			// Durability degrades but scoring keeps running.
			s.logger.Warn("score persist failed", slog.String("service", score.Service), slog.Any("error", err))
		}
	}
}

// RuleComponent applies the multiplicative penalty rules to a sample.
func RuleComponent(sample models.HealthSample) float64 {
	component := 1.0

	if sample.Features[models.FeatureHealthCheckStatus] < 1 {
		component *= probeFailurePenalty
	}

	switch cpu := sample.Features[models.FeatureCPUUsage]; {
	case cpu > cpuHighThreshold:
		component *= cpuHighPenalty
	case cpu > cpuWarnThreshold:
		component *= cpuWarnPenalty
	}

	switch mem := sample.Features[models.FeatureMemoryUsage]; {
	case mem > memHighThreshold:
		component *= memHighPenalty
	case mem > memWarnThreshold:
		component *= memWarnPenalty
	}

	switch dep := sample.Features[models.FeatureDependencyHealth]; {
	case dep < depLowThreshold:
		component *= depLowPenalty
	case dep < depWarnThreshold:
		component *= depWarnPenalty
	}

	switch restarts := sample.Features[models.FeatureRestartCount]; {
	case restarts > restartHighThreshold:
		component *= restartHighPenalty
	case restarts > 0:
		component *= restartWarnPenalty
	}

	switch latency := sample.Features[models.FeatureHealthCheckLatency]; {
	case latency > latencyHighThreshold:
		component *= latencyHighPenalty
	case latency > latencyWarnThreshold:
		component *= latencyWarnPenalty
	}

	return clamp(component, 0, 1)
}

// RiskFactors derives human-readable risk descriptions from the same
// threshold checks the rule component applies.
func RiskFactors(sample models.HealthSample) []string {
	var factors []string
	if sample.Features[models.FeatureHealthCheckStatus] < 1 {
		factors = append(factors, "health check failing")
	}
	if cpu := sample.Features[models.FeatureCPUUsage]; cpu > cpuWarnThreshold {
		factors = append(factors, "high cpu usage")
	}
	if mem := sample.Features[models.FeatureMemoryUsage]; mem > memWarnThreshold {
		factors = append(factors, "high memory utilization")
	}
	if dep := sample.Features[models.FeatureDependencyHealth]; dep < depWarnThreshold {
		factors = append(factors, "degraded dependency health")
	}
	if restarts := sample.Features[models.FeatureRestartCount]; restarts > 0 {
		factors = append(factors, "recent restarts")
	}
	if latency := sample.Features[models.FeatureHealthCheckLatency]; latency > latencyWarnThreshold {
		factors = append(factors, "elevated health check latency")
	}
	return factors
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
