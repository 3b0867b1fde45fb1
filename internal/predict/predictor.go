package predict

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/coord"
	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/learn"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/scoring"
)

const (
	healthWeight     = 0.4
	trendWeight      = 0.3
	classifierWeight = 0.3

	trendWindow = 20

	classifierConfidence = 0.8
	etaProbabilityFloor  = 0.5
)

// Predictor combines current health deficit, score trend and classifier
// output into a failure probability per service.
type Predictor struct {
	logger     *slog.Logger
	store      *features.Store
	scorer     *scoring.Scorer
	registry   *learn.Registry
	coordStore *coord.Store
}

// NewPredictor constructs a predictor. coordStore may be nil.
func NewPredictor(logger *slog.Logger, store *features.Store, scorer *scoring.Scorer, registry *learn.Registry, coordStore *coord.Store) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{
		logger:     logger,
		store:      store,
		scorer:     scorer,
		registry:   registry,
		coordStore: coordStore,
	}
}

// Predict estimates failure probability for a service. Any upstream gap
// degrades the corresponding term to zero rather than failing the cycle.
func (p *Predictor) Predict(ctx context.Context, service string) models.FailurePrediction {
	now := time.Now().UTC()

	latest, ok := p.store.Latest(service)
	if !ok {
		// No telemetry yet; report a neutral prediction.
		return p.record(ctx, models.FailurePrediction{Service: service, CreatedAt: now})
	}

	currentHealth := 1.0
	if score, ok := p.scorer.LastScore(service); ok {
		currentHealth = score.Score
	}

	trendTerm := 0.0
	if history := p.scorer.RuleHistory(service, trendWindow); len(history) >= trendWindow {
		slope := linearSlope(history)
		if slope < 0 {
			trendTerm = -slope
		}
	}

	classifierTerm := 0.0
	confidence := 0.0
	if model, ok := p.registry.Model(service); ok && model.Classifier != nil && model.Scaler != nil {
		vec := model.Scaler.Transform(learn.Vectorize(latest))
		classifierTerm = model.Classifier.PredictProba(vec)
		confidence = classifierConfidence
	}

	probability := clamp(
		healthWeight*(1.0-currentHealth)+trendWeight*trendTerm+classifierWeight*classifierTerm,
		0, 1,
	)

	prediction := models.FailurePrediction{
		Service:     service,
		Probability: probability,
		Confidence:  confidence,
		RiskFactors: scoring.RiskFactors(latest),
		CreatedAt:   now,
	}

	if probability > etaProbabilityFloor {
		hours := currentHealth / max(0.01, probability) * 24
		if hours < 1 {
			hours = 1
		}
		eta := now.Add(time.Duration(hours * float64(time.Hour)))
		prediction.EstimatedTimeToFailure = &eta
	}

	return p.record(ctx, prediction)
}

func (p *Predictor) record(ctx context.Context, prediction models.FailurePrediction) models.FailurePrediction {
	metrics.SetFailureProbability(prediction.Service, prediction.Probability)

	if p.coordStore != nil {
		if err := p.coordStore.SavePrediction(ctx, prediction); err != nil {
			p.logger.Warn("prediction persist failed",
				slog.String("service", prediction.Service),
				slog.Any("error", err))
		}
	}
	return prediction
}

// linearSlope fits y = a + b*x over evenly spaced samples and returns b.
func linearSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
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
