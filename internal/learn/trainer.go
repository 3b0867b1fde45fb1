package learn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Weak-supervision indicator thresholds. Probe failure carries double
// weight: on its own it is enough to label a sample as failure.
const (
	failureCPUThreshold     = 90.0
	failureMemThreshold     = 95.0
	failureLatencyThreshold = 10.0
	failureDepThreshold     = 0.5
	labelPointsToFail       = 2
)

// Trainer periodically refits the per-service anomaly model and failure
// classifier from retained history.
type Trainer struct {
	logger     *slog.Logger
	store      *features.Store
	registry   *Registry
	minSamples int
}

// NewTrainer constructs a trainer over the given feature store and registry.
func NewTrainer(logger *slog.Logger, store *features.Store, registry *Registry, minSamples int) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if minSamples <= 0 {
		minSamples = 100
	}
	return &Trainer{logger: logger, store: store, registry: registry, minSamples: minSamples}
}

// Retrain refits the model set for one service. With fewer than the minimum
// samples the cycle is skipped and the previous model is retained.
func (t *Trainer) Retrain(ctx context.Context, service string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	history := t.store.All(service)
	if len(history) < t.minSamples {
		t.logger.Debug("skipping retrain, insufficient history",
			slog.String("service", service),
			slog.Int("samples", len(history)),
			slog.Int("required", t.minSamples))
		return nil
	}

	rows := make([][]float64, len(history))
	for i, sample := range history {
		rows[i] = Vectorize(sample)
	}

	scaler := FitScaler(rows)
	if scaler == nil {
		return fmt.Errorf("fit scaler for %s: empty matrix", service)
	}

	model := &Model{
		Scaler:   scaler,
		Anomaly:  NewAnomalyModel(scaler),
		FittedAt: time.Now().UTC(),
	}
	model.Classifier = t.fitClassifier(service, history, rows, scaler)

	// Swap is the only mutation point; readers never see a half-fitted model.
	t.registry.Swap(service, model)
	t.logger.Info("model retrained",
		slog.String("service", service),
		slog.Int("samples", len(history)),
		slog.Bool("classifier", model.Classifier != nil))
	return nil
}

// RetrainAll runs one retrain cycle over every service with history. Errors
// are logged per service and never abort the cycle.
func (t *Trainer) RetrainAll(ctx context.Context) {
	for _, service := range t.store.Services() {
		if ctx.Err() != nil {
			return
		}
		if err := t.Retrain(ctx, service); err != nil {
			t.logger.Warn("retrain failed", slog.String("service", service), slog.Any("error", err))
		}
	}
}

// Run executes retrain cycles on the configured cadence until ctx ends.
func (t *Trainer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RetrainAll(ctx)
		}
	}
}

func (t *Trainer) fitClassifier(service string, history []models.HealthSample, rows [][]float64, scaler *Scaler) *Classifier {
	scaled := make([][]float64, 0, len(rows))
	labels := make([]int, 0, len(rows))
	positives := 0
	for i, sample := range history {
		label := WeakLabel(sample)
		scaled = append(scaled, scaler.Transform(rows[i]))
		labels = append(labels, label)
		positives += label
	}

	if len(scaled) < 10 {
		return nil
	}
	if positives == 0 || positives == len(labels) {
		// Single-class history gives the classifier nothing to separate.
		t.logger.Debug("skipping classifier fit, single-class labels",
			slog.String("service", service),
			slog.Int("positives", positives))
		return nil
	}

	split := len(scaled) * 8 / 10
	classifier := FitClassifier(scaled[:split], labels[:split])
	if classifier == nil {
		return nil
	}

	if holdout := len(scaled) - split; holdout > 0 {
		correct := 0
		for i := split; i < len(scaled); i++ {
			predicted := 0
			if classifier.PredictProba(scaled[i]) >= 0.5 {
				predicted = 1
			}
			if predicted == labels[i] {
				correct++
			}
		}
		t.logger.Debug("classifier holdout accuracy",
			slog.String("service", service),
			slog.Float64("accuracy", float64(correct)/float64(holdout)))
	}
	return classifier
}

// WeakLabel derives a supervision label from threshold indicators. Probe
// failure alone is sufficient; other breaches accumulate.
func WeakLabel(sample models.HealthSample) int {
	points := 0
	if sample.Features[models.FeatureHealthCheckStatus] < 1 {
		points += 2
	}
	if sample.Features[models.FeatureCPUUsage] > failureCPUThreshold {
		points++
	}
	if sample.Features[models.FeatureMemoryUsage] > failureMemThreshold {
		points++
	}
	if sample.Features[models.FeatureHealthCheckLatency] > failureLatencyThreshold {
		points++
	}
	if sample.Features[models.FeatureDependencyHealth] < failureDepThreshold {
		points++
	}
	if sample.Features[models.FeatureRestartCount] > 0 {
		points++
	}
	if points >= labelPointsToFail {
		return 1
	}
	return 0
}
