package learn

import (
	"math"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Scaler standardises feature vectors to zero mean and unit variance, fitted
// from history.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes per-feature mean and standard deviation over rows.
func FitScaler(rows [][]float64) *Scaler {
	if len(rows) == 0 {
		return nil
	}
	width := len(rows[0])
	mean := make([]float64, width)
	for _, row := range rows {
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}

	std := make([]float64, width)
	for _, row := range rows {
		for i, v := range row {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(rows)))
		if std[i] == 0 {
			std[i] = 0.01
		}
	}
	return &Scaler{Mean: mean, Std: std}
}

// Transform returns the standardised copy of vec.
func (s *Scaler) Transform(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		if i < len(s.Mean) {
			out[i] = (v - s.Mean[i]) / s.Std[i]
		}
	}
	return out
}

// AnomalyModel scores samples by their mean absolute z-distance from the
// fitted baseline. zCap bounds how far a sample must drift before it scores
// fully anomalous.
type AnomalyModel struct {
	scaler *Scaler
	zCap   float64
}

// NewAnomalyModel wraps a fitted scaler into an anomaly scorer.
func NewAnomalyModel(scaler *Scaler) *AnomalyModel {
	return &AnomalyModel{scaler: scaler, zCap: 3.0}
}

// Score maps a window of samples into [0,1], where 1.0 means the window sits
// on the fitted baseline and 0.0 means every feature drifted past zCap.
func (m *AnomalyModel) Score(samples []models.HealthSample) float64 {
	if m == nil || m.scaler == nil || len(samples) == 0 {
		return 1.0
	}

	total := 0.0
	for _, sample := range samples {
		z := m.scaler.Transform(Vectorize(sample))
		sum := 0.0
		for _, v := range z {
			sum += math.Abs(v)
		}
		meanAbs := sum / float64(len(z))
		total += clamp(1.0-meanAbs/m.zCap, 0, 1)
	}
	return clamp(total/float64(len(samples)), 0, 1)
}

// Classifier is a logistic-regression failure classifier fitted on
// weak-supervision labels.
type Classifier struct {
	Weights []float64
	Bias    float64
}

// PredictProba returns the positive-class probability for a standardised
// feature vector.
func (c *Classifier) PredictProba(vec []float64) float64 {
	if c == nil {
		return 0
	}
	z := c.Bias
	for i, w := range c.Weights {
		if i < len(vec) {
			z += w * vec[i]
		}
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

// FitClassifier trains logistic regression by gradient descent.
func FitClassifier(rows [][]float64, labels []int) *Classifier {
	if len(rows) == 0 || len(rows) != len(labels) {
		return nil
	}
	width := len(rows[0])
	c := &Classifier{Weights: make([]float64, width)}

	const (
		epochs = 200
		lr     = 0.1
	)
	n := float64(len(rows))
	for epoch := 0; epoch < epochs; epoch++ {
		gradW := make([]float64, width)
		gradB := 0.0
		for i, row := range rows {
			p := c.PredictProba(row)
			err := p - float64(labels[i])
			for j, v := range row {
				gradW[j] += err * v
			}
			gradB += err
		}
		for j := range c.Weights {
			c.Weights[j] -= lr * gradW[j] / n
		}
		c.Bias -= lr * gradB / n
	}
	return c
}

// Model is the per-service trained state. Trainer replaces it atomically;
// every other component treats it as read-only.
type Model struct {
	Scaler     *Scaler
	Anomaly    *AnomalyModel
	Classifier *Classifier
	FittedAt   time.Time
}

// Registry holds the current model per service. Readers always observe
// either the fully-old or fully-new model.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Model returns the current model for a service, if one has been fitted.
func (r *Registry) Model(service string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[service]
	return m, ok
}

// Swap installs a newly fitted model for a service.
func (r *Registry) Swap(service string, model *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[service] = model
}

// Vectorize flattens a sample into the fixed feature order. Missing features
// degrade to zero.
func Vectorize(sample models.HealthSample) []float64 {
	vec := make([]float64, len(models.FeatureOrder))
	for i, name := range models.FeatureOrder {
		vec[i] = sample.Features[name]
	}
	return vec
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
