package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful collections and actions.
	OutcomeSuccess = "success"
	// OutcomeError labels failed collections and actions.
	OutcomeError = "error"
)

var (
	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel_engine",
			Name:      "health_score",
			Help:      "Blended health score per monitored service.",
		},
		[]string{"service"},
	)

	failureProbability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel_engine",
			Name:      "failure_probability",
			Help:      "Predicted failure probability per monitored service.",
		},
		[]string{"service"},
	)

	collectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_engine",
			Name:      "collections_total",
			Help:      "Telemetry collection cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	collectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel_engine",
			Name:      "collection_seconds",
			Help:      "Telemetry collection latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_engine",
			Name:      "recovery_actions_total",
			Help:      "Recovery actions executed, partitioned by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	actionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel_engine",
			Name:      "recovery_action_seconds",
			Help:      "Recovery action execution latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		},
	)
)

// Register attaches the engine collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		healthScore,
		failureProbability,
		collectionsTotal,
		collectionSeconds,
		actionsTotal,
		actionSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// SetHealthScore publishes the latest blended score for a service.
func SetHealthScore(service string, score float64) {
	healthScore.WithLabelValues(service).Set(score)
}

// SetFailureProbability publishes the latest prediction for a service.
func SetFailureProbability(service string, probability float64) {
	failureProbability.WithLabelValues(service).Set(probability)
}

// ObserveCollection records one collection cycle.
func ObserveCollection(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	collectionsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	collectionSeconds.Observe(duration.Seconds())
}

// ObserveAction records one recovery action execution.
func ObserveAction(actionType string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	actionsTotal.WithLabelValues(actionType, label).Inc()
	if duration < 0 {
		duration = 0
	}
	actionSeconds.Observe(duration.Seconds())
}
