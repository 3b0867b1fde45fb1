package models

import "time"

// HealthSample is a single telemetry snapshot for a service. Samples are
// immutable once collected and retained in a capped per-service history.
type HealthSample struct {
	Service   string
	Timestamp time.Time
	Features  map[string]float64
}

// HealthScore is the blended rule-based plus anomaly-based estimate of a
// service's current well-being. Scores are derived values, always
// reproducible from the feature history and the current model.
type HealthScore struct {
	Service          string    `json:"service"`
	Score            float64   `json:"score"`
	RuleComponent    float64   `json:"rule_component"`
	AnomalyComponent float64   `json:"anomaly_component"`
	Timestamp        time.Time `json:"timestamp"`
}

// FailurePrediction estimates how likely a service is to fail soon,
// independent of its current health.
type FailurePrediction struct {
	Service                string     `json:"service"`
	Probability            float64    `json:"probability"`
	Confidence             float64    `json:"confidence"`
	RiskFactors            []string   `json:"risk_factors"`
	EstimatedTimeToFailure *time.Time `json:"estimated_time_to_failure,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Canonical feature names, in the fixed order the model trainer vectorises
// them. Missing or non-numeric values degrade to zero.
const (
	FeatureCPUUsage           = "cpu_usage"
	FeatureMemoryUsage        = "memory_usage"
	FeatureNetworkRx          = "network_rx"
	FeatureNetworkTx          = "network_tx"
	FeatureRequestRate        = "request_rate"
	FeatureErrorRate          = "error_rate"
	FeatureHealthCheckStatus  = "health_check_status"
	FeatureHealthCheckLatency = "health_check_latency"
	FeatureDependencyHealth   = "dependency_health"
	FeatureRestartCount       = "restart_count"
)

// FeatureOrder lists every feature in vectorisation order.
var FeatureOrder = []string{
	FeatureCPUUsage,
	FeatureMemoryUsage,
	FeatureNetworkRx,
	FeatureNetworkTx,
	FeatureRequestRate,
	FeatureErrorRate,
	FeatureHealthCheckStatus,
	FeatureHealthCheckLatency,
	FeatureDependencyHealth,
	FeatureRestartCount,
}
