package models

import "time"

// ActionType enumerates the mitigation strategies the engine can execute.
type ActionType string

const (
	ActionRestartContainer    ActionType = "RESTART_CONTAINER"
	ActionGracefulRestart     ActionType = "GRACEFUL_RESTART"
	ActionClearCache          ActionType = "CLEAR_CACHE"
	ActionDatabaseMaintenance ActionType = "DATABASE_MAINTENANCE"
	ActionRebuildIndex        ActionType = "REBUILD_INDEX"
	ActionHealthCheckReset    ActionType = "HEALTH_CHECK_RESET"
	ActionEmergencyRollback   ActionType = "EMERGENCY_ROLLBACK"
	ActionAlertEscalation     ActionType = "ALERT_ESCALATION"
)

// ActionStatus tracks the lifecycle of a recovery action.
type ActionStatus string

const (
	StatusPending    ActionStatus = "PENDING"
	StatusInProgress ActionStatus = "IN_PROGRESS"
	StatusCompleted  ActionStatus = "COMPLETED"
	StatusFailed     ActionStatus = "FAILED"
	StatusCancelled  ActionStatus = "CANCELLED"
)

// Active reports whether the status still occupies the per-service
// single-flight slot.
func (s ActionStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Severity captures escalation impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryAction is one queued or executed mitigation. Lower priority
// numbers are more urgent; ties break by CreatedAt (FIFO).
type RecoveryAction struct {
	ID          string            `json:"id"`
	Type        ActionType        `json:"type"`
	Service     string            `json:"service"`
	Priority    int               `json:"priority"`
	Status      ActionStatus      `json:"status"`
	Severity    Severity          `json:"severity,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Cooldown suppresses reactive triggers for a service after a successful
// mitigation.
type Cooldown struct {
	Service   string    `json:"service"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the cooldown window has passed at t.
func (c Cooldown) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}
