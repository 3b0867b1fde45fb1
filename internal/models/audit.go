package models

import "time"

// AuditEventType labels audit log entries.
type AuditEventType string

const (
	AuditScoreBreach     AuditEventType = "score_breach"
	AuditActionQueued    AuditEventType = "action_queued"
	AuditActionStarted   AuditEventType = "action_started"
	AuditActionCompleted AuditEventType = "action_completed"
	AuditActionFailed    AuditEventType = "action_failed"
	AuditActionCancelled AuditEventType = "action_cancelled"
	AuditEscalation      AuditEventType = "escalation"
	AuditCooldownSet     AuditEventType = "cooldown_set"
)

// AuditEvent is one append-only record of a decision or outcome.
type AuditEvent struct {
	Service   string         `json:"service"`
	Type      AuditEventType `json:"type"`
	Message   string         `json:"message"`
	ActionID  string         `json:"action_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
