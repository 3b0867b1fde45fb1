package audit

import (
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Log is an append-only, capped event history per service. Every decision
// and outcome the engine takes lands here.
type Log struct {
	mu        sync.RWMutex
	maxEvents int
	events    map[string][]models.AuditEvent
}

// NewLog creates a Log capped at maxEvents entries per service.
func NewLog(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Log{
		maxEvents: maxEvents,
		events:    make(map[string][]models.AuditEvent),
	}
}

// Record appends an event, trimming the oldest entries beyond the cap.
func (l *Log) Record(event models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := append(l.events[event.Service], event)
	if overflow := len(events) - l.maxEvents; overflow > 0 {
		events = append([]models.AuditEvent(nil), events[overflow:]...)
	}
	l.events[event.Service] = events
}

// Events returns the retained history for a service, oldest first.
func (l *Log) Events(service string) []models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.events[service]
	out := make([]models.AuditEvent, len(events))
	copy(out, events)
	return out
}
