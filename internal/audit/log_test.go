package audit

import (
	"fmt"
	"testing"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

func TestLogRecordAndTrim(t *testing.T) {
	log := NewLog(3)
	for i := 0; i < 5; i++ {
		log.Record(models.AuditEvent{
			Service: "api",
			Type:    models.AuditActionQueued,
			Message: fmt.Sprintf("event-%d", i),
		})
	}

	events := log.Events("api")
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	if events[0].Message != "event-2" {
		t.Fatalf("oldest events must be trimmed first, got %s", events[0].Message)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("timestamp must be filled when absent")
	}
}

func TestLogIsolatesServices(t *testing.T) {
	log := NewLog(10)
	log.Record(models.AuditEvent{Service: "api", Type: models.AuditScoreBreach})
	log.Record(models.AuditEvent{Service: "worker", Type: models.AuditEscalation})

	if len(log.Events("api")) != 1 || len(log.Events("worker")) != 1 {
		t.Fatalf("per-service histories must be isolated")
	}
	if len(log.Events("unknown")) != 0 {
		t.Fatalf("unknown service returns empty history")
	}
}
