package recovery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/audit"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/coord"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

type fakeHealth struct {
	mu        sync.Mutex
	scores    map[string]float64
	threshold float64
}

func (f *fakeHealth) Score(_ context.Context, service string) models.HealthScore {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.scores[service]
	if !ok {
		score = 1.0
	}
	return models.HealthScore{Service: service, Score: score, Timestamp: time.Now()}
}

func (f *fakeHealth) Threshold() float64 { return f.threshold }

func (f *fakeHealth) setScore(service string, score float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[service] = score
}

type fakePredictor struct {
	mu          sync.Mutex
	predictions map[string]models.FailurePrediction
}

func (f *fakePredictor) Predict(_ context.Context, service string) models.FailurePrediction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prediction, ok := f.predictions[service]; ok {
		return prediction
	}
	return models.FailurePrediction{Service: service, Probability: 0.1, CreatedAt: time.Now()}
}

type fakeRunner struct {
	mu       sync.Mutex
	results  map[models.ActionType]Result
	executed []models.RecoveryAction
	block    chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeRunner) Execute(_ context.Context, action models.RecoveryAction) Result {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if current <= seen || f.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.executed = append(f.executed, action)
	result, ok := f.results[action.Type]
	f.mu.Unlock()
	if !ok {
		return Result{Success: true, Message: "ok"}
	}
	return result
}

func (f *fakeRunner) executedTypes() []models.ActionType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]models.ActionType, len(f.executed))
	for i, action := range f.executed {
		types[i] = action.Type
	}
	return types
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		TriggerInterval:    time.Second,
		ExecuteInterval:    time.Second,
		Cooldown:           5 * time.Minute,
		MaxConcurrent:      1,
		RestartTimeout:     time.Second,
		GracefulStopWait:   time.Millisecond,
		HealthWaitTimeout:  time.Second,
		HealthWaitInterval: time.Millisecond,
		ActionRetention:    24 * time.Hour,
		EscalationLimit:    5,
		EscalationWindow:   time.Hour,
		HealthyResetCycles: 3,
	}
}

func testServices() []config.ServiceConfig {
	return []config.ServiceConfig{
		{
			Name:           "checkout",
			Container:      "checkout-ctr",
			HealthCheckURL: "http://checkout:8080/health",
			Strategies:     []string{"GRACEFUL_RESTART", "RESTART_CONTAINER"},
		},
		{
			Name:           "catalog",
			Container:      "catalog-ctr",
			HealthCheckURL: "http://catalog:8080/health",
			Strategies:     []string{"RESTART_CONTAINER"},
		},
	}
}

func newTestOrchestrator(t *testing.T, runner ActionRunner) (*Orchestrator, *fakeHealth, *fakePredictor, *audit.Log) {
	t.Helper()
	health := &fakeHealth{scores: map[string]float64{}, threshold: 0.5}
	predictor := &fakePredictor{predictions: map[string]models.FailurePrediction{}}
	auditLog := audit.NewLog(100)
	store := coord.NewStore(coord.NewMemoryProvider(), coord.TTLs{})
	orch := NewOrchestrator(nil, testRecoveryConfig(), testServices(), health, predictor, runner, store, auditLog)
	return orch, health, predictor, auditLog
}

func pendingFor(orch *Orchestrator, service string) (models.RecoveryAction, bool) {
	for _, action := range orch.Actions() {
		if action.Service == service && action.Status == models.StatusPending {
			return action, true
		}
	}
	return models.RecoveryAction{}, false
}

func TestReactiveSeverityLadder(t *testing.T) {
	tests := []struct {
		name         string
		score        float64
		failures     int
		wantType     models.ActionType
		wantPriority int
	}{
		{"mild breach uses first strategy", 0.45, 0, models.ActionGracefulRestart, 4},
		{"severe breach restarts", 0.3, 0, models.ActionRestartContainer, 2},
		{"repeated failures restart", 0.45, 2, models.ActionRestartContainer, 2},
		{"critical breach rolls back", 0.1, 0, models.ActionEmergencyRollback, 1},
		{"exhausted retries roll back", 0.45, 3, models.ActionEmergencyRollback, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			orch, health, _, _ := newTestOrchestrator(t, &fakeRunner{})
			health.setScore("checkout", tc.score)
			orch.mu.Lock()
			orch.state("checkout").failures = tc.failures
			orch.mu.Unlock()

			orch.TriggerOnce(context.Background())

			action, ok := pendingFor(orch, "checkout")
			if !ok {
				t.Fatal("expected a pending action for checkout")
			}
			if action.Type != tc.wantType {
				t.Fatalf("expected %s, got %s", tc.wantType, action.Type)
			}
			if action.Priority != tc.wantPriority {
				t.Fatalf("expected priority %d, got %d", tc.wantPriority, action.Priority)
			}
		})
	}
}

func TestHealthyServiceTriggersNothing(t *testing.T) {
	orch, health, _, _ := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.97)
	health.setScore("catalog", 1.0)

	for i := 0; i < 10; i++ {
		orch.TriggerOnce(context.Background())
	}

	if actions := orch.Actions(); len(actions) != 0 {
		t.Fatalf("expected no actions for healthy services, got %d", len(actions))
	}
}

func TestSingleFlightUnderConcurrentTriggers(t *testing.T) {
	orch, health, _, _ := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.3)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.TriggerOnce(context.Background())
		}()
	}
	wg.Wait()

	active := 0
	for _, action := range orch.Actions() {
		if action.Service == "checkout" && action.Status.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active action, got %d", active)
	}
}

func TestSuccessfulActionSetsCooldown(t *testing.T) {
	runner := &fakeRunner{}
	orch, health, _, auditLog := newTestOrchestrator(t, runner)
	health.setScore("checkout", 0.42)

	orch.TriggerOnce(context.Background())
	orch.ExecuteOnce(context.Background())

	actions := orch.Actions()
	if len(actions) != 1 || actions[0].Status != models.StatusCompleted {
		t.Fatalf("expected one completed action, got %+v", actions)
	}
	if !orch.InCooldown("checkout") {
		t.Fatal("expected cooldown after successful action")
	}
	if orch.FailureCount("checkout") != 0 {
		t.Fatalf("expected failure counter reset, got %d", orch.FailureCount("checkout"))
	}

	// Still breaching, but the cooldown suppresses a second trigger.
	orch.TriggerOnce(context.Background())
	if _, ok := pendingFor(orch, "checkout"); ok {
		t.Fatal("expected no new action while in cooldown")
	}

	var sawBreach, sawQueued, sawCompleted, sawCooldown bool
	for _, event := range auditLog.Events("checkout") {
		switch event.Type {
		case models.AuditScoreBreach:
			sawBreach = true
		case models.AuditActionQueued:
			sawQueued = true
		case models.AuditActionCompleted:
			sawCompleted = true
		case models.AuditCooldownSet:
			sawCooldown = true
		}
	}
	if !sawBreach || !sawQueued || !sawCompleted || !sawCooldown {
		t.Fatalf("incomplete audit trail: breach=%v queued=%v completed=%v cooldown=%v",
			sawBreach, sawQueued, sawCompleted, sawCooldown)
	}
}

func TestFailedActionSkipsCooldownAndEscalates(t *testing.T) {
	runner := &fakeRunner{results: map[models.ActionType]Result{
		models.ActionGracefulRestart:   {Success: false, Message: "restart refused"},
		models.ActionRestartContainer:  {Success: false, Message: "restart refused"},
		models.ActionEmergencyRollback: {Success: true, Message: "rolled back"},
	}}
	orch, health, _, _ := newTestOrchestrator(t, runner)
	health.setScore("checkout", 0.45)

	// First strategy fails.
	orch.TriggerOnce(context.Background())
	orch.ExecuteOnce(context.Background())
	if orch.InCooldown("checkout") {
		t.Fatal("failed action must not set a cooldown")
	}
	if orch.FailureCount("checkout") != 1 {
		t.Fatalf("expected failure counter 1, got %d", orch.FailureCount("checkout"))
	}

	// Counter at 1: same tier again, fails again.
	orch.TriggerOnce(context.Background())
	orch.ExecuteOnce(context.Background())
	if orch.FailureCount("checkout") != 2 {
		t.Fatalf("expected failure counter 2, got %d", orch.FailureCount("checkout"))
	}

	// Counter at 2: escalates to a container restart, which also fails.
	orch.TriggerOnce(context.Background())
	action, ok := pendingFor(orch, "checkout")
	if !ok || action.Type != models.ActionRestartContainer {
		t.Fatalf("expected RESTART_CONTAINER at counter 2, got %+v", action)
	}
	orch.ExecuteOnce(context.Background())
	if orch.FailureCount("checkout") != 3 {
		t.Fatalf("expected failure counter 3, got %d", orch.FailureCount("checkout"))
	}

	// Counter past 2: emergency rollback.
	orch.TriggerOnce(context.Background())
	action, ok = pendingFor(orch, "checkout")
	if !ok || action.Type != models.ActionEmergencyRollback {
		t.Fatalf("expected EMERGENCY_ROLLBACK at counter 3, got %+v", action)
	}
	if action.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", action.Severity)
	}
}

func TestRestartHealthTimeoutMarksActionFailed(t *testing.T) {
	cp := &fakeControlPlane{}
	prober := &fakeProber{healthyAfter: 1 << 30}
	executor := NewExecutor(nil, fastExecConfig(), cp, prober, nil, nil, nil, nil)

	health := &fakeHealth{scores: map[string]float64{"checkout": 0.3}, threshold: 0.5}
	predictor := &fakePredictor{predictions: map[string]models.FailurePrediction{}}
	store := coord.NewStore(coord.NewMemoryProvider(), coord.TTLs{})
	orch := NewOrchestrator(nil, testRecoveryConfig(), testServices(), health, predictor, executor, store, audit.NewLog(100))

	orch.TriggerOnce(context.Background())
	orch.ExecuteOnce(context.Background())

	actions := orch.Actions()
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %d", len(actions))
	}
	if actions[0].Status != models.StatusFailed {
		t.Fatalf("expected FAILED after health-wait timeout, got %s", actions[0].Status)
	}
	if !strings.Contains(actions[0].Error, "timed out") {
		t.Fatalf("expected timeout message, got %q", actions[0].Error)
	}
	if orch.InCooldown("checkout") {
		t.Fatal("expected no cooldown after a timed-out action")
	}
	if orch.FailureCount("checkout") != 1 {
		t.Fatalf("expected failure counter 1, got %d", orch.FailureCount("checkout"))
	}
}

func TestHealthyStreakResetsFailureCounter(t *testing.T) {
	orch, health, _, _ := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.9)
	orch.mu.Lock()
	orch.state("checkout").failures = 2
	orch.mu.Unlock()

	for i := 0; i < 2; i++ {
		orch.TriggerOnce(context.Background())
		if orch.FailureCount("checkout") != 2 {
			t.Fatalf("cycle %d: counter reset too early", i)
		}
	}
	orch.TriggerOnce(context.Background())
	if orch.FailureCount("checkout") != 0 {
		t.Fatalf("expected counter reset after 3 healthy cycles, got %d", orch.FailureCount("checkout"))
	}
}

func TestProactiveTriggerMatchesRiskFactors(t *testing.T) {
	tests := []struct {
		name     string
		factors  []string
		wantType models.ActionType
	}{
		{"memory pressure flushes cache", []string{"high memory utilization"}, models.ActionClearCache},
		{"latency resets health state", []string{"elevated health check latency"}, models.ActionHealthCheckReset},
		{"dependency issues run maintenance", []string{"degraded dependency health"}, models.ActionDatabaseMaintenance},
		{"unknown factors default to reset", []string{"recent restarts"}, models.ActionHealthCheckReset},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			orch, health, predictor, _ := newTestOrchestrator(t, &fakeRunner{})
			health.setScore("checkout", 0.9)
			predictor.predictions["checkout"] = models.FailurePrediction{
				Service:     "checkout",
				Probability: 0.85,
				Confidence:  0.8,
				RiskFactors: tc.factors,
			}

			orch.TriggerOnce(context.Background())

			action, ok := pendingFor(orch, "checkout")
			if !ok {
				t.Fatal("expected a proactive action")
			}
			if action.Type != tc.wantType {
				t.Fatalf("expected %s, got %s", tc.wantType, action.Type)
			}
			if action.Priority != 3 {
				t.Fatalf("expected priority 3, got %d", action.Priority)
			}
		})
	}
}

func TestReactiveOutranksProactive(t *testing.T) {
	orch, health, predictor, _ := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.3)
	predictor.predictions["checkout"] = models.FailurePrediction{
		Service:     "checkout",
		Probability: 0.95,
		RiskFactors: []string{"high memory utilization"},
	}

	orch.TriggerOnce(context.Background())

	actions := orch.Actions()
	if len(actions) != 1 {
		t.Fatalf("expected a single action, got %d", len(actions))
	}
	if actions[0].Type != models.ActionRestartContainer {
		t.Fatalf("expected reactive restart to win, got %s", actions[0].Type)
	}
}

func TestExecutionOrderByPriorityThenFIFO(t *testing.T) {
	runner := &fakeRunner{}
	orch, health, _, _ := newTestOrchestrator(t, runner)

	// catalog breaches severely, checkout mildly; checkout queued first.
	health.setScore("checkout", 0.45)
	orch.TriggerOnce(context.Background())
	health.setScore("checkout", 1.0)
	health.setScore("catalog", 0.3)
	orch.TriggerOnce(context.Background())

	orch.ExecuteOnce(context.Background())
	orch.ExecuteOnce(context.Background())

	types := runner.executedTypes()
	if len(types) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(types))
	}
	if types[0] != models.ActionRestartContainer {
		t.Fatalf("expected the priority-2 restart first, got %s", types[0])
	}
	if types[1] != models.ActionGracefulRestart {
		t.Fatalf("expected the priority-4 action second, got %s", types[1])
	}
}

func TestConcurrencyBoundedToMaxConcurrent(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	orch, health, _, _ := newTestOrchestrator(t, runner)
	health.setScore("checkout", 0.3)
	health.setScore("catalog", 0.3)
	orch.TriggerOnce(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.ExecuteOnce(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(runner.block)
	wg.Wait()

	if max := runner.maxSeen.Load(); max > 1 {
		t.Fatalf("expected at most 1 concurrent execution, saw %d", max)
	}
}

func TestEscalationFiresOnceWhileSuppressed(t *testing.T) {
	orch, health, _, auditLog := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.3)

	orch.mu.Lock()
	st := orch.state("checkout")
	st.cooldownUntil = time.Now().Add(time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		st.violations = append(st.violations, now.Add(-time.Duration(i)*time.Minute))
	}
	orch.mu.Unlock()

	orch.EscalateOnce(context.Background())
	orch.EscalateOnce(context.Background())

	escalations := 0
	for _, action := range orch.Actions() {
		if action.Type == models.ActionAlertEscalation {
			escalations++
			if action.Severity != models.SeverityCritical {
				t.Fatalf("expected critical severity, got %s", action.Severity)
			}
		}
	}
	if escalations != 1 {
		t.Fatalf("expected exactly one escalation, got %d", escalations)
	}

	sawEvent := false
	for _, event := range auditLog.Events("checkout") {
		if event.Type == models.AuditEscalation {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Fatal("expected escalation audit event")
	}
}

func TestEscalationRequiresSuppression(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, &fakeRunner{})

	orch.mu.Lock()
	st := orch.state("checkout")
	now := time.Now()
	for i := 0; i < 6; i++ {
		st.violations = append(st.violations, now.Add(-time.Duration(i)*time.Minute))
	}
	orch.mu.Unlock()

	orch.EscalateOnce(context.Background())

	for _, action := range orch.Actions() {
		if action.Type == models.ActionAlertEscalation {
			t.Fatal("expected no escalation while the trigger path can still act")
		}
	}
}

func TestCleanupDropsExpiredTerminalActions(t *testing.T) {
	runner := &fakeRunner{}
	orch, health, _, _ := newTestOrchestrator(t, runner)
	health.setScore("checkout", 0.45)
	orch.TriggerOnce(context.Background())
	orch.ExecuteOnce(context.Background())

	// Age the completed action past retention.
	orch.mu.Lock()
	for _, action := range orch.actions {
		aged := time.Now().Add(-25 * time.Hour)
		action.CompletedAt = &aged
	}
	orch.mu.Unlock()

	orch.CleanupOnce(context.Background())

	if remaining := len(orch.Actions()); remaining != 0 {
		t.Fatalf("expected empty history after cleanup, got %d", remaining)
	}
}

func TestCancelPendingAction(t *testing.T) {
	orch, health, _, auditLog := newTestOrchestrator(t, &fakeRunner{})
	health.setScore("checkout", 0.45)
	orch.TriggerOnce(context.Background())

	action, ok := pendingFor(orch, "checkout")
	if !ok {
		t.Fatal("expected a pending action")
	}
	if !orch.Cancel(context.Background(), action.ID, "operator override") {
		t.Fatal("expected cancel to succeed on a pending action")
	}
	if orch.Cancel(context.Background(), action.ID, "again") {
		t.Fatal("expected cancel to fail on a terminal action")
	}

	sawCancelled := false
	for _, event := range auditLog.Events("checkout") {
		if event.Type == models.AuditActionCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatal("expected cancellation audit event")
	}
}

func TestRestoreReloadsCooldown(t *testing.T) {
	provider := coord.NewMemoryProvider()
	store := coord.NewStore(provider, coord.TTLs{})
	cooldown := models.Cooldown{Service: "checkout", ExpiresAt: time.Now().Add(10 * time.Minute)}
	if err := store.SaveCooldown(context.Background(), cooldown); err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}

	health := &fakeHealth{scores: map[string]float64{"checkout": 0.3}, threshold: 0.5}
	predictor := &fakePredictor{predictions: map[string]models.FailurePrediction{}}
	orch := NewOrchestrator(nil, testRecoveryConfig(), testServices(), health, predictor, &fakeRunner{}, store, audit.NewLog(100))

	orch.Restore(context.Background())
	if !orch.InCooldown("checkout") {
		t.Fatal("expected cooldown restored from coordination store")
	}

	orch.TriggerOnce(context.Background())
	if _, ok := pendingFor(orch, "checkout"); ok {
		t.Fatal("expected restored cooldown to suppress triggers")
	}
}
