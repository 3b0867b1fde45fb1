package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/features"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/repo"
)

type fakeControlPlane struct {
	mu         sync.Mutex
	restarts   []string
	starts     []string
	stops      []string
	restartErr error
	stopErr    error
	startErr   error
	statusErr  error
	running    bool
}

func (f *fakeControlPlane) StartContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, name)
	return f.startErr
}

func (f *fakeControlPlane) RestartContainer(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return f.restartErr
}

func (f *fakeControlPlane) SignalStop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	return f.stopErr
}

func (f *fakeControlPlane) Status(_ context.Context, _ string) (repo.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return repo.ContainerStatus{Running: f.running}, f.statusErr
}

func (f *fakeControlPlane) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// fakeProber reports unhealthy for the first healthyAfter probes, then
// healthy.
type fakeProber struct {
	mu           sync.Mutex
	probes       int
	healthyAfter int
}

func (f *fakeProber) Probe(_ context.Context, _ string) (repo.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes > f.healthyAfter {
		return repo.ProbeResult{Status: 1, Latency: 5 * time.Millisecond}, nil
	}
	return repo.ProbeResult{Status: 0}, nil
}

type fakeCache struct {
	flushes []string
	err     error
}

func (f *fakeCache) Flush(_ context.Context, service string) error {
	f.flushes = append(f.flushes, service)
	return f.err
}

func fastExecConfig() ExecutorConfig {
	return ExecutorConfig{
		RestartTimeout:     time.Second,
		GracefulStopWait:   5 * time.Millisecond,
		HealthWaitTimeout:  200 * time.Millisecond,
		HealthWaitInterval: 10 * time.Millisecond,
	}
}

func restartAction(service string) models.RecoveryAction {
	return models.RecoveryAction{
		ID:      "act-1",
		Type:    models.ActionRestartContainer,
		Service: service,
		Parameters: map[string]string{
			"container":  service + "-ctr",
			"health_url": "http://" + service + ":8080/health",
		},
	}
}

func TestRestartWaitsForHealthy(t *testing.T) {
	cp := &fakeControlPlane{}
	prober := &fakeProber{healthyAfter: 2}
	exec := NewExecutor(nil, fastExecConfig(), cp, prober, nil, nil, nil, nil)

	result := exec.Execute(context.Background(), restartAction("checkout"))
	if !result.Success {
		t.Fatalf("expected success, got failure: %s", result.Message)
	}
	if cp.restartCount() != 1 {
		t.Fatalf("expected 1 restart, got %d", cp.restartCount())
	}
	if prober.probes < 3 {
		t.Fatalf("expected at least 3 probes before healthy, got %d", prober.probes)
	}
}

func TestRestartFailsWhenHealthNeverReturns(t *testing.T) {
	cp := &fakeControlPlane{}
	prober := &fakeProber{healthyAfter: 1 << 30}
	exec := NewExecutor(nil, fastExecConfig(), cp, prober, nil, nil, nil, nil)

	result := exec.Execute(context.Background(), restartAction("checkout"))
	if result.Success {
		t.Fatal("expected failure when service never turns healthy")
	}
	if !strings.Contains(result.Message, "timed out") {
		t.Fatalf("expected timeout message, got %q", result.Message)
	}
}

func TestRestartErrorBecomesFailureResult(t *testing.T) {
	cp := &fakeControlPlane{restartErr: errors.New("daemon unreachable")}
	exec := NewExecutor(nil, fastExecConfig(), cp, &fakeProber{}, nil, nil, nil, nil)

	result := exec.Execute(context.Background(), restartAction("checkout"))
	if result.Success {
		t.Fatal("expected failure when restart errors")
	}
	if !strings.Contains(result.Message, "daemon unreachable") {
		t.Fatalf("expected restart error in message, got %q", result.Message)
	}
}

func TestGracefulRestartFallsBackOnStopError(t *testing.T) {
	cp := &fakeControlPlane{stopErr: errors.New("no signal support")}
	prober := &fakeProber{}
	exec := NewExecutor(nil, fastExecConfig(), cp, prober, nil, nil, nil, nil)

	action := restartAction("checkout")
	action.Type = models.ActionGracefulRestart

	result := exec.Execute(context.Background(), action)
	if !result.Success {
		t.Fatalf("expected fallback restart to succeed, got %s", result.Message)
	}
	if cp.restartCount() != 1 {
		t.Fatalf("expected fallback to hard restart, got %d restarts", cp.restartCount())
	}
}

func TestGracefulRestartStartsStoppedContainer(t *testing.T) {
	cp := &fakeControlPlane{running: false}
	prober := &fakeProber{}
	exec := NewExecutor(nil, fastExecConfig(), cp, prober, nil, nil, nil, nil)

	action := restartAction("checkout")
	action.Type = models.ActionGracefulRestart

	result := exec.Execute(context.Background(), action)
	if !result.Success {
		t.Fatalf("expected graceful restart to succeed, got %s", result.Message)
	}
	if len(cp.stops) != 1 || len(cp.starts) != 1 {
		t.Fatalf("expected stop then start, got stops=%d starts=%d", len(cp.stops), len(cp.starts))
	}
	if cp.restartCount() != 0 {
		t.Fatalf("expected no hard restart on graceful path, got %d", cp.restartCount())
	}
}

func TestClearCacheFlushesNamespace(t *testing.T) {
	cache := &fakeCache{}
	exec := NewExecutor(nil, fastExecConfig(), nil, nil, cache, nil, nil, nil)

	action := restartAction("checkout")
	action.Type = models.ActionClearCache

	result := exec.Execute(context.Background(), action)
	if !result.Success {
		t.Fatalf("expected success, got %s", result.Message)
	}
	if len(cache.flushes) != 1 || cache.flushes[0] != "checkout" {
		t.Fatalf("expected one flush for checkout, got %v", cache.flushes)
	}
}

func TestDatabaseMaintenanceNoOpWithoutMaintainer(t *testing.T) {
	exec := NewExecutor(nil, fastExecConfig(), nil, nil, nil, nil, nil, nil)

	for _, actionType := range []models.ActionType{models.ActionDatabaseMaintenance, models.ActionRebuildIndex} {
		action := restartAction("checkout")
		action.Type = actionType
		result := exec.Execute(context.Background(), action)
		if !result.Success {
			t.Fatalf("%s: expected no-op success, got %s", actionType, result.Message)
		}
	}
}

type recordingResetter struct {
	resets []string
}

func (r *recordingResetter) ResetHistory(service string) {
	r.resets = append(r.resets, service)
}

func TestHealthCheckResetIsIdempotent(t *testing.T) {
	store := features.NewStore(10)
	store.Append(models.HealthSample{Service: "checkout", Timestamp: time.Now(), Features: map[string]float64{models.FeatureCPUUsage: 50}})
	resetter := &recordingResetter{}
	exec := NewExecutor(nil, fastExecConfig(), nil, nil, nil, nil, store, resetter)

	action := restartAction("checkout")
	action.Type = models.ActionHealthCheckReset

	for i := 0; i < 2; i++ {
		result := exec.Execute(context.Background(), action)
		if !result.Success {
			t.Fatalf("run %d: expected success, got %s", i, result.Message)
		}
	}
	if store.Len("checkout") != 0 {
		t.Fatalf("expected feature history cleared, got %d samples", store.Len("checkout"))
	}
	if len(resetter.resets) != 2 {
		t.Fatalf("expected score reset on every run, got %d", len(resetter.resets))
	}
}

func TestEmergencyRollbackNeedsBothSteps(t *testing.T) {
	cp := &fakeControlPlane{}
	cache := &fakeCache{err: errors.New("flush refused")}
	exec := NewExecutor(nil, fastExecConfig(), cp, &fakeProber{}, cache, nil, nil, nil)

	action := restartAction("checkout")
	action.Type = models.ActionEmergencyRollback

	result := exec.Execute(context.Background(), action)
	if result.Success {
		t.Fatal("expected failure when cache flush fails after restart")
	}
	if cp.restartCount() != 1 {
		t.Fatalf("expected restart before flush, got %d restarts", cp.restartCount())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	exec := NewExecutor(nil, fastExecConfig(), nil, nil, nil, nil, nil, nil)
	exec.Register(models.ActionClearCache, HandlerFunc(func(context.Context, models.RecoveryAction) Result {
		panic("boom")
	}))

	action := restartAction("checkout")
	action.Type = models.ActionClearCache

	result := exec.Execute(context.Background(), action)
	if result.Success {
		t.Fatal("expected failure result from panicking handler")
	}
	if !strings.Contains(result.Message, "handler panic") {
		t.Fatalf("expected panic message, got %q", result.Message)
	}
}

func TestUnknownActionTypeFails(t *testing.T) {
	exec := NewExecutor(nil, fastExecConfig(), nil, nil, nil, nil, nil, nil)

	action := restartAction("checkout")
	action.Type = models.ActionType("DEFRAGMENT_DISK")

	result := exec.Execute(context.Background(), action)
	if result.Success {
		t.Fatal("expected failure for unregistered action type")
	}
}
