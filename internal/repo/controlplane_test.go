package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestControlPlaneOperations(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		if r.URL.Path == "/containers/api-1/status" {
			_ = json.NewEncoder(w).Encode(ContainerStatus{Name: "api-1", Running: true, RestartCount: 2})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewControlPlaneClient(server.URL, time.Second)
	ctx := context.Background()

	if err := client.StartContainer(ctx, "api-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.RestartContainer(ctx, "api-1", 30*time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := client.SignalStop(ctx, "api-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	status, err := client.Status(ctx, "api-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running || status.RestartCount != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	expected := []string{
		"/containers/api-1/start",
		"/containers/api-1/restart",
		"/containers/api-1/stop",
		"/containers/api-1/status",
	}
	if len(calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d", len(expected), len(calls))
	}
	for i, path := range expected {
		if calls[i] != path {
			t.Fatalf("call %d: expected %s, got %s", i, path, calls[i])
		}
	}
}

func TestControlPlaneBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewControlPlaneClient(server.URL, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := client.StartContainer(ctx, "api-1"); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	// Breaker should now reject without reaching the server.
	before := time.Now()
	err := client.StartContainer(ctx, "api-1")
	if err == nil {
		t.Fatalf("expected breaker to reject call")
	}
	if time.Since(before) > 100*time.Millisecond {
		t.Fatalf("breaker rejection should be immediate")
	}
}

func TestControlPlaneUnconfigured(t *testing.T) {
	client := NewControlPlaneClient("", time.Second)
	if err := client.StartContainer(context.Background(), "api-1"); err == nil {
		t.Fatalf("expected error for unconfigured control plane")
	}
	if _, err := client.Status(context.Background(), "api-1"); err == nil {
		t.Fatalf("expected status error for unconfigured control plane")
	}
}
