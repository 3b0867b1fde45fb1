package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Monitor.HealthThreshold != 0.5 {
		t.Fatalf("expected default threshold 0.5, got %f", cfg.Monitor.HealthThreshold)
	}
	if cfg.Monitor.MinSamplesToScore != 10 || cfg.Monitor.MinSamplesToTrain != 100 {
		t.Fatalf("unexpected sample minimums: %d/%d", cfg.Monitor.MinSamplesToScore, cfg.Monitor.MinSamplesToTrain)
	}
	if cfg.Recovery.MaxConcurrent != 1 {
		t.Fatalf("expected single execution slot by default, got %d", cfg.Recovery.MaxConcurrent)
	}
	if cfg.Recovery.HealthWaitTimeout != 120*time.Second {
		t.Fatalf("unexpected health wait timeout: %v", cfg.Recovery.HealthWaitTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	payload := []byte(`
monitor:
  healthThreshold: 0.6
  services:
    - name: api
      container: api-1
      healthCheckURL: http://api:8080/health
      dependencies: [postgres, redis]
      strategies: [GRACEFUL_RESTART, RESTART_CONTAINER]
recovery:
  cooldown: 2m
coordination:
  enabled: true
  addr: localhost:6379
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.HealthThreshold != 0.6 {
		t.Fatalf("expected threshold 0.6, got %f", cfg.Monitor.HealthThreshold)
	}
	svc, ok := cfg.Service("api")
	if !ok {
		t.Fatalf("expected service api")
	}
	if len(svc.Dependencies) != 2 || svc.Dependencies[0] != "postgres" {
		t.Fatalf("unexpected dependencies: %v", svc.Dependencies)
	}
	if svc.Strategies[0] != "GRACEFUL_RESTART" {
		t.Fatalf("unexpected strategies: %v", svc.Strategies)
	}
	if cfg.Recovery.Cooldown != 2*time.Minute {
		t.Fatalf("expected 2m cooldown, got %v", cfg.Recovery.Cooldown)
	}
	if !cfg.Coordination.Enabled || cfg.Coordination.Addr != "localhost:6379" {
		t.Fatalf("coordination config not applied")
	}
}

func TestLoadRejectsDuplicateServices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	payload := []byte(`
monitor:
  services:
    - name: api
    - name: api
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate service error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_HEALTH_THRESHOLD", "0.7")
	t.Setenv("SENTINEL_COORD_ENABLED", "true")
	t.Setenv("SENTINEL_COORD_ADDR", "valkey:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.HealthThreshold != 0.7 {
		t.Fatalf("env threshold not applied: %f", cfg.Monitor.HealthThreshold)
	}
	if !cfg.Coordination.Enabled || cfg.Coordination.Addr != "valkey:6379" {
		t.Fatalf("env coordination overrides not applied")
	}
}
