package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

// Config captures the settings required to boot the health engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Clients      ClientsConfig      `yaml:"clients"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Audit        AuditConfig        `yaml:"audit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig controls the metrics listener and shutdown behaviour.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups the external collaborators the engine talks to.
type ClientsConfig struct {
	Telemetry    TelemetryClientConfig    `yaml:"telemetry"`
	ControlPlane ControlPlaneClientConfig `yaml:"controlPlane"`
}

// TelemetryClientConfig configures access to the telemetry backend.
type TelemetryClientConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	QueryPath    string        `yaml:"queryPath"`
	Timeout      time.Duration `yaml:"timeout"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

// ControlPlaneClientConfig configures the container control plane.
type ControlPlaneClientConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServiceConfig declares one monitored service.
type ServiceConfig struct {
	Name           string   `yaml:"name"`
	Container      string   `yaml:"container"`
	HealthCheckURL string   `yaml:"healthCheckURL"`
	Dependencies   []string `yaml:"dependencies"`
	Strategies     []string `yaml:"strategies"`
}

// MonitorConfig controls collection, scoring and training cadence.
type MonitorConfig struct {
	Services          []ServiceConfig `yaml:"services"`
	HealthThreshold   float64         `yaml:"healthThreshold"`
	CollectInterval   time.Duration   `yaml:"collectInterval"`
	RetrainInterval   time.Duration   `yaml:"retrainInterval"`
	HistorySize       int             `yaml:"historySize"`
	MinSamplesToScore int             `yaml:"minSamplesToScore"`
	MinSamplesToTrain int             `yaml:"minSamplesToTrain"`
	RestartLookback   time.Duration   `yaml:"restartLookback"`
}

// RecoveryConfig controls the orchestrator and executor.
type RecoveryConfig struct {
	TriggerInterval    time.Duration `yaml:"triggerInterval"`
	ExecuteInterval    time.Duration `yaml:"executeInterval"`
	EscalationInterval time.Duration `yaml:"escalationInterval"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxConcurrent      int           `yaml:"maxConcurrent"`
	RestartTimeout     time.Duration `yaml:"restartTimeout"`
	GracefulStopWait   time.Duration `yaml:"gracefulStopWait"`
	HealthWaitTimeout  time.Duration `yaml:"healthWaitTimeout"`
	HealthWaitInterval time.Duration `yaml:"healthWaitInterval"`
	ActionRetention    time.Duration `yaml:"actionRetention"`
	EscalationLimit    int           `yaml:"escalationLimit"`
	EscalationWindow   time.Duration `yaml:"escalationWindow"`
	HealthyResetCycles int           `yaml:"healthyResetCycles"`
}

// CoordinationConfig controls the durable TTL-keyed coordination store.
type CoordinationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	TLS           bool          `yaml:"tls"`
	ScoreTTL      time.Duration `yaml:"scoreTTL"`
	PredictionTTL time.Duration `yaml:"predictionTTL"`
	ActionTTL     time.Duration `yaml:"actionTTL"`
}

// AuditConfig controls the per-service audit trail.
type AuditConfig struct {
	MaxEvents int `yaml:"maxEvents"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, utils.NewAppError("config.load", "parse "+path, err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, utils.NewAppError("config.load", "invalid configuration", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Telemetry: TelemetryClientConfig{
				QueryPath:    "/api/v1/query",
				Timeout:      5 * time.Second,
				ProbeTimeout: 5 * time.Second,
			},
			ControlPlane: ControlPlaneClientConfig{
				Timeout: 30 * time.Second,
			},
		},
		Monitor: MonitorConfig{
			HealthThreshold:   0.5,
			CollectInterval:   30 * time.Second,
			RetrainInterval:   10 * time.Minute,
			HistorySize:       1000,
			MinSamplesToScore: 10,
			MinSamplesToTrain: 100,
			RestartLookback:   time.Hour,
		},
		Recovery: RecoveryConfig{
			TriggerInterval:    30 * time.Second,
			ExecuteInterval:    10 * time.Second,
			EscalationInterval: 30 * time.Minute,
			CleanupInterval:    time.Hour,
			Cooldown:           5 * time.Minute,
			MaxConcurrent:      1,
			RestartTimeout:     30 * time.Second,
			GracefulStopWait:   10 * time.Second,
			HealthWaitTimeout:  120 * time.Second,
			HealthWaitInterval: 2 * time.Second,
			ActionRetention:    24 * time.Hour,
			EscalationLimit:    5,
			EscalationWindow:   time.Hour,
			HealthyResetCycles: 3,
		},
		Coordination: CoordinationConfig{
			Enabled:       false,
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			ScoreTTL:      5 * time.Minute,
			PredictionTTL: 10 * time.Minute,
			ActionTTL:     time.Hour,
		},
		Audit:   AuditConfig{MaxEvents: 100},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func validate(cfg *Config) error {
	if cfg.Monitor.HealthThreshold <= 0 || cfg.Monitor.HealthThreshold >= 1 {
		return fmt.Errorf("monitor.healthThreshold must be in (0,1), got %f", cfg.Monitor.HealthThreshold)
	}
	if cfg.Recovery.MaxConcurrent < 1 {
		return fmt.Errorf("recovery.maxConcurrent must be at least 1")
	}
	seen := make(map[string]struct{}, len(cfg.Monitor.Services))
	for _, svc := range cfg.Monitor.Services {
		if svc.Name == "" {
			return fmt.Errorf("monitor.services entries require a name")
		}
		if _, ok := seen[svc.Name]; ok {
			return fmt.Errorf("monitor.services contains duplicate %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_TELEMETRY_URL"); v != "" {
		cfg.Clients.Telemetry.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_CONTROL_PLANE_URL"); v != "" {
		cfg.Clients.ControlPlane.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_HEALTH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.HealthThreshold = f
		}
	}
	if v := os.Getenv("SENTINEL_COLLECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.CollectInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_RETRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.RetrainInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.Cooldown = d
		}
	}
	if v := os.Getenv("SENTINEL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_COORD_ADDR"); v != "" {
		cfg.Coordination.Addr = v
	}
	if v := os.Getenv("SENTINEL_COORD_ENABLED"); v != "" {
		cfg.Coordination.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SENTINEL_COORD_USERNAME"); v != "" {
		cfg.Coordination.Username = v
	}
	if v := os.Getenv("SENTINEL_COORD_PASSWORD"); v != "" {
		cfg.Coordination.Password = v
	}
	if v := os.Getenv("SENTINEL_COORD_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Coordination.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_COORD_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Coordination.TLS = true
	}
}

// Service looks up a monitored service by name.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Monitor.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// ServiceNames returns the configured service names in declaration order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Monitor.Services))
	for _, svc := range c.Monitor.Services {
		names = append(names, svc.Name)
	}
	return names
}
