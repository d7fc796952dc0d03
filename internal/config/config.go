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

	"github.com/miradorstack/mirador-sre/internal/capacity"
	"github.com/miradorstack/mirador-sre/internal/incident"
	"github.com/miradorstack/mirador-sre/internal/slo"
)

// Config captures every setting needed to boot the reliability service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Sampler     SamplerConfig     `yaml:"sampler"`
	Health      HealthConfig      `yaml:"health"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Detector    incident.Config   `yaml:"detector"`
	SLO         SLOConfig         `yaml:"slo"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	History     HistoryConfig     `yaml:"history"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Runbook     RunbookConfig     `yaml:"runbook"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Version         string        `yaml:"version"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SamplerConfig controls runtime sampling.
type SamplerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig controls periodic health evaluation.
type HealthConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timeout  time.Duration  `yaml:"timeout"`
	Targets  []HealthTarget `yaml:"targets"`
}

// HealthTarget is an HTTP dependency probed with a GET.
type HealthTarget struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// InstrumentConfig controls request instrumentation.
type InstrumentConfig struct {
	// MaxInFlight caps concurrent requests; zero disables the cap until
	// remediation installs one.
	MaxInFlight int `yaml:"maxInFlight"`
}

// SLOConfig controls the SLO engine and its definitions.
type SLOConfig struct {
	Interval     time.Duration    `yaml:"interval"`
	QueryTimeout time.Duration    `yaml:"queryTimeout"`
	Concurrency  int              `yaml:"concurrency"`
	Definitions  []slo.Definition `yaml:"definitions"`
}

// CapacityConfig wraps planner tuning with its schedule.
type CapacityConfig struct {
	capacity.Config `yaml:",inline"`
	Timeout         time.Duration `yaml:"timeout"`
}

// HistoryConfig selects the metric history backend used by the SLO engine
// and the capacity planner.
type HistoryConfig struct {
	Backend    string           `yaml:"backend"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Core       CoreClientConfig `yaml:"core"`
}

// PrometheusConfig configures the Prometheus HTTP API client.
type PrometheusConfig struct {
	Address   string        `yaml:"address"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxPoints int           `yaml:"maxPoints"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// CoreClientConfig configures access to mirador-core APIs.
type CoreClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	MetricsPath string        `yaml:"metricsPath"`
	SLIPath     string        `yaml:"sliPath"`
	HealthPath  string        `yaml:"healthPath"`
	TenantID    string        `yaml:"tenantID"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
}

// CacheConfig controls Redis-backed caching of history queries.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	PoolSize     int           `yaml:"poolSize"`
}

// StoreConfig selects where incidents are persisted.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig configures the Weaviate incident store.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AlertingConfig controls alert delivery. Alerts are always logged.
type AlertingConfig struct {
	Alertmanager AlertmanagerConfig `yaml:"alertmanager"`
}

// AlertmanagerConfig configures the Alertmanager v2 sink; an empty URL disables it.
type AlertmanagerConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	ResolveAfter      time.Duration `yaml:"resolveAfter"`
	Source            string        `yaml:"source"`
}

// DiagnosticsConfig gates the on-demand diagnostics endpoints.
type DiagnosticsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwtSecret"`
	Role      string `yaml:"role"`
}

// RunbookConfig points at the remediation hint rule pack.
type RunbookConfig struct {
	Path string `yaml:"path"`
}

// History and store backends.
const (
	HistoryNone       = "none"
	HistoryPrometheus = "prometheus"
	HistoryCore       = "core"

	StoreMemory   = "memory"
	StoreWeaviate = "weaviate"
)

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_SRE_CONFIG")
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
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config { return defaultConfig() }

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GRPCAddress:     ":50051",
			GracefulTimeout: 10 * time.Second,
			Version:         "dev",
		},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Sampler:  SamplerConfig{Interval: 15 * time.Second},
		Health:   HealthConfig{Interval: 30 * time.Second, Timeout: 5 * time.Second},
		Detector: incident.DefaultConfig(),
		SLO: SLOConfig{
			Interval:     time.Minute,
			QueryTimeout: 10 * time.Second,
			Concurrency:  8,
		},
		Capacity: CapacityConfig{
			Config:  capacity.DefaultConfig(),
			Timeout: 5 * time.Minute,
		},
		History: HistoryConfig{
			Backend: HistoryNone,
			Prometheus: PrometheusConfig{
				Timeout:   10 * time.Second,
				MaxPoints: 240,
				CacheTTL:  time.Minute,
			},
			Core: CoreClientConfig{
				MetricsPath: "/api/v1/metrics/series",
				SLIPath:     "/api/v1/slo/indicator",
				HealthPath:  "/health",
				Timeout:     5 * time.Second,
				CacheTTL:    time.Minute,
			},
		},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "mirador-sre:",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Store: StoreConfig{
			Backend:  StoreMemory,
			Weaviate: WeaviateConfig{Timeout: 5 * time.Second},
		},
		Alerting: AlertingConfig{
			Alertmanager: AlertmanagerConfig{
				Timeout:           5 * time.Second,
				RequestsPerSecond: 2,
				Burst:             5,
				Source:            "mirador-sre",
			},
		},
		Diagnostics: DiagnosticsConfig{Enabled: false, Role: "admin"},
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"sampler.interval":         c.Sampler.Interval,
		"health.interval":          c.Health.Interval,
		"health.timeout":           c.Health.Timeout,
		"detector.interval":        c.Detector.Interval,
		"slo.interval":             c.SLO.Interval,
		"slo.queryTimeout":         c.SLO.QueryTimeout,
		"server.gracefulTimeout":   c.Server.GracefulTimeout,
		"capacity.horizon":         c.Capacity.Horizon,
		"capacity.historyWindow":   c.Capacity.HistoryWindow,
		"detector.remediationTime": c.Detector.RemediationTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Detector.Deadlock.Enabled && (c.Detector.Deadlock.ProbeInterval <= 0 || c.Detector.Deadlock.Every <= 0) {
		errs = append(errs, errors.New("detector.deadlock intervals must be positive when enabled"))
	}
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}

	switch c.History.Backend {
	case "", HistoryNone:
		if len(c.SLO.Definitions) > 0 {
			errs = append(errs, errors.New("slo definitions require a history backend"))
		}
	case HistoryPrometheus:
		if c.History.Prometheus.Address == "" {
			errs = append(errs, errors.New("history.prometheus.address is required"))
		}
	case HistoryCore:
		if c.History.Core.BaseURL == "" {
			errs = append(errs, errors.New("history.core.baseURL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}

	switch c.Store.Backend {
	case "", StoreMemory:
	case StoreWeaviate:
		if c.Store.Weaviate.Endpoint == "" {
			errs = append(errs, errors.New("store.weaviate.endpoint is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}
	if c.Diagnostics.Enabled && c.Diagnostics.JWTSecret == "" {
		errs = append(errs, errors.New("diagnostics.jwtSecret is required when diagnostics are enabled"))
	}
	if c.Capacity.Schedule != "" {
		if err := capacity.ValidateSchedule(c.Capacity.Schedule); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(c.SLO.Definitions))
	for _, def := range c.SLO.Definitions {
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[def.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate slo %q", def.Name))
		}
		seen[def.Name] = struct{}{}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_SRE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_SRE_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("MIRADOR_SRE_VERSION"); v != "" {
		cfg.Server.Version = v
	}
	if v := os.Getenv("MIRADOR_SRE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_SRE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	envDuration("MIRADOR_SRE_SAMPLER_INTERVAL", &cfg.Sampler.Interval)
	envDuration("MIRADOR_SRE_DETECTOR_INTERVAL", &cfg.Detector.Interval)
	envDuration("MIRADOR_SRE_SLO_INTERVAL", &cfg.SLO.Interval)
	envInt("MIRADOR_SRE_MAX_IN_FLIGHT", &cfg.Instrument.MaxInFlight)

	if v := os.Getenv("MIRADOR_SRE_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("MIRADOR_SRE_PROMETHEUS_URL"); v != "" {
		cfg.History.Prometheus.Address = v
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.History.Core.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_CORE_TENANT_ID"); v != "" {
		cfg.History.Core.TenantID = v
	}

	envBool("MIRADOR_SRE_CACHE_ENABLED", &cfg.Cache.Enabled)
	if v := os.Getenv("MIRADOR_SRE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_SRE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_SRE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	envInt("MIRADOR_SRE_CACHE_DB", &cfg.Cache.DB)
	envDuration("MIRADOR_SRE_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	envDuration("MIRADOR_SRE_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	envDuration("MIRADOR_SRE_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	envInt("MIRADOR_SRE_CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)

	if v := os.Getenv("MIRADOR_SRE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MIRADOR_SRE_WEAVIATE_URL"); v != "" {
		cfg.Store.Weaviate.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_SRE_WEAVIATE_API_KEY"); v != "" {
		cfg.Store.Weaviate.APIKey = v
	}

	if v := os.Getenv("MIRADOR_SRE_ALERTMANAGER_URL"); v != "" {
		cfg.Alerting.Alertmanager.URL = v
	}

	envBool("MIRADOR_SRE_DIAGNOSTICS_ENABLED", &cfg.Diagnostics.Enabled)
	if v := os.Getenv("MIRADOR_SRE_DIAGNOSTICS_JWT_SECRET"); v != "" {
		cfg.Diagnostics.JWTSecret = v
	}
	if v := os.Getenv("MIRADOR_SRE_RUNBOOK_PATH"); v != "" {
		cfg.Runbook.Path = v
	}
	if v := os.Getenv("MIRADOR_SRE_CAPACITY_SCHEDULE"); v != "" {
		cfg.Capacity.Schedule = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
