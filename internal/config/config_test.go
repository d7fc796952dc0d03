package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/slo"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIRADOR_SRE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.SLO.Interval != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg.Server)
	}
	if cfg.Detector.Goroutines.Critical == 0 || !cfg.Detector.Deadlock.Enabled {
		t.Fatalf("detector defaults missing: %+v", cfg.Detector)
	}
	if cfg.Capacity.Margins["memory"] != 1.5 {
		t.Fatalf("capacity margins missing: %+v", cfg.Capacity.Margins)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
logging:
  level: debug
detector:
  interval: 5s
  goroutines:
    warning: 100
    critical: 200
history:
  backend: prometheus
  prometheus:
    address: http://prometheus:9090
slo:
  definitions:
    - name: checkout-availability
      target: 99.9
      window: 720h
      sli:
        type: availability
        good: 'http_requests_total{code!~"5.."}'
        total: http_requests_total
      alerts:
        - type: burn_rate
          threshold: 2
          severity: critical
capacity:
  metrics: [go_goroutines]
  schedule: "0 * * * *"
  margins:
    memory: 1.8
`)
	t.Setenv("MIRADOR_SRE_LOG_FORMAT", "json")
	t.Setenv("MIRADOR_SRE_SLO_INTERVAL", "30s")
	t.Setenv("MIRADOR_SRE_CACHE_DB", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Logging.Level != "debug" || !cfg.Logging.JSON {
		t.Fatalf("server/logging not applied: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Detector.Interval != 5*time.Second || cfg.Detector.Goroutines.Critical != 200 {
		t.Fatalf("detector not applied: %+v", cfg.Detector)
	}
	if cfg.Detector.MemoryBytes.Critical == 0 {
		t.Fatalf("unset detector fields lost their defaults")
	}
	if cfg.SLO.Interval != 30*time.Second || cfg.Cache.DB != 3 {
		t.Fatalf("env overrides not applied")
	}
	if len(cfg.SLO.Definitions) != 1 {
		t.Fatalf("expected one slo, got %d", len(cfg.SLO.Definitions))
	}
	def := cfg.SLO.Definitions[0]
	if def.Window != 30*24*time.Hour || def.SLI.Type != models.SLIAvailability || def.SLI.GoodQuery == "" {
		t.Fatalf("slo definition not decoded: %+v", def)
	}
	if len(def.AlertRules) != 1 || def.AlertRules[0].Type != slo.RuleBurnRate || def.AlertRules[0].Severity != models.SeverityCritical {
		t.Fatalf("alert rules not decoded: %+v", def.AlertRules)
	}
	if cfg.Capacity.Margins["memory"] != 1.8 || cfg.Capacity.Margins["concurrency"] != 1.2 {
		t.Fatalf("capacity margins not merged: %+v", cfg.Capacity.Margins)
	}
	if len(cfg.Capacity.Metrics) != 1 || cfg.Capacity.Schedule != "0 * * * *" {
		t.Fatalf("capacity not decoded: %+v", cfg.Capacity)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero sampler interval": func(c *Config) { c.Sampler.Interval = 0 },
		"negative slo interval": func(c *Config) { c.SLO.Interval = -time.Second },
		"unknown history":       func(c *Config) { c.History.Backend = "graphite" },
		"prometheus no address": func(c *Config) { c.History.Backend = HistoryPrometheus },
		"weaviate no endpoint":  func(c *Config) { c.Store.Backend = StoreWeaviate },
		"cache no addr":         func(c *Config) { c.Cache.Enabled = true },
		"diagnostics no secret": func(c *Config) { c.Diagnostics.Enabled = true },
		"bad schedule":          func(c *Config) { c.Capacity.Schedule = "whenever" },
		"slo without history": func(c *Config) {
			c.SLO.Definitions = []slo.Definition{{Name: "a", Target: 99, Window: time.Hour,
				SLI: models.SLI{Type: models.SLIAvailability, Query: "up"}}}
		},
		"invalid slo": func(c *Config) {
			c.History.Backend = HistoryCore
			c.History.Core.BaseURL = "http://core"
			c.SLO.Definitions = []slo.Definition{{Name: "a", Target: 120, Window: time.Hour,
				SLI: models.SLI{Type: models.SLIAvailability, Query: "up"}}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}

	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
