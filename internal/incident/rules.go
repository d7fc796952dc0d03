package incident

import (
	"fmt"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/sampler"
)

// Tiers holds warning and critical thresholds. A zero tier is disabled.
type Tiers struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ThresholdRule raises an incident when a registry gauge crosses a tier.
type ThresholdRule struct {
	Type   models.IncidentType
	Metric string
	Tiers  Tiers
	Title  string
	Unit   string
}

// Check returns the highest tier breached by value.
func (r ThresholdRule) Check(value float64) (models.Severity, bool) {
	switch {
	case r.Tiers.Critical > 0 && value >= r.Tiers.Critical:
		return models.SeverityCritical, true
	case r.Tiers.Warning > 0 && value >= r.Tiers.Warning:
		return models.SeverityWarning, true
	default:
		return "", false
	}
}

func (r ThresholdRule) describe(value float64, sev models.Severity) string {
	limit := r.Tiers.Warning
	if sev == models.SeverityCritical {
		limit = r.Tiers.Critical
	}
	return fmt.Sprintf("%s is %s, at or above the %s threshold of %s",
		r.Metric, formatValue(value, r.Unit), sev, formatValue(limit, r.Unit))
}

// DefaultRules builds the runtime rules from cfg.
func DefaultRules(cfg Config) []ThresholdRule {
	return []ThresholdRule{
		{
			Type:   models.IncidentGoroutineLeak,
			Metric: sampler.MetricGoroutines,
			Tiers:  cfg.Goroutines,
			Title:  "goroutine count above threshold",
		},
		{
			Type:   models.IncidentMemoryPressure,
			Metric: sampler.MetricMemoryInUse,
			Tiers:  cfg.MemoryBytes,
			Title:  "memory in use above threshold",
			Unit:   "bytes",
		},
		{
			Type:   models.IncidentGCPause,
			Metric: sampler.MetricGCPause,
			Tiers:  cfg.GCPauseSeconds,
			Title:  "garbage collection pause above threshold",
			Unit:   "seconds",
		},
	}
}

func formatValue(v float64, unit string) string {
	switch unit {
	case "bytes":
		return fmt.Sprintf("%.1f MiB", v/(1<<20))
	case "seconds":
		return fmt.Sprintf("%.0f ms", v*1000)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}
