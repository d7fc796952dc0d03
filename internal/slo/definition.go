package slo

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// RuleType selects which computed value an alert rule compares.
type RuleType string

const (
	// RuleBurnRate fires when the burn rate exceeds the threshold.
	RuleBurnRate RuleType = "burn_rate"
	// RuleBudgetExhaustion fires when the remaining budget drops below the threshold.
	RuleBudgetExhaustion RuleType = "budget_exhaustion"
	// RuleSLIDrop fires when the indicator drops below the threshold.
	RuleSLIDrop RuleType = "sli_drop"
)

// AlertRule is one alerting condition on an SLO.
type AlertRule struct {
	Type      RuleType        `yaml:"type" json:"type"`
	Threshold float64         `yaml:"threshold" json:"threshold"`
	Severity  models.Severity `yaml:"severity" json:"severity"`
}

// Definition is a registered objective.
type Definition struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Target      float64       `yaml:"target"`
	Window      time.Duration `yaml:"window"`
	SLI         models.SLI    `yaml:"sli"`
	AlertRules  []AlertRule   `yaml:"alerts"`
}

// ErrorBudget is the allowed failure fraction implied by Target.
func (d Definition) ErrorBudget() float64 {
	return (100 - d.Target) / 100
}

// Validate rejects definitions that cannot be evaluated.
func (d Definition) Validate() error {
	const op = "slo.Register"
	if strings.TrimSpace(d.Name) == "" {
		return utils.ConfigurationError(op, "slo name is required")
	}
	if !(d.Target > 0 && d.Target <= 100) {
		return utils.ConfigurationError(op, fmt.Sprintf("slo %s: target %v outside (0,100]", d.Name, d.Target))
	}
	if d.Window <= 0 {
		return utils.ConfigurationError(op, fmt.Sprintf("slo %s: window must be positive", d.Name))
	}
	if err := validateSLI(d.Name, d.SLI); err != nil {
		return err
	}
	for _, rule := range d.AlertRules {
		switch rule.Type {
		case RuleBurnRate, RuleBudgetExhaustion, RuleSLIDrop:
		default:
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: unknown alert rule type %q", d.Name, rule.Type))
		}
		if rule.Severity != "" && rule.Severity.Rank() == 0 {
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: unknown severity %q", d.Name, rule.Severity))
		}
	}
	return nil
}

func validateSLI(name string, sli models.SLI) error {
	const op = "slo.Register"
	if !sli.Type.Valid() {
		return utils.ConfigurationError(op, fmt.Sprintf("slo %s: unknown SLI type %q", name, sli.Type))
	}
	raw := strings.TrimSpace(sli.Query) != ""
	switch sli.Type {
	case models.SLIAvailability:
		if !raw && (sli.GoodQuery == "" || sli.TotalQuery == "") {
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: availability SLI needs a query or good and total selectors", name))
		}
	case models.SLILatency:
		if sli.Threshold <= 0 {
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: latency SLI needs a positive threshold", name))
		}
		if !raw && sli.Metric == "" {
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: latency SLI needs a query or histogram metric", name))
		}
	case models.SLIThroughput:
		if !raw && (sli.TotalQuery == "" || sli.Threshold <= 0) {
			return utils.ConfigurationError(op, fmt.Sprintf("slo %s: throughput SLI needs a query or a total selector and target rate", name))
		}
	}
	return nil
}
