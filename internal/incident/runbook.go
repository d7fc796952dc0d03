package incident

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-sre/internal/models"
)

// Runbook maps incident types and severities to operator hints.
type Runbook struct {
	rules []RunbookRule
}

// RunbookRule attaches hints to matching incidents.
type RunbookRule struct {
	ID    string       `yaml:"id"`
	Match RunbookMatch `yaml:"match"`
	Hints []string     `yaml:"hints"`
}

// RunbookMatch filters by incident type and minimum severity. Empty fields match anything.
type RunbookMatch struct {
	Type        string `yaml:"type"`
	MinSeverity string `yaml:"min_severity"`
}

type runbookFile struct {
	Rules []RunbookRule `yaml:"rules"`
}

// LoadRunbook reads rules from path. An empty path or a missing file yields
// the built-in runbook.
func LoadRunbook(path string) (*Runbook, error) {
	if path == "" {
		return DefaultRunbook(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRunbook(), nil
		}
		return nil, err
	}
	return ParseRunbook(data)
}

// ParseRunbook decodes a YAML rule pack.
func ParseRunbook(data []byte) (*Runbook, error) {
	var file runbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &Runbook{rules: file.Rules}, nil
}

// DefaultRunbook returns the built-in hints.
func DefaultRunbook() *Runbook {
	return &Runbook{rules: []RunbookRule{
		{
			ID:    "goroutine-leak",
			Match: RunbookMatch{Type: string(models.IncidentGoroutineLeak)},
			Hints: []string{
				"Compare goroutine dumps across two captures to find stacks that keep growing",
				"Check for missing context cancellation on outbound calls",
			},
		},
		{
			ID:    "memory-pressure",
			Match: RunbookMatch{Type: string(models.IncidentMemoryPressure)},
			Hints: []string{"Inspect the attached heap profile for the largest in-use allocators"},
		},
		{
			ID:    "memory-pressure-critical",
			Match: RunbookMatch{Type: string(models.IncidentMemoryPressure), MinSeverity: string(models.SeverityCritical)},
			Hints: []string{"Consider lowering GOMEMLIMIT headroom or scaling out before the process is OOM-killed"},
		},
		{
			ID:    "gc-pause",
			Match: RunbookMatch{Type: string(models.IncidentGCPause)},
			Hints: []string{"Reduce allocation rate on hot paths; review GOGC and GOMEMLIMIT settings"},
		},
		{
			ID:    "potential-deadlock",
			Match: RunbookMatch{Type: string(models.IncidentPotentialDeadlock)},
			Hints: []string{
				"Heuristic finding; confirm against the goroutine dump before acting",
				"Look for lock acquisition in inconsistent order across the blocked stacks",
			},
		},
		{
			ID:    "health-degraded",
			Match: RunbookMatch{Type: string(models.IncidentHealthDegraded)},
			Hints: []string{"Check the failing dependencies listed by the health endpoint"},
		},
	}}
}

// Hints returns the de-duplicated hints of every matching rule.
func (r *Runbook) Hints(typ models.IncidentType, sev models.Severity) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, rule := range r.rules {
		if rule.Match.Type != "" && !strings.EqualFold(rule.Match.Type, string(typ)) {
			continue
		}
		if rule.Match.MinSeverity != "" && sev.Rank() < models.Severity(strings.ToLower(rule.Match.MinSeverity)).Rank() {
			continue
		}
		out = appendUnique(out, rule.Hints...)
	}
	return out
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
