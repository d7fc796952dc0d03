package incident

import (
	"context"
	"runtime"
	"time"

	"github.com/miradorstack/mirador-sre/internal/diagnostics"
)

// DeadlockConfig tunes the potential-deadlock heuristic.
type DeadlockConfig struct {
	Enabled bool `yaml:"enabled"`
	// ProbeInterval separates the two goroutine samples of one probe.
	ProbeInterval time.Duration `yaml:"probeInterval"`
	// Every is the pause between probes.
	Every time.Duration `yaml:"every"`
	// Floor is the goroutine count the second sample must exceed.
	Floor int `yaml:"floor"`
	// BlockedFraction is the share of goroutines that must be waiting on
	// sync primitives.
	BlockedFraction float64 `yaml:"blockedFraction"`
}

// DeadlockFinding is the outcome of one probe.
type DeadlockFinding struct {
	Before    int
	After     int
	Blocked   int
	Sampled   int
	Fraction  float64
	States    []string
	Suspected bool
}

// DeadlockProbe is a best-effort heuristic: goroutine growth plus a
// majority of stacks parked on sync primitives suggests a lock cycle.
// Bursty load can look the same, so findings are warnings only.
type DeadlockProbe struct {
	cfg   DeadlockConfig
	count func() int
	dump  func() (string, error)
}

// NewDeadlockProbe builds a probe over the live runtime.
func NewDeadlockProbe(cfg DeadlockConfig) *DeadlockProbe {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.BlockedFraction <= 0 || cfg.BlockedFraction > 1 {
		cfg.BlockedFraction = 0.5
	}
	return &DeadlockProbe{cfg: cfg, count: runtime.NumGoroutine, dump: diagnostics.GoroutineDump}
}

// Probe samples at T0, waits ProbeInterval and samples again at T1.
func (p *DeadlockProbe) Probe(ctx context.Context) (DeadlockFinding, error) {
	finding := DeadlockFinding{Before: p.count()}

	timer := time.NewTimer(p.cfg.ProbeInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return finding, ctx.Err()
	case <-timer.C:
	}

	finding.After = p.count()
	if finding.After <= finding.Before || finding.After <= p.cfg.Floor {
		return finding, nil
	}

	dump, err := p.dump()
	if err != nil {
		return finding, err
	}
	summary := diagnostics.ParseDump(dump)
	finding.Sampled = summary.Total
	finding.Blocked = summary.Blocked
	finding.Fraction = summary.BlockedFraction()
	finding.States = summary.BlockedStates()
	finding.Suspected = finding.Fraction > p.cfg.BlockedFraction
	return finding, nil
}

func (f DeadlockFinding) metadata() map[string]float64 {
	return map[string]float64{
		"goroutines_t0":    float64(f.Before),
		"goroutines_t1":    float64(f.After),
		"blocked":          float64(f.Blocked),
		"blocked_fraction": f.Fraction,
	}
}
