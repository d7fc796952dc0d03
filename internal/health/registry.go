// Package health runs named, timeout-bounded checks and aggregates them into
// a single verdict. It reports only; acting on the verdict is left to callers.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// DefaultTimeout bounds each check when callers pass a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// MetricCheckErrors counts failed or timed-out checks, labelled by check name.
const MetricCheckErrors = "health_check_errors_total"

// Checker probes one dependency or component.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) error

// Check implements Checker.
func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Status is a check or aggregate verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check invocation.
type CheckResult struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
}

// Report aggregates one evaluation. Checks keep registration order.
type Report struct {
	Status    Status
	Checks    []CheckResult
	Timestamp time.Time
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Failed returns the names of unhealthy checks.
func (r Report) Failed() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Status != StatusHealthy {
			names = append(names, c.Name)
		}
	}
	return names
}

type registered struct {
	name    string
	checker Checker
	errors  *metrics.Series
}

// Registry is an ordered collection of checks.
type Registry struct {
	reg    *metrics.Registry
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	checks    []registered
	listeners []func(Report)
	last      *Report
}

// NewRegistry constructs an empty Registry.
func NewRegistry(reg *metrics.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{reg: reg, logger: logger, clock: time.Now}
}

// AddCheck registers a named check. Names must be unique and non-empty.
func (r *Registry) AddCheck(name string, checker Checker) error {
	const op = "health.AddCheck"
	name = strings.TrimSpace(name)
	if name == "" {
		return utils.ConfigurationError(op, "check name is required")
	}
	if checker == nil {
		return utils.ConfigurationError(op, fmt.Sprintf("check %q has no checker", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.checks {
		if c.name == name {
			return utils.ConfigurationError(op, fmt.Sprintf("check %q already registered", name))
		}
	}
	errs, err := r.reg.Register(MetricCheckErrors, metrics.KindCounter, metrics.Labels{"check": name},
		metrics.WithHelp("Health checks that failed or timed out."))
	if err != nil {
		return err
	}
	r.checks = append(r.checks, registered{name: name, checker: checker, errors: errs})
	return nil
}

// OnReport subscribes fn to every completed evaluation.
func (r *Registry) OnReport(fn func(Report)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Latest returns the most recent report, if any evaluation has run.
func (r *Registry) Latest() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Evaluate runs every check concurrently, each bounded by timeoutPerCheck.
// A check that errors or overruns its bound is unhealthy; the aggregate is
// healthy only when every check is.
func (r *Registry) Evaluate(ctx context.Context, timeoutPerCheck time.Duration) Report {
	if timeoutPerCheck <= 0 {
		timeoutPerCheck = DefaultTimeout
	}

	r.mu.RLock()
	checks := append([]registered(nil), r.checks...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = r.run(ctx, c, timeoutPerCheck)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, Checks: results, Timestamp: r.clock().UTC()}
	for _, res := range results {
		if res.Status != StatusHealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	r.mu.Lock()
	r.last = &report
	listeners := make([]func(Report), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(report)
	}
	return report
}

// run invokes one check. The check goroutine is abandoned once the bound
// passes, so a check that ignores its context cannot stall the evaluation.
func (r *Registry) run(ctx context.Context, c registered, timeout time.Duration) CheckResult {
	op := "health." + c.name
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("check panicked: %v", p)
			}
		}()
		done <- c.checker.Check(cctx)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = utils.CheckTimeoutError(op, err)
		}
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = utils.CheckTimeoutError(op, cctx.Err())
		} else {
			err = utils.NewAppError(op, "check cancelled", cctx.Err())
		}
	}

	result := CheckResult{Name: c.name, Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Err = err
		c.errors.Inc()
		r.logger.Warn("health check failed",
			slog.String("check", c.name),
			slog.Duration("duration", result.Duration),
			slog.Any("error", err),
		)
	}
	return result
}

// Run evaluates every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, timeoutPerCheck time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	r.Evaluate(ctx, timeoutPerCheck)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evaluate(ctx, timeoutPerCheck)
		}
	}
}
