// Package slo evaluates service level objectives against an external
// history source and tracks burn rate and error budget per window.
package slo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-sre/internal/alerting"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

const (
	MetricBurnRate        = "slo_burn_rate"
	MetricBudgetRemaining = "slo_budget_remaining"
	MetricIndicator       = "slo_indicator"
	MetricQueryFailures   = "slo_query_failures_total"

	DefaultInterval     = 60 * time.Second
	DefaultQueryTimeout = 10 * time.Second
	DefaultConcurrency  = 8
)

// Querier evaluates an SLI and returns a percentage in [0,100].
type Querier interface {
	QuerySLI(ctx context.Context, q models.SLIQuery) (float64, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithQueryTimeout bounds each SLI query.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.queryTimeout = d
		}
	}
}

// WithConcurrency bounds how many SLOs are queried at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

type entry struct {
	def    Definition
	anchor time.Time
	state  State
	// breached remembers which rules are currently firing so an alert is
	// sent once per breach rather than on every tick.
	breached []bool

	burn      *metrics.Series
	remaining *metrics.Series
	indicator *metrics.Series
	failures  *metrics.Series
}

// Engine owns the registered SLOs and their live state.
type Engine struct {
	querier      Querier
	sink         alerting.Sink
	reg          *metrics.Registry
	logger       *slog.Logger
	now          func() time.Time
	queryTimeout time.Duration
	concurrency  int
	latency      *utils.LatencyTracker

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewEngine constructs an engine. A nil sink drops alerts.
func NewEngine(querier Querier, sink alerting.Sink, reg *metrics.Registry, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = alerting.NopSink{}
	}
	e := &Engine{
		querier:      querier,
		sink:         sink,
		reg:          reg,
		logger:       logger,
		now:          time.Now,
		queryTimeout: DefaultQueryTimeout,
		concurrency:  DefaultConcurrency,
		latency:      utils.NewLatencyTracker(512),
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates def and starts tracking it. The first window is
// anchored at the registration time.
func (e *Engine) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	rules := make([]AlertRule, len(def.AlertRules))
	copy(rules, def.AlertRules)
	for i := range rules {
		if rules[i].Severity == "" {
			rules[i].Severity = models.SeverityWarning
		}
	}
	def.AlertRules = rules

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[def.Name]; exists {
		return utils.ConfigurationError("slo.Register", fmt.Sprintf("slo %s already registered", def.Name))
	}

	labels := metrics.Labels{"slo": def.Name}
	ent := &entry{
		def:      def,
		anchor:   e.now(),
		breached: make([]bool, len(rules)),
	}
	var err error
	if ent.burn, err = e.reg.Register(MetricBurnRate, metrics.KindGauge, labels,
		metrics.WithHelp("Error rate divided by the error budget.")); err != nil {
		return err
	}
	if ent.remaining, err = e.reg.Register(MetricBudgetRemaining, metrics.KindGauge, labels,
		metrics.WithHelp("Error budget left in the current window as a fraction of requests.")); err != nil {
		return err
	}
	if ent.indicator, err = e.reg.Register(MetricIndicator, metrics.KindGauge, labels,
		metrics.WithHelp("Latest SLI value in percent.")); err != nil {
		return err
	}
	if ent.failures, err = e.reg.Register(MetricQueryFailures, metrics.KindCounter, labels,
		metrics.WithHelp("SLI queries that failed or timed out.")); err != nil {
		return err
	}

	budget := def.ErrorBudget()
	ent.state = State{
		Name:            def.Name,
		Target:          def.Target,
		ErrorBudget:     budget,
		BudgetRemaining: budget,
		WindowStart:     ent.anchor,
	}
	ent.remaining.Set(budget)
	e.entries[def.Name] = ent
	return nil
}

// Unregister stops tracking name and drops its gauges.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[name]; !ok {
		return false
	}
	delete(e.entries, name)
	labels := metrics.Labels{"slo": name}
	for _, metric := range []string{MetricBurnRate, MetricBudgetRemaining, MetricIndicator, MetricQueryFailures} {
		e.reg.Remove(metric, labels)
	}
	return true
}

// Status returns the live state of one SLO.
func (e *Engine) Status(name string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[name]
	if !ok {
		return State{}, false
	}
	return ent.state, true
}

// Statuses returns every SLO state ordered by name.
func (e *Engine) Statuses() []State {
	e.mu.RLock()
	out := make([]State, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.state)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the registered definitions ordered by name.
func (e *Engine) Definitions() []Definition {
	e.mu.RLock()
	out := make([]Definition, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.def)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run ticks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every registered SLO once. A failing query affects only
// its own SLO; the error is recorded on the state and never retried within
// the tick.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.RLock()
	pending := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		pending = append(pending, ent)
	}
	e.mu.RUnlock()
	if len(pending) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, ent := range pending {
		ent := ent
		g.Go(func() error {
			e.evaluate(ctx, ent)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug("slo tick complete",
		slog.Int("slos", len(pending)),
		slog.Duration("query_p95", e.latency.Percentile(95)))
}

// query runs one SLI query. A missing or panicking querier is reported as a
// query failure so it cannot take down the tick.
func (e *Engine) query(ctx context.Context, q models.SLIQuery) (value float64, err error) {
	const op = "slo.query"
	if e.querier == nil {
		return 0, utils.QueryFailureError(op, errors.New("no SLI querier configured"))
	}
	defer func() {
		if p := recover(); p != nil {
			value, err = 0, utils.QueryFailureError(op, fmt.Errorf("querier panicked: %v", p))
		}
	}()
	return e.querier.QuerySLI(ctx, q)
}

func (e *Engine) evaluate(ctx context.Context, ent *entry) {
	def := ent.def
	at := e.now()

	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	started := time.Now()
	value, err := e.query(qctx, models.SLIQuery{
		SLO:    def.Name,
		SLI:    def.SLI,
		Window: def.Window,
		At:     at,
	})
	cancel()
	e.latency.Observe(time.Since(started))

	if err != nil {
		ent.failures.Inc()
		e.logger.Warn("slo query failed",
			slog.String("slo", def.Name),
			slog.Any("error", err))
		e.mu.Lock()
		if e.entries[def.Name] == ent {
			ent.state.LastError = err.Error()
			ent.state.LastErrorAt = at
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if e.entries[def.Name] != ent {
		// unregistered while the query was in flight
		e.mu.Unlock()
		return
	}
	state := compute(ent.state, ent.anchor, def.Window, value, at)
	state.LastError = ""
	ent.state = state
	alerts := e.breaches(ent)
	e.mu.Unlock()

	ent.burn.Set(state.BurnRate)
	ent.remaining.Set(state.BudgetRemaining)
	ent.indicator.Set(state.Indicator)

	for _, alert := range alerts {
		if err := e.sink.Send(ctx, alert); err != nil {
			e.logger.Error("slo alert delivery failed",
				slog.String("slo", def.Name),
				slog.String("rule", alert.Labels["rule"]),
				slog.Any("error", err))
		}
	}
}

// breaches returns alerts for rules that newly entered breach. Callers hold e.mu.
func (e *Engine) breaches(ent *entry) []alerting.Alert {
	var out []alerting.Alert
	for i, rule := range ent.def.AlertRules {
		firing, value := rule.evaluate(ent.state)
		was := ent.breached[i]
		ent.breached[i] = firing
		if !firing || was {
			continue
		}
		out = append(out, alerting.Alert{
			Type:        "slo_" + string(rule.Type),
			Severity:    rule.Severity,
			Title:       fmt.Sprintf("SLO %s: %s", ent.def.Name, rule.describe()),
			Description: fmt.Sprintf("%s is %.4g (threshold %.4g); indicator %.3f%% against target %.3f%%", rule.Type, value, rule.Threshold, ent.state.Indicator, ent.state.Target),
			Timestamp:   ent.state.LastUpdated,
			Metadata:    ent.state.Metadata(),
			Labels:      map[string]string{"slo": ent.def.Name, "rule": string(rule.Type)},
		})
	}
	return out
}

func (r AlertRule) evaluate(s State) (bool, float64) {
	switch r.Type {
	case RuleBurnRate:
		return s.BurnRate > r.Threshold, s.BurnRate
	case RuleBudgetExhaustion:
		return s.BudgetRemaining < r.Threshold, s.BudgetRemaining
	case RuleSLIDrop:
		return s.Indicator < r.Threshold, s.Indicator
	}
	return false, 0
}

func (r AlertRule) describe() string {
	switch r.Type {
	case RuleBurnRate:
		return "burn rate above threshold"
	case RuleBudgetExhaustion:
		return "error budget nearly exhausted"
	case RuleSLIDrop:
		return "indicator below threshold"
	}
	return string(r.Type)
}
