// Package incident turns runtime metric breaches into incidents, attaches
// diagnostics off the request path and applies bounded auto-remediation.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-sre/internal/alerting"
	"github.com/miradorstack/mirador-sre/internal/diagnostics"
	"github.com/miradorstack/mirador-sre/internal/health"
	"github.com/miradorstack/mirador-sre/internal/instrument"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/repo"
)

const (
	MetricDiagnosticsDropped = "incident_diagnostics_dropped_total"
	MetricIncidentsRaised    = "incidents_raised_total"
	MetricRemediations       = "incident_remediations_total"
	MetricOpenIncidents      = "incidents_open"
)

// Config tunes the detector.
type Config struct {
	Interval           time.Duration  `yaml:"interval"`
	Goroutines         Tiers          `yaml:"goroutines"`
	MemoryBytes        Tiers          `yaml:"memoryBytes"`
	GCPauseSeconds     Tiers          `yaml:"gcPauseSeconds"`
	Deadlock           DeadlockConfig `yaml:"deadlock"`
	ParallelismCap     int            `yaml:"parallelismCap"`
	RemediationTimeout time.Duration  `yaml:"remediationTimeout"`
	HistoryLimit       int            `yaml:"historyLimit"`
}

// DefaultConfig returns conservative thresholds for a typical service.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		Goroutines:     Tiers{Warning: 5000, Critical: 10000},
		MemoryBytes:    Tiers{Warning: 1 << 30, Critical: 2 << 30},
		GCPauseSeconds: Tiers{Warning: 0.05, Critical: 0.1},
		Deadlock: DeadlockConfig{
			Enabled:         true,
			ProbeInterval:   5 * time.Second,
			Every:           time.Minute,
			Floor:           1000,
			BlockedFraction: 0.5,
		},
		ParallelismCap:     64,
		RemediationTimeout: 30 * time.Second,
		HistoryLimit:       500,
	}
}

// HealthSource exposes the latest aggregate health verdict.
type HealthSource interface {
	Latest() (health.Report, bool)
}

// Option customises a Detector.
type Option func(*Detector)

// WithHealth adds the health verdict as a rule.
func WithHealth(h HealthSource) Option { return func(d *Detector) { d.health = h } }

// WithThrottle enables the CapParallelism remediation for goroutine incidents.
func WithThrottle(t *instrument.Throttle) Option {
	return func(d *Detector) {
		d.actions[models.IncidentGoroutineLeak] = []Action{&CapParallelism{Throttle: t, Limit: d.cfg.ParallelismCap}}
	}
}

// WithActions overrides the remediation actions for an incident type.
func WithActions(typ models.IncidentType, actions ...Action) Option {
	return func(d *Detector) { d.actions[typ] = actions }
}

// WithRunbook sets the hint source.
func WithRunbook(r *Runbook) Option { return func(d *Detector) { d.runbook = r } }

// WithCapture replaces the diagnostics capture function.
func WithCapture(fn func() *models.Diagnostics) Option { return func(d *Detector) { d.capture = fn } }

// WithDeadlockProbe replaces the probe used by Run.
func WithDeadlockProbe(p *DeadlockProbe) Option { return func(d *Detector) { d.probe = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// Detector evaluates rules against the registry and owns incident state.
type Detector struct {
	cfg     Config
	reg     *metrics.Registry
	store   repo.IncidentStore
	sink    alerting.Sink
	logger  *slog.Logger
	rules   []ThresholdRule
	health  HealthSource
	runbook *Runbook
	actions map[models.IncidentType][]Action
	capture func() *models.Diagnostics
	probe   *DeadlockProbe
	now     func() time.Time

	// guard admits one diagnostics/remediation pass at a time.
	guard   *semaphore.Weighted
	dropped *metrics.Series
	passes  sync.WaitGroup

	mu      sync.Mutex
	open    map[models.IncidentType]*models.Incident
	byID    map[string]*models.Incident
	history []string
}

// NewDetector wires a detector. A nil store keeps incidents in memory; a nil
// sink drops alerts.
func NewDetector(cfg Config, reg *metrics.Registry, store repo.IncidentStore, sink alerting.Sink, logger *slog.Logger, opts ...Option) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = alerting.NopSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RemediationTimeout <= 0 {
		cfg.RemediationTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	if store == nil {
		store = repo.NewMemoryIncidentStore(repo.WithLimit(cfg.HistoryLimit))
	}

	dropped, err := reg.Register(MetricDiagnosticsDropped, metrics.KindCounter, nil,
		metrics.WithHelp("Breaches whose diagnostics pass was skipped because another pass was in flight."))
	if err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		sink:    sink,
		logger:  logger,
		rules:   DefaultRules(cfg),
		runbook: DefaultRunbook(),
		actions: map[models.IncidentType][]Action{
			models.IncidentMemoryPressure: {NewFreeMemory()},
			models.IncidentGCPause:        {NewFreeMemory()},
		},
		capture: diagnostics.Capture,
		now:     time.Now,
		guard:   semaphore.NewWeighted(1),
		dropped: dropped,
		open:    make(map[models.IncidentType]*models.Incident),
		byID:    make(map[string]*models.Incident),
	}
	if cfg.Deadlock.Enabled {
		d.probe = NewDeadlockProbe(cfg.Deadlock)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run evaluates every Interval until ctx is cancelled. The deadlock probe
// runs in its own goroutine so its sleep never delays rule evaluation.
func (d *Detector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if d.probe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runProbe(ctx)
		}()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			d.Evaluate(ctx)
		}
	}
}

func (d *Detector) runProbe(ctx context.Context) {
	every := d.cfg.Deadlock.Every
	if every <= 0 {
		every = d.cfg.Interval
	}
	for {
		d.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
	}
}

// ProbeOnce runs one deadlock probe and records its finding.
func (d *Detector) ProbeOnce(ctx context.Context) *models.Incident {
	if d.probe == nil {
		return nil
	}
	finding, err := d.probe.Probe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("deadlock probe failed", slog.Any("error", err))
		}
		return nil
	}
	desc := fmt.Sprintf("goroutines grew from %d to %d and %.0f%% of sampled stacks wait on sync primitives (%s); heuristic, may be a false positive under bursty load",
		finding.Before, finding.After, finding.Fraction*100, strings.Join(finding.States, ", "))
	return d.observe(ctx, observation{
		typ:         models.IncidentPotentialDeadlock,
		breached:    finding.Suspected,
		severity:    models.SeverityWarning,
		title:       "potential deadlock detected",
		description: desc,
		metadata:    finding.metadata(),
	})
}

// Evaluate performs one detection pass and returns incidents that were
// opened or escalated by it.
func (d *Detector) Evaluate(ctx context.Context) []*models.Incident {
	var raised []*models.Incident
	for _, rule := range d.rules {
		value, ok := d.reg.Value(rule.Metric, nil)
		if !ok {
			continue
		}
		sev, breached := rule.Check(value)
		obs := observation{
			typ:      rule.Type,
			breached: breached,
			severity: sev,
			title:    rule.Title,
			metadata: map[string]float64{rule.Metric: value},
		}
		if breached {
			obs.description = rule.describe(value, sev)
		}
		if inc := d.observe(ctx, obs); inc != nil {
			raised = append(raised, inc)
		}
	}

	if d.health != nil {
		if report, ok := d.health.Latest(); ok {
			failed := report.Failed()
			obs := observation{
				typ:         models.IncidentHealthDegraded,
				breached:    !report.Healthy(),
				severity:    models.SeverityWarning,
				title:       "health checks failing",
				description: "failing checks: " + strings.Join(failed, ", "),
				metadata: map[string]float64{
					"failed_checks": float64(len(failed)),
					"total_checks":  float64(len(report.Checks)),
				},
			}
			if inc := d.observe(ctx, obs); inc != nil {
				raised = append(raised, inc)
			}
		}
	}
	return raised
}

type observation struct {
	typ         models.IncidentType
	breached    bool
	severity    models.Severity
	title       string
	description string
	metadata    map[string]float64
}

// observe applies one rule outcome to incident state. A clear outcome
// resolves the open incident of that type; a breach opens one or updates
// the open one, escalating severity when a higher tier is crossed.
func (d *Detector) observe(ctx context.Context, obs observation) *models.Incident {
	now := d.now().UTC()

	d.mu.Lock()
	existing := d.open[obs.typ]
	if !obs.breached {
		if existing == nil {
			d.mu.Unlock()
			return nil
		}
		existing.Status = models.IncidentResolved
		existing.ResolvedAt = &now
		existing.UpdatedAt = now
		delete(d.open, obs.typ)
		snapshot := existing.Clone()
		d.setOpenGauge(obs.typ, 0)
		d.mu.Unlock()

		d.logger.Info("incident resolved", slog.String("id", snapshot.ID), slog.String("type", string(snapshot.Type)))
		d.revert(ctx, snapshot)
		d.persist(ctx, snapshot)
		return nil
	}

	if existing != nil {
		existing.Metadata = obs.metadata
		existing.UpdatedAt = now
		if obs.severity.Rank() <= existing.Severity.Rank() {
			d.mu.Unlock()
			return nil
		}
		existing.Severity = obs.severity
		existing.Description = obs.description
		existing.Runbook = d.runbook.Hints(obs.typ, obs.severity)
		snapshot := existing.Clone()
		d.mu.Unlock()

		d.logger.Warn("incident escalated",
			slog.String("id", snapshot.ID),
			slog.String("type", string(snapshot.Type)),
			slog.String("severity", string(snapshot.Severity)),
		)
		d.announce(ctx, snapshot)
		return snapshot
	}

	inc := &models.Incident{
		ID:          uuid.NewString(),
		Type:        obs.typ,
		Severity:    obs.severity,
		Title:       obs.title,
		Description: obs.description,
		Timestamp:   now,
		UpdatedAt:   now,
		Metadata:    obs.metadata,
		Status:      models.IncidentOpen,
		Runbook:     d.runbook.Hints(obs.typ, obs.severity),
	}
	d.open[obs.typ] = inc
	d.track(inc)
	snapshot := inc.Clone()
	d.setOpenGauge(obs.typ, 1)
	d.mu.Unlock()

	d.countRaised(snapshot)
	d.logger.Warn("incident opened",
		slog.String("id", snapshot.ID),
		slog.String("type", string(snapshot.Type)),
		slog.String("severity", string(snapshot.Severity)),
		slog.String("description", snapshot.Description),
	)
	d.announce(ctx, snapshot)
	return snapshot
}

// announce persists, alerts and hands off the diagnostics pass.
func (d *Detector) announce(ctx context.Context, inc *models.Incident) {
	d.persist(ctx, inc)
	if err := d.sink.Send(ctx, alerting.FromIncident(inc)); err != nil {
		d.logger.Warn("incident alert failed", slog.String("id", inc.ID), slog.Any("error", err))
	}
	d.dispatch(ctx, inc.ID)
}

// dispatch starts a diagnostics/remediation pass unless one is in flight,
// in which case the breach is counted and dropped.
func (d *Detector) dispatch(ctx context.Context, id string) {
	if !d.guard.TryAcquire(1) {
		d.dropped.Inc()
		d.logger.Info("diagnostics pass already running; skipping", slog.String("id", id))
		return
	}
	d.passes.Add(1)
	go func() {
		defer d.passes.Done()
		defer d.guard.Release(1)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RemediationTimeout)
		defer cancel()
		d.handle(pctx, id)
	}()
}

func (d *Detector) handle(ctx context.Context, id string) {
	d.mu.Lock()
	inc := d.byID[id]
	if inc == nil {
		d.mu.Unlock()
		return
	}
	if inc.Active() {
		inc.Status = models.IncidentDiagnosing
	}
	d.mu.Unlock()

	diag := d.safeCapture()

	d.mu.Lock()
	inc.Diagnostics = diag
	inc.UpdatedAt = d.now().UTC()
	var actions []Action
	if inc.Severity == models.SeverityCritical {
		actions = d.actions[inc.Type]
	}
	target := inc.Clone()
	d.mu.Unlock()

	records := make([]models.RemediationRecord, 0, len(actions))
	for _, a := range actions {
		rec := runAction(ctx, a, target, d.now().UTC())
		d.countRemediation(rec)
		if !rec.Success {
			d.logger.Error("remediation failed",
				slog.String("id", id),
				slog.String("action", rec.Action),
				slog.String("error", rec.Error),
			)
		} else {
			d.logger.Info("remediation applied", slog.String("id", id), slog.String("action", rec.Action))
		}
		records = append(records, rec)
	}

	d.mu.Lock()
	inc.Remediation = append(inc.Remediation, records...)
	if inc.Active() {
		inc.Status = models.IncidentOpen
		for _, rec := range records {
			if rec.Success {
				inc.Status = models.IncidentMitigated
				break
			}
		}
	}
	inc.UpdatedAt = d.now().UTC()
	resolved := !inc.Active()
	snapshot := inc.Clone()
	d.mu.Unlock()

	// Resolved while the actions ran: undo what they just applied.
	if resolved && len(records) > 0 {
		d.revert(ctx, snapshot)
	}
	d.persist(ctx, snapshot)
}

// revert undoes the remediation actions registered for inc's type.
func (d *Detector) revert(ctx context.Context, inc *models.Incident) {
	d.mu.Lock()
	actions := d.actions[inc.Type]
	d.mu.Unlock()
	for _, a := range actions {
		if err := revertAction(ctx, a, inc); err != nil {
			d.logger.Warn("remediation revert failed",
				slog.String("id", inc.ID),
				slog.String("action", a.Name()),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Detector) safeCapture() (diag *models.Diagnostics) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("diagnostics capture panicked", slog.Any("panic", p))
			diag = &models.Diagnostics{CapturedAt: d.now().UTC(), CaptureErrors: fmt.Sprintf("capture panicked: %v", p)}
		}
	}()
	if d.capture == nil {
		return nil
	}
	return d.capture()
}

// Wait blocks until in-flight diagnostics passes finish.
func (d *Detector) Wait() { d.passes.Wait() }

// Resolve closes an incident by ID. Resolving twice is not an error.
func (d *Detector) Resolve(ctx context.Context, id string) (*models.Incident, error) {
	now := d.now().UTC()
	d.mu.Lock()
	inc := d.byID[id]
	if inc == nil {
		d.mu.Unlock()
		stored, err := d.store.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored.Status == models.IncidentResolved {
			return stored, nil
		}
		stored.Status = models.IncidentResolved
		stored.ResolvedAt = &now
		stored.UpdatedAt = now
		d.persist(ctx, stored)
		return stored, nil
	}
	wasOpen := false
	if inc.Active() {
		inc.Status = models.IncidentResolved
		inc.ResolvedAt = &now
		inc.UpdatedAt = now
		if d.open[inc.Type] == inc {
			delete(d.open, inc.Type)
			d.setOpenGauge(inc.Type, 0)
			wasOpen = true
		}
	}
	snapshot := inc.Clone()
	d.mu.Unlock()

	d.logger.Info("incident resolved manually", slog.String("id", id))
	if wasOpen {
		d.revert(ctx, snapshot)
	}
	d.persist(ctx, snapshot)
	return snapshot, nil
}

// Get returns a tracked incident, falling back to the store.
func (d *Detector) Get(ctx context.Context, id string) (*models.Incident, error) {
	d.mu.Lock()
	inc := d.byID[id].Clone()
	d.mu.Unlock()
	if inc != nil {
		return inc, nil
	}
	return d.store.GetIncident(ctx, id)
}

// List returns incidents from the store.
func (d *Detector) List(ctx context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error) {
	return d.store.ListIncidents(ctx, req)
}

// Open returns the currently open incidents.
func (d *Detector) Open() []*models.Incident {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*models.Incident, 0, len(d.open))
	for _, inc := range d.open {
		out = append(out, inc.Clone())
	}
	return out
}

func (d *Detector) persist(ctx context.Context, inc *models.Incident) {
	if err := d.store.SaveIncident(ctx, inc); err != nil {
		d.logger.Warn("persist incident failed", slog.String("id", inc.ID), slog.Any("error", err))
	}
}

// track records inc for lookup, evicting the oldest resolved incidents once
// HistoryLimit is exceeded. Callers hold d.mu.
func (d *Detector) track(inc *models.Incident) {
	d.byID[inc.ID] = inc
	d.history = append(d.history, inc.ID)
	if len(d.history) <= d.cfg.HistoryLimit {
		return
	}
	kept := d.history[:0]
	excess := len(d.history) - d.cfg.HistoryLimit
	for _, id := range d.history {
		if excess > 0 && d.byID[id].Status == models.IncidentResolved {
			delete(d.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.history = kept
}

func (d *Detector) setOpenGauge(typ models.IncidentType, v float64) {
	if s, err := d.reg.Register(MetricOpenIncidents, metrics.KindGauge, metrics.Labels{"type": string(typ)},
		metrics.WithHelp("Open incidents by type.")); err == nil {
		s.Set(v)
	}
}

func (d *Detector) countRaised(inc *models.Incident) {
	if s, err := d.reg.Register(MetricIncidentsRaised, metrics.KindCounter,
		metrics.Labels{"type": string(inc.Type), "severity": string(inc.Severity)},
		metrics.WithHelp("Incidents opened by type and severity.")); err == nil {
		s.Inc()
	}
}

func (d *Detector) countRemediation(rec models.RemediationRecord) {
	result := "success"
	if !rec.Success {
		result = "failure"
	}
	if s, err := d.reg.Register(MetricRemediations, metrics.KindCounter,
		metrics.Labels{"action": rec.Action, "result": result},
		metrics.WithHelp("Remediation attempts by action and result.")); err == nil {
		s.Inc()
	}
}
