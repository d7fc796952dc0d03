package slo

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sre/internal/alerting"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

type stubQuerier struct {
	mu     sync.Mutex
	values map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newStubQuerier() *stubQuerier {
	return &stubQuerier{values: map[string]float64{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *stubQuerier) set(name string, v float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = v
	s.errs[name] = err
}

func (s *stubQuerier) QuerySLI(_ context.Context, q models.SLIQuery) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[q.SLO]++
	return s.values[q.SLO], s.errs[q.SLO]
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (r *recordingSink) Send(_ context.Context, a alerting.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSink) all() []alerting.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Alert(nil), r.alerts...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const day = 24 * time.Hour

func availability(name string, target float64, rules ...AlertRule) Definition {
	return Definition{
		Name:       name,
		Target:     target,
		Window:     30 * day,
		SLI:        models.SLI{Type: models.SLIAvailability, GoodQuery: `http_requests_total{code!~"5.."}`, TotalQuery: "http_requests_total"},
		AlertRules: rules,
	}
}

func newTestEngine(t *testing.T, q Querier, sink alerting.Sink) (*Engine, *fakeClock, *metrics.Registry) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := metrics.NewRegistry()
	eng := NewEngine(q, sink, reg, utils.DiscardLogger(), WithClock(clock.Now))
	return eng, clock, reg
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBurnRateAlertFiresOncePerBreach(t *testing.T) {
	q := newStubQuerier()
	sink := &recordingSink{}
	eng, clock, reg := newTestEngine(t, q, sink)

	if err := eng.Register(availability("checkout", 99.9, AlertRule{Type: RuleBurnRate, Threshold: 2.0, Severity: models.SeverityCritical})); err != nil {
		t.Fatalf("register: %v", err)
	}
	q.set("checkout", 99.5, nil)
	clock.Advance(15 * day)
	eng.Tick(context.Background())

	state, ok := eng.Status("checkout")
	if !ok || !state.Evaluated {
		t.Fatalf("expected evaluated state, got %+v", state)
	}
	if math.Abs(state.BurnRate-5) > 1e-6 {
		t.Fatalf("expected burn rate 5, got %v", state.BurnRate)
	}
	if !approx(state.ElapsedFraction, 0.5) {
		t.Fatalf("expected half the window elapsed, got %v", state.ElapsedFraction)
	}
	if state.BudgetRemaining > state.ErrorBudget {
		t.Fatalf("remaining %v exceeds budget %v", state.BudgetRemaining, state.ErrorBudget)
	}
	if !approx(state.BudgetRemaining, 0.001-0.0025) {
		t.Fatalf("unexpected remaining budget %v", state.BudgetRemaining)
	}

	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Severity != models.SeverityCritical || a.Labels["slo"] != "checkout" || a.Labels["rule"] != string(RuleBurnRate) {
		t.Fatalf("unexpected alert %+v", a)
	}
	if math.Abs(a.Metadata["burn_rate"]-5) > 1e-6 || a.Metadata["target"] != 99.9 {
		t.Fatalf("alert metadata missing live state: %v", a.Metadata)
	}

	if v, ok := reg.Value(MetricBurnRate, metrics.Labels{"slo": "checkout"}); !ok || math.Abs(v-5) > 1e-6 {
		t.Fatalf("burn gauge = %v (%v)", v, ok)
	}

	clock.Advance(time.Hour)
	eng.Tick(context.Background())
	if got := len(sink.all()); got != 1 {
		t.Fatalf("alert re-sent while breach persisted: %d alerts", got)
	}

	q.set("checkout", 100, nil)
	eng.Tick(context.Background())
	q.set("checkout", 99.0, nil)
	eng.Tick(context.Background())
	if got := len(sink.all()); got != 2 {
		t.Fatalf("expected a second alert after the breach cleared and recurred, got %d", got)
	}
}

func TestAtTargetBurnsExactlyOnSchedule(t *testing.T) {
	q := newStubQuerier()
	eng, clock, _ := newTestEngine(t, q, nil)
	if err := eng.Register(availability("api", 99.9)); err != nil {
		t.Fatalf("register: %v", err)
	}
	q.set("api", 99.9, nil)

	for i := 0; i < 4; i++ {
		clock.Advance(6 * day)
		eng.Tick(context.Background())
		state, _ := eng.Status("api")
		if math.Abs(state.BurnRate-1) > 1e-6 {
			t.Fatalf("expected burn rate 1, got %v", state.BurnRate)
		}
		want := state.ErrorBudget * (1 - state.ElapsedFraction)
		if math.Abs(state.BudgetRemaining-want) > 1e-9 {
			t.Fatalf("remaining = %v, want %v", state.BudgetRemaining, want)
		}
	}
}

func TestWindowRollsForward(t *testing.T) {
	q := newStubQuerier()
	eng, clock, _ := newTestEngine(t, q, nil)
	start := clock.Now()
	if err := eng.Register(availability("api", 99)); err != nil {
		t.Fatalf("register: %v", err)
	}
	q.set("api", 99.5, nil)

	clock.Advance(45 * day)
	eng.Tick(context.Background())
	state, _ := eng.Status("api")
	if !state.WindowStart.Equal(start.Add(30 * day)) {
		t.Fatalf("window start = %v, want %v", state.WindowStart, start.Add(30*day))
	}
	if !approx(state.ElapsedFraction, 0.5) {
		t.Fatalf("elapsed fraction = %v", state.ElapsedFraction)
	}
}

func TestIndicatorClamped(t *testing.T) {
	q := newStubQuerier()
	eng, clock, _ := newTestEngine(t, q, nil)
	if err := eng.Register(availability("api", 99)); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(day)

	q.set("api", 130, nil)
	eng.Tick(context.Background())
	if s, _ := eng.Status("api"); s.Indicator != 100 || s.BurnRate != 0 {
		t.Fatalf("expected clamp to 100, got %+v", s)
	}
	q.set("api", -4, nil)
	eng.Tick(context.Background())
	if s, _ := eng.Status("api"); s.Indicator != 0 || !approx(s.ErrorRate, 1) {
		t.Fatalf("expected clamp to 0, got %+v", s)
	}
}

func TestFullTargetBurnsInfinitelyOnAnyError(t *testing.T) {
	q := newStubQuerier()
	eng, clock, _ := newTestEngine(t, q, nil)
	if err := eng.Register(availability("strict", 100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(day)
	q.set("strict", 99.99, nil)
	eng.Tick(context.Background())
	if s, _ := eng.Status("strict"); !math.IsInf(s.BurnRate, 1) {
		t.Fatalf("expected +Inf burn, got %v", s.BurnRate)
	}
	q.set("strict", 100, nil)
	eng.Tick(context.Background())
	if s, _ := eng.Status("strict"); s.BurnRate != 0 {
		t.Fatalf("expected zero burn, got %v", s.BurnRate)
	}
}

func TestQueryFailureLeavesStateAndOtherSLOs(t *testing.T) {
	q := newStubQuerier()
	eng, clock, reg := newTestEngine(t, q, nil)
	for _, name := range []string{"a", "b"} {
		if err := eng.Register(availability(name, 99)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	clock.Advance(3 * day)
	q.set("a", 99.5, nil)
	q.set("b", 98, nil)
	eng.Tick(context.Background())
	before, _ := eng.Status("a")

	clock.Advance(day)
	q.set("a", 0, errors.New("prometheus unavailable"))
	q.set("b", 97, nil)
	eng.Tick(context.Background())

	after, _ := eng.Status("a")
	if after.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	after.LastError, after.LastErrorAt = "", time.Time{}
	if after != before {
		t.Fatalf("state changed on failure:\nbefore %+v\nafter  %+v", before, after)
	}
	if v, _ := reg.Value(MetricQueryFailures, metrics.Labels{"slo": "a"}); v != 1 {
		t.Fatalf("failure counter = %v", v)
	}
	if b, _ := eng.Status("b"); b.Indicator != 97 {
		t.Fatalf("other slo not evaluated: %+v", b)
	}
}

func TestMissingOrPanickingQuerierCountsAsFailure(t *testing.T) {
	panicky := queryFunc(func(context.Context, models.SLIQuery) (float64, error) {
		panic("backend exploded")
	})
	for name, q := range map[string]Querier{"nil": nil, "panic": panicky} {
		eng, clock, reg := newTestEngine(t, q, nil)
		if err := eng.Register(availability("checkout", 99)); err != nil {
			t.Fatalf("%s: register: %v", name, err)
		}
		clock.Advance(day)
		eng.Tick(context.Background())

		st, _ := eng.Status("checkout")
		if st.Evaluated || st.LastError == "" {
			t.Fatalf("%s: expected recorded failure, got %+v", name, st)
		}
		if v, _ := reg.Value(MetricQueryFailures, metrics.Labels{"slo": "checkout"}); v != 1 {
			t.Fatalf("%s: failure counter = %v", name, v)
		}
	}
}

func TestQueryTimeoutBounded(t *testing.T) {
	blocking := queryFunc(func(ctx context.Context, _ models.SLIQuery) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	clock := &fakeClock{now: time.Now()}
	eng := NewEngine(blocking, nil, metrics.NewRegistry(), utils.DiscardLogger(),
		WithClock(clock.Now), WithQueryTimeout(20*time.Millisecond))
	if err := eng.Register(availability("slow", 99)); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	eng.Tick(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick took %v", elapsed)
	}
	s, _ := eng.Status("slow")
	if s.Evaluated || s.LastError == "" {
		t.Fatalf("expected timeout recorded without evaluation, got %+v", s)
	}
}

type queryFunc func(ctx context.Context, q models.SLIQuery) (float64, error)

func (f queryFunc) QuerySLI(ctx context.Context, q models.SLIQuery) (float64, error) {
	return f(ctx, q)
}

func TestRegisterValidation(t *testing.T) {
	valid := availability("ok", 99)
	cases := map[string]func(d *Definition){
		"empty name":       func(d *Definition) { d.Name = " " },
		"zero target":      func(d *Definition) { d.Target = 0 },
		"target above 100": func(d *Definition) { d.Target = 100.1 },
		"zero window":      func(d *Definition) { d.Window = 0 },
		"unknown sli":      func(d *Definition) { d.SLI.Type = "saturation" },
		"latency no thresh": func(d *Definition) {
			d.SLI = models.SLI{Type: models.SLILatency, Metric: "http_request_duration_seconds"}
		},
		"availability empty": func(d *Definition) { d.SLI = models.SLI{Type: models.SLIAvailability, GoodQuery: "x"} },
		"throughput empty":   func(d *Definition) { d.SLI = models.SLI{Type: models.SLIThroughput, TotalQuery: "x"} },
		"unknown rule":       func(d *Definition) { d.AlertRules = []AlertRule{{Type: "page_everyone", Threshold: 1}} },
		"unknown severity":   func(d *Definition) { d.AlertRules = []AlertRule{{Type: RuleBurnRate, Threshold: 1, Severity: "fatal"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			eng, _, _ := newTestEngine(t, newStubQuerier(), nil)
			def := valid
			mutate(&def)
			err := eng.Register(def)
			if !errors.Is(err, utils.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if len(eng.Statuses()) != 0 {
				t.Fatalf("invalid definition was registered")
			}
		})
	}

	eng, _, _ := newTestEngine(t, newStubQuerier(), nil)
	if err := eng.Register(valid); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := eng.Register(valid); !errors.Is(err, utils.ErrConfiguration) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	latency := Definition{Name: "lat", Target: 95, Window: time.Hour,
		SLI: models.SLI{Type: models.SLILatency, Metric: "http_request_duration_seconds", Threshold: 0.3}}
	if err := eng.Register(latency); err != nil {
		t.Fatalf("latency registration: %v", err)
	}
}

func TestRuleSeverityDefaultsToWarning(t *testing.T) {
	q := newStubQuerier()
	sink := &recordingSink{}
	eng, clock, _ := newTestEngine(t, q, sink)
	if err := eng.Register(availability("api", 99, AlertRule{Type: RuleSLIDrop, Threshold: 98})); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(day)
	q.set("api", 90, nil)
	eng.Tick(context.Background())
	alerts := sink.all()
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityWarning {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestUnregisterDropsGauges(t *testing.T) {
	q := newStubQuerier()
	eng, clock, reg := newTestEngine(t, q, nil)
	if err := eng.Register(availability("api", 99)); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(day)
	q.set("api", 99, nil)
	eng.Tick(context.Background())

	if !eng.Unregister("api") {
		t.Fatalf("expected unregister to succeed")
	}
	if eng.Unregister("api") {
		t.Fatalf("second unregister should report false")
	}
	if _, ok := reg.Lookup(MetricBurnRate, metrics.Labels{"slo": "api"}); ok {
		t.Fatalf("burn gauge still registered")
	}
	if _, ok := eng.Status("api"); ok {
		t.Fatalf("status still present")
	}
	if err := eng.Register(availability("api", 99)); err != nil {
		t.Fatalf("re-register after unregister: %v", err)
	}
}
