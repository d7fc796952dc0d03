// Package metrics holds the process-wide registry of named, labelled
// counters, gauges and histograms shared by every subsystem.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/miradorstack/mirador-sre/internal/utils"
)

// Kind enumerates the supported series types.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Labels is an unordered label set attached to a series.
type Labels map[string]string

// DefaultBuckets are used for histograms registered without explicit buckets.
var DefaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Option customises a registration.
type Option func(*seriesOptions)

type seriesOptions struct {
	help    string
	buckets []float64
}

// WithHelp sets the exposition help text for a new series family.
func WithHelp(help string) Option {
	return func(o *seriesOptions) { o.help = help }
}

// WithBuckets sets histogram buckets for a new series family.
func WithBuckets(buckets []float64) Option {
	return func(o *seriesOptions) { o.buckets = append([]float64(nil), buckets...) }
}

type family struct {
	kind       Kind
	labelNames []string
	counters   *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms *prometheus.HistogramVec
	series     map[string]*Series
}

// Registry binds metric names to kinds and hands out series handles.
// Registration takes a registry-wide lock; value updates on a Series never do.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	reg      *prometheus.Registry
}

// NewRegistry constructs an empty registry backed by a dedicated Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		families: make(map[string]*family),
		reg:      prometheus.NewRegistry(),
	}
}

// Register returns the series for name+labels, creating it on first use.
// Binding an existing name to another kind or label schema fails with
// utils.ErrDuplicateMetric and leaves the existing series untouched.
func (r *Registry) Register(name string, kind Kind, labels Labels, opts ...Option) (*Series, error) {
	const op = "metrics.Register"
	if strings.TrimSpace(name) == "" {
		return nil, utils.ConfigurationError(op, "metric name is required")
	}
	switch kind {
	case KindCounter, KindGauge, KindHistogram:
	default:
		return nil, utils.ConfigurationError(op, fmt.Sprintf("unknown metric kind %q", kind))
	}

	names := labelNames(labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	fam, ok := r.families[name]
	if ok {
		if fam.kind != kind {
			return nil, utils.DuplicateMetricError(op, fmt.Sprintf("%s already registered as %s", name, fam.kind))
		}
		if !sameNames(fam.labelNames, names) {
			return nil, utils.DuplicateMetricError(op, fmt.Sprintf("%s already registered with labels %v", name, fam.labelNames))
		}
	} else {
		created, err := r.newFamily(name, kind, names, opts)
		if err != nil {
			return nil, err
		}
		fam = created
		r.families[name] = fam
	}

	key := labelKey(labels)
	if s, ok := fam.series[key]; ok {
		return s, nil
	}
	s, err := fam.child(name, labels)
	if err != nil {
		return nil, utils.NewAppError(op, "create series", err)
	}
	fam.series[key] = s
	return s, nil
}

// MustRegister is Register for package-level wiring where failure is a programming error.
func (r *Registry) MustRegister(name string, kind Kind, labels Labels, opts ...Option) *Series {
	s, err := r.Register(name, kind, labels, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (r *Registry) newFamily(name string, kind Kind, names []string, opts []Option) (*family, error) {
	o := seriesOptions{help: name}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.buckets) == 0 {
		o.buckets = DefaultBuckets
	}

	fam := &family{kind: kind, labelNames: names, series: make(map[string]*Series)}
	var collector prometheus.Collector
	switch kind {
	case KindCounter:
		fam.counters = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: o.help}, names)
		collector = fam.counters
	case KindGauge:
		fam.gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: o.help}, names)
		collector = fam.gauges
	case KindHistogram:
		fam.histograms = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: o.help, Buckets: o.buckets}, names)
		collector = fam.histograms
	}

	if err := r.reg.Register(collector); err != nil {
		return nil, utils.DuplicateMetricError("metrics.Register", fmt.Sprintf("%s conflicts with an attached collector: %v", name, err))
	}
	return fam, nil
}

func (f *family) child(name string, labels Labels) (*Series, error) {
	s := &Series{name: name, kind: f.kind, labels: copyLabels(labels)}
	promLabels := prometheus.Labels(s.labels)
	if promLabels == nil {
		promLabels = prometheus.Labels{}
	}
	switch f.kind {
	case KindCounter:
		c, err := f.counters.GetMetricWith(promLabels)
		if err != nil {
			return nil, err
		}
		s.counter = c
	case KindGauge:
		g, err := f.gauges.GetMetricWith(promLabels)
		if err != nil {
			return nil, err
		}
		s.gauge = g
	case KindHistogram:
		h, err := f.histograms.GetMetricWith(promLabels)
		if err != nil {
			return nil, err
		}
		s.observer = h
	}
	return s, nil
}

// Lookup returns a previously registered series without creating one.
func (r *Registry) Lookup(name string, labels Labels) (*Series, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fam, ok := r.families[name]
	if !ok {
		return nil, false
	}
	s, ok := fam.series[labelKey(labels)]
	return s, ok
}

// Remove drops one labelled series from exposition. Handles obtained
// earlier keep working but are no longer exported.
func (r *Registry) Remove(name string, labels Labels) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fam, ok := r.families[name]
	if !ok {
		return false
	}
	key := labelKey(labels)
	if _, ok := fam.series[key]; !ok {
		return false
	}
	delete(fam.series, key)
	promLabels := prometheus.Labels(copyLabels(labels))
	if promLabels == nil {
		promLabels = prometheus.Labels{}
	}
	switch fam.kind {
	case KindCounter:
		fam.counters.Delete(promLabels)
	case KindGauge:
		fam.gauges.Delete(promLabels)
	case KindHistogram:
		fam.histograms.Delete(promLabels)
	}
	return true
}

// Value returns the committed value of a registered counter or gauge
// (histograms report their sample sum).
func (r *Registry) Value(name string, labels Labels) (float64, bool) {
	s, ok := r.Lookup(name, labels)
	if !ok {
		return 0, false
	}
	return s.Value(), true
}

// AttachCollectors registers library collectors (gRPC server metrics, Go
// runtime collectors) alongside the registry's own series. Collectors that
// are already attached are skipped.
func (r *Registry) AttachCollectors(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// AttachProcessCollectors adds the standard Go and process collectors.
func (r *Registry) AttachProcessCollectors() error {
	return r.AttachCollectors(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registerer exposes the underlying Prometheus registerer.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying Prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves a pull-accessible snapshot in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// WriteText writes the current snapshot in the Prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Sample is one series in a registry snapshot.
type Sample struct {
	Name   string
	Kind   Kind
	Labels Labels
	Value  float64
	Count  uint64
}

// Snapshot gathers every series currently exposed by the registry.
func (r *Registry) Snapshot() ([]Sample, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	samples := make([]Sample, 0, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			sample := Sample{Name: mf.GetName(), Labels: fromPairs(m.GetLabel())}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sample.Kind = KindCounter
				sample.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sample.Kind = KindGauge
				sample.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				sample.Kind = KindHistogram
				sample.Value = m.GetHistogram().GetSampleSum()
				sample.Count = m.GetHistogram().GetSampleCount()
			default:
				continue
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelKey(labels Labels) string {
	names := labelNames(labels)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(labels[n])
		b.WriteByte(0xff)
	}
	return b.String()
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyLabels(labels Labels) Labels {
	if len(labels) == 0 {
		return nil
	}
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func fromPairs(pairs []*dto.LabelPair) Labels {
	if len(pairs) == 0 {
		return nil
	}
	out := make(Labels, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}
