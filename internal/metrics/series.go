package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Series is a handle to one labelled time series. All update methods are
// safe for concurrent use and lock-free; calls that do not match the series
// kind are ignored.
type Series struct {
	name   string
	kind   Kind
	labels Labels

	counter  prometheus.Counter
	gauge    prometheus.Gauge
	observer prometheus.Observer
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

// Kind returns the series kind.
func (s *Series) Kind() Kind { return s.kind }

// Labels returns a copy of the series labels.
func (s *Series) Labels() Labels { return copyLabels(s.labels) }

// Add increments counters and gauges by delta. Counters ignore negative deltas.
func (s *Series) Add(delta float64) {
	switch s.kind {
	case KindCounter:
		if delta < 0 {
			return
		}
		s.counter.Add(delta)
	case KindGauge:
		s.gauge.Add(delta)
	}
}

// Inc adds one.
func (s *Series) Inc() { s.Add(1) }

// Dec subtracts one from a gauge.
func (s *Series) Dec() { s.Add(-1) }

// Set replaces a gauge value.
func (s *Series) Set(value float64) {
	if s.kind == KindGauge {
		s.gauge.Set(value)
	}
}

// Observe records a histogram sample.
func (s *Series) Observe(value float64) {
	if s.kind == KindHistogram {
		s.observer.Observe(value)
	}
}

// Value returns the committed counter or gauge value, or the histogram sample sum.
func (s *Series) Value() float64 {
	var m dto.Metric
	switch s.kind {
	case KindCounter:
		if err := s.counter.Write(&m); err != nil {
			return 0
		}
		return m.GetCounter().GetValue()
	case KindGauge:
		if err := s.gauge.Write(&m); err != nil {
			return 0
		}
		return m.GetGauge().GetValue()
	case KindHistogram:
		_, sum := s.HistogramStats()
		return sum
	}
	return 0
}

// HistogramStats returns the sample count and sum of a histogram series.
func (s *Series) HistogramStats() (uint64, float64) {
	if s.kind != KindHistogram {
		return 0, 0
	}
	metric, ok := s.observer.(prometheus.Metric)
	if !ok {
		return 0, 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0, 0
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
