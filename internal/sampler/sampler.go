// Package sampler periodically copies Go runtime counters into the metric registry.
package sampler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sre/internal/metrics"
)

// Gauge names written by the sampler.
const (
	MetricGoroutines  = "runtime_goroutines"
	MetricMemoryInUse = "runtime_memory_in_use_bytes"
	MetricGCPause     = "runtime_gc_pause_seconds"
)

// DefaultInterval is the suggested sampling period.
const DefaultInterval = 15 * time.Second

// RuntimeStats is one reading of the process runtime.
type RuntimeStats struct {
	Goroutines  int
	MemoryInUse uint64
	NumGC       uint32
	PauseNs     [256]uint64
}

// StatsReader abstracts the runtime so tests can feed synthetic readings.
type StatsReader func() RuntimeStats

// ReadRuntime reads live stats from the Go runtime.
func ReadRuntime() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:  runtime.NumGoroutine(),
		MemoryInUse: ms.HeapAlloc,
		NumGC:       ms.NumGC,
		PauseNs:     ms.PauseNs,
	}
}

// Sampler writes goroutine count, memory in use and GC pause as gauges.
type Sampler struct {
	logger      *slog.Logger
	read        StatsReader
	goroutines  *metrics.Series
	memoryInUse *metrics.Series
	gcPause     *metrics.Series

	mu        sync.Mutex
	lastNumGC uint32
	primed    bool
}

// Option customises a Sampler.
type Option func(*Sampler)

// WithStatsReader replaces the runtime reader.
func WithStatsReader(read StatsReader) Option {
	return func(s *Sampler) {
		if read != nil {
			s.read = read
		}
	}
}

// New registers the runtime gauges and returns a Sampler.
func New(reg *metrics.Registry, logger *slog.Logger, opts ...Option) (*Sampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	goroutines, err := reg.Register(MetricGoroutines, metrics.KindGauge, nil, metrics.WithHelp("Number of live goroutines."))
	if err != nil {
		return nil, err
	}
	memory, err := reg.Register(MetricMemoryInUse, metrics.KindGauge, nil, metrics.WithHelp("Heap bytes allocated and in use."))
	if err != nil {
		return nil, err
	}
	pause, err := reg.Register(MetricGCPause, metrics.KindGauge, nil, metrics.WithHelp("Longest GC pause since the previous sample, in seconds."))
	if err != nil {
		return nil, err
	}

	s := &Sampler{
		logger:      logger,
		read:        ReadRuntime,
		goroutines:  goroutines,
		memoryInUse: memory,
		gcPause:     pause,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sample takes one reading. The first call has no GC baseline and leaves the
// GC pause gauge alone; later calls record the longest pause among the
// collections completed since the previous call, or zero if none completed.
func (s *Sampler) Sample() RuntimeStats {
	stats := s.read()
	s.goroutines.Set(float64(stats.Goroutines))
	s.memoryInUse.Set(float64(stats.MemoryInUse))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		s.primed = true
		s.lastNumGC = stats.NumGC
		return stats
	}

	s.gcPause.Set(maxPauseSince(stats, s.lastNumGC).Seconds())
	s.lastNumGC = stats.NumGC
	return stats
}

// Run samples immediately and then every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.logger.Info("runtime sampler started", slog.Duration("interval", interval))
	s.Sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("runtime sampler stopped")
			return
		case <-ticker.C:
			stats := s.Sample()
			s.logger.Debug("runtime sampled",
				slog.Int("goroutines", stats.Goroutines),
				slog.Uint64("memory_in_use", stats.MemoryInUse),
				slog.Any("num_gc", stats.NumGC),
			)
		}
	}
}

// maxPauseSince walks the runtime's circular pause buffer back from the most
// recent collection to the one after prev. Only the last 256 pauses are kept.
func maxPauseSince(stats RuntimeStats, prev uint32) time.Duration {
	completed := stats.NumGC - prev
	if completed == 0 {
		return 0
	}
	if completed > uint32(len(stats.PauseNs)) {
		completed = uint32(len(stats.PauseNs))
	}
	var max uint64
	for i := uint32(0); i < completed; i++ {
		idx := (stats.NumGC - i + 255) % 256
		if p := stats.PauseNs[idx]; p > max {
			max = p
		}
	}
	return time.Duration(max)
}
