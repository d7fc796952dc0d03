package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// ValidateSchedule checks a five-field cron expression.
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("invalid cron schedule: cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", schedule, err)
	}
	return nil
}

// Result is one completed scheduled analysis.
type Result struct {
	Recommendations []models.CapacityRecommendation
	CompletedAt     time.Time
	Err             error
}

// Scheduler runs the planner on a cron schedule and keeps the latest result.
type Scheduler struct {
	planner *Planner
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	latest *Result
}

// NewScheduler registers the planner under schedule. Each run is bounded
// by timeout.
func NewScheduler(planner *Planner, schedule string, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, utils.ConfigurationError("capacity.NewScheduler", err.Error())
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Scheduler{
		planner: planner,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunNow(context.Background()) }); err != nil {
		return nil, utils.ConfigurationError("capacity.NewScheduler", err.Error())
	}
	return s, nil
}

// Start begins scheduled runs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("capacity scheduler started", slog.Int("entries", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for a running analysis, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunNow runs one analysis of the configured metrics and stores the result.
func (s *Scheduler) RunNow(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recs, err := s.planner.Analyze(ctx, nil, 0)
	res := Result{Recommendations: recs, CompletedAt: time.Now(), Err: err}
	if err != nil {
		s.logger.Error("scheduled capacity analysis failed", slog.Any("error", err))
	}

	s.mu.Lock()
	if err == nil || s.latest == nil {
		s.latest = &res
	} else {
		// keep the last good recommendations but surface the failure
		s.latest = &Result{Recommendations: s.latest.Recommendations, CompletedAt: s.latest.CompletedAt, Err: err}
	}
	s.mu.Unlock()
	return res
}

// Latest returns the most recent result, if any run has completed.
func (s *Scheduler) Latest() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Result{}, false
	}
	return *s.latest, true
}
