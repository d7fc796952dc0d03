// Package capacity projects metric growth from history and recommends
// provisioning levels with a per-class safety margin.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/repo"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// Metric classes used to pick a safety margin.
const (
	ClassConcurrency = "concurrency"
	ClassMemory      = "memory"
	ClassDefault     = "default"
)

// Config tunes the planner.
type Config struct {
	Component             string             `yaml:"component"`
	Metrics               []string           `yaml:"metrics"`
	HistoryWindow         time.Duration      `yaml:"historyWindow"`
	Horizon               time.Duration      `yaml:"horizon"`
	SignificanceThreshold float64            `yaml:"significanceThreshold"`
	DefaultMargin         float64            `yaml:"defaultMargin"`
	Margins               map[string]float64 `yaml:"margins"`
	OutlierZScore         float64            `yaml:"outlierZScore"`
	MinPoints             int                `yaml:"minPoints"`
	Concurrency           int                `yaml:"concurrency"`
	Schedule              string             `yaml:"schedule"`
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{
		Component:             "service",
		HistoryWindow:         7 * 24 * time.Hour,
		Horizon:               7 * 24 * time.Hour,
		SignificanceThreshold: 0.1,
		DefaultMargin:         1.3,
		Margins: map[string]float64{
			ClassConcurrency: 1.2,
			ClassMemory:      1.5,
		},
		OutlierZScore: 3,
		MinPoints:     3,
		Concurrency:   4,
	}
}

// Planner analyses metric history. It only reads from its history source.
type Planner struct {
	history repo.HistorySource
	cfg     Config
	logger  *slog.Logger
	latency *utils.LatencyTracker
	now     func() time.Time
}

// NewPlanner constructs a planner; zero config fields fall back to DefaultConfig.
func NewPlanner(history repo.HistorySource, cfg Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Component == "" {
		cfg.Component = def.Component
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = def.SignificanceThreshold
	}
	if cfg.DefaultMargin == 0 {
		cfg.DefaultMargin = def.DefaultMargin
	}
	margins := make(map[string]float64, len(def.Margins)+len(cfg.Margins))
	for class, m := range def.Margins {
		margins[class] = m
	}
	for class, m := range cfg.Margins {
		margins[class] = m
	}
	cfg.Margins = margins
	if cfg.OutlierZScore <= 0 {
		cfg.OutlierZScore = def.OutlierZScore
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = def.MinPoints
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Planner{
		history: history,
		cfg:     cfg,
		logger:  logger,
		latency: utils.NewLatencyTracker(256),
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (p *Planner) Config() Config { return p.cfg }

// Classify maps a metric name onto a margin class.
func Classify(metric string) string {
	name := strings.ToLower(metric)
	for _, hint := range []string{"goroutine", "concurrency", "inflight", "in_flight", "thread", "connection", "worker"} {
		if strings.Contains(name, hint) {
			return ClassConcurrency
		}
	}
	for _, hint := range []string{"memory", "heap", "bytes", "rss"} {
		if strings.Contains(name, hint) {
			return ClassMemory
		}
	}
	return ClassDefault
}

// Margin returns the safety margin for metric, never below 1.
func (p *Planner) Margin(metric string) float64 {
	class := Classify(metric)
	m, ok := p.cfg.Margins[class]
	if !ok {
		m = p.cfg.DefaultMargin
	}
	if m < 1 {
		return 1
	}
	return m
}

// Analyze fetches each metric's history over historyWindow and returns a
// recommendation for every metric whose projected growth is significant.
// A metric whose fetch fails is logged and skipped. Results keep the order
// of metricNames; an empty list analyses the configured metrics.
func (p *Planner) Analyze(ctx context.Context, metricNames []string, historyWindow time.Duration) ([]models.CapacityRecommendation, error) {
	if p.history == nil {
		return nil, utils.ConfigurationError("capacity.Analyze", "history source is required")
	}
	if len(metricNames) == 0 {
		metricNames = p.cfg.Metrics
	}
	if historyWindow <= 0 {
		historyWindow = p.cfg.HistoryWindow
	}

	started := time.Now()
	end := p.now()
	start := end.Add(-historyWindow)

	results := make([]*models.CapacityRecommendation, len(metricNames))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, metric := range metricNames {
		i, metric := i, metric
		g.Go(func() error {
			series, err := p.history.FetchMetricSeries(ctx, metric, start, end)
			if err != nil {
				p.logger.Warn("capacity history fetch failed",
					slog.String("metric", metric),
					slog.Any("error", err))
				return nil
			}
			trend, ok := FitTrend(series, historyWindow, p.cfg.Horizon, p.cfg.OutlierZScore, p.cfg.MinPoints)
			if !ok {
				p.logger.Debug("capacity history too short",
					slog.String("metric", metric),
					slog.Int("points", len(series)))
				return nil
			}
			results[i] = p.recommend(metric, trend, end)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]models.CapacityRecommendation, 0, len(results))
	for _, rec := range results {
		if rec != nil {
			out = append(out, *rec)
		}
	}

	p.latency.Observe(time.Since(started))
	p.logger.Info("capacity analysis complete",
		slog.Int("metrics", len(metricNames)),
		slog.Int("recommendations", len(out)),
		slog.Duration("duration", time.Since(started)),
		slog.Duration("p95", p.latency.Percentile(95)))
	return out, nil
}

func (p *Planner) recommend(metric string, trend Trend, at time.Time) *models.CapacityRecommendation {
	if trend.GrowthRate <= p.cfg.SignificanceThreshold {
		return nil
	}
	margin := p.Margin(metric)
	recommended := trend.Predicted * margin
	if recommended < trend.Predicted {
		recommended = trend.Predicted
	}
	return &models.CapacityRecommendation{
		Component:   p.cfg.Component,
		Metric:      metric,
		Current:     trend.Current,
		Predicted:   trend.Predicted,
		Recommended: recommended,
		Confidence:  trend.Confidence,
		Reasoning: fmt.Sprintf("%s is projected to grow %.1f%% over %s (%.4g -> %.4g); provisioning for %.4g applies a %.2fx %s margin",
			metric, trend.GrowthRate*100, p.cfg.Horizon, trend.Current, trend.Predicted, recommended, margin, Classify(metric)),
		Metadata: map[string]float64{
			"growth_rate":     trend.GrowthRate,
			"slope_per_hour":  trend.Slope * 3600,
			"r_squared":       trend.RSquared,
			"coverage":        trend.Coverage,
			"samples":         float64(trend.Samples),
			"outliers":        float64(trend.Outliers),
			"margin":          margin,
			"horizon_seconds": p.cfg.Horizon.Seconds(),
		},
		GeneratedAt: at,
	}
}
