package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sony/gobreaker"

	"github.com/miradorstack/mirador-sre/internal/cache"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// PrometheusConfig configures PrometheusSource.
type PrometheusConfig struct {
	Address      string
	Timeout      time.Duration
	MaxPoints    int
	CacheTTL     time.Duration
	RoundTripper http.RoundTripper
}

// PrometheusSource answers SLI and history queries from the Prometheus HTTP API.
type PrometheusSource struct {
	api       v1.API
	cache     cache.Provider
	cacheTTL  time.Duration
	timeout   time.Duration
	maxPoints int
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	latency   *utils.LatencyTracker
}

// NewPrometheusSource constructs a client for the Prometheus server at cfg.Address.
func NewPrometheusSource(cfg PrometheusConfig, cacheProvider cache.Provider, logger *slog.Logger) (*PrometheusSource, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("prometheus address is required")
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 240
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address, RoundTripper: cfg.RoundTripper})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusSource{
		api:       v1.NewAPI(client),
		cache:     cacheProvider,
		cacheTTL:  cfg.CacheTTL,
		timeout:   cfg.Timeout,
		maxPoints: cfg.MaxPoints,
		breaker:   newBreaker("prometheus", logger),
		logger:    logger,
		latency:   utils.NewLatencyTracker(512),
	}, nil
}

// QuerySLI evaluates the indicator at q.At (now when zero).
func (p *PrometheusSource) QuerySLI(ctx context.Context, q models.SLIQuery) (float64, error) {
	const op = "prometheus.QuerySLI"
	expr, err := BuildPromQL(q.SLI, q.Window)
	if err != nil {
		return 0, utils.QueryFailureError(op, err)
	}
	at := q.At
	if at.IsZero() {
		at = time.Now()
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		start := time.Now()
		value, warnings, err := p.api.Query(ctx, expr, at)
		p.latency.Observe(time.Since(start))
		if n := p.latency.Total(); n%20 == 0 {
			p.logger.Debug("prometheus sli latency", slog.Int("queries", n), slog.Duration("p95", p.QueryLatency()))
		}
		if len(warnings) > 0 {
			p.logger.Debug("prometheus query warnings", slog.String("slo", q.SLO), slog.Any("warnings", []string(warnings)))
		}
		if err != nil {
			return nil, err
		}
		return scalarOf(value)
	})
	if err != nil {
		return 0, utils.QueryFailureError(op, fmt.Errorf("slo %s: %w", q.SLO, err))
	}
	return clampPercent(out.(float64)), nil
}

// FetchMetricSeries returns samples of metric between start and end at a
// step chosen to keep at most MaxPoints samples.
func (p *PrometheusSource) FetchMetricSeries(ctx context.Context, metric string, start, end time.Time) ([]models.MetricPoint, error) {
	const op = "prometheus.FetchMetricSeries"
	if !end.After(start) {
		return nil, utils.QueryFailureError(op, fmt.Errorf("empty range for %s", metric))
	}
	step := end.Sub(start) / time.Duration(p.maxPoints)
	if step < 15*time.Second {
		step = 15 * time.Second
	}
	start, end = start.Truncate(step), end.Truncate(step)

	return cachedSeries(ctx, p.cache, seriesCacheKey("prom", metric, start, end), p.cacheTTL, func() ([]models.MetricPoint, error) {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			value, _, err := p.api.QueryRange(ctx, metric, v1.Range{Start: start, End: end, Step: step})
			if err != nil {
				return nil, err
			}
			return pointsOf(value)
		})
		if err != nil {
			return nil, utils.QueryFailureError(op, fmt.Errorf("metric %s: %w", metric, err))
		}
		return out.([]models.MetricPoint), nil
	})
}

// Ping checks that the server answers its build-info endpoint.
func (p *PrometheusSource) Ping(ctx context.Context) error {
	_, err := p.api.Buildinfo(ctx)
	return err
}

// QueryLatency reports the p95 of recent SLI query round-trips.
func (p *PrometheusSource) QueryLatency() time.Duration {
	return p.latency.Percentile(95)
}

// BuildPromQL composes the indicator expression for an SLI over window.
func BuildPromQL(sli models.SLI, window time.Duration) (string, error) {
	if sli.Query != "" {
		return sli.Query, nil
	}
	w := model.Duration(window).String()
	switch sli.Type {
	case models.SLIAvailability:
		if sli.GoodQuery == "" || sli.TotalQuery == "" {
			return "", errors.New("availability SLI needs good and total selectors")
		}
		return fmt.Sprintf("100 * sum(increase(%s[%s])) / sum(increase(%s[%s]))",
			sli.GoodQuery, w, sli.TotalQuery, w), nil
	case models.SLILatency:
		if sli.Metric == "" || sli.Threshold <= 0 {
			return "", errors.New("latency SLI needs a histogram metric and a threshold")
		}
		le := strconv.FormatFloat(sli.Threshold, 'g', -1, 64)
		return fmt.Sprintf(`100 * sum(increase(%s_bucket{%s}[%s])) / sum(increase(%s_count%s[%s]))`,
			sli.Metric, joinMatchers(sli.Selector, fmt.Sprintf(`le="%s"`, le)), w,
			sli.Metric, braces(sli.Selector), w), nil
	case models.SLIThroughput:
		if sli.TotalQuery == "" || sli.Threshold <= 0 {
			return "", errors.New("throughput SLI needs a total selector and a target rate")
		}
		return fmt.Sprintf("clamp_max(100 * sum(rate(%s[%s])) / %s, 100)",
			sli.TotalQuery, w, strconv.FormatFloat(sli.Threshold, 'g', -1, 64)), nil
	default:
		return "", fmt.Errorf("unknown SLI type %q", sli.Type)
	}
}

func joinMatchers(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func braces(selector string) string {
	if strings.TrimSpace(selector) == "" {
		return ""
	}
	return "{" + selector + "}"
}

func scalarOf(value model.Value) (float64, error) {
	var v float64
	switch typed := value.(type) {
	case *model.Scalar:
		v = float64(typed.Value)
	case model.Vector:
		if len(typed) == 0 {
			return 0, errors.New("query returned no samples")
		}
		v = float64(typed[0].Value)
	case nil:
		return 0, errors.New("query returned no result")
	default:
		return 0, fmt.Errorf("unexpected result type %s", value.Type())
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("query returned a non-finite value")
	}
	return v, nil
}

func pointsOf(value model.Value) ([]models.MetricPoint, error) {
	matrix, ok := value.(model.Matrix)
	if !ok {
		if value == nil {
			return nil, errors.New("range query returned no result")
		}
		return nil, fmt.Errorf("unexpected result type %s", value.Type())
	}
	if len(matrix) == 0 {
		return nil, errors.New("range query returned no series")
	}
	stream := matrix[0]
	points := make([]models.MetricPoint, 0, len(stream.Values))
	for _, pair := range stream.Values {
		v := float64(pair.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		points = append(points, models.MetricPoint{Timestamp: pair.Timestamp.Time().UTC(), Value: v})
	}
	if len(points) == 0 {
		return nil, errors.New("range query returned no finite samples")
	}
	return points, nil
}
