package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/miradorstack/mirador-sre/internal/cache"
	"github.com/miradorstack/mirador-sre/internal/models"
)

// HistorySource returns historical samples for a metric.
type HistorySource interface {
	FetchMetricSeries(ctx context.Context, metric string, start, end time.Time) ([]models.MetricPoint, error)
}

// SLISource evaluates a service-level indicator as a percentage.
type SLISource interface {
	QuerySLI(ctx context.Context, q models.SLIQuery) (float64, error)
}

func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// cachedSeries serves a metric series from c when present, otherwise calls
// fetch and stores the result for ttl. Cache errors never fail the call.
func cachedSeries(ctx context.Context, c cache.Provider, key string, ttl time.Duration, fetch func() ([]models.MetricPoint, error)) ([]models.MetricPoint, error) {
	if ttl > 0 {
		if data, err := c.Get(ctx, key); err == nil {
			var cached []models.MetricPoint
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}
	points, err := fetch()
	if err != nil {
		return nil, err
	}
	if ttl > 0 && len(points) > 0 {
		if payload, err := json.Marshal(points); err == nil {
			_ = c.Set(ctx, key, payload, ttl)
		}
	}
	return points, nil
}

func seriesCacheKey(source, metric string, start, end time.Time) string {
	return fmt.Sprintf("history:%s:%s:%d:%d", source, metric, start.Unix(), end.Unix())
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
