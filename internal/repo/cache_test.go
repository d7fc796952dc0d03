package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sre/internal/cache"
	"github.com/miradorstack/mirador-sre/internal/models"
)

// seriesCache records the TTL of every write so tests can assert how the
// history sources use the cache.
type seriesCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newSeriesCache() *seriesCache {
	return &seriesCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *seriesCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	value, ok := s.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (s *seriesCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *seriesCache) Ping(context.Context) error { return nil }

func (s *seriesCache) Close() error { return nil }

func (s *seriesCache) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func TestCachedSeriesServesRepeatFetchFromCache(t *testing.T) {
	c := newSeriesCache()
	ctx := context.Background()
	ts := time.Unix(1_700_000_000, 0).UTC()
	fetches := 0
	fetch := func() ([]models.MetricPoint, error) {
		fetches++
		return []models.MetricPoint{{Timestamp: ts, Value: 42}}, nil
	}
	key := seriesCacheKey("prom", "runtime_goroutines", ts.Add(-time.Hour), ts)

	for i := 0; i < 2; i++ {
		points, err := cachedSeries(ctx, c, key, time.Minute, fetch)
		if err != nil || len(points) != 1 || points[0].Value != 42 {
			t.Fatalf("call %d: unexpected %+v, %v", i, points, err)
		}
	}
	if fetches != 1 {
		t.Fatalf("expected one upstream fetch, got %d", fetches)
	}
	if c.ttls[key] != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", c.ttls[key])
	}
}

func TestCachedSeriesWithoutTTLBypassesCache(t *testing.T) {
	c := newSeriesCache()
	fetches := 0
	fetch := func() ([]models.MetricPoint, error) {
		fetches++
		return []models.MetricPoint{{Value: 1}}, nil
	}
	for i := 0; i < 2; i++ {
		if _, err := cachedSeries(context.Background(), c, "k", 0, fetch); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if fetches != 2 || c.size() != 0 {
		t.Fatalf("expected uncached fetches, got fetches=%d cached=%d", fetches, c.size())
	}
}

func TestCachedSeriesToleratesCacheErrors(t *testing.T) {
	c := newSeriesCache()
	c.getErr = errors.New("connection refused")
	points, err := cachedSeries(context.Background(), c, "k", time.Minute, func() ([]models.MetricPoint, error) {
		return []models.MetricPoint{{Value: 7}}, nil
	})
	if err != nil || len(points) != 1 {
		t.Fatalf("cache failure must not fail the fetch: %+v, %v", points, err)
	}
}
