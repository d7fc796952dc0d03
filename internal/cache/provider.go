// Package cache holds byte caches for metric history pulled from Prometheus
// or mirador-core, so repeated capacity runs over the same window do not
// refetch it.
package cache

import (
	"context"
	"errors"
	"time"
)

// Provider stores encoded series under a key for a bounded time. Ping backs
// the cache health check.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider disables caching: every lookup misses and writes vanish.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) Ping(context.Context) error { return nil }

func (NoopProvider) Close() error { return nil }
