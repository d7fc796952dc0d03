// Package instrument wraps inbound request handling with duration, outcome
// and in-flight accounting, and contains panics at the request boundary.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-sre/internal/metrics"
)

// Metric names owned by the instrumentation layer.
const (
	MetricActive   = "http_requests_active"
	MetricDuration = "http_request_duration_seconds"
	MetricTotal    = "http_requests_total"
	MetricPanics   = "http_request_panics_total"
)

// Outcome classes beyond the HTTP status families.
const (
	OutcomePanic     = "panic"
	OutcomeThrottled = "throttled"
)

// DefaultUnthrottled lists the operational paths that stay reachable while
// the throttle sheds load. Entries ending in "/" match as prefixes.
var DefaultUnthrottled = []string{"/healthz", "/metrics", "/debug/", "/grpc.health.v1.Health/"}

type seriesKey struct {
	method  string
	route   string
	outcome string
}

type outcomeSeries struct {
	duration *metrics.Series
	total    *metrics.Series
}

// Instrumenter records request metrics into the shared registry.
type Instrumenter struct {
	reg      *metrics.Registry
	logger   *slog.Logger
	throttle *Throttle
	exempt   []string
	active   *metrics.Series

	// hot-path cache so steady-state requests never touch the registry lock
	outcomes sync.Map // seriesKey -> *outcomeSeries
	panics   sync.Map // seriesKey -> *metrics.Series
}

// Option customises an Instrumenter.
type Option func(*Instrumenter)

// WithThrottle attaches a concurrency cap consulted on every request.
func WithThrottle(t *Throttle) Option {
	return func(i *Instrumenter) { i.throttle = t }
}

// WithUnthrottled replaces DefaultUnthrottled.
func WithUnthrottled(paths ...string) Option {
	return func(i *Instrumenter) { i.exempt = append([]string(nil), paths...) }
}

// New registers the instrumentation series.
func New(reg *metrics.Registry, logger *slog.Logger, opts ...Option) (*Instrumenter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	active, err := reg.Register(MetricActive, metrics.KindGauge, nil, metrics.WithHelp("Requests currently being served."))
	if err != nil {
		return nil, err
	}
	i := &Instrumenter{reg: reg, logger: logger, active: active, exempt: DefaultUnthrottled}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Throttle returns the attached throttle, which may be nil.
func (i *Instrumenter) Throttle() *Throttle { return i.throttle }

// Middleware instruments an http.Handler. Panics raised by next are recovered,
// logged, counted and answered with a generic 500.
func (i *Instrumenter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i.limited(r.URL.Path) {
			if !i.throttle.Acquire() {
				i.record(r.Method, routeTemplate(r), OutcomeThrottled, 0)
				writeError(w, http.StatusServiceUnavailable, "server is shedding load")
				return
			}
			defer i.throttle.Release()
		}

		i.active.Inc()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			outcome := statusClass(rec.status)
			if p := recover(); p != nil {
				outcome = OutcomePanic
				i.panicSeries(r.Method, routeTemplate(r)).Inc()
				i.logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}
			i.active.Dec()
			i.record(r.Method, routeTemplate(r), outcome, time.Since(start))
		}()

		next.ServeHTTP(rec, r)
	})
}

// UnaryServerInterceptor applies the same accounting and panic containment to gRPC calls.
func (i *Instrumenter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		if i.limited(info.FullMethod) {
			if !i.throttle.Acquire() {
				i.record("grpc", info.FullMethod, OutcomeThrottled, 0)
				return nil, status.Error(codes.ResourceExhausted, "server is shedding load")
			}
			defer i.throttle.Release()
		}

		i.active.Inc()
		start := time.Now()
		defer func() {
			var outcome string
			if p := recover(); p != nil {
				outcome = OutcomePanic
				i.panicSeries("grpc", info.FullMethod).Inc()
				i.logger.Error("panic recovered",
					slog.String("method", info.FullMethod),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			} else {
				outcome = status.Code(err).String()
			}
			i.active.Dec()
			i.record("grpc", info.FullMethod, outcome, time.Since(start))
		}()

		return handler(ctx, req)
	}
}

// limited reports whether the throttle applies to path.
func (i *Instrumenter) limited(path string) bool {
	if i.throttle == nil {
		return false
	}
	for _, p := range i.exempt {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return false
		}
	}
	return true
}

func (i *Instrumenter) record(method, route, outcome string, d time.Duration) {
	s := i.outcomeSeries(method, route, outcome)
	if s == nil {
		return
	}
	s.duration.Observe(d.Seconds())
	s.total.Inc()
}

func (i *Instrumenter) outcomeSeries(method, route, outcome string) *outcomeSeries {
	key := seriesKey{method: method, route: route, outcome: outcome}
	if v, ok := i.outcomes.Load(key); ok {
		return v.(*outcomeSeries)
	}
	labels := metrics.Labels{"method": method, "route": route, "outcome": outcome}
	duration, err := i.reg.Register(MetricDuration, metrics.KindHistogram, labels, metrics.WithHelp("Request duration in seconds."))
	if err != nil {
		i.logger.Warn("register request histogram", slog.Any("error", err))
		return nil
	}
	total, err := i.reg.Register(MetricTotal, metrics.KindCounter, labels, metrics.WithHelp("Requests handled, by outcome class."))
	if err != nil {
		i.logger.Warn("register request counter", slog.Any("error", err))
		return nil
	}
	v, _ := i.outcomes.LoadOrStore(key, &outcomeSeries{duration: duration, total: total})
	return v.(*outcomeSeries)
}

func (i *Instrumenter) panicSeries(method, route string) *metrics.Series {
	key := seriesKey{method: method, route: route}
	if v, ok := i.panics.Load(key); ok {
		return v.(*metrics.Series)
	}
	s, err := i.reg.Register(MetricPanics, metrics.KindCounter, metrics.Labels{"method": method, "route": route}, metrics.WithHelp("Panics recovered at the request boundary."))
	if err != nil {
		i.logger.Warn("register panic counter", slog.Any("error", err))
		return &metrics.Series{}
	}
	v, _ := i.panics.LoadOrStore(key, s)
	return v.(*metrics.Series)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil && tpl != "" {
			return tpl
		}
	}
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer when it supports streaming.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": strings.TrimSpace(msg)})
}
