package main

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
)

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type seriesRequest struct {
	TenantID string `json:"tenant_id"`
	Metric   string `json:"metric"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

type indicatorRequest struct {
	TenantID string `json:"tenant_id"`
	SLO      string `json:"slo"`
	Window   string `json:"window"`
	At       string `json:"at"`
}

// step between synthetic samples; the mock never returns more than maxPoints.
const (
	step      = 5 * time.Minute
	maxPoints = 2000
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "core-mock")

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(logger, w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/metrics/series", func(w http.ResponseWriter, r *http.Request) {
		var req seriesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Metric == "" {
			http.Error(w, "metric required", http.StatusBadRequest)
			return
		}
		end := parseTime(req.End, time.Now())
		start := parseTime(req.Start, end.Add(-24*time.Hour))
		writeJSON(logger, w, map[string]any{"series": growingSeries(req.Metric, start, end)})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/slo/indicator", func(w http.ResponseWriter, r *http.Request) {
		var req indicatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SLO == "" {
			http.Error(w, "slo required", http.StatusBadRequest)
			return
		}
		// Stable per-SLO value hovering just under three nines.
		value := 99.95 - float64(seed(req.SLO)%40)/100
		writeJSON(logger, w, map[string]any{"value": value})
	}).Methods(http.MethodPost)

	router.Use(logRequests(logger))

	addr := os.Getenv("MOCK_CORE_ADDRESS")
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// growingSeries yields a slowly rising series with a daily wave so the
// capacity planner has a trend to find.
func growingSeries(metric string, start, end time.Time) []seriesPoint {
	if !end.After(start) {
		return nil
	}
	base := float64(50 + seed(metric)%200)
	points := make([]seriesPoint, 0, 64)
	for ts := start; !ts.After(end) && len(points) < maxPoints; ts = ts.Add(step) {
		hours := ts.Sub(start).Hours()
		value := base*(1+hours/(24*30)) + base*0.05*math.Sin(2*math.Pi*hours/24)
		points = append(points, seriesPoint{Timestamp: ts.UTC(), Value: value})
	}
	return points
}

func seed(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func parseTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return ts
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", "error", err)
	}
}

func logRequests(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", time.Since(start))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
