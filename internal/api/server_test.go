package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-sre/internal/config"
	"github.com/miradorstack/mirador-sre/internal/health"
	"github.com/miradorstack/mirador-sre/internal/instrument"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

type pingRoutes struct{}

func (pingRoutes) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	}).Methods(http.MethodGet)
}

func TestServerServesHTTPAndGRPCHealth(t *testing.T) {
	reg := metrics.NewRegistry()
	instr, err := instrument.New(reg, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	var failing atomic.Bool
	checks := health.NewRegistry(reg, utils.DiscardLogger())
	if err := checks.AddCheck("dependency", health.CheckFunc(func(context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	})); err != nil {
		t.Fatalf("add check: %v", err)
	}

	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GRPCAddress: "127.0.0.1:0", Version: "test"},
		reg, instr, checks, time.Second, utils.DiscardLogger(), pingRoutes{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		if err := <-done; err != nil {
			t.Errorf("start returned %v", err)
		}
	})

	base := "http://" + srv.Address()
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/api/v1/items/42"); code != http.StatusOK {
		t.Fatalf("route status %d", code)
	}
	if code, body := get("/healthz"); code != http.StatusOK || !strings.Contains(body, `"version":"test"`) {
		t.Fatalf("healthz %d %s", code, body)
	}
	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}
	if !strings.Contains(body, `route="/api/v1/items/{id}"`) {
		t.Fatalf("expected route template label in exposition:\n%s", body)
	}
	if strings.Contains(body, `route="/api/v1/items/42"`) {
		t.Fatalf("raw path leaked into labels")
	}

	conn, err := grpc.NewClient(srv.GRPCAddress(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("grpc health %v %v", resp, err)
	}

	failing.Store(true)
	if code, _ := get("/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from failing check, got %d", code)
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("grpc health should follow the registry: %v %v", resp, err)
	}

	_, body = get("/metrics")
	if !strings.Contains(body, "grpc_server_handled_total") {
		t.Fatalf("grpc server metrics missing from exposition")
	}
}

func TestRouterWithoutOptionalParts(t *testing.T) {
	router := NewRouter("dev", metrics.NewRegistry(), nil, nil, 0)
	var match mux.RouteMatch
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	if router.Match(req, &match) {
		t.Fatalf("healthz should not be routed without a check registry")
	}
	req, _ = http.NewRequest(http.MethodGet, "/metrics", nil)
	if !router.Match(req, &match) {
		t.Fatalf("metrics should always be routed")
	}
}

func TestRouterKeepsHealthAndMetricsUnderSaturatedThrottle(t *testing.T) {
	reg := metrics.NewRegistry()
	throttle := instrument.NewThrottle(1)
	if !throttle.Acquire() {
		t.Fatalf("expected a slot")
	}
	defer throttle.Release()
	instr, err := instrument.New(reg, utils.DiscardLogger(), instrument.WithThrottle(throttle))
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	checks := health.NewRegistry(reg, utils.DiscardLogger())
	if err := checks.AddCheck("dependency", health.CheckFunc(func(context.Context) error { return nil })); err != nil {
		t.Fatalf("add check: %v", err)
	}
	router := NewRouter("test", reg, instr, checks, time.Second, pingRoutes{})

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := serve("/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve("/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec := serve("/api/v1/items/1"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("api route should be shed, got %d", rec.Code)
	}
}
