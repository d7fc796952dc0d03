package repo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

func queryParam(t *testing.T, req *http.Request, name string) string {
	t.Helper()
	if req.Method == http.MethodPost {
		body, _ := io.ReadAll(req.Body)
		values, err := url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("parse form: %v", err)
		}
		return values.Get(name)
	}
	return req.URL.Query().Get(name)
}

func TestPrometheusQuerySLI(t *testing.T) {
	var gotQuery string
	src, err := NewPrometheusSource(PrometheusConfig{
		Address: "http://prometheus.test",
		RoundTripper: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != "/api/v1/query" {
				t.Fatalf("unexpected path %s", req.URL.Path)
			}
			gotQuery = queryParam(t, req, "query")
			return jsonResponse(http.StatusOK, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"99.5"]}]}}`), nil
		}),
	}, nil, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	v, err := src.QuerySLI(context.Background(), models.SLIQuery{
		SLO:    "checkout-availability",
		SLI:    models.SLI{Type: models.SLIAvailability, GoodQuery: `http_requests_total{outcome="2xx"}`, TotalQuery: "http_requests_total"},
		Window: 30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v != 99.5 {
		t.Fatalf("expected 99.5, got %v", v)
	}
	if !strings.Contains(gotQuery, `increase(http_requests_total{outcome="2xx"}[30d])`) {
		t.Fatalf("unexpected promql %q", gotQuery)
	}
}

func TestPrometheusQuerySLIEmptyResultIsQueryFailure(t *testing.T) {
	src, _ := NewPrometheusSource(PrometheusConfig{
		Address: "http://prometheus.test",
		RoundTripper: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"status":"success","data":{"resultType":"vector","result":[]}}`), nil
		}),
	}, nil, utils.DiscardLogger())

	_, err := src.QuerySLI(context.Background(), models.SLIQuery{SLO: "x", SLI: models.SLI{Query: "up"}, Window: time.Hour})
	if !errors.Is(err, utils.ErrQueryFailure) {
		t.Fatalf("expected query failure, got %v", err)
	}
}

func TestPrometheusFetchMetricSeriesCaches(t *testing.T) {
	hits := 0
	src, _ := NewPrometheusSource(PrometheusConfig{
		Address:  "http://prometheus.test",
		CacheTTL: time.Minute,
		RoundTripper: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			hits++
			if req.URL.Path != "/api/v1/query_range" {
				t.Fatalf("unexpected path %s", req.URL.Path)
			}
			return jsonResponse(http.StatusOK, `{"status":"success","data":{"resultType":"matrix","result":[{"metric":{"__name__":"runtime_goroutines"},"values":[[1700000000,"10"],[1700000060,"12"],[1700000120,"NaN"],[1700000180,"15"]]}]}}`), nil
		}),
	}, newSeriesCache(), utils.DiscardLogger())

	end := time.Unix(1_700_000_400, 0)
	start := end.Add(-time.Hour)
	points, err := src.FetchMetricSeries(context.Background(), "runtime_goroutines", start, end)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(points) != 3 || points[2].Value != 15 {
		t.Fatalf("expected NaN dropped, got %+v", points)
	}
	if _, err := src.FetchMetricSeries(context.Background(), "runtime_goroutines", start, end); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected cache to absorb second call, hits=%d", hits)
	}
}

func TestBuildPromQL(t *testing.T) {
	cases := []struct {
		name    string
		sli     models.SLI
		want    string
		wantErr bool
	}{
		{
			name: "latency with selector",
			sli:  models.SLI{Type: models.SLILatency, Metric: "http_request_duration_seconds", Selector: `route="/checkout"`, Threshold: 0.25},
			want: `100 * sum(increase(http_request_duration_seconds_bucket{route="/checkout",le="0.25"}[1h])) / sum(increase(http_request_duration_seconds_count{route="/checkout"}[1h]))`,
		},
		{
			name: "throughput",
			sli:  models.SLI{Type: models.SLIThroughput, TotalQuery: "http_requests_total", Threshold: 50},
			want: `clamp_max(100 * sum(rate(http_requests_total[1h])) / 50, 100)`,
		},
		{name: "raw query wins", sli: models.SLI{Type: models.SLILatency, Query: "vector(99)"}, want: "vector(99)"},
		{name: "latency without threshold", sli: models.SLI{Type: models.SLILatency, Metric: "m"}, wantErr: true},
		{name: "unknown type", sli: models.SLI{Type: "saturation"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildPromQL(tc.sli, time.Hour)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected\n%s\ngot\n%s", tc.want, got)
			}
		})
	}
}
