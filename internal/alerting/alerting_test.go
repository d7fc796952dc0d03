package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Header:     make(http.Header),
	}
}

func sampleAlert() Alert {
	return Alert{
		Type:        "burn_rate",
		Severity:    models.SeverityCritical,
		Title:       "checkout-availability burning budget",
		Description: "burn rate 5.00 above 2.00",
		Timestamp:   time.Unix(1_700_000_000, 0),
		Metadata:    map[string]float64{"burn_rate": 5, "target": 99.9},
		Labels:      map[string]string{"slo": "checkout-availability"},
	}
}

func TestAlertmanagerSinkPostsV2Payload(t *testing.T) {
	sink, err := NewAlertmanagerSink(AlertmanagerConfig{URL: "http://am.local:9093", ResolveAfter: time.Hour}, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	var got []postableAlert
	sink.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v2/alerts" || req.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return respond(http.StatusOK), nil
	})})

	if err := sink.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one alert, got %d", len(got))
	}
	a := got[0]
	if a.Labels["alertname"] != "burn_rate" || a.Labels["severity"] != "critical" || a.Labels["slo"] != "checkout-availability" {
		t.Fatalf("unexpected labels %v", a.Labels)
	}
	if a.Annotations["burn_rate"] != "5" || a.Annotations["summary"] == "" {
		t.Fatalf("unexpected annotations %v", a.Annotations)
	}
	if a.EndsAt == nil || !a.EndsAt.Equal(a.StartsAt.Add(time.Hour)) {
		t.Fatalf("expected endsAt one hour after startsAt, got %v", a.EndsAt)
	}
}

func TestAlertmanagerSinkOpensBreaker(t *testing.T) {
	sink, err := NewAlertmanagerSink(AlertmanagerConfig{URL: "http://am.local", RequestsPerSecond: 1000, Burst: 100}, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	hits := 0
	sink.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		hits++
		return respond(http.StatusBadGateway), nil
	})})

	for i := 0; i < 5; i++ {
		if err := sink.Send(context.Background(), sampleAlert()); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	if hits != 3 {
		t.Fatalf("expected breaker to stop traffic after 3 failures, got %d requests", hits)
	}
}

func TestAlertmanagerSinkRequiresURL(t *testing.T) {
	if _, err := NewAlertmanagerSink(AlertmanagerConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var delivered []string
	record := func(name string, err error) Sink {
		return SinkFunc(func(_ context.Context, a Alert) error {
			delivered = append(delivered, name)
			return err
		})
	}
	boom := errors.New("boom")
	fan := Fanout{record("a", nil), nil, record("b", boom), record("c", nil)}

	err := fan.Send(context.Background(), sampleAlert())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if strings.Join(delivered, ",") != "a,b,c" {
		t.Fatalf("expected every sink called, got %v", delivered)
	}
}

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(utils.NewLoggerTo(&buf, "info", true))
	if err := sink.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"type":"burn_rate"`, `"burn_rate":5`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestFromIncident(t *testing.T) {
	inc := &models.Incident{
		ID:       "abc",
		Type:     models.IncidentMemoryPressure,
		Severity: models.SeverityWarning,
		Status:   models.IncidentOpen,
		Metadata: map[string]float64{"memory_in_use_bytes": 1 << 30},
	}
	a := FromIncident(inc)
	if a.Type != "memory_pressure" || a.Labels["incident_id"] != "abc" || a.Metadata["memory_in_use_bytes"] != 1<<30 {
		t.Fatalf("unexpected alert %+v", a)
	}
}
