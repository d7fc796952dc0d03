package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// AlertmanagerConfig configures the webhook sink.
type AlertmanagerConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// ResolveAfter sets endsAt relative to the alert timestamp; zero leaves
	// resolution to Alertmanager's own timeout.
	ResolveAfter time.Duration
	Source       string
}

// AlertmanagerSink posts alerts to the Alertmanager v2 API. Requests are
// rate limited and wrapped in a circuit breaker so a failing receiver does
// not stall the detector or the SLO engine.
type AlertmanagerSink struct {
	cfg        AlertmanagerConfig
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewAlertmanagerSink constructs the sink. The URL is the Alertmanager base
// address; /api/v2/alerts is appended when absent.
func NewAlertmanagerSink(cfg AlertmanagerConfig, logger *slog.Logger) (*AlertmanagerSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("alertmanager url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Source == "" {
		cfg.Source = "mirador-sre"
	}

	endpoint := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(endpoint, "/api/v2/alerts") {
		endpoint += "/api/v2/alerts"
	}

	s := &AlertmanagerSink{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alertmanager",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return s, nil
}

// SetHTTPClient replaces the transport, mainly for tests.
func (s *AlertmanagerSink) SetHTTPClient(c *http.Client) {
	if c != nil {
		s.httpClient = c
	}
}

type postableAlert struct {
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       *time.Time        `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// Send implements Sink.
func (s *AlertmanagerSink) Send(ctx context.Context, alert Alert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alertmanager rate limit: %w", err)
	}
	body, err := json.Marshal([]postableAlert{s.toPostable(alert)})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("alertmanager send: %w", err)
	}
	return nil
}

func (s *AlertmanagerSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alertmanager returned %s", resp.Status)
	}
	return nil
}

func (s *AlertmanagerSink) toPostable(alert Alert) postableAlert {
	labels := map[string]string{
		"alertname": alert.Type,
		"severity":  string(alert.Severity),
		"source":    s.cfg.Source,
	}
	for k, v := range alert.Labels {
		labels[k] = v
	}
	annotations := map[string]string{
		"summary":     alert.Title,
		"description": alert.Description,
	}
	for _, k := range sortedKeys(alert.Metadata) {
		annotations[k] = strconv.FormatFloat(alert.Metadata[k], 'g', -1, 64)
	}

	startsAt := alert.Timestamp
	if startsAt.IsZero() {
		startsAt = time.Now()
	}
	out := postableAlert{Labels: labels, Annotations: annotations, StartsAt: startsAt.UTC()}
	if s.cfg.ResolveAfter > 0 {
		ends := startsAt.Add(s.cfg.ResolveAfter).UTC()
		out.EndsAt = &ends
	}
	return out
}
