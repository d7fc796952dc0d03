package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/miradorstack/mirador-sre/internal/cache"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// CoreConfig configures CoreClient.
type CoreConfig struct {
	BaseURL     string
	MetricsPath string
	SLIPath     string
	HealthPath  string
	TenantID    string
	Timeout     time.Duration
	CacheTTL    time.Duration
}

// CoreClient queries mirador-core for metric history and SLI values.
type CoreClient struct {
	baseURL     string
	metricsPath string
	sliPath     string
	healthPath  string
	tenantID    string
	httpClient  *http.Client
	cache       cache.Provider
	cacheTTL    time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// NewCoreClient constructs a client targeting the configured mirador-core instance.
func NewCoreClient(cfg CoreConfig, cacheProvider cache.Provider, logger *slog.Logger) *CoreClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CoreClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		metricsPath: firstNonEmpty(cfg.MetricsPath, "/api/v1/metrics/series"),
		sliPath:     firstNonEmpty(cfg.SLIPath, "/api/v1/slo/indicator"),
		healthPath:  firstNonEmpty(cfg.HealthPath, "/health"),
		tenantID:    cfg.TenantID,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		cache:       cacheProvider,
		cacheTTL:    cfg.CacheTTL,
		breaker:     newBreaker("mirador-core", logger),
	}
}

// FetchMetricSeries queries mirador-core for metric samples.
func (c *CoreClient) FetchMetricSeries(ctx context.Context, metric string, start, end time.Time) ([]models.MetricPoint, error) {
	const op = "core.FetchMetricSeries"
	if err := c.ready(); err != nil {
		return nil, utils.QueryFailureError(op, err)
	}

	return cachedSeries(ctx, c.cache, seriesCacheKey("core:"+c.tenantID, metric, start, end), c.cacheTTL, func() ([]models.MetricPoint, error) {
		payload := map[string]interface{}{
			"tenant_id": c.tenantID,
			"metric":    metric,
			"start":     start.UTC().Format(time.RFC3339),
			"end":       end.UTC().Format(time.RFC3339),
		}
		var response struct {
			Series []struct {
				Timestamp time.Time `json:"timestamp"`
				Value     float64   `json:"value"`
			} `json:"series"`
		}
		if err := c.post(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
			return nil, utils.QueryFailureError(op, fmt.Errorf("mirador-core metrics request failed: %w", err))
		}

		points := make([]models.MetricPoint, 0, len(response.Series))
		for _, sample := range response.Series {
			points = append(points, models.MetricPoint{Timestamp: sample.Timestamp, Value: sample.Value})
		}
		if len(points) == 0 {
			return nil, utils.QueryFailureError(op, fmt.Errorf("mirador-core metrics returned no samples for %s", metric))
		}
		return points, nil
	})
}

// QuerySLI asks mirador-core to evaluate an indicator over the SLO window.
func (c *CoreClient) QuerySLI(ctx context.Context, q models.SLIQuery) (float64, error) {
	const op = "core.QuerySLI"
	if err := c.ready(); err != nil {
		return 0, utils.QueryFailureError(op, err)
	}
	at := q.At
	if at.IsZero() {
		at = time.Now()
	}
	payload := map[string]interface{}{
		"tenant_id": c.tenantID,
		"slo":       q.SLO,
		"sli":       q.SLI,
		"window":    q.Window.String(),
		"at":        at.UTC().Format(time.RFC3339),
	}
	var response struct {
		Value *float64 `json:"value"`
	}
	if err := c.post(ctx, c.resolvePath(c.sliPath), payload, &response); err != nil {
		return 0, utils.QueryFailureError(op, fmt.Errorf("mirador-core sli request failed: %w", err))
	}
	if response.Value == nil {
		return 0, utils.QueryFailureError(op, fmt.Errorf("mirador-core returned no value for %s", q.SLO))
	}
	return clampPercent(*response.Value), nil
}

// Ping checks the mirador-core health endpoint.
func (c *CoreClient) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolvePath(c.healthPath), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirador-core returned %s", resp.Status)
	}
	return nil
}

func (c *CoreClient) ready() error {
	if c == nil {
		return fmt.Errorf("mirador-core client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("mirador-core base URL not configured")
	}
	return nil
}

func (c *CoreClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *CoreClient) post(ctx context.Context, endpoint string, payload any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.postJSON(ctx, endpoint, payload, out)
	})
	return err
}

func (c *CoreClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirador-core returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
