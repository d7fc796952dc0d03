package repo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
)

const incidentClass = "ReliabilityIncident"

// WeaviateIncidentStore persists incidents as Weaviate objects over REST.
type WeaviateIncidentStore struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewWeaviateIncidentStore constructs a Weaviate-backed store.
func NewWeaviateIncidentStore(endpoint, apiKey string, timeout time.Duration) *WeaviateIncidentStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WeaviateIncidentStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SaveIncident replaces the object with the incident's ID, creating it on
// first save.
func (r *WeaviateIncidentStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	if r == nil || r.endpoint == "" {
		return fmt.Errorf("weaviate store not initialised")
	}
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("incident id is required")
	}

	payload := map[string]interface{}{
		"class":      incidentClass,
		"id":         inc.ID,
		"properties": buildIncidentProperties(inc),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	status, data, err := r.do(ctx, http.MethodPut, r.objectURL(inc.ID), body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		status, data, err = r.do(ctx, http.MethodPost, r.endpoint+"/v1/objects", body)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("weaviate store incident failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// GetIncident fetches one incident by ID.
func (r *WeaviateIncidentStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	if r == nil || r.endpoint == "" {
		return nil, fmt.Errorf("weaviate store not initialised")
	}
	status, data, err := r.do(ctx, http.MethodGet, r.objectURL(id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("weaviate get incident failed: %s", strings.TrimSpace(string(data)))
	}

	var obj struct {
		ID         string             `json:"id"`
		Properties incidentProperties `json:"properties"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	return obj.Properties.toIncident(), nil
}

// ListIncidents queries incidents through GraphQL, newest first.
func (r *WeaviateIncidentStore) ListIncidents(ctx context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error) {
	if r == nil || r.endpoint == "" {
		return nil, fmt.Errorf("weaviate store not initialised")
	}

	gql := fmt.Sprintf(`{
  Get {
    %s(
      limit: %d
      %s
      sort: [{path: ["timestamp"], order: desc}]
    ) {
      incidentId
      type
      severity
      title
      description
      status
      timestamp
      updatedAt
      resolvedAt
      metadata
      runbook
      remediation
      diagnostics
    }
  }
}`, incidentClass, pageSize(req.PageSize), buildIncidentWhere(req))

	payload, err := json.Marshal(map[string]interface{}{"query": gql})
	if err != nil {
		return nil, err
	}
	status, data, err := r.do(ctx, http.MethodPost, r.endpoint+"/v1/graphql", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("weaviate list incidents failed: %s", strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]incidentProperties `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[incidentClass]
	out := make([]*models.Incident, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toIncident())
	}
	return out, nil
}

// Ping checks Weaviate readiness.
func (r *WeaviateIncidentStore) Ping(ctx context.Context) error {
	status, _, err := r.do(ctx, http.MethodGet, r.endpoint+"/v1/.well-known/ready", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("weaviate not ready: %d", status)
	}
	return nil
}

func (r *WeaviateIncidentStore) objectURL(id string) string {
	return r.endpoint + "/v1/objects/" + incidentClass + "/" + id
}

func (r *WeaviateIncidentStore) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// incidentProperties is the stored object shape. Nested structures are kept
// as JSON text so the class schema stays flat.
type incidentProperties struct {
	IncidentID  string   `json:"incidentId"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Timestamp   string   `json:"timestamp"`
	UpdatedAt   string   `json:"updatedAt"`
	ResolvedAt  string   `json:"resolvedAt,omitempty"`
	Metadata    string   `json:"metadata"`
	Runbook     []string `json:"runbook"`
	Remediation string   `json:"remediation"`
	Diagnostics string   `json:"diagnostics,omitempty"`
}

type storedDiagnostics struct {
	CapturedAt    time.Time `json:"capturedAt"`
	Goroutines    int       `json:"goroutines"`
	BlockedCount  int       `json:"blockedCount"`
	BlockedStates []string  `json:"blockedStates"`
	GoroutineDump string    `json:"goroutineDump"`
	HeapProfile   string    `json:"heapProfile"`
	CaptureErrors string    `json:"captureErrors,omitempty"`
}

func buildIncidentProperties(inc *models.Incident) incidentProperties {
	props := incidentProperties{
		IncidentID:  inc.ID,
		Type:        string(inc.Type),
		Severity:    string(inc.Severity),
		Title:       inc.Title,
		Description: inc.Description,
		Status:      string(inc.Status),
		Timestamp:   formatTime(inc.Timestamp),
		UpdatedAt:   formatTime(inc.UpdatedAt),
		Runbook:     inc.Runbook,
	}
	if inc.ResolvedAt != nil {
		props.ResolvedAt = formatTime(*inc.ResolvedAt)
	}
	if data, err := json.Marshal(inc.Metadata); err == nil {
		props.Metadata = string(data)
	}
	if data, err := json.Marshal(inc.Remediation); err == nil {
		props.Remediation = string(data)
	}
	if d := inc.Diagnostics; d != nil {
		stored := storedDiagnostics{
			CapturedAt:    d.CapturedAt,
			Goroutines:    d.Goroutines,
			BlockedCount:  d.BlockedCount,
			BlockedStates: d.BlockedStates,
			GoroutineDump: d.GoroutineDump,
			HeapProfile:   base64.StdEncoding.EncodeToString(d.HeapProfile),
			CaptureErrors: d.CaptureErrors,
		}
		if data, err := json.Marshal(stored); err == nil {
			props.Diagnostics = string(data)
		}
	}
	return props
}

func (p incidentProperties) toIncident() *models.Incident {
	inc := &models.Incident{
		ID:          p.IncidentID,
		Type:        models.IncidentType(p.Type),
		Severity:    models.Severity(p.Severity),
		Title:       p.Title,
		Description: p.Description,
		Status:      models.IncidentStatus(p.Status),
		Timestamp:   parseTime(p.Timestamp),
		UpdatedAt:   parseTime(p.UpdatedAt),
		Runbook:     p.Runbook,
	}
	if p.ResolvedAt != "" {
		t := parseTime(p.ResolvedAt)
		inc.ResolvedAt = &t
	}
	if p.Metadata != "" {
		_ = json.Unmarshal([]byte(p.Metadata), &inc.Metadata)
	}
	if p.Remediation != "" {
		_ = json.Unmarshal([]byte(p.Remediation), &inc.Remediation)
	}
	if p.Diagnostics != "" {
		var stored storedDiagnostics
		if err := json.Unmarshal([]byte(p.Diagnostics), &stored); err == nil {
			heap, _ := base64.StdEncoding.DecodeString(stored.HeapProfile)
			inc.Diagnostics = &models.Diagnostics{
				CapturedAt:    stored.CapturedAt,
				Goroutines:    stored.Goroutines,
				BlockedCount:  stored.BlockedCount,
				BlockedStates: stored.BlockedStates,
				GoroutineDump: stored.GoroutineDump,
				HeapProfile:   heap,
				CaptureErrors: stored.CaptureErrors,
			}
		}
	}
	return inc
}

func buildIncidentWhere(req models.ListIncidentsRequest) string {
	var filters []string
	if req.Status != "" {
		filters = append(filters, fmt.Sprintf(`{path: ["status"], operator: Equal, valueText: %q}`, string(req.Status)))
	}
	if req.Type != "" {
		filters = append(filters, fmt.Sprintf(`{path: ["type"], operator: Equal, valueText: %q}`, string(req.Type)))
	}
	if !req.Start.IsZero() {
		filters = append(filters, fmt.Sprintf(`{path: ["timestamp"], operator: GreaterThanEqual, valueDate: %q}`, formatTime(req.Start)))
	}
	if !req.End.IsZero() {
		filters = append(filters, fmt.Sprintf(`{path: ["timestamp"], operator: LessThanEqual, valueDate: %q}`, formatTime(req.End)))
	}
	if len(filters) == 0 {
		return ""
	}
	return fmt.Sprintf("where: { operator: And, operands: [%s] }", strings.Join(filters, ","))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
