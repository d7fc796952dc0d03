package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/slo"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// Float encodes non-finite values as null, which JSON cannot otherwise carry.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func floats(m map[string]float64) map[string]Float {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]Float, len(m))
	for k, v := range m {
		out[k] = Float(v)
	}
	return out
}

// IncidentDTO is the JSON shape of an incident.
type IncidentDTO struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Severity    string           `json:"severity"`
	Status      string           `json:"status"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	DurationMin float64          `json:"duration_minutes,omitempty"`
	Metadata    map[string]Float `json:"metadata,omitempty"`
	Diagnostics *DiagnosticsDTO  `json:"diagnostics,omitempty"`
	Remediation []RemediationDTO `json:"remediation,omitempty"`
	Runbook     []string         `json:"runbook,omitempty"`
}

// DiagnosticsDTO summarises captured diagnostics. The goroutine dump is only
// included on single-incident reads.
type DiagnosticsDTO struct {
	CapturedAt       time.Time `json:"captured_at"`
	Goroutines       int       `json:"goroutines"`
	BlockedCount     int       `json:"blocked_count"`
	BlockedStates    []string  `json:"blocked_states,omitempty"`
	HeapProfileBytes int       `json:"heap_profile_bytes"`
	CaptureErrors    string    `json:"capture_errors,omitempty"`
	GoroutineDump    string    `json:"goroutine_dump,omitempty"`
}

// RemediationDTO is one remediation attempt.
type RemediationDTO struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ToIncidentDTO converts a domain incident.
func ToIncidentDTO(inc *models.Incident, withDump bool) IncidentDTO {
	dto := IncidentDTO{
		ID:          inc.ID,
		Type:        string(inc.Type),
		Severity:    string(inc.Severity),
		Status:      string(inc.Status),
		Title:       inc.Title,
		Description: inc.Description,
		Timestamp:   inc.Timestamp,
		UpdatedAt:   inc.UpdatedAt,
		ResolvedAt:  inc.ResolvedAt,
		Metadata:    floats(inc.Metadata),
		Runbook:     append([]string(nil), inc.Runbook...),
	}
	if inc.ResolvedAt != nil {
		dto.DurationMin = utils.DurationMinutes(inc.Timestamp, *inc.ResolvedAt)
	}
	if d := inc.Diagnostics; d != nil {
		dto.Diagnostics = &DiagnosticsDTO{
			CapturedAt:       d.CapturedAt,
			Goroutines:       d.Goroutines,
			BlockedCount:     d.BlockedCount,
			BlockedStates:    append([]string(nil), d.BlockedStates...),
			HeapProfileBytes: len(d.HeapProfile),
			CaptureErrors:    d.CaptureErrors,
		}
		if withDump {
			dto.Diagnostics.GoroutineDump = d.GoroutineDump
		}
	}
	for _, rec := range inc.Remediation {
		dto.Remediation = append(dto.Remediation, RemediationDTO{
			Action:    rec.Action,
			Timestamp: rec.Timestamp,
			Success:   rec.Success,
			Error:     rec.Error,
		})
	}
	return dto
}

// ListIncidentsResponse wraps a page of incidents.
type ListIncidentsResponse struct {
	Incidents []IncidentDTO `json:"incidents"`
}

// ToListIncidentsResponse converts a page of incidents.
func ToListIncidentsResponse(incidents []*models.Incident) ListIncidentsResponse {
	resp := ListIncidentsResponse{Incidents: make([]IncidentDTO, 0, len(incidents))}
	for _, inc := range incidents {
		resp.Incidents = append(resp.Incidents, ToIncidentDTO(inc, false))
	}
	return resp
}

// FromListIncidentsQuery parses ?status=&type=&start=&end=&page_size=.
// Times are RFC 3339.
func FromListIncidentsQuery(q url.Values) (models.ListIncidentsRequest, error) {
	req := models.ListIncidentsRequest{
		Status: models.IncidentStatus(q.Get("status")),
		Type:   models.IncidentType(q.Get("type")),
	}
	var err error
	if req.Start, err = parseTime(q.Get("start")); err != nil {
		return req, fmt.Errorf("start: %w", err)
	}
	if req.End, err = parseTime(q.Get("end")); err != nil {
		return req, fmt.Errorf("end: %w", err)
	}
	if v := q.Get("page_size"); v != "" {
		if req.PageSize, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("page_size must be an integer")
		}
	}
	return req, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// SLODTO is the JSON shape of an SLO and its live state.
type SLODTO struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	SLIType         string     `json:"sli_type"`
	Target          Float      `json:"target"`
	Window          string     `json:"window"`
	Evaluated       bool       `json:"evaluated"`
	Indicator       Float      `json:"indicator"`
	ErrorBudget     Float      `json:"error_budget"`
	ErrorRate       Float      `json:"error_rate"`
	BurnRate        Float      `json:"burn_rate"`
	BudgetConsumed  Float      `json:"budget_consumed"`
	BudgetRemaining Float      `json:"budget_remaining"`
	ElapsedFraction Float      `json:"elapsed_fraction"`
	WindowStart     time.Time  `json:"window_start"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// ToSLODTO converts a definition and its state.
func ToSLODTO(def slo.Definition, st slo.State) SLODTO {
	dto := SLODTO{
		Name:            def.Name,
		Description:     def.Description,
		SLIType:         string(def.SLI.Type),
		Target:          Float(def.Target),
		Window:          def.Window.String(),
		Evaluated:       st.Evaluated,
		Indicator:       Float(st.Indicator),
		ErrorBudget:     Float(st.ErrorBudget),
		ErrorRate:       Float(st.ErrorRate),
		BurnRate:        Float(st.BurnRate),
		BudgetConsumed:  Float(st.BudgetConsumed),
		BudgetRemaining: Float(st.BudgetRemaining),
		ElapsedFraction: Float(st.ElapsedFraction),
		WindowStart:     st.WindowStart,
		LastError:       st.LastError,
	}
	if !st.LastUpdated.IsZero() {
		t := st.LastUpdated
		dto.LastUpdated = &t
	}
	return dto
}

// RecommendationDTO is the JSON shape of a capacity recommendation.
type RecommendationDTO struct {
	Component   string           `json:"component"`
	Metric      string           `json:"metric"`
	Current     Float            `json:"current"`
	Predicted   Float            `json:"predicted"`
	Recommended Float            `json:"recommended"`
	Confidence  Float            `json:"confidence"`
	Reasoning   string           `json:"reasoning"`
	Metadata    map[string]Float `json:"metadata,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// CapacityResponse wraps a set of recommendations.
type CapacityResponse struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	Scheduled       bool                `json:"scheduled"`
	Recommendations []RecommendationDTO `json:"recommendations"`
}

// ToRecommendationDTO converts a recommendation.
func ToRecommendationDTO(rec models.CapacityRecommendation) RecommendationDTO {
	return RecommendationDTO{
		Component:   rec.Component,
		Metric:      rec.Metric,
		Current:     Float(rec.Current),
		Predicted:   Float(rec.Predicted),
		Recommended: Float(rec.Recommended),
		Confidence:  Float(rec.Confidence),
		Reasoning:   rec.Reasoning,
		Metadata:    floats(rec.Metadata),
		GeneratedAt: rec.GeneratedAt,
	}
}

// FromCapacityQuery parses ?metric=a&metric=b&window=24h&fresh=true. Metrics
// may also be comma separated.
func FromCapacityQuery(q url.Values) (metrics []string, window time.Duration, fresh bool, err error) {
	for _, v := range q["metric"] {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				metrics = append(metrics, m)
			}
		}
	}
	if v := q.Get("window"); v != "" {
		if window, err = time.ParseDuration(v); err != nil {
			return nil, 0, false, fmt.Errorf("window: %w", err)
		}
	}
	if v := q.Get("fresh"); v != "" {
		if fresh, err = strconv.ParseBool(v); err != nil {
			return nil, 0, false, fmt.Errorf("fresh must be a boolean")
		}
	}
	return metrics, window, fresh, nil
}

// HTTPStatus maps a gRPC status code onto an HTTP status.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition, codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes body with the given status.
func WriteJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes {"error": msg}. Errors carrying a gRPC status use its
// code and message; anything else is a 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	WriteJSON(w, HTTPStatus(st.Code()), map[string]string{"error": st.Message()})
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
