package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// CheckStatus is the per-check section of the health response.
type CheckStatus struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response is the JSON body served by the health endpoint.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckStatus `json:"checks"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewResponse converts a report into the wire shape. Only error text is
// surfaced, never stack traces.
func NewResponse(report Report, version string) Response {
	resp := Response{
		Status:    report.Status,
		Checks:    make(map[string]CheckStatus, len(report.Checks)),
		Timestamp: report.Timestamp.UTC().Format(time.RFC3339),
		Version:   version,
	}
	for _, c := range report.Checks {
		cs := CheckStatus{Status: c.Status}
		if c.Err != nil {
			cs.Error = c.Err.Error()
		}
		resp.Checks[c.Name] = cs
	}
	return resp
}

// Handler evaluates the registry on each request and answers 200 when
// healthy, 503 otherwise.
func (r *Registry) Handler(version string, timeoutPerCheck time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Evaluate(req.Context(), timeoutPerCheck)

		statusCode := http.StatusOK
		if !report.Healthy() {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(NewResponse(report, version)); err != nil {
			r.logger.Warn("encode health response", slog.Any("error", err))
		}
	})
}
