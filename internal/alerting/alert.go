// Package alerting delivers alerts raised by the incident detector and the
// SLO engine to an external paging system.
package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
)

// Alert is a notification about an incident or an SLO rule breach.
type Alert struct {
	Type        string
	Severity    models.Severity
	Title       string
	Description string
	Timestamp   time.Time
	Metadata    map[string]float64
	Labels      map[string]string
}

// Sink accepts alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert Alert) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// NopSink discards alerts.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, Alert) error { return nil }

// LogSink writes alerts as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (s *LogSink) Send(ctx context.Context, alert Alert) error {
	attrs := []any{
		slog.String("type", alert.Type),
		slog.String("severity", string(alert.Severity)),
		slog.String("title", alert.Title),
		slog.Time("timestamp", alert.Timestamp),
	}
	for _, k := range sortedKeys(alert.Metadata) {
		attrs = append(attrs, slog.Float64(k, alert.Metadata[k]))
	}
	level := slog.LevelInfo
	switch alert.Severity {
	case models.SeverityWarning:
		level = slog.LevelWarn
	case models.SeverityCritical:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert raised", attrs...)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

// Send implements Sink.
func (f Fanout) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromIncident builds the alert announcing an incident.
func FromIncident(inc *models.Incident) Alert {
	return Alert{
		Type:        string(inc.Type),
		Severity:    inc.Severity,
		Title:       inc.Title,
		Description: inc.Description,
		Timestamp:   inc.Timestamp,
		Metadata:    inc.Metadata,
		Labels: map[string]string{
			"incident_id": inc.ID,
			"status":      string(inc.Status),
		},
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
