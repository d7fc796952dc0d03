package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-sre/internal/capacity"
	"github.com/miradorstack/mirador-sre/internal/diagnostics"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/repo"
	"github.com/miradorstack/mirador-sre/internal/slo"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// IncidentManager is the detector surface exposed to operators.
type IncidentManager interface {
	List(ctx context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error)
	Get(ctx context.Context, id string) (*models.Incident, error)
	Resolve(ctx context.Context, id string) (*models.Incident, error)
}

// SLOReporter exposes live SLO state.
type SLOReporter interface {
	Definitions() []slo.Definition
	Statuses() []slo.State
}

// CapacityAnalyzer runs an on-demand capacity analysis.
type CapacityAnalyzer interface {
	Analyze(ctx context.Context, metricNames []string, historyWindow time.Duration) ([]models.CapacityRecommendation, error)
}

// CapacityResults exposes the latest scheduled analysis.
type CapacityResults interface {
	Latest() (capacity.Result, bool)
}

// SLOView pairs a definition with its live state.
type SLOView struct {
	Definition slo.Definition
	State      slo.State
}

// CapacityQuery selects what Capacity analyses.
type CapacityQuery struct {
	Metrics []string
	Window  time.Duration
	// Fresh forces a new analysis even when a scheduled result exists.
	Fresh bool
}

// CapacityReport is an analysis result with its provenance.
type CapacityReport struct {
	Recommendations []models.CapacityRecommendation
	GeneratedAt     time.Time
	Scheduled       bool
}

// ReliabilityService is the read and operate facade behind the HTTP API.
// Errors carry gRPC status codes so transports can map them uniformly.
type ReliabilityService struct {
	logger    *slog.Logger
	incidents IncidentManager
	slos      SLOReporter
	planner   CapacityAnalyzer
	scheduled CapacityResults
	latencies *utils.LatencyTracker
	now       func() time.Time
	// operator gates HTTP routes that change incident state.
	operator diagnostics.Authorizer
}

// NewReliabilityService constructs the facade. Any collaborator may be nil;
// the matching operations then fail with FailedPrecondition.
func NewReliabilityService(logger *slog.Logger, incidents IncidentManager, slos SLOReporter, planner CapacityAnalyzer, scheduled CapacityResults) *ReliabilityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReliabilityService{
		logger:    logger,
		incidents: incidents,
		slos:      slos,
		planner:   planner,
		scheduled: scheduled,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// SetOperatorAuthorizer installs the authorizer for state-changing routes.
// Without one those routes answer 403.
func (s *ReliabilityService) SetOperatorAuthorizer(a diagnostics.Authorizer) {
	s.operator = a
}

// ListIncidents returns incidents matching req, newest first.
func (s *ReliabilityService) ListIncidents(ctx context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error) {
	if s.incidents == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident detector not configured")
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.End.Before(req.Start) {
		return nil, status.Error(codes.InvalidArgument, "end must not be before start")
	}
	if req.PageSize < 0 {
		return nil, status.Error(codes.InvalidArgument, "page_size must not be negative")
	}
	switch req.Status {
	case "", models.IncidentOpen, models.IncidentDiagnosing, models.IncidentMitigated, models.IncidentResolved:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", req.Status)
	}

	out, err := s.incidents.List(ctx, req)
	if err != nil {
		s.logger.Error("list incidents failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list incidents")
	}
	return out, nil
}

// GetIncident returns one incident.
func (s *ReliabilityService) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	if s.incidents == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident detector not configured")
	}
	if strings.TrimSpace(id) == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	inc, err := s.incidents.Get(ctx, id)
	if err != nil {
		return nil, s.incidentError("get incident", id, err)
	}
	return inc, nil
}

// ResolveIncident closes an incident by hand.
func (s *ReliabilityService) ResolveIncident(ctx context.Context, id string) (*models.Incident, error) {
	if s.incidents == nil {
		return nil, status.Error(codes.FailedPrecondition, "incident detector not configured")
	}
	if strings.TrimSpace(id) == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	inc, err := s.incidents.Resolve(ctx, id)
	if err != nil {
		return nil, s.incidentError("resolve incident", id, err)
	}
	s.logger.Info("incident resolved by operator", slog.String("incident_id", id))
	return inc, nil
}

func (s *ReliabilityService) incidentError(op, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return status.Errorf(codes.NotFound, "incident %s not found", id)
	}
	s.logger.Error(op+" failed", slog.String("incident_id", id), slog.Any("error", err))
	return status.Errorf(codes.Internal, "failed to %s", op)
}

// SLOs returns every registered SLO with its live state.
func (s *ReliabilityService) SLOs() ([]SLOView, error) {
	if s.slos == nil {
		return nil, status.Error(codes.FailedPrecondition, "slo engine not configured")
	}
	states := make(map[string]slo.State)
	for _, st := range s.slos.Statuses() {
		states[st.Name] = st
	}
	defs := s.slos.Definitions()
	out := make([]SLOView, 0, len(defs))
	for _, def := range defs {
		st, ok := states[def.Name]
		if !ok {
			// unregistered between the two reads
			continue
		}
		out = append(out, SLOView{Definition: def, State: st})
	}
	return out, nil
}

// Capacity returns capacity recommendations. Without explicit metrics and
// unless Fresh is set, the latest scheduled result is served when present.
func (s *ReliabilityService) Capacity(ctx context.Context, q CapacityQuery) (CapacityReport, error) {
	if q.Window < 0 {
		return CapacityReport{}, status.Error(codes.InvalidArgument, "window must not be negative")
	}
	if !q.Fresh && len(q.Metrics) == 0 && s.scheduled != nil {
		if res, ok := s.scheduled.Latest(); ok && res.Err == nil {
			return CapacityReport{Recommendations: res.Recommendations, GeneratedAt: res.CompletedAt, Scheduled: true}, nil
		}
	}
	if s.planner == nil {
		return CapacityReport{}, status.Error(codes.FailedPrecondition, "capacity planner not configured")
	}

	start := time.Now()
	recs, err := s.planner.Analyze(ctx, q.Metrics, q.Window)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("capacity analysis failed", slog.Any("error", err))
		if errors.Is(err, utils.ErrConfiguration) {
			return CapacityReport{}, status.Error(codes.FailedPrecondition, err.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return CapacityReport{}, status.Error(codes.DeadlineExceeded, "capacity analysis timed out")
		}
		return CapacityReport{}, status.Error(codes.Internal, "capacity analysis failed")
	}
	s.latencies.Observe(duration)
	if count := s.latencies.Total(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("capacity analysis latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}
	return CapacityReport{Recommendations: recs, GeneratedAt: s.now()}, nil
}
