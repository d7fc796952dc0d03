package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-sre/internal/capacity"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/repo"
	"github.com/miradorstack/mirador-sre/internal/slo"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

type stubIncidents struct {
	items   map[string]*models.Incident
	listErr error
}

func (s *stubIncidents) List(context.Context, models.ListIncidentsRequest) ([]*models.Incident, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*models.Incident, 0, len(s.items))
	for _, inc := range s.items {
		out = append(out, inc)
	}
	return out, nil
}

func (s *stubIncidents) Get(_ context.Context, id string) (*models.Incident, error) {
	inc, ok := s.items[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return inc, nil
}

func (s *stubIncidents) Resolve(ctx context.Context, id string) (*models.Incident, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	inc.Status = models.IncidentResolved
	return inc, nil
}

type stubSLOs struct {
	defs   []slo.Definition
	states []slo.State
}

func (s stubSLOs) Definitions() []slo.Definition { return s.defs }
func (s stubSLOs) Statuses() []slo.State         { return s.states }

type stubPlanner struct {
	calls int
	err   error
}

func (p *stubPlanner) Analyze(_ context.Context, metricNames []string, _ time.Duration) ([]models.CapacityRecommendation, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]models.CapacityRecommendation, 0, len(metricNames))
	for _, m := range metricNames {
		out = append(out, models.CapacityRecommendation{Metric: m})
	}
	return out, nil
}

type stubLatest struct{ res *capacity.Result }

func (s stubLatest) Latest() (capacity.Result, bool) {
	if s.res == nil {
		return capacity.Result{}, false
	}
	return *s.res, true
}

func TestIncidentOperations(t *testing.T) {
	incidents := &stubIncidents{items: map[string]*models.Incident{
		"inc-1": {ID: "inc-1", Status: models.IncidentOpen},
	}}
	svc := NewReliabilityService(utils.DiscardLogger(), incidents, nil, nil, nil)
	ctx := context.Background()

	if _, err := svc.GetIncident(ctx, "inc-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := svc.GetIncident(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := svc.ResolveIncident(ctx, " "); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	inc, err := svc.ResolveIncident(ctx, "inc-1")
	if err != nil || inc.Status != models.IncidentResolved {
		t.Fatalf("resolve: %+v %v", inc, err)
	}

	now := time.Now()
	if _, err := svc.ListIncidents(ctx, models.ListIncidentsRequest{Start: now, End: now.Add(-time.Hour)}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for inverted range, got %v", err)
	}
	if _, err := svc.ListIncidents(ctx, models.ListIncidentsRequest{Status: "paused"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown status, got %v", err)
	}
	if got, err := svc.ListIncidents(ctx, models.ListIncidentsRequest{}); err != nil || len(got) != 1 {
		t.Fatalf("list: %v %v", got, err)
	}

	incidents.listErr = errors.New("weaviate down")
	if _, err := svc.ListIncidents(ctx, models.ListIncidentsRequest{}); status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestUnconfiguredCollaborators(t *testing.T) {
	svc := NewReliabilityService(nil, nil, nil, nil, nil)
	ctx := context.Background()
	if _, err := svc.ListIncidents(ctx, models.ListIncidentsRequest{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("incidents: %v", err)
	}
	if _, err := svc.SLOs(); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("slos: %v", err)
	}
	if _, err := svc.Capacity(ctx, CapacityQuery{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("capacity: %v", err)
	}
}

func TestSLOsJoinDefinitionsAndState(t *testing.T) {
	svc := NewReliabilityService(nil, nil, stubSLOs{
		defs:   []slo.Definition{{Name: "a", Target: 99}, {Name: "b", Target: 99.9}},
		states: []slo.State{{Name: "a", BurnRate: 2}},
	}, nil, nil)
	views, err := svc.SLOs()
	if err != nil {
		t.Fatalf("slos: %v", err)
	}
	if len(views) != 1 || views[0].Definition.Name != "a" || views[0].State.BurnRate != 2 {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestCapacityPrefersScheduledResult(t *testing.T) {
	planner := &stubPlanner{}
	completed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	latest := stubLatest{res: &capacity.Result{
		Recommendations: []models.CapacityRecommendation{{Metric: "go_goroutines"}},
		CompletedAt:     completed,
	}}
	svc := NewReliabilityService(utils.DiscardLogger(), nil, nil, planner, latest)
	ctx := context.Background()

	report, err := svc.Capacity(ctx, CapacityQuery{})
	if err != nil || !report.Scheduled || !report.GeneratedAt.Equal(completed) || planner.calls != 0 {
		t.Fatalf("expected scheduled result, got %+v (%v), calls=%d", report, err, planner.calls)
	}

	report, err = svc.Capacity(ctx, CapacityQuery{Metrics: []string{"heap_bytes"}})
	if err != nil || report.Scheduled || len(report.Recommendations) != 1 || planner.calls != 1 {
		t.Fatalf("expected fresh analysis, got %+v (%v)", report, err)
	}

	if _, err := svc.Capacity(ctx, CapacityQuery{Fresh: true}); err != nil || planner.calls != 2 {
		t.Fatalf("fresh flag ignored: %v calls=%d", err, planner.calls)
	}

	planner.err = context.DeadlineExceeded
	if _, err := svc.Capacity(ctx, CapacityQuery{Fresh: true}); status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if _, err := svc.Capacity(ctx, CapacityQuery{Window: -time.Hour}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
