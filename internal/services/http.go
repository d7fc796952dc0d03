package services

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/miradorstack/mirador-sre/internal/api"
	"github.com/miradorstack/mirador-sre/internal/diagnostics"
)

// Register mounts the API under /api/v1. Resolving an incident requires
// the operator authorizer.
func (s *ReliabilityService) Register(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()
	resolve := diagnostics.RequireAuthorization(s.operator, "incidents", s.logger)(http.HandlerFunc(s.handleResolveIncident))
	v1.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	v1.Handle("/incidents/{id}/resolve", resolve).Methods(http.MethodPost)
	v1.HandleFunc("/slos", s.handleListSLOs).Methods(http.MethodGet)
	v1.HandleFunc("/capacity", s.handleCapacity).Methods(http.MethodGet)
}

func (s *ReliabilityService) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	req, err := api.FromListIncidentsQuery(r.URL.Query())
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	incidents, err := s.ListIncidents(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ToListIncidentsResponse(incidents))
}

func (s *ReliabilityService) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.GetIncident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ToIncidentDTO(inc, true))
}

func (s *ReliabilityService) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.ResolveIncident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ToIncidentDTO(inc, false))
}

func (s *ReliabilityService) handleListSLOs(w http.ResponseWriter, _ *http.Request) {
	views, err := s.SLOs()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	out := make([]api.SLODTO, 0, len(views))
	for _, v := range views {
		out = append(out, api.ToSLODTO(v.Definition, v.State))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"slos": out})
}

func (s *ReliabilityService) handleCapacity(w http.ResponseWriter, r *http.Request) {
	metricNames, window, fresh, err := api.FromCapacityQuery(r.URL.Query())
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	report, err := s.Capacity(r.Context(), CapacityQuery{Metrics: metricNames, Window: window, Fresh: fresh})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	resp := api.CapacityResponse{
		GeneratedAt:     report.GeneratedAt.UTC().Truncate(time.Second),
		Scheduled:       report.Scheduled,
		Recommendations: make([]api.RecommendationDTO, 0, len(report.Recommendations)),
	}
	for _, rec := range report.Recommendations {
		resp.Recommendations = append(resp.Recommendations, api.ToRecommendationDTO(rec))
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
