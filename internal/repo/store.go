package repo

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-sre/internal/models"
)

// ErrNotFound is returned when an incident id is unknown to the store.
var ErrNotFound = errors.New("incident not found")

// IncidentStore persists incidents for later analysis.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error)
}

// DefaultStoreLimit bounds a MemoryIncidentStore built without WithLimit.
const DefaultStoreLimit = 500

// MemoryOption customises a MemoryIncidentStore.
type MemoryOption func(*MemoryIncidentStore)

// WithLimit caps how many incidents the store retains. Non-positive values
// keep DefaultStoreLimit.
func WithLimit(n int) MemoryOption {
	return func(s *MemoryIncidentStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

// MemoryIncidentStore keeps incidents in process memory. Past its limit the
// oldest resolved incidents are evicted; open ones are always kept.
type MemoryIncidentStore struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	limit     int
}

// NewMemoryIncidentStore constructs an empty store.
func NewMemoryIncidentStore(opts ...MemoryOption) *MemoryIncidentStore {
	s := &MemoryIncidentStore{incidents: make(map[string]*models.Incident), limit: DefaultStoreLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveIncident inserts or replaces by ID.
func (s *MemoryIncidentStore) SaveIncident(_ context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	s.evict()
	return nil
}

// Len reports how many incidents are retained.
func (s *MemoryIncidentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}

// evict drops the oldest resolved incidents beyond the limit. Callers hold s.mu.
func (s *MemoryIncidentStore) evict() {
	excess := len(s.incidents) - s.limit
	if excess <= 0 {
		return
	}
	resolved := make([]*models.Incident, 0, excess)
	for _, inc := range s.incidents {
		if !inc.Active() {
			resolved = append(resolved, inc)
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Timestamp.Before(resolved[j].Timestamp) })
	for _, inc := range resolved {
		if excess == 0 {
			break
		}
		delete(s.incidents, inc.ID)
		excess--
	}
}

// GetIncident returns a copy of the stored incident.
func (s *MemoryIncidentStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc.Clone(), nil
}

// ListIncidents returns matching incidents, newest first.
func (s *MemoryIncidentStore) ListIncidents(_ context.Context, req models.ListIncidentsRequest) ([]*models.Incident, error) {
	s.mu.RLock()
	out := make([]*models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if matches(inc, req) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := pageSize(req.PageSize); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(inc *models.Incident, req models.ListIncidentsRequest) bool {
	if req.Status != "" && inc.Status != req.Status {
		return false
	}
	if req.Type != "" && inc.Type != req.Type {
		return false
	}
	if !req.Start.IsZero() && inc.Timestamp.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && inc.Timestamp.After(req.End) {
		return false
	}
	return true
}

func pageSize(n int) int {
	if n <= 0 || n > 100 {
		return 20
	}
	return n
}
