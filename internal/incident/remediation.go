package incident

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sre/internal/instrument"
	"github.com/miradorstack/mirador-sre/internal/models"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

// Action is an idempotent, best-effort remediation step.
type Action interface {
	Name() string
	Apply(ctx context.Context, inc *models.Incident) error
}

// Reverter is implemented by actions whose effect is undone once the
// incident that triggered them resolves.
type Reverter interface {
	Revert(ctx context.Context, inc *models.Incident) error
}

// FreeMemory forces a collection and returns freed pages to the OS.
type FreeMemory struct {
	free func()
}

// NewFreeMemory returns the FreeMemory action.
func NewFreeMemory() *FreeMemory { return &FreeMemory{free: debug.FreeOSMemory} }

// Name implements Action.
func (*FreeMemory) Name() string { return "free_memory" }

// Apply implements Action.
func (a *FreeMemory) Apply(context.Context, *models.Incident) error {
	a.free()
	return nil
}

// CapParallelism lowers the request throttle to Limit. Calling it again
// when the cap is already at or below Limit changes nothing. Revert restores
// the limit it replaced.
type CapParallelism struct {
	Throttle *instrument.Throttle
	Limit    int

	mu       sync.Mutex
	applied  bool
	previous int
}

// Name implements Action.
func (*CapParallelism) Name() string { return "cap_parallelism" }

// Apply implements Action.
func (a *CapParallelism) Apply(context.Context, *models.Incident) error {
	if a.Throttle == nil {
		return errors.New("throttle not configured")
	}
	if a.Limit <= 0 {
		return fmt.Errorf("invalid parallelism cap %d", a.Limit)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.Throttle.Limit()
	if current > 0 && current <= a.Limit {
		return nil
	}
	a.previous = current
	a.applied = true
	a.Throttle.SetLimit(a.Limit)
	return nil
}

// Revert implements Reverter. A cap changed by someone else since Apply is
// left alone.
func (a *CapParallelism) Revert(context.Context, *models.Incident) error {
	if a.Throttle == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.applied {
		return nil
	}
	a.applied = false
	if a.Throttle.Limit() != a.Limit {
		return nil
	}
	a.Throttle.SetLimit(a.previous)
	return nil
}

// revertAction undoes a if it supports it, converting panics into errors.
func revertAction(ctx context.Context, a Action, inc *models.Incident) (err error) {
	r, ok := a.(Reverter)
	if !ok {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Revert(ctx, inc)
}

// runAction applies a and converts errors and panics into a record.
func runAction(ctx context.Context, a Action, inc *models.Incident, now time.Time) (rec models.RemediationRecord) {
	rec = models.RemediationRecord{Action: a.Name(), Timestamp: now}
	defer func() {
		if p := recover(); p != nil {
			err := utils.RemediationFailure("incident.remediate."+a.Name(), fmt.Errorf("panic: %v", p))
			rec.Success = false
			rec.Error = err.Error()
		}
	}()
	if err := a.Apply(ctx, inc); err != nil {
		rec.Error = utils.RemediationFailure("incident.remediate."+a.Name(), err).Error()
		return rec
	}
	rec.Success = true
	return rec
}
