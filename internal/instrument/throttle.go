package instrument

import "sync/atomic"

// Throttle caps the number of concurrently admitted requests. A limit of
// zero admits everything. The zero value and a nil *Throttle are usable.
type Throttle struct {
	limit    atomic.Int64
	inFlight atomic.Int64
}

// NewThrottle returns a Throttle with the given limit.
func NewThrottle(limit int) *Throttle {
	t := &Throttle{}
	t.SetLimit(limit)
	return t
}

// SetLimit changes the cap. Setting the same limit twice has no further effect.
func (t *Throttle) SetLimit(limit int) {
	if t == nil {
		return
	}
	if limit < 0 {
		limit = 0
	}
	t.limit.Store(int64(limit))
}

// Limit returns the current cap, 0 meaning unlimited.
func (t *Throttle) Limit() int {
	if t == nil {
		return 0
	}
	return int(t.limit.Load())
}

// InFlight returns the number of requests currently admitted.
func (t *Throttle) InFlight() int {
	if t == nil {
		return 0
	}
	return int(t.inFlight.Load())
}

// Acquire admits one request, reporting false when the cap is reached.
// Every successful Acquire must be paired with Release.
func (t *Throttle) Acquire() bool {
	if t == nil {
		return true
	}
	n := t.inFlight.Add(1)
	if limit := t.limit.Load(); limit > 0 && n > limit {
		t.inFlight.Add(-1)
		return false
	}
	return true
}

// Release returns a slot taken by Acquire.
func (t *Throttle) Release() {
	if t == nil {
		return
	}
	t.inFlight.Add(-1)
}
