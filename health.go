package quotapool

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a per-backend circuit breaker over provider failures.
// Quota exhaustion is not a failure; only provider errors count.
type HealthTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	backends map[string]*backendHealth
}

type backendHealth struct {
	state       HealthState
	failures    []time.Time
	unhealthyAt time.Time
}

// NewHealthTracker creates a HealthTracker. A nil now means time.Now.
func NewHealthTracker(now func() time.Time) *HealthTracker {
	if now == nil {
		now = time.Now
	}
	return &HealthTracker{
		now:      now,
		backends: make(map[string]*backendHealth),
	}
}

// State returns the current health of a backend. An unhealthy backend turns
// half-open once its cool-down has passed.
func (h *HealthTracker) State(backendID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh, ok := h.backends[backendID]
	if !ok {
		return HealthHealthy
	}
	if bh.state == HealthUnhealthy && h.now().Sub(bh.unhealthyAt) >= healthUnhealthyPeriod {
		bh.state = HealthHalfOpen
	}
	return bh.state
}

// RecordSuccess closes the breaker for a backend.
func (h *HealthTracker) RecordSuccess(backendID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.get(backendID)
	bh.state = HealthHealthy
	bh.failures = bh.failures[:0]
}

// RecordFailure counts a provider failure. Enough failures inside the window
// open the breaker; a failure while half-open reopens it at once.
func (h *HealthTracker) RecordFailure(backendID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.get(backendID)
	now := h.now()

	switch bh.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	kept := bh.failures[:0]
	for _, t := range bh.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	bh.failures = append(kept, now)

	if len(bh.failures) >= healthFailureThreshold {
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
	}
}

func (h *HealthTracker) get(backendID string) *backendHealth {
	bh, ok := h.backends[backendID]
	if !ok {
		bh = &backendHealth{state: HealthHealthy}
		h.backends[backendID] = bh
	}
	return bh
}
