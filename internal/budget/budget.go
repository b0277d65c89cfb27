// Package budget implements the lock-free, multi-tenant cost tracker
// described in spec §4.3: per-session and per-tenant cost ceilings enforced
// over atomic micro-USD counters, safe for concurrent record/check calls
// from many agent workers.
//
// Grounded on the teacher's internal/usage.Tracker (mutex-guarded totals
// keyed by provider:model and by user) but generalized from a
// statistics-gathering tracker into an enforcement primitive: a single
// atomic counter per tracked entity rather than a locked map of running
// sums, since spec §4.3 requires lock-free concurrent record() calls.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/internal/usage"
)

// Scale is the fixed-point scale factor for micro-USD: usedCost atomics
// store cost * Scale as an integer.
const Scale = 1_000_000

// OnExceed names the action a Tracker takes once its ceiling is exceeded.
type OnExceed struct {
	Mode          OnExceedMode
	FallbackModel string
}

type OnExceedMode string

const (
	OnExceedStop     OnExceedMode = "stop"
	OnExceedWarn     OnExceedMode = "warn"
	OnExceedFallback OnExceedMode = "fallback"
)

// CheckState is the result of Tracker.Check.
type CheckState string

const (
	StateUnlimited CheckState = "unlimited"
	StateWithin    CheckState = "within"
	StateExceeded  CheckState = "exceeded"
)

// CheckResult reports the tracker's current state in decimal USD.
type CheckResult struct {
	State    CheckState
	UsedUsd  float64
	LimitUsd float64
	// RemainingUsd is populated when State == StateWithin.
	RemainingUsd float64
	// OverageUsd is populated when State == StateExceeded.
	OverageUsd float64
}

// Tracker enforces a single cost ceiling (one per session, or one per
// tenant) over a lock-free atomic counter. The zero value is not usable;
// construct with New.
type Tracker struct {
	maxCostMicros int64 // <=0 means unlimited
	usedMicros    atomic.Int64
	onExceed      OnExceed
	exceededOnce  atomic.Bool // latches true on first observed exceed, enforcing monotonicity
}

// New creates a Tracker. maxCostUsd <= 0 means unlimited (Check always
// returns StateUnlimited and record never triggers onExceed).
func New(maxCostUsd float64, onExceed OnExceed) *Tracker {
	return &Tracker{
		maxCostMicros: toMicros(maxCostUsd),
		onExceed:      onExceed,
	}
}

func toMicros(usd float64) int64 {
	return int64(usd * Scale)
}

func fromMicros(micros int64) float64 {
	return float64(micros) / Scale
}

// Record prices u against the model's pricing family and atomically adds
// the resulting cost to the running total, returning the cost in USD.
func (t *Tracker) Record(model string, u usage.Usage) float64 {
	cost := usage.EstimateCost(model, u)
	t.addCost(cost)
	return cost
}

// RecordCost atomically adds a pre-computed USD cost, for callers (e.g. a
// tool that calls the model internally and reports its own cost) that
// already know the dollar amount rather than a raw Usage.
func (t *Tracker) RecordCost(cost float64) {
	t.addCost(cost)
}

func (t *Tracker) addCost(cost float64) {
	if cost <= 0 {
		return
	}
	t.usedMicros.Add(toMicros(cost))
	if t.maxCostMicros > 0 && t.usedMicros.Load() > t.maxCostMicros {
		t.exceededOnce.Store(true)
	}
}

// Check reports the tracker's current state. Once Exceeded has been
// observed, Check never reports Within again even if a concurrent goroutine
// is mid-Record — this is the monotonicity invariant from spec §8: "once
// Exceeded, no further record causes a return to WithinBudget."
func (t *Tracker) Check() CheckResult {
	used := t.usedMicros.Load()
	if t.maxCostMicros <= 0 {
		return CheckResult{State: StateUnlimited, UsedUsd: fromMicros(used)}
	}
	limit := fromMicros(t.maxCostMicros)
	usedUsd := fromMicros(used)
	if t.exceededOnce.Load() || used > t.maxCostMicros {
		t.exceededOnce.Store(true)
		return CheckResult{
			State:      StateExceeded,
			UsedUsd:    usedUsd,
			LimitUsd:   limit,
			OverageUsd: usedUsd - limit,
		}
	}
	return CheckResult{
		State:        StateWithin,
		UsedUsd:      usedUsd,
		LimitUsd:     limit,
		RemainingUsd: limit - usedUsd,
	}
}

// ShouldStop reports whether the orchestrator must abort the current
// iteration before making its model call: onExceed is stop and the tracker
// is exceeded.
func (t *Tracker) ShouldStop() bool {
	return t.onExceed.Mode == OnExceedStop && t.Check().State == StateExceeded
}

// ShouldFallback returns the fallback model id and true iff onExceed is
// fallback(m) and the tracker is exceeded.
func (t *Tracker) ShouldFallback() (string, bool) {
	if t.onExceed.Mode == OnExceedFallback && t.Check().State == StateExceeded {
		return t.onExceed.FallbackModel, true
	}
	return "", false
}

// UsedUsd returns the current running total in decimal USD.
func (t *Tracker) UsedUsd() float64 {
	return fromMicros(t.usedMicros.Load())
}

// TenantManager is a concurrent map from tenant id to that tenant's
// Tracker, matching spec §4.3's "per-tenant tracker is a concurrent hash
// map keyed by tenant-id to an atomic counter."
type TenantManager struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	// factory builds a fresh Tracker the first time a tenant id is seen.
	factory func(tenantID string) *Tracker
}

// NewTenantManager creates a TenantManager. factory is invoked at most once
// per distinct tenant id, under the manager's write lock, to build that
// tenant's ceiling/onExceed configuration.
func NewTenantManager(factory func(tenantID string) *Tracker) *TenantManager {
	return &TenantManager{
		trackers: make(map[string]*Tracker),
		factory:  factory,
	}
}

// Tracker returns (creating if necessary) the Tracker for tenantID.
func (m *TenantManager) Tracker(tenantID string) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[tenantID]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[tenantID]; ok {
		return t
	}
	t = m.factory(tenantID)
	m.trackers[tenantID] = t
	return t
}

// Record is a convenience that resolves tenantID's Tracker and records
// against it in one call.
func (m *TenantManager) Record(tenantID, model string, u usage.Usage) float64 {
	return m.Tracker(tenantID).Record(model, u)
}

// String renders a CheckResult for logs.
func (r CheckResult) String() string {
	switch r.State {
	case StateUnlimited:
		return fmt.Sprintf("unlimited (used=$%.4f)", r.UsedUsd)
	case StateWithin:
		return fmt.Sprintf("within (used=$%.4f limit=$%.4f remaining=$%.4f)", r.UsedUsd, r.LimitUsd, r.RemainingUsd)
	default:
		return fmt.Sprintf("exceeded (used=$%.4f limit=$%.4f overage=$%.4f)", r.UsedUsd, r.LimitUsd, r.OverageUsd)
	}
}
