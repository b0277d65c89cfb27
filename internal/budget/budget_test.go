package budget

import (
	"sync"
	"testing"

	"github.com/haasonsaas/nexus/internal/usage"
)

func TestTrackerUnlimited(t *testing.T) {
	tr := New(0, OnExceed{Mode: OnExceedStop})
	tr.RecordCost(1000)
	if res := tr.Check(); res.State != StateUnlimited {
		t.Fatalf("state = %v, want Unlimited", res.State)
	}
	if tr.ShouldStop() {
		t.Fatalf("unlimited tracker should never stop")
	}
}

func TestTrackerWithinThenExceeded(t *testing.T) {
	tr := New(1.0, OnExceed{Mode: OnExceedStop})

	tr.RecordCost(0.5)
	if res := tr.Check(); res.State != StateWithin {
		t.Fatalf("state = %v, want Within", res.State)
	}
	if tr.ShouldStop() {
		t.Fatalf("should not stop while within budget")
	}

	tr.RecordCost(0.6)
	res := tr.Check()
	if res.State != StateExceeded {
		t.Fatalf("state = %v, want Exceeded", res.State)
	}
	if res.OverageUsd <= 0 {
		t.Fatalf("overage = %v, want > 0", res.OverageUsd)
	}
	if !tr.ShouldStop() {
		t.Fatalf("onExceed=stop tracker should stop once exceeded")
	}
}

func TestTrackerFallbackMode(t *testing.T) {
	tr := New(1.0, OnExceed{Mode: OnExceedFallback, FallbackModel: "claude-3-5-haiku-20241022"})
	tr.RecordCost(2.0)

	if tr.ShouldStop() {
		t.Fatalf("fallback tracker must not report ShouldStop")
	}
	model, ok := tr.ShouldFallback()
	if !ok || model != "claude-3-5-haiku-20241022" {
		t.Fatalf("ShouldFallback = (%q, %v), want (claude-3-5-haiku-20241022, true)", model, ok)
	}
}

func TestTrackerWarnModeNeverStopsOrFallsBack(t *testing.T) {
	tr := New(1.0, OnExceed{Mode: OnExceedWarn})
	tr.RecordCost(5.0)

	if tr.Check().State != StateExceeded {
		t.Fatalf("expected exceeded state")
	}
	if tr.ShouldStop() {
		t.Fatalf("warn mode must never stop")
	}
	if _, ok := tr.ShouldFallback(); ok {
		t.Fatalf("warn mode must never fall back")
	}
}

func TestTrackerRecordEstimatesFromUsage(t *testing.T) {
	tr := New(1000, OnExceed{Mode: OnExceedStop})
	cost := tr.Record("claude-sonnet-4-20250514", usage.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if cost <= 0 {
		t.Fatalf("expected positive cost estimate, got %v", cost)
	}
	if tr.UsedUsd() != cost {
		t.Fatalf("UsedUsd = %v, want %v", tr.UsedUsd(), cost)
	}
}

// TestTrackerMonotonicUnderConcurrency exercises spec §8's invariant: once
// a tracker has been observed Exceeded, no later Check ever reports Within
// again, even with many goroutines racing Record calls past the ceiling.
func TestTrackerMonotonicUnderConcurrency(t *testing.T) {
	tr := New(1.0, OnExceed{Mode: OnExceedStop})

	const workers = 64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			tr.RecordCost(0.05)
		}()
	}
	wg.Wait()

	if tr.Check().State != StateExceeded {
		t.Fatalf("expected exceeded after concurrent overspend")
	}

	// Once exceeded, a zero-cost record (a no-op write) must never flip
	// the latch back to within.
	tr.RecordCost(0)
	if tr.Check().State != StateExceeded {
		t.Fatalf("state flipped back from Exceeded, monotonicity violated")
	}
}

func TestTenantManagerIsolatesTenants(t *testing.T) {
	mgr := NewTenantManager(func(tenantID string) *Tracker {
		return New(1.0, OnExceed{Mode: OnExceedStop})
	})

	mgr.Record("tenant-a", "claude-sonnet-4-20250514", usage.Usage{InputTokens: 1})
	aUsed := mgr.Tracker("tenant-a").UsedUsd()
	bUsed := mgr.Tracker("tenant-b").UsedUsd()

	if aUsed <= 0 {
		t.Fatalf("tenant-a should have recorded usage")
	}
	if bUsed != 0 {
		t.Fatalf("tenant-b should be unaffected, got %v", bUsed)
	}
}

func TestTenantManagerConcurrentFirstAccessCreatesOneTracker(t *testing.T) {
	var created int
	var mu sync.Mutex
	mgr := NewTenantManager(func(tenantID string) *Tracker {
		mu.Lock()
		created++
		mu.Unlock()
		return New(1.0, OnExceed{Mode: OnExceedStop})
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Tracker("shared-tenant")
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("factory invoked %d times, want exactly 1", created)
	}
}
