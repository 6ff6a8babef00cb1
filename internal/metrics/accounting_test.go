package metrics

import (
	"testing"
	"time"
)

// fakeClock is a manually-advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testAccounting(t *testing.T, opts ...AccountingOption) *Accounting {
	t.Helper()
	base := []AccountingOption{WithDiskUsage(func() float64 { return 0 })}
	return NewAccounting(nil, nil, append(base, opts...)...)
}

func TestRequestLifecycleCounters(t *testing.T) {
	a := testAccounting(t)

	a.RequestStart(10, 1)
	a.RequestStart(20, 2)
	a.RequestStart(30, 3)
	a.RequestStart(40, 4)

	snap := a.TakeSnapshot()
	if snap.NumRequestsWorking != 4 || snap.NumRequestsReceived != 4 {
		t.Fatalf("working=%d received=%d, want 4/4", snap.NumRequestsWorking, snap.NumRequestsReceived)
	}
	if snap.WorkloadProcessing != 100 {
		t.Fatalf("processing=%v, want 100", snap.WorkloadProcessing)
	}

	a.RequestEnd(10, 2*time.Second, 1)
	a.RequestErrored(20, 2)
	a.RequestCanceled(30, 3)

	snap = a.TakeSnapshot()
	if snap.NumRequestsWorking != 1 {
		t.Fatalf("working=%d after three terminations, want 1", snap.NumRequestsWorking)
	}
	// Cancelled work is subtracted from what the autoscaler sees as
	// processing; errored work is not.
	if snap.WorkloadProcessing != 70 {
		t.Fatalf("processing=%v, want 70", snap.WorkloadProcessing)
	}
	if snap.CurPerf != 5 {
		t.Fatalf("cur_perf=%v, want 5 (10 units / 2s)", snap.CurPerf)
	}
}

func TestWorkloadProcessingClampsAtZero(t *testing.T) {
	a := testAccounting(t)

	a.RequestStart(10, 1)
	a.RequestCanceled(10, 1)
	// Cancel work that started before the last commit.
	a.RequestCanceled(50, 0)

	if snap := a.TakeSnapshot(); snap.WorkloadProcessing != 0 {
		t.Fatalf("processing=%v, want clamp to 0", snap.WorkloadProcessing)
	}
}

func TestCommitReportPreservesRacingUpdates(t *testing.T) {
	a := testAccounting(t)

	a.RequestStart(10, 1)
	snap := a.TakeSnapshot()

	// Work that arrives between snapshot and commit must survive.
	a.RequestStart(25, 2)
	a.CommitReport(snap, true)

	after := a.TakeSnapshot()
	if after.WorkloadProcessing != 25 {
		t.Fatalf("processing=%v after commit, want 25", after.WorkloadProcessing)
	}
	if after.NumRequestsWorking != 1 {
		t.Fatalf("working=%d after commit, want the racing request only", after.NumRequestsWorking)
	}
}

func TestCommitReportDropsOnlySnapshottedMembers(t *testing.T) {
	a := testAccounting(t)

	a.RequestStart(10, 1)
	a.RequestStart(10, 2)
	snap := a.TakeSnapshot()
	a.RequestStart(10, 3)
	a.CommitReport(snap, true)

	after := a.TakeSnapshot()
	if after.NumRequestsWorking != 1 {
		t.Fatalf("working=%d, want 1 (reqnum 3)", after.NumRequestsWorking)
	}
}

func TestModelLoadedReportsLoadtimeOnce(t *testing.T) {
	clock := newFakeClock()
	a := testAccounting(t, WithClock(clock.now))

	clock.advance(42 * time.Second)
	a.ModelLoaded(120)

	snap := a.TakeSnapshot()
	if snap.ModelLoadingTime != 42 {
		t.Fatalf("loadtime=%v, want 42", snap.ModelLoadingTime)
	}
	if snap.MaxThroughput != 120 {
		t.Fatalf("max throughput=%v, want 120", snap.MaxThroughput)
	}
	if !snap.ModelIsLoaded {
		t.Fatal("model not marked loaded")
	}

	// A failed delivery keeps the loadtime pending for the next report.
	a.CommitReport(snap, false)
	if snap := a.TakeSnapshot(); snap.ModelLoadingTime != 42 {
		t.Fatalf("loadtime=%v after failed delivery, want 42", snap.ModelLoadingTime)
	}

	a.CommitReport(a.TakeSnapshot(), true)
	if snap := a.TakeSnapshot(); snap.ModelLoadingTime != 0 {
		t.Fatalf("loadtime=%v after delivery, want 0", snap.ModelLoadingTime)
	}
}

func TestModelErroredResetsVolatileState(t *testing.T) {
	a := testAccounting(t)

	a.RequestStart(10, 1)
	a.RequestEnd(10, time.Second, 1)
	a.RequestStart(20, 2)

	a.ModelErrored("benchmark failed")

	snap := a.TakeSnapshot()
	if snap.ErrorMsg != "benchmark failed" {
		t.Fatalf("error_msg=%q", snap.ErrorMsg)
	}
	if !snap.ModelIsLoaded {
		t.Fatal("errored model must still count as load-finished")
	}
	if snap.WorkloadProcessing != 0 {
		t.Fatalf("processing=%v after error reset, want 0", snap.WorkloadProcessing)
	}
	if snap.NumRequestsWorking != 0 {
		t.Fatalf("working=%d after error reset, want 0", snap.NumRequestsWorking)
	}
}

func TestShouldReportCadence(t *testing.T) {
	a := testAccounting(t)

	// While loading and idle: time-driven.
	if a.ShouldReport(5 * time.Second) {
		t.Fatal("reported early while loading")
	}
	if !a.ShouldReport(10 * time.Second) {
		t.Fatal("10s elapsed while loading should report")
	}

	a.ModelLoaded(100)

	// Loaded, idle: only on a stale interval.
	if a.ShouldReport(10 * time.Second) {
		t.Fatal("loaded and idle at exactly 10s should wait")
	}
	if !a.ShouldReport(10*time.Second + time.Millisecond) {
		t.Fatal("overdue interval should report")
	}

	// A completed request forces the next tick to report.
	a.RequestStart(10, 1)
	if a.ShouldReport(time.Second) {
		t.Fatal("request start alone should not force a report")
	}
	a.RequestEnd(10, time.Second, 1)
	if !a.ShouldReport(time.Second) {
		t.Fatal("completed request should force a report")
	}

	a.CommitReport(a.TakeSnapshot(), true)
	if a.ShouldReport(time.Second) {
		t.Fatal("commit should clear the pending-update flag")
	}
}

func TestShouldReportWhileLoading(t *testing.T) {
	a := testAccounting(t)

	// A request that completes before the model finishes loading must be
	// reported immediately, not held for the 10s loading cadence.
	a.RequestStart(10, 1)
	a.RequestEnd(10, time.Second, 1)
	if !a.ShouldReport(2 * time.Second) {
		t.Fatal("completed request during loading should force a report")
	}

	a.CommitReport(a.TakeSnapshot(), true)
	if a.ShouldReport(2 * time.Second) {
		t.Fatal("commit should clear the pending-update flag while loading")
	}
}

func TestSnapshotTracksDiskGrowth(t *testing.T) {
	used := 100.0
	a := testAccounting(t, WithDiskUsage(func() float64 { return used }))

	used = 107.5
	if snap := a.TakeSnapshot(); snap.AdditionalDiskUsage != 7.5 {
		t.Fatalf("disk delta=%v, want 7.5", snap.AdditionalDiskUsage)
	}

	// Delta is against the previous snapshot, not process start.
	used = 108.5
	if snap := a.TakeSnapshot(); snap.AdditionalDiskUsage != 1 {
		t.Fatalf("disk delta=%v, want 1", snap.AdditionalDiskUsage)
	}
}
