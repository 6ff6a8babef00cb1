// Package metrics tracks the worker's load accounting, mirrors it into a
// Prometheus registry, and reports it to the autoscaler.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// DiskUsageFunc returns the used bytes of the root filesystem in GiB.
// Injectable for tests.
type DiskUsageFunc func() float64

func diskUsageGB() float64 {
	usage, err := disk.Usage("/")
	if err != nil {
		return 0
	}
	return float64(usage.Used) / (1 << 30)
}

// Accounting is the single source of truth for the worker's load state. The
// lifecycle engine calls the request hooks, the log tailer calls the model
// hooks, and the reporter snapshots and commits on its own cadence. All
// updates are O(1) under one mutex.
type Accounting struct {
	mu sync.Mutex

	workloadPending   float64
	workloadReceived  float64
	workloadServed    float64
	workloadCancelled float64
	workloadErrored   float64

	curPerf       float64
	maxThroughput float64
	errorMsg      string

	requestsReceived map[int64]struct{}
	requestsWorking  map[int64]struct{}

	modelLoadingStart time.Time
	modelLoadingTime  float64 // seconds; nonzero only until first report after load
	modelIsLoaded     bool

	lastDiskUsage       float64
	additionalDiskUsage float64

	updatePending bool

	diskUsage DiskUsageFunc
	prom      *Registry
	log       *slog.Logger
	now       func() time.Time
}

// NewAccounting creates an Accounting whose loading clock starts now. prom
// may be nil; Prometheus mirroring is then skipped.
func NewAccounting(prom *Registry, log *slog.Logger, opts ...AccountingOption) *Accounting {
	if log == nil {
		log = slog.Default()
	}
	a := &Accounting{
		requestsReceived: make(map[int64]struct{}),
		requestsWorking:  make(map[int64]struct{}),
		diskUsage:        diskUsageGB,
		prom:             prom,
		log:              log,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.modelLoadingStart = a.now()
	a.lastDiskUsage = a.diskUsage()
	return a
}

// AccountingOption customizes an Accounting, mostly for tests.
type AccountingOption func(*Accounting)

// WithDiskUsage overrides the disk-usage probe.
func WithDiskUsage(fn DiskUsageFunc) AccountingOption {
	return func(a *Accounting) { a.diskUsage = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AccountingOption {
	return func(a *Accounting) { a.now = now }
}

// RequestStart records a request entering the worker, before it is forwarded.
func (a *Accounting) RequestStart(workload float64, reqnum int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workloadPending += workload
	a.workloadReceived += workload
	a.requestsReceived[reqnum] = struct{}{}
	a.requestsWorking[reqnum] = struct{}{}
	if a.prom != nil {
		a.prom.AddWorkload("received", workload)
		a.prom.SetPending(a.workloadPending)
		a.prom.SetInflight(len(a.requestsWorking))
	}
}

// RequestEnd records a request served successfully, updating the observed
// throughput and flagging an out-of-cadence report.
func (a *Accounting) RequestEnd(workload float64, elapsed time.Duration, reqnum int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workloadServed += workload
	a.workloadPending -= workload
	delete(a.requestsWorking, reqnum)
	if secs := elapsed.Seconds(); secs > 0 {
		a.curPerf = workload / secs
	}
	a.updatePending = true
	if a.prom != nil {
		a.prom.AddWorkload("served", workload)
		a.prom.SetPending(a.workloadPending)
		a.prom.SetInflight(len(a.requestsWorking))
		a.prom.SetCurPerf(a.curPerf)
		a.prom.ObserveUpstreamDuration(elapsed)
	}
}

// RequestErrored records an upstream failure.
func (a *Accounting) RequestErrored(workload float64, reqnum int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workloadPending -= workload
	a.workloadErrored += workload
	delete(a.requestsWorking, reqnum)
	if a.prom != nil {
		a.prom.AddWorkload("errored", workload)
		a.prom.SetPending(a.workloadPending)
		a.prom.SetInflight(len(a.requestsWorking))
	}
}

// RequestCanceled records a client disconnect before the upstream responded.
func (a *Accounting) RequestCanceled(workload float64, reqnum int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workloadPending -= workload
	a.workloadCancelled += workload
	delete(a.requestsWorking, reqnum)
	if a.prom != nil {
		a.prom.AddWorkload("cancelled", workload)
		a.prom.SetPending(a.workloadPending)
		a.prom.SetInflight(len(a.requestsWorking))
	}
}

// ModelLoaded marks the model ready with its benchmarked throughput. The
// loading time is reported exactly once: the first report after this call
// carries it, then SystemMetrics reset clears it.
func (a *Accounting) ModelLoaded(maxThroughput float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modelLoadingTime = a.now().Sub(a.modelLoadingStart).Seconds()
	a.modelIsLoaded = true
	a.maxThroughput = maxThroughput
	if a.prom != nil {
		a.prom.SetMaxThroughput(maxThroughput)
		a.prom.SetModelState(1)
		a.prom.SetModelLoadSeconds(a.modelLoadingTime)
	}
}

// ModelErrored marks the model permanently failed. Volatile counters are
// dropped so the error report carries no half-done work, and the node keeps
// reporting so the autoscaler sees the message.
func (a *Accounting) ModelErrored(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetVolatileLocked()
	a.errorMsg = msg
	a.modelIsLoaded = true
	if a.prom != nil {
		a.prom.SetModelState(-1)
	}
}

func (a *Accounting) resetVolatileLocked() {
	a.workloadReceived = 0
	a.workloadServed = 0
	a.workloadCancelled = 0
	a.workloadErrored = 0
	a.requestsWorking = make(map[int64]struct{})
}

// ModelIsLoaded reports whether the model finished loading (or errored).
func (a *Accounting) ModelIsLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modelIsLoaded
}

// Snapshot is a consistent view of the reportable state, plus the bookkeeping
// the reporter needs to commit it afterwards.
type Snapshot struct {
	WorkloadProcessing  float64
	CurPerf             float64
	MaxThroughput       float64
	ErrorMsg            string
	NumRequestsWorking  int
	NumRequestsReceived int
	ModelLoadingTime    float64
	AdditionalDiskUsage float64
	ModelIsLoaded       bool

	// committed back on CommitReport
	workloadReceived  float64
	workloadServed    float64
	workloadCancelled float64
	workloadErrored   float64
	workingMembers    []int64
}

// TakeSnapshot refreshes the disk-usage delta and captures the current state.
func (a *Accounting) TakeSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := a.diskUsage()
	a.additionalDiskUsage = usage - a.lastDiskUsage
	a.lastDiskUsage = usage

	working := make([]int64, 0, len(a.requestsWorking))
	for reqnum := range a.requestsWorking {
		working = append(working, reqnum)
	}

	processing := a.workloadReceived - a.workloadCancelled
	if processing < 0 {
		processing = 0
	}

	return Snapshot{
		WorkloadProcessing:  processing,
		CurPerf:             a.curPerf,
		MaxThroughput:       a.maxThroughput,
		ErrorMsg:            a.errorMsg,
		NumRequestsWorking:  len(a.requestsWorking),
		NumRequestsReceived: len(a.requestsReceived),
		ModelLoadingTime:    a.modelLoadingTime,
		AdditionalDiskUsage: a.additionalDiskUsage,
		ModelIsLoaded:       a.modelIsLoaded,

		workloadReceived:  a.workloadReceived,
		workloadServed:    a.workloadServed,
		workloadCancelled: a.workloadCancelled,
		workloadErrored:   a.workloadErrored,
		workingMembers:    working,
	}
}

// CommitReport resets the per-interval state covered by snap: the four
// volatile workload counters shrink by the amounts snap saw, and exactly the
// working-set members snap saw are dropped. Updates racing the report are
// preserved. When the report was delivered, the loading time is cleared too;
// the autoscaler expects it announced until one report carrying it lands.
func (a *Accounting) CommitReport(snap Snapshot, delivered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.workloadReceived -= snap.workloadReceived
	a.workloadServed -= snap.workloadServed
	a.workloadCancelled -= snap.workloadCancelled
	a.workloadErrored -= snap.workloadErrored
	for _, reqnum := range snap.workingMembers {
		delete(a.requestsWorking, reqnum)
	}

	if delivered {
		a.modelLoadingTime = 0
	}
	a.updatePending = false
}

// ShouldReport applies the reporting cadence: a completed request since the
// last report sends immediately in any state, otherwise the interval must be
// due (10s while loading, strictly past 10s once loaded).
func (a *Accounting) ShouldReport(elapsed time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.modelIsLoaded && elapsed >= 10*time.Second {
		return true
	}
	return a.updatePending || elapsed > 10*time.Second
}
