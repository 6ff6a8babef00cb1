package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	reporterTick      = time.Second
	reportPath        = "/worker_status/"
	reportAttempts    = 3
	reportRetryDelay  = 2 * time.Second
	reportSendTimeout = time.Second
)

// AutoscalerStatus is the wire format of one status report.
type AutoscalerStatus struct {
	ID                  int64   `json:"id"`
	Loadtime            float64 `json:"loadtime"`
	CurLoad             float64 `json:"cur_load"`
	ErrorMsg            string  `json:"error_msg"`
	MaxPerf             float64 `json:"max_perf"`
	CurPerf             float64 `json:"cur_perf"`
	CurCapacity         float64 `json:"cur_capacity"`
	MaxCapacity         float64 `json:"max_capacity"`
	NumRequestsWorking  int     `json:"num_requests_working"`
	NumRequestsReceived int     `json:"num_requests_received"`
	AdditionalDiskUsage float64 `json:"additional_disk_usage"`
	URL                 string  `json:"url"`
}

// Reporter periodically pushes the worker's status to the autoscaler. It
// ticks every second and sends when the accounting cadence says to: at most
// every 10s while loading, and on request completion or a stale interval
// once loaded. A send failure is logged and the interval's counters are
// still consumed; the next report carries fresh values.
type Reporter struct {
	id         int64
	reportAddr string
	workerURL  string

	acct   *Accounting
	prom   *Registry
	client *fasthttp.Client
	log    *slog.Logger

	tick       time.Duration
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	now        func() time.Time
	lastSend   time.Time
}

// NewReporter wires a Reporter to the accounting state. workerURL is the
// address the autoscaler hands out to clients for this worker. prom may be
// nil.
func NewReporter(id int64, reportAddr, workerURL string, acct *Accounting, prom *Registry, log *slog.Logger, opts ...ReporterOption) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{
		id:         id,
		reportAddr: reportAddr,
		workerURL:  workerURL,
		acct:       acct,
		prom:       prom,
		client:     &fasthttp.Client{},
		log:        log,
		tick:       reporterTick,
		attempts:   reportAttempts,
		retryDelay: reportRetryDelay,
		timeout:    reportSendTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSend = r.now()
	return r
}

// ReporterOption customizes a Reporter, mostly for tests.
type ReporterOption func(*Reporter)

// WithReporterTiming overrides the tick, retry spacing and per-attempt timeout.
func WithReporterTiming(tick, retryDelay, timeout time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.tick = tick
		r.retryDelay = retryDelay
		r.timeout = timeout
	}
}

// WithReporterClock overrides the time source.
func WithReporterClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = now }
}

// StatusURL resolves the report address against the status path, replacing
// any path the address carries.
func (r *Reporter) StatusURL() (string, error) {
	u, err := url.Parse(r.reportAddr)
	if err != nil {
		return "", fmt.Errorf("parse report address: %w", err)
	}
	u.Path = reportPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Run drives the report loop until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			elapsed := r.now().Sub(r.lastSend)
			if r.acct.ShouldReport(elapsed) {
				r.Flush(elapsed)
			}
		}
	}
}

// Flush snapshots the accounting state, sends it, and commits the interval.
// The counters are committed on success and failure alike; losing one
// interval's numbers is preferable to double-reporting them. The loading time
// is the exception: it stays pending until a report actually lands.
func (r *Reporter) Flush(elapsed time.Duration) {
	snap := r.acct.TakeSnapshot()

	status := AutoscalerStatus{
		ID:                  r.id,
		Loadtime:            snap.ModelLoadingTime,
		ErrorMsg:            snap.ErrorMsg,
		MaxPerf:             snap.MaxThroughput,
		CurPerf:             snap.CurPerf,
		NumRequestsWorking:  snap.NumRequestsWorking,
		NumRequestsReceived: snap.NumRequestsReceived,
		AdditionalDiskUsage: snap.AdditionalDiskUsage,
		URL:                 r.workerURL,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		status.CurLoad = snap.WorkloadProcessing / secs
	}

	err := r.send(status)
	if err != nil {
		r.log.Warn("autoscaler status update failed", slog.String("error", err.Error()))
	}

	r.acct.CommitReport(snap, err == nil)
	r.lastSend = r.now()
}

func (r *Reporter) send(status AutoscalerStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	target, err := r.StatusURL()
	if err != nil {
		return err
	}

	r.log.Debug("sending status to autoscaler",
		slog.String("url", target),
		slog.Float64("cur_load", status.CurLoad),
		slog.Float64("cur_perf", status.CurPerf),
		slog.Int("requests_working", status.NumRequestsWorking),
	)

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(r.retryDelay)
			r.log.Debug("retrying autoscaler status update", slog.Int("attempt", attempt))
		}
		if err := r.post(target, body); err != nil {
			lastErr = err
			if r.prom != nil {
				r.prom.RecordReportAttempt("error")
			}
			continue
		}
		if r.prom != nil {
			r.prom.RecordReportAttempt("ok")
		}
		return nil
	}
	return lastErr
}

func (r *Reporter) post(target string, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	return r.client.DoTimeout(req, resp, r.timeout)
}
