package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all exported metrics.
//
// Metrics are scoped to a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
type Registry struct {
	reg *prometheus.Registry

	// worker_workload_total{outcome}
	workloadTotal *prometheus.CounterVec

	// worker_workload_pending
	workloadPending prometheus.Gauge

	// worker_inflight_requests
	inFlight prometheus.Gauge

	// worker_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// worker_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// worker_request_duration_seconds — upstream call duration for served requests
	requestDuration prometheus.Histogram

	// worker_cur_perf / worker_max_throughput
	curPerf       prometheus.Gauge
	maxThroughput prometheus.Gauge

	// worker_model_state — -1=errored, 0=loading, 1=ready
	modelState prometheus.Gauge

	// worker_model_load_seconds
	modelLoadSeconds prometheus.Gauge

	// worker_auth_rejections_total{reason}
	authRejections *prometheus.CounterVec

	// worker_report_attempts_total{outcome}
	reportAttempts *prometheus.CounterVec

	// worker_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler http.Handler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		workloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_workload_total",
				Help: "Total workload units by terminal outcome",
			},
			[]string{"outcome"},
		),

		workloadPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_workload_pending",
			Help: "Workload units currently being processed upstream",
		}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_inflight_requests",
			Help: "Current number of requests forwarded and awaiting a response",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_http_requests_total",
				Help: "Total number of HTTP requests handled by the worker",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_request_duration_seconds",
			Help:    "Upstream call duration for successfully served requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		curPerf: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_cur_perf",
			Help: "Most recent observed throughput in workload units per second",
		}),

		maxThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_max_throughput",
			Help: "Benchmarked maximum throughput in workload units per second",
		}),

		modelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_model_state",
			Help: "Model server state (-1=errored, 0=loading, 1=ready)",
		}),

		modelLoadSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_model_load_seconds",
			Help: "Wall time from worker start to model readiness",
		}),

		authRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_auth_rejections_total",
				Help: "Requests rejected by signature verification",
			},
			[]string{"reason"},
		),

		reportAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_report_attempts_total",
				Help: "Autoscaler status POST attempts by outcome",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "worker_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.workloadTotal,
		r.workloadPending,
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.curPerf,
		r.maxThroughput,
		r.modelState,
		r.modelLoadSeconds,
		r.authRejections,
		r.reportAttempts,
		r.buildInfo,
	)

	r.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return r
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) AddWorkload(outcome string, amount float64) {
	r.workloadTotal.WithLabelValues(outcome).Add(amount)
}

func (r *Registry) SetPending(v float64) { r.workloadPending.Set(v) }
func (r *Registry) SetInflight(n int)    { r.inFlight.Set(float64(n)) }
func (r *Registry) SetCurPerf(v float64) { r.curPerf.Set(v) }

func (r *Registry) SetMaxThroughput(v float64) { r.maxThroughput.Set(v) }

// SetModelState records the model lifecycle node (-1 errored, 0 loading, 1 ready).
func (r *Registry) SetModelState(state int) { r.modelState.Set(float64(state)) }

func (r *Registry) SetModelLoadSeconds(v float64) { r.modelLoadSeconds.Set(v) }

func (r *Registry) ObserveUpstreamDuration(dur time.Duration) {
	r.requestDuration.Observe(dur.Seconds())
}

func (r *Registry) RecordAuthRejection(reason string) {
	r.authRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordReportAttempt(outcome string) {
	r.reportAttempts.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() http.Handler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
