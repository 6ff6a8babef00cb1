package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cloudrigs/goworker/internal/auth"
	"github.com/cloudrigs/goworker/internal/backend"
	"github.com/cloudrigs/goworker/internal/config"
	"github.com/cloudrigs/goworker/internal/handlers"
	"github.com/cloudrigs/goworker/internal/handlers/comfyui"
	"github.com/cloudrigs/goworker/internal/handlers/helloworld"
	"github.com/cloudrigs/goworker/internal/handlers/tgi"
	"github.com/cloudrigs/goworker/internal/logger"
	"github.com/cloudrigs/goworker/internal/metrics"
)

// initAuth fetches the control plane's signing key. The fetch blocks startup
// through its retry budget; if it still fails the worker comes up fail-closed
// and rejects every request, which keeps logs and metrics reachable.
func (a *App) initAuth(ctx context.Context) error {
	key := auth.FetchPublicKey(ctx, a.cfg.PubkeyURL, a.log)
	if key == nil {
		a.log.Error("public key unavailable, all requests will be rejected")
	}
	a.verifier = auth.NewVerifier(key, a.log)
	return nil
}

// initServices creates the metrics registry, the load accounting, the async
// request logger and the autoscaler reporter.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.prom.SetModelState(0)

	a.acct = metrics.NewAccounting(a.prom, a.log)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	a.reporter = metrics.NewReporter(
		a.cfg.ContainerID,
		a.cfg.ReportAddr,
		a.cfg.WorkerURL(),
		a.acct,
		a.prom,
		a.log,
	)
	return nil
}

// initBackend builds the engine, the worker's adapter routes, the
// benchmarker, the log tailer and the HTTP server.
func (a *App) initBackend(_ context.Context) error {
	a.engine = backend.NewEngine(
		a.cfg.ModelServerURL,
		a.cfg.AllowParallelRequests,
		a.verifier,
		a.acct,
		a.prom,
		a.reqLogger,
		a.log,
	)

	wk, err := buildWorker(a.cfg, a.log)
	if err != nil {
		return err
	}

	bench := backend.NewBenchmarker(a.engine, wk.benchmark, a.cfg.BenchmarkFile, a.log)
	a.tailer = backend.NewTailer(a.cfg.ModelLog, wk.rules, bench, a.acct, a.log)

	router := a.engine.Router(wk.routes, a.prom, a.log, backend.RouterOptions{
		Healthcheck: wk.healthcheck,
	})
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.WorkerPort),
		Handler: router,
	}
	return nil
}

// worker bundles everything adapter-specific.
type worker struct {
	routes      []backend.Route
	benchmark   handlers.BenchmarkHandler
	rules       []backend.LogRule
	healthcheck bool
}

// buildWorker assembles the adapter set selected by WORKER.
func buildWorker(cfg *config.Config, log *slog.Logger) (*worker, error) {
	switch cfg.Worker {
	case "helloworld":
		gen := helloworld.GenerateHandler{Runs: cfg.BenchmarkRuns, Log: log}
		return &worker{
			routes: []backend.Route{
				{Path: "/generate", Handler: gen},
				{Path: "/generate_stream", Handler: helloworld.GenerateStreamHandler{Log: log}},
			},
			benchmark: gen,
			rules: []backend.LogRule{
				{Action: backend.ActionModelLoaded, Match: helloworld.LoadedLogLine},
				{Action: backend.ActionInfo, Match: helloworld.InfoLogLinePrefix},
				{Action: backend.ActionModelError, Match: helloworld.ErrorLogLine},
			},
			healthcheck: true,
		}, nil

	case "tgi":
		gen := tgi.GenerateHandler{Runs: cfg.BenchmarkRuns, Log: log}
		rules := []backend.LogRule{
			{Action: backend.ActionModelLoaded, Match: tgi.LoadedLogLine},
			{Action: backend.ActionInfo, Match: tgi.InfoLogLinePrefix},
		}
		for _, msg := range tgi.ErrorLogLines {
			rules = append(rules, backend.LogRule{Action: backend.ActionModelError, Match: msg})
		}
		return &worker{
			routes: []backend.Route{
				{Path: "/generate", Handler: gen},
				{Path: "/generate_stream", Handler: tgi.GenerateStreamHandler{Log: log}},
			},
			benchmark: gen,
			rules:     rules,
		}, nil

	case "comfyui":
		model, err := comfyui.ParseModel(cfg.ComfyModel)
		if err != nil {
			return nil, err
		}
		wf := comfyui.WorkflowHandler{Model: model, Runs: cfg.BenchmarkRuns, Log: log}
		rules := []backend.LogRule{
			{Action: backend.ActionModelLoaded, Match: comfyui.LoadedLogLine},
			{Action: backend.ActionInfo, Match: comfyui.InfoLogLinePrefix},
		}
		for _, msg := range comfyui.ErrorLogLines {
			rules = append(rules, backend.LogRule{Action: backend.ActionModelError, Match: msg})
		}
		return &worker{
			routes: []backend.Route{
				{Path: "/prompt", Handler: wf},
				{Path: "/custom-workflow", Handler: comfyui.CustomWorkflowHandler{Model: model, Log: log}},
			},
			benchmark: wf,
			rules:     rules,
		}, nil
	}
	return nil, fmt.Errorf("unknown worker: %q", cfg.Worker)
}
