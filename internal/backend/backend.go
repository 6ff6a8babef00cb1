// Package backend implements the worker's request path: signature
// verification, load accounting, the serial-admission gate, and the race
// between forwarding a request upstream and watching for the client to
// disconnect. It also owns the model-server log tailer and the first-run
// benchmark.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cloudrigs/goworker/internal/auth"
	"github.com/cloudrigs/goworker/internal/handlers"
	"github.com/cloudrigs/goworker/internal/logger"
	"github.com/cloudrigs/goworker/internal/metrics"
	"github.com/cloudrigs/goworker/pkg/apierr"
)

// Engine drives authenticated requests through the model server. One Engine
// serves all endpoints of a worker.
type Engine struct {
	modelServerURL string

	verifier *auth.Verifier
	acct     *metrics.Accounting
	prom     *metrics.Registry
	reqLog   *logger.Logger
	log      *slog.Logger

	// client deliberately has no timeout: generation requests legitimately
	// run for minutes and cancellation rides the request context.
	client *http.Client

	// gate serializes upstream calls for model servers that cannot batch.
	// nil when parallel requests are allowed. Weighted acquisition is FIFO,
	// so queued requests are admitted in arrival order.
	gate *semaphore.Weighted
}

// NewEngine creates an Engine. prom and reqLog may be nil.
func NewEngine(modelServerURL string, allowParallel bool, verifier *auth.Verifier, acct *metrics.Accounting, prom *metrics.Registry, reqLog *logger.Logger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		modelServerURL: modelServerURL,
		verifier:       verifier,
		acct:           acct,
		prom:           prom,
		reqLog:         reqLog,
		log:            log,
		client:         &http.Client{},
	}
	if !allowParallel {
		e.gate = semaphore.NewWeighted(1)
	}
	return e
}

// Handle returns the HTTP handler serving one adapted endpoint.
func (e *Engine) Handle(h handlers.EndpointHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.handleRequest(h, w, r)
	}
}

func (e *Engine) handleRequest(h handlers.EndpointHandler, w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteStatus(w, http.StatusInternalServerError)
		return
	}

	authData, payload, err := handlers.ParseRequest(h, body)
	if err != nil {
		if errs, ok := err.(apierr.FieldErrors); ok {
			apierr.WriteFieldErrors(w, errs)
		} else {
			apierr.WriteFieldErrors(w, apierr.FieldErrors{"error": err.Error()})
		}
		return
	}

	if ok, reason := e.verifier.Verify(authData); !ok {
		if e.prom != nil {
			e.prom.RecordAuthRejection(reason)
		}
		apierr.WriteStatus(w, http.StatusUnauthorized)
		return
	}

	workload := payload.CountWorkload()
	reqnum := authData.Reqnum
	e.log.Debug("got request", slog.Int64("reqnum", reqnum), slog.Float64("workload", workload))

	// Counted before the race starts so pending can never go negative,
	// whichever side settles the request.
	e.acct.RequestStart(workload, reqnum)

	// The forward side runs under its own context, detached from the
	// client's: when the client disconnect wins the race the upstream call
	// is cancelled through fctx, and only the race winner touches w.
	fctx, cancelForward := context.WithCancel(context.Background())
	defer cancelForward()

	var committed atomic.Bool
	done := make(chan struct{})

	go func() {
		defer close(done)
		e.forward(fctx, h, payload, &committed, w, r, workload, reqnum, began)
	}()

	select {
	case <-done:
	case <-r.Context().Done():
		if committed.CompareAndSwap(false, true) {
			e.log.Debug("request canceled by client", slog.Int64("reqnum", reqnum))
			e.acct.RequestCanceled(workload, reqnum)
			cancelForward()
			<-done
			apierr.WriteStatus(w, http.StatusInternalServerError)
			e.logOutcome(r, h, reqnum, workload, "cancelled", http.StatusInternalServerError, began)
		} else {
			// The forward side won first; let it finish with w.
			<-done
		}
	}
}

// forward performs the upstream call and, if it wins the race, writes the
// client response and settles the request's accounting.
func (e *Engine) forward(ctx context.Context, h handlers.EndpointHandler, payload handlers.Payload, committed *atomic.Bool, w http.ResponseWriter, r *http.Request, workload float64, reqnum int64, began time.Time) {
	if e.gate != nil {
		e.log.Debug("waiting for admission", slog.Int64("reqnum", reqnum))
		if err := e.gate.Acquire(ctx, 1); err != nil {
			// Cancelled while queued; the watcher settled the request.
			return
		}
		defer e.gate.Release(1)
	}

	start := time.Now()
	resp, err := e.CallModel(ctx, h, payload)
	if err != nil {
		if committed.CompareAndSwap(false, true) {
			e.log.Debug("upstream request failed",
				slog.Int64("reqnum", reqnum),
				slog.String("error", err.Error()),
			)
			e.acct.RequestErrored(workload, reqnum)
			apierr.WriteStatus(w, http.StatusInternalServerError)
			e.logOutcome(r, h, reqnum, workload, "errored", http.StatusInternalServerError, began)
		}
		return
	}

	if !committed.CompareAndSwap(false, true) {
		resp.Body.Close()
		return
	}

	status := resp.StatusCode
	e.log.Debug("upstream responded", slog.Int64("reqnum", reqnum), slog.Int("status", status))

	if err := h.WriteClientResponse(w, r, resp); err != nil {
		// The upstream served the request; a client-side write failure
		// doesn't undo the work done.
		e.log.Debug("writing client response failed",
			slog.Int64("reqnum", reqnum),
			slog.String("error", err.Error()),
		)
	}
	e.acct.RequestEnd(workload, time.Since(start), reqnum)
	e.logOutcome(r, h, reqnum, workload, "served", status, began)
}

// CallModel POSTs the adapted payload to the handler's endpoint on the model
// server. Shared by the request path and the benchmarker.
func (e *Engine) CallModel(ctx context.Context, h handlers.EndpointHandler, payload handlers.Payload) (*http.Response, error) {
	body, err := payload.PayloadJSON()
	if err != nil {
		return nil, fmt.Errorf("render payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.modelServerURL+h.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", h.Endpoint(), err)
	}
	return resp, nil
}

// HealthcheckHandler forwards GET /healthcheck to the model server.
func (e *Engine) HealthcheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, e.modelServerURL+"/healthcheck", nil)
		if err != nil {
			apierr.WriteStatus(w, http.StatusInternalServerError)
			return
		}
		resp, err := e.client.Do(req)
		if err != nil {
			apierr.WriteStatus(w, http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}

func (e *Engine) logOutcome(r *http.Request, h handlers.EndpointHandler, reqnum int64, workload float64, outcome string, status int, began time.Time) {
	if e.reqLog == nil {
		return
	}
	e.reqLog.Log(logger.RequestLog{
		ID:        RequestIDFromContext(r.Context()),
		Endpoint:  h.Endpoint(),
		Reqnum:    reqnum,
		Workload:  workload,
		Outcome:   outcome,
		Status:    uint16(status),
		LatencyMs: uint32(time.Since(began).Milliseconds()),
		CreatedAt: time.Now(),
	})
}
