// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initAuth     — public-key fetch (blocking, fail-closed) + verifier
//  2. initServices — metrics registry, accounting, request logger
//  3. initBackend  — engine, adapter routes, benchmarker, tailer, reporter
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudrigs/goworker/internal/auth"
	"github.com/cloudrigs/goworker/internal/backend"
	"github.com/cloudrigs/goworker/internal/config"
	"github.com/cloudrigs/goworker/internal/logger"
	"github.com/cloudrigs/goworker/internal/metrics"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	verifier  *auth.Verifier
	reqLogger *logger.Logger
	prom      *metrics.Registry
	acct      *metrics.Accounting
	reporter  *metrics.Reporter

	engine *backend.Engine
	tailer *backend.Tailer
	server *http.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"auth", a.initAuth},
		{"services", a.initServices},
		{"backend", a.initBackend},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the log tailer and the autoscaler reporter,
// and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting worker",
		slog.String("version", a.version),
		slog.String("worker", a.cfg.Worker),
		slog.String("addr", a.server.Addr),
		slog.String("model_server", a.cfg.ModelServerURL),
		slog.Bool("ssl", a.cfg.UseSSL),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if a.cfg.UseSSL {
			err = a.server.ListenAndServeTLS(a.cfg.CertFile, a.cfg.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := a.tailer.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.reporter.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.server = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}
