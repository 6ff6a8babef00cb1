package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudrigs/goworker/internal/handlers"
)

// BenchmarkIndicatorFile persists the benchmarked max throughput so cold
// restarts of an already-benchmarked instance skip the measurement runs.
const BenchmarkIndicatorFile = ".has_benchmark"

// Benchmarker measures the model server's throughput with synthetic payloads
// once the server reports loaded.
type Benchmarker struct {
	engine  *Engine
	handler handlers.BenchmarkHandler
	path    string
	log     *slog.Logger
}

// NewBenchmarker creates a Benchmarker persisting to path (or the default
// indicator file when path is empty).
func NewBenchmarker(engine *Engine, handler handlers.BenchmarkHandler, path string, log *slog.Logger) *Benchmarker {
	if path == "" {
		path = BenchmarkIndicatorFile
	}
	if log == nil {
		log = slog.Default()
	}
	return &Benchmarker{engine: engine, handler: handler, path: path, log: log}
}

// Run returns the model's max throughput in workload units per second.
//
// If a previous run persisted a result, one warm-up call is still made to
// trigger the model's lazy load and the stored value is returned. Otherwise
// it performs N+1 sequential calls, discards the cold first run, and persists
// the maximum of the measured throughputs.
func (b *Benchmarker) Run(ctx context.Context) (float64, error) {
	b.log.Debug("starting benchmark")

	if stored, ok := b.storedResult(); ok {
		b.log.Debug("already ran benchmark", slog.Float64("max_throughput", stored))
		if err := b.call(ctx, b.handler.MakeBenchmarkPayload()); err != nil {
			return 0, err
		}
		return stored, nil
	}

	var maxThroughput, sumThroughput float64
	runs := b.handler.BenchmarkRuns()
	for run := 0; run <= runs; run++ {
		payload := b.handler.MakeBenchmarkPayload()
		start := time.Now()
		if err := b.call(ctx, payload); err != nil {
			return 0, err
		}
		elapsed := time.Since(start).Seconds()

		// The first run triggers the model's one-time load and is not
		// representative.
		if run == 0 {
			continue
		}
		throughput := payload.CountWorkload() / elapsed
		sumThroughput += throughput
		if throughput > maxThroughput {
			maxThroughput = throughput
		}
		b.log.Debug("benchmark run",
			slog.Int("run", run),
			slog.Float64("workload", payload.CountWorkload()),
			slog.Float64("elapsed_s", elapsed),
			slog.Float64("throughput", throughput),
		)
	}

	b.log.Info("benchmark finished",
		slog.Float64("avg_throughput", sumThroughput/float64(runs)),
		slog.Float64("max_throughput", maxThroughput),
	)

	if err := b.persist(maxThroughput); err != nil {
		return 0, err
	}
	return maxThroughput, nil
}

func (b *Benchmarker) call(ctx context.Context, payload handlers.Payload) error {
	resp, err := b.engine.CallModel(ctx, b.handler, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the measured time covers the full response.
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func (b *Benchmarker) storedResult() (float64, bool) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		b.log.Warn("benchmark indicator file is corrupt", slog.String("path", b.path))
		return 0, false
	}
	return v, true
}

// persist writes via a temp file and rename so a crash mid-write can't leave
// a half-written indicator behind.
func (b *Benchmarker) persist(maxThroughput float64) error {
	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".has_benchmark-*")
	if err != nil {
		return fmt.Errorf("create benchmark file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(strconv.FormatFloat(maxThroughput, 'f', -1, 64)); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write benchmark file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close benchmark file: %w", err)
	}
	if err := os.Rename(name, b.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("persist benchmark file: %w", err)
	}
	return nil
}
