package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/cloudrigs/goworker/internal/handlers/helloworld"
)

func countingBenchmarker(t *testing.T, path string) (*Benchmarker, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	modelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"generated_text": "ok"}`))
	}))
	t.Cleanup(modelSrv.Close)

	s := newSigner(t)
	engine := NewEngine(modelSrv.URL, true, s.verifier(), testAccounting(t), nil, nil, nil)
	return NewBenchmarker(engine, helloworld.GenerateHandler{Runs: 2}, path, nil), &calls
}

func TestBenchmarkMeasuresAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), BenchmarkIndicatorFile)
	bench, calls := countingBenchmarker(t, path)

	got, err := bench.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got <= 0 {
		t.Fatalf("throughput=%v, want > 0", got)
	}
	// Two measured runs plus the discarded cold run.
	if n := calls.Load(); n != 3 {
		t.Fatalf("model calls=%d, want 3", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read indicator: %v", err)
	}
	persisted, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		t.Fatalf("parse indicator %q: %v", data, err)
	}
	if persisted != got {
		t.Fatalf("persisted=%v, returned=%v", persisted, got)
	}
}

func TestBenchmarkUsesStoredResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), BenchmarkIndicatorFile)
	if err := os.WriteFile(path, []byte("123.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bench, calls := countingBenchmarker(t, path)

	got, err := bench.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 123.5 {
		t.Fatalf("throughput=%v, want stored 123.5", got)
	}
	// One warm-up call to trigger the model's lazy load, no measurements.
	if n := calls.Load(); n != 1 {
		t.Fatalf("model calls=%d, want 1", n)
	}
}

func TestBenchmarkIgnoresCorruptIndicator(t *testing.T) {
	path := filepath.Join(t.TempDir(), BenchmarkIndicatorFile)
	if err := os.WriteFile(path, []byte("not a number"), 0o644); err != nil {
		t.Fatal(err)
	}
	bench, calls := countingBenchmarker(t, path)

	got, err := bench.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got <= 0 {
		t.Fatalf("throughput=%v, want measured value", got)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("model calls=%d, want full measurement", n)
	}

	// The corrupt file was replaced with the fresh result.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		t.Fatalf("indicator still corrupt: %q", data)
	}
}

func TestBenchmarkFailsWhenModelUnreachable(t *testing.T) {
	modelSrv := httptest.NewServer(http.NotFoundHandler())
	modelSrv.Close()

	s := newSigner(t)
	engine := NewEngine(modelSrv.URL, true, s.verifier(), testAccounting(t), nil, nil, nil)
	bench := NewBenchmarker(engine, helloworld.GenerateHandler{Runs: 1}, filepath.Join(t.TempDir(), BenchmarkIndicatorFile), nil)

	if _, err := bench.Run(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
}
