package backend

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudrigs/goworker/internal/metrics"
)

// LogAction classifies what a matched model-server log line means.
type LogAction int

const (
	// ActionModelLoaded marks the server as started; it triggers the
	// benchmark and readiness.
	ActionModelLoaded LogAction = iota + 1
	// ActionModelError marks an unrecoverable startup failure.
	ActionModelError
	// ActionInfo surfaces the line in the worker's own logs.
	ActionInfo
)

// LogRule matches log lines by substring. Rules are evaluated in order per
// line; the first ModelError match wins the line.
type LogRule struct {
	Action LogAction
	Match  string
}

// TailerState is the model lifecycle as inferred from the log file.
type TailerState int

const (
	StateWaitingForFile TailerState = iota
	StateLoading
	StateBenchmarking
	StateReady
	StateErrored
)

func (s TailerState) String() string {
	switch s {
	case StateWaitingForFile:
		return "waiting_for_file"
	case StateLoading:
		return "loading"
	case StateBenchmarking:
		return "benchmarking"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

const (
	filePollInterval = time.Second
	eofPollInterval  = 100 * time.Millisecond

	// startupSettleDelay gives the model server a moment between logging
	// readiness and actually accepting connections.
	startupSettleDelay = 5 * time.Second
)

// Tailer follows the model server's log file and drives the model lifecycle:
// wait for the file, watch the loading phase, benchmark on the loaded line,
// then keep consuming lines. An error line is terminal for the lifecycle but
// tailing continues so later Info lines still surface.
type Tailer struct {
	path  string
	rules []LogRule

	bench *Benchmarker
	acct  *metrics.Accounting
	log   *slog.Logger

	state atomic.Int32

	pollInterval time.Duration
	eofInterval  time.Duration
	settleDelay  time.Duration
}

// NewTailer creates a Tailer in the waiting state.
func NewTailer(path string, rules []LogRule, bench *Benchmarker, acct *metrics.Accounting, log *slog.Logger, opts ...TailerOption) *Tailer {
	if log == nil {
		log = slog.Default()
	}
	t := &Tailer{
		path:         path,
		rules:        rules,
		bench:        bench,
		acct:         acct,
		log:          log,
		pollInterval: filePollInterval,
		eofInterval:  eofPollInterval,
		settleDelay:  startupSettleDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TailerOption customizes a Tailer, mostly for tests.
type TailerOption func(*Tailer)

// WithTailerTiming overrides the poll intervals and the settle delay.
func WithTailerTiming(poll, eof, settle time.Duration) TailerOption {
	return func(t *Tailer) {
		t.pollInterval = poll
		t.eofInterval = eof
		t.settleDelay = settle
	}
}

// State returns the current lifecycle state. Safe to call from any goroutine.
func (t *Tailer) State() TailerState { return TailerState(t.state.Load()) }

func (t *Tailer) setState(s TailerState) { t.state.Store(int32(s)) }

// Run follows the log file until ctx is cancelled. The file is polled into
// existence, then read line by line; a partially written final line is held
// until its newline arrives.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		if _, err := os.Stat(t.path); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}

	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	t.setState(StateLoading)
	t.log.Debug("tailing model log", slog.String("path", t.path))

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := reader.ReadString('\n')
		if err == nil {
			partial.WriteString(chunk)
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			t.handleLine(ctx, line)
			continue
		}
		if err != io.EOF {
			return err
		}
		// Keep the incomplete tail until the writer finishes the line.
		partial.WriteString(chunk)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.eofInterval):
		}
	}
}

func (t *Tailer) handleLine(ctx context.Context, line string) {
	for _, rule := range t.rules {
		if !strings.Contains(line, rule.Match) {
			continue
		}
		switch rule.Action {
		case ActionModelLoaded:
			if t.State() != StateLoading {
				continue
			}
			t.log.Debug("model server reported loaded", slog.String("line", line))
			t.setState(StateBenchmarking)

			select {
			case <-ctx.Done():
				return
			case <-time.After(t.settleDelay):
			}

			maxThroughput, err := t.bench.Run(ctx)
			if err != nil {
				t.log.Warn("benchmark failed", slog.String("error", err.Error()))
				t.acct.ModelErrored(err.Error())
				t.setState(StateErrored)
				continue
			}
			t.acct.ModelLoaded(maxThroughput)
			t.setState(StateReady)
			t.log.Info("model ready", slog.Float64("max_throughput", maxThroughput))

		case ActionModelError:
			t.log.Warn("model server reported error", slog.String("line", line))
			t.acct.ModelErrored(rule.Match)
			t.setState(StateErrored)
			return

		case ActionInfo:
			t.log.Debug("model log", slog.String("line", line))
		}
	}
}
