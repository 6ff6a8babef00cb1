// Package logger emits one structured line per finished request without
// blocking the serving path. Entries queue onto a fixed-size channel and a
// single writer goroutine drains them between timer ticks. When the queue is
// full new entries are dropped, counted, and surfaced as a warning on the
// next flush.
package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// A worker serves at most a handful of concurrent generation requests, so the
// queue and batch are sized well below what a high-fanout proxy would need.
const (
	queueDepth = 4096
	flushBatch = 64
	flushEvery = 500 * time.Millisecond
)

// RequestLog is one finished request as seen by the worker.
type RequestLog struct {
	ID        uuid.UUID
	Endpoint  string
	Reqnum    int64
	Workload  float64
	Outcome   string
	Status    uint16
	LatencyMs uint32
	CreatedAt time.Time
}

type Logger struct {
	queue   chan RequestLog
	quit    chan struct{}
	stop    sync.Once
	drained chan struct{}

	dropped      atomic.Int64
	droppedNoted int64 // writer goroutine only

	ctx context.Context
	log *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, errors.New("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		queue:   make(chan RequestLog, queueDepth),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		ctx:     ctx,
		log:     slogger,
	}
	go l.writeLoop()
	return l, nil
}

// Log enqueues one entry. It never blocks; a full queue drops the entry.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.queue <- entry:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return l.dropped.Load()
}

// Close drains whatever is queued and stops the writer. Safe to call twice.
func (l *Logger) Close() error {
	l.stop.Do(func() { close(l.quit) })
	<-l.drained
	return nil
}

func (l *Logger) writeLoop() {
	defer close(l.drained)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	pending := make([]RequestLog, 0, flushBatch)

	for {
		select {
		case e := <-l.queue:
			pending = append(pending, e)
			if len(pending) >= flushBatch {
				pending = l.flush(pending)
			}

		case <-ticker.C:
			pending = l.flush(pending)

		case <-l.quit:
			for {
				select {
				case e := <-l.queue:
					pending = append(pending, e)
					if len(pending) >= flushBatch {
						pending = l.flush(pending)
					}
				default:
					l.flush(pending)
					return
				}
			}
		}
	}
}

// flush writes out the pending entries and returns the reusable slice. Drops
// accumulated since the previous flush are reported here, not on the request
// path.
func (l *Logger) flush(pending []RequestLog) []RequestLog {
	if total := l.dropped.Load(); total > l.droppedNoted {
		l.log.WarnContext(l.ctx, "request log queue overflowed",
			slog.Int64("dropped", total-l.droppedNoted),
		)
		l.droppedNoted = total
	}
	for _, e := range pending {
		l.emit(e)
	}
	return pending[:0]
}

func (l *Logger) emit(e RequestLog) {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	l.log.InfoContext(l.ctx, "request",
		slog.String("id", e.ID.String()),
		slog.String("endpoint", e.Endpoint),
		slog.Int64("reqnum", e.Reqnum),
		slog.Float64("workload", e.Workload),
		slog.String("outcome", e.Outcome),
		slog.Uint64("status", uint64(e.Status)),
		slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		slog.Time("created_at", at.UTC()),
	)
}
