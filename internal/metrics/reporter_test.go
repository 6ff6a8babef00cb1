package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// statusSink records every status report it receives.
type statusSink struct {
	mu     sync.Mutex
	bodies [][]byte

	srv *httptest.Server
}

func newStatusSink(t *testing.T) *statusSink {
	t.Helper()
	s := &statusSink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worker_status/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *statusSink) last(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		t.Fatal("no status received")
	}
	var m map[string]any
	if err := json.Unmarshal(s.bodies[len(s.bodies)-1], &m); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	return m
}

func fastTiming() ReporterOption {
	return WithReporterTiming(time.Millisecond, time.Millisecond, time.Second)
}

func TestStatusURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"https://autoscaler.example.com", "https://autoscaler.example.com/worker_status/"},
		{"https://autoscaler.example.com/api/v0?x=1", "https://autoscaler.example.com/worker_status/"},
		{"http://localhost:8080/", "http://localhost:8080/worker_status/"},
	}
	for _, tt := range tests {
		r := NewReporter(1, tt.addr, "http://w", testAccounting(t), nil, nil, fastTiming())
		got, err := r.StatusURL()
		if err != nil {
			t.Fatalf("%s: %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestFlushSendsStatus(t *testing.T) {
	sink := newStatusSink(t)
	acct := testAccounting(t)
	acct.ModelLoaded(200)
	acct.RequestStart(30, 7)
	acct.RequestEnd(30, 3*time.Second, 7)

	r := NewReporter(4242, sink.srv.URL, "http://1.2.3.4:8080", acct, nil, nil, fastTiming())
	r.Flush(10 * time.Second)

	got := sink.last(t)
	if got["id"].(float64) != 4242 {
		t.Errorf("id=%v", got["id"])
	}
	if got["url"] != "http://1.2.3.4:8080" {
		t.Errorf("url=%v", got["url"])
	}
	if got["max_perf"].(float64) != 200 {
		t.Errorf("max_perf=%v", got["max_perf"])
	}
	if got["cur_perf"].(float64) != 10 {
		t.Errorf("cur_perf=%v, want 10 (30 units / 3s)", got["cur_perf"])
	}
	if got["cur_load"].(float64) != 3 {
		t.Errorf("cur_load=%v, want 3 (30 units / 10s)", got["cur_load"])
	}
	if got["num_requests_received"].(float64) != 1 {
		t.Errorf("num_requests_received=%v", got["num_requests_received"])
	}
	// Static zeros the autoscaler still expects on the wire.
	for _, field := range []string{"cur_capacity", "max_capacity"} {
		if v, ok := got[field]; !ok || v.(float64) != 0 {
			t.Errorf("%s=%v, want present and 0", field, v)
		}
	}
}

func TestFlushReportsLoadtimeOnce(t *testing.T) {
	sink := newStatusSink(t)
	clock := newFakeClock()
	acct := testAccounting(t, WithClock(clock.now))
	clock.advance(30 * time.Second)
	acct.ModelLoaded(100)

	r := NewReporter(1, sink.srv.URL, "http://w", acct, nil, nil, fastTiming())

	r.Flush(11 * time.Second)
	if got := sink.last(t)["loadtime"].(float64); got != 30 {
		t.Fatalf("first loadtime=%v, want 30", got)
	}

	r.Flush(11 * time.Second)
	if got := sink.last(t)["loadtime"].(float64); got != 0 {
		t.Fatalf("second loadtime=%v, want 0", got)
	}
}

func TestFlushCommitsOnSendFailure(t *testing.T) {
	sink := newStatusSink(t)
	sink.srv.Close() // nothing listening

	acct := testAccounting(t)
	acct.ModelLoaded(100)
	acct.RequestStart(30, 1)
	acct.RequestEnd(30, time.Second, 1)

	r := NewReporter(1, sink.srv.URL, "http://w", acct, nil, nil, fastTiming())
	r.Flush(time.Second)

	// The interval was consumed despite the failure; no pending update and
	// no carried-over workload remain.
	if acct.ShouldReport(time.Second) {
		t.Fatal("pending-update flag survived a failed flush")
	}
	if snap := acct.TakeSnapshot(); snap.WorkloadProcessing != 0 {
		t.Fatalf("processing=%v after failed flush, want 0", snap.WorkloadProcessing)
	}
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(1, srv.URL, "http://w", testAccounting(t), nil, nil, fastTiming())
	if err := r.send(AutoscalerStatus{ID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d, want 1 (no retries on success)", calls)
	}
}
