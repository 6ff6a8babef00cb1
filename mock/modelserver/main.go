// Command modelserver is a lightweight mock of the hello-world inference
// server. It is used for developing and load-testing the worker without a
// GPU: it writes startup lines to a log file the worker tails, then serves
// the generate endpoints with configurable latency.
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 5001)
//	MODEL_LOG         — log file the worker tails (default /tmp/model.log)
//	MOCK_LOAD_TIME_S  — seconds of simulated model loading (default 2)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 500)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_FAIL_LOAD    — when "true", log the corrupted-model error instead of starting
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds the mock's runtime behaviour.
type Config struct {
	Port      string
	LogPath   string
	LoadTime  time.Duration
	LatencyMS int
	ErrorRate float64
	FailLoad  bool
}

func loadConfig() Config {
	c := Config{
		Port:      "5001",
		LogPath:   "/tmp/model.log",
		LoadTime:  2 * time.Second,
		LatencyMS: 500,
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MODEL_LOG"); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv("MOCK_LOAD_TIME_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LoadTime = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	c.FailLoad = os.Getenv("MOCK_FAIL_LOAD") == "true"
	return c
}

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "model", "server", "simulating", "token", "generation", "for",
	"development", "and", "testing", "purposes",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type generateRequest struct {
	Prompt            string `json:"prompt"`
	MaxResponseTokens int    `json:"max_response_tokens"`
}

func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /generate — buffered response.
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := req.MaxResponseTokens
		if n <= 0 || n > 500 {
			n = 50
		}
		writeJSON(w, http.StatusOK, map[string]string{"generated_text": fakeSentence(n)})
	})

	// POST /generate_stream — server-sent token events.
	mux.HandleFunc("/generate_stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if shouldError(cfg) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := req.MaxResponseTokens
		if n <= 0 || n > 500 {
			n = 50
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			word := fakeWords[rand.IntN(len(fakeWords))]
			fmt.Fprintf(w, "data: {\"token\": %q}\n\n", word)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(time.Duration(cfg.LatencyMS/10+1) * time.Millisecond)
		}
	})

	// GET /healthcheck
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// simulateStartup writes the loading lines the worker's tailer watches for.
func simulateStartup(cfg Config, log *slog.Logger) error {
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "loading model weights")
	for pct := 25; pct <= 100; pct += 25 {
		time.Sleep(cfg.LoadTime / 4)
		fmt.Fprintf(f, "{\"message\":\"Download\",\"progress\":%d}\n", pct)
	}

	if cfg.FailLoad {
		fmt.Fprintln(f, "Exception: corrupted model file")
		log.Error("simulated load failure")
		return nil
	}

	fmt.Fprintln(f, "infer server has started")
	log.Info("mock model loaded", slog.String("log", cfg.LogPath))
	return nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock model server",
		slog.String("port", cfg.Port),
		slog.String("model_log", cfg.LogPath),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newHandler(cfg),
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	if err := simulateStartup(cfg, log); err != nil {
		log.Error("writing model log failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock model server stopped")
}
