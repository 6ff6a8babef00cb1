// Package tgi adapts a text-generation-inference server. Payloads follow the
// TGI generate API: {"inputs": "...", "parameters": {"max_new_tokens": N}}.
// The workload of a request is its max_new_tokens cap, which is what bounds
// generation time.
package tgi

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"

	"github.com/cloudrigs/goworker/internal/handlers"
	"github.com/cloudrigs/goworker/pkg/apierr"
)

const (
	// LoadedLogLine is the router's connect line, the last line emitted
	// before the server accepts traffic.
	LoadedLogLine = `"message":"Connected","target":"text_generation_router"`
	// InfoLogLinePrefix marks weight-download progress lines.
	InfoLogLinePrefix = `"message":"Download`
)

// ErrorLogLines are the unrecoverable startup failures TGI reports.
var ErrorLogLines = []string{
	"Error: WebserverFailed",
	"Error: DownloadError",
}

const (
	defaultMaxNewTokens = 256
	benchmarkWords      = 256
)

var wordPool = strings.Fields(
	"alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima " +
		"mike november oscar papa quebec romeo sierra tango uniform victor " +
		"whiskey xray yankee zulu crimson amber cobalt ember quartz onyx " +
		"meadow harbor canyon breeze summit lantern marble velvet thistle " +
		"orchid falcon walrus badger heron osprey lynx marten vole stoat",
)

// Parameters carries the generation knobs the worker prices on.
type Parameters struct {
	MaxNewTokens int `json:"max_new_tokens"`
}

// Payload is one TGI generate request.
type Payload struct {
	Inputs     string     `json:"inputs"`
	Parameters Parameters `json:"parameters"`
}

func (p Payload) CountWorkload() float64 {
	return float64(p.Parameters.MaxNewTokens)
}

func (p Payload) PayloadJSON() ([]byte, error) {
	return json.Marshal(p)
}

func parsePayload(raw json.RawMessage) (handlers.Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apierr.FieldErrors{"payload": "not a JSON object"}
	}
	errs := handlers.RequireFields(fields, "inputs", "parameters")
	if errs != nil {
		return nil, errs
	}

	var paramFields map[string]json.RawMessage
	if err := json.Unmarshal(fields["parameters"], &paramFields); err != nil {
		return nil, apierr.FieldErrors{"parameters": "not a JSON object"}
	}
	if nested := handlers.RequireFields(paramFields, "max_new_tokens"); nested != nil {
		return nil, apierr.FieldErrors{"parameters": nested}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.FieldErrors{"payload": "malformed fields"}
	}
	return p, nil
}

func makeBenchmarkPayload() handlers.Payload {
	words := make([]string, benchmarkWords)
	for i := range words {
		words[i] = wordPool[rand.Intn(len(wordPool))]
	}
	return Payload{
		Inputs:     strings.Join(words, " "),
		Parameters: Parameters{MaxNewTokens: defaultMaxNewTokens},
	}
}

// GenerateHandler adapts the buffered /generate endpoint.
type GenerateHandler struct {
	Runs int
	Log  *slog.Logger
}

func (h GenerateHandler) Endpoint() string { return "/generate" }

func (h GenerateHandler) ParsePayload(raw json.RawMessage) (handlers.Payload, error) {
	return parsePayload(raw)
}

func (h GenerateHandler) BenchmarkRuns() int {
	if h.Runs > 0 {
		return h.Runs
	}
	return 3
}

func (h GenerateHandler) MakeBenchmarkPayload() handlers.Payload {
	return makeBenchmarkPayload()
}

func (h GenerateHandler) WriteClientResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := io.Copy(w, resp.Body)
	return err
}

// GenerateStreamHandler adapts /generate_stream.
type GenerateStreamHandler struct {
	Log *slog.Logger
}

func (h GenerateStreamHandler) Endpoint() string { return "/generate_stream" }

func (h GenerateStreamHandler) ParsePayload(raw json.RawMessage) (handlers.Payload, error) {
	return parsePayload(raw)
}

func (h GenerateStreamHandler) WriteClientResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
