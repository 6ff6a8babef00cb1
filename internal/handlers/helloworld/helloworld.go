// Package helloworld adapts the reference hello-world inference server. It is
// the simplest adapter: the payload is forwarded as-is and responses are
// either buffered JSON (/generate) or a streamed event body (/generate_stream).
package helloworld

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
	// LoadedLogLine is printed by the model server once it accepts requests.
	LoadedLogLine = "infer server has started"
	// ErrorLogLine indicates an unrecoverable startup failure.
	ErrorLogLine = "Exception: corrupted model file"
	// InfoLogLinePrefix marks download-progress lines worth surfacing.
	InfoLogLinePrefix = `"message":"Download`
)

// benchmarkWords is the prompt length used for synthetic benchmark payloads.
const benchmarkWords = 256

// wordPool seeds synthetic prompts. Real prompts vary; for throughput
// measurement only the token count matters.
var wordPool = strings.Fields(
	"alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima " +
		"mike november oscar papa quebec romeo sierra tango uniform victor " +
		"whiskey xray yankee zulu crimson amber cobalt ember quartz onyx " +
		"meadow harbor canyon breeze summit lantern marble velvet thistle " +
		"orchid falcon walrus badger heron osprey lynx marten vole stoat",
)

// Payload is the hello-world request: a prompt and a response-length cap.
type Payload struct {
	Prompt            string `json:"prompt"`
	MaxResponseTokens int    `json:"max_response_tokens"`
}

// CountWorkload approximates the prompt's token count at four characters per
// token, which tracks the byte-pair tokenizer the model uses closely enough
// for load accounting.
func (p Payload) CountWorkload() float64 {
	return float64(len(p.Prompt)) / 4
}

func (p Payload) PayloadJSON() ([]byte, error) {
	return json.Marshal(p)
}

func parsePayload(raw json.RawMessage) (handlers.Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apierr.FieldErrors{"payload": "not a JSON object"}
	}
	if errs := handlers.RequireFields(fields, "prompt", "max_response_tokens"); errs != nil {
		return nil, errs
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
	return Payload{Prompt: strings.Join(words, " "), MaxResponseTokens: 300}
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

// GenerateStreamHandler adapts /generate_stream, relaying the model server's
// event stream chunk by chunk.
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
