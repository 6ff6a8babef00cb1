// Package handlers defines the contract between the worker core and the
// per-model endpoint adapters.
//
// Each model-server endpoint the worker fronts is described by an
// EndpointHandler: it validates the client payload, prices it in workload
// units, renders the JSON the model server expects, and translates the model
// server's response back to the client. The adapter designated for
// benchmarking additionally fabricates synthetic payloads.
//
// Adapters hold no cross-request state; the core may call them from any
// goroutine.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/cloudrigs/goworker/internal/auth"
	"github.com/cloudrigs/goworker/pkg/apierr"
)

// Payload is one validated inference request, ready to be priced and
// forwarded. Implementations are immutable after parse.
type Payload interface {
	// CountWorkload prices the payload in workload units. Pure and
	// deterministic; the result feeds throughput and load reporting.
	CountWorkload() float64

	// PayloadJSON renders the body POSTed to the model server.
	PayloadJSON() ([]byte, error)
}

// EndpointHandler adapts one model-server endpoint.
type EndpointHandler interface {
	// Endpoint is the path on the model server this adapter forwards to.
	Endpoint() string

	// ParsePayload validates the raw payload. Field-level problems are
	// reported as apierr.FieldErrors ({"field": "missing parameter"}).
	ParsePayload(raw json.RawMessage) (Payload, error)

	// WriteClientResponse translates the model server's response into the
	// client's response. It may buffer or stream; resp.Body is owned by the
	// implementation and must be closed before returning.
	WriteClientResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error
}

// BenchmarkHandler is the adapter the first-run benchmark drives.
type BenchmarkHandler interface {
	EndpointHandler

	// BenchmarkRuns is the number of measured benchmark calls (the cold
	// run 0 is extra and discarded).
	BenchmarkRuns() int

	// MakeBenchmarkPayload fabricates a synthetic payload of typical size.
	MakeBenchmarkPayload() Payload
}

// requestEnvelope mirrors the inbound body: {"auth_data": ..., "payload": ...}.
type requestEnvelope struct {
	AuthData json.RawMessage `json:"auth_data"`
	Payload  json.RawMessage `json:"payload"`
}

// ParseRequest decodes an inbound request body into its auth envelope and
// adapter payload. Malformed JSON and missing or invalid fields are reported
// as apierr.FieldErrors suitable for a 422 response.
func ParseRequest(h EndpointHandler, body []byte) (auth.AuthData, Payload, error) {
	var env requestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return auth.AuthData{}, nil, apierr.FieldErrors{"error": "invalid JSON"}
	}

	errs := apierr.FieldErrors{}

	var authData auth.AuthData
	if env.AuthData == nil {
		errs["auth_data"] = "field missing"
	} else {
		parsed, err := auth.ParseAuthData(env.AuthData)
		if err != nil {
			if fieldErrs, ok := err.(apierr.FieldErrors); ok {
				errs["auth_data"] = fieldErrs
			} else {
				errs["auth_data"] = err.Error()
			}
		} else {
			authData = parsed
		}
	}

	var payload Payload
	if env.Payload == nil {
		errs["payload"] = "field missing"
	} else {
		parsed, err := h.ParsePayload(env.Payload)
		if err != nil {
			if fieldErrs, ok := err.(apierr.FieldErrors); ok {
				errs["payload"] = fieldErrs
			} else {
				errs["payload"] = err.Error()
			}
		} else {
			payload = parsed
		}
	}

	if len(errs) > 0 {
		return auth.AuthData{}, nil, errs
	}
	return authData, payload, nil
}

// RequireFields returns the subset of names absent from fields, each mapped
// to "missing parameter". A nil return means all fields are present.
func RequireFields(fields map[string]json.RawMessage, names ...string) apierr.FieldErrors {
	var errs apierr.FieldErrors
	for _, name := range names {
		if _, ok := fields[name]; !ok {
			if errs == nil {
				errs = apierr.FieldErrors{}
			}
			errs[name] = "missing parameter"
		}
	}
	return errs
}
