package tgi

import (
	"encoding/json"
	"testing"

	"github.com/cloudrigs/goworker/pkg/apierr"
)

func TestCountWorkload(t *testing.T) {
	p := Payload{Inputs: "some prompt", Parameters: Parameters{MaxNewTokens: 512}}
	if got := p.CountWorkload(); got != 512 {
		t.Fatalf("workload=%v, want max_new_tokens", got)
	}
}

func TestParsePayload(t *testing.T) {
	raw := json.RawMessage(`{"inputs": "hi", "parameters": {"max_new_tokens": 64}}`)
	payload, err := GenerateHandler{}.ParsePayload(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := payload.(Payload)
	if p.Inputs != "hi" || p.Parameters.MaxNewTokens != 64 {
		t.Fatalf("parsed %+v", p)
	}
}

func TestParsePayloadMissingTopLevel(t *testing.T) {
	_, err := GenerateHandler{}.ParsePayload(json.RawMessage(`{"inputs": "hi"}`))
	errs, ok := err.(apierr.FieldErrors)
	if !ok {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	if errs["parameters"] != "missing parameter" {
		t.Fatalf("errs=%v", errs)
	}
}

func TestParsePayloadMissingNestedParameter(t *testing.T) {
	_, err := GenerateHandler{}.ParsePayload(json.RawMessage(`{"inputs": "hi", "parameters": {}}`))
	errs, ok := err.(apierr.FieldErrors)
	if !ok {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	nested, ok := errs["parameters"].(apierr.FieldErrors)
	if !ok {
		t.Fatalf("parameters=%v, want nested FieldErrors", errs["parameters"])
	}
	if nested["max_new_tokens"] != "missing parameter" {
		t.Fatalf("nested=%v", nested)
	}
}

func TestMakeBenchmarkPayload(t *testing.T) {
	payload := GenerateHandler{}.MakeBenchmarkPayload()
	if payload.CountWorkload() != defaultMaxNewTokens {
		t.Fatalf("benchmark workload=%v, want %d", payload.CountWorkload(), defaultMaxNewTokens)
	}
	body, err := payload.PayloadJSON()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("rendered payload invalid: %v", err)
	}
	if p.Inputs == "" {
		t.Fatal("benchmark payload has empty inputs")
	}
}
