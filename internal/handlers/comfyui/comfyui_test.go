package comfyui

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudrigs/goworker/pkg/apierr"
)

func TestParseModel(t *testing.T) {
	if m, err := ParseModel("flux"); err != nil || m != ModelFlux {
		t.Fatalf("flux: %v %v", m, err)
	}
	if m, err := ParseModel("sd3"); err != nil || m != ModelSD3 {
		t.Fatalf("sd3: %v %v", m, err)
	}
	if _, err := ParseModel(""); err == nil {
		t.Fatal("empty model accepted")
	}
	if _, err := ParseModel("dalle"); err == nil {
		t.Fatal("unknown model accepted")
	}
}

func TestCountWorkloadStandardImage(t *testing.T) {
	// A standard 1024x1024/28-step image normalizes to request_time * 200.
	if got := CountWorkload(ModelFlux, 1024, 1024, 28); got != 4600 {
		t.Fatalf("flux standard workload=%v, want 4600", got)
	}
	if got := CountWorkload(ModelSD3, 1024, 1024, 28); got != 1200 {
		t.Fatalf("sd3 standard workload=%v, want 1200", got)
	}
}

func TestCountWorkloadScalesWithSize(t *testing.T) {
	small := CountWorkload(ModelFlux, 512, 512, 28)
	large := CountWorkload(ModelFlux, 2048, 2048, 28)
	if small >= large {
		t.Fatalf("small=%v >= large=%v", small, large)
	}

	// Tile counting: 512x512 is one grid cell, so 85 + 175 tokens against
	// the standard's 85 + 4*175.
	wantRatio := (85 + 175.0) / (85 + 4*175.0)
	gotRatio := small / CountWorkload(ModelFlux, 1024, 1024, 28)
	if math.Abs(gotRatio-wantRatio) > 1e-9 {
		t.Fatalf("size ratio=%v, want %v", gotRatio, wantRatio)
	}
}

func TestWorkflowPayloadRendersTemplate(t *testing.T) {
	for _, model := range []Model{ModelFlux, ModelSD3} {
		p := WorkflowPayload{
			Model:  model,
			Prompt: `a "quoted" prompt with a \ backslash`,
			Width:  768,
			Height: 1280,
			Steps:  20,
			Seed:   42,
		}
		body, err := p.PayloadJSON()
		if err != nil {
			t.Fatalf("%s: render: %v", model, err)
		}

		var envelope map[string]any
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("%s: rendered workflow is not JSON: %v", model, err)
		}
		input, ok := envelope["input"].(map[string]any)
		if !ok {
			t.Fatalf("%s: no input object", model)
		}
		if _, ok := input["workflow_json"]; !ok {
			t.Fatalf("%s: no workflow_json", model)
		}

		rendered := string(body)
		if strings.Contains(rendered, "{{") {
			t.Fatalf("%s: unreplaced placeholder in %s", model, rendered)
		}
		if !strings.Contains(rendered, `a \"quoted\" prompt`) {
			t.Fatalf("%s: prompt not escaped into the graph", model)
		}
	}
}

func TestCustomWorkflowPayloadWrapsGraph(t *testing.T) {
	p := CustomWorkflowPayload{
		Model:        ModelFlux,
		CustomFields: map[string]int{"width": 512, "height": 512, "steps": 10},
		Workflow:     map[string]any{"1": map[string]any{"class_type": "KSampler"}},
	}

	body, err := p.PayloadJSON()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var envelope struct {
		Input struct {
			WorkflowJSON map[string]any `json:"workflow_json"`
		} `json:"input"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := envelope.Input.WorkflowJSON["1"]; !ok {
		t.Fatalf("caller graph missing from envelope: %s", body)
	}

	if got := p.CountWorkload(); got != CountWorkload(ModelFlux, 512, 512, 10) {
		t.Fatalf("workload=%v", got)
	}
}

func TestCustomWorkflowPayloadDefaultsSizing(t *testing.T) {
	p := CustomWorkflowPayload{Model: ModelSD3, Workflow: map[string]any{}}
	if got := p.CountWorkload(); got != CountWorkload(ModelSD3, 1024, 1024, 28) {
		t.Fatalf("workload=%v, want standard-image default", got)
	}
}

func TestParseWorkflowPayloadMissingFields(t *testing.T) {
	h := WorkflowHandler{Model: ModelFlux}
	_, err := h.ParsePayload(json.RawMessage(`{"prompt": "x", "width": 512}`))
	errs, ok := err.(apierr.FieldErrors)
	if !ok {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	for _, field := range []string{"height", "steps", "seed"} {
		if errs[field] != "missing parameter" {
			t.Fatalf("missing error for %q: %v", field, errs)
		}
	}
}

func upstreamResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestWriteClientResponseInlinesImages(t *testing.T) {
	pixels := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	h := WorkflowHandler{
		Model: ModelFlux,
		ReadFile: func(path string) ([]byte, error) {
			if path != "/workspace/out/img_0001.png" {
				return nil, fmt.Errorf("unexpected path %s", path)
			}
			return pixels, nil
		},
	}

	rec := httptest.NewRecorder()
	resp := upstreamResponse(`{"output": {"images": [{"local_path": "/workspace/out/img_0001.png"}]}}`)
	if err := h.WriteClientResponse(rec, nil, resp); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	var out map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pixels)
	if len(out["images"]) != 1 || out["images"][0] != want {
		t.Fatalf("images=%v", out["images"])
	}
}

func TestWriteClientResponseWorkflowFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no output", `{"error": "boom"}`, "there was an error in the workflow"},
		{"no images", `{"output": {"images": []}}`, "workflow did not produce any images"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := WorkflowHandler{Model: ModelFlux, ReadFile: func(string) ([]byte, error) {
				t.Fatal("must not read files")
				return nil, nil
			}}
			rec := httptest.NewRecorder()
			if err := h.WriteClientResponse(rec, nil, upstreamResponse(tt.body)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status=%d, want 422", rec.Code)
			}
			var out map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out["error"] != tt.want {
				t.Fatalf("error=%q, want %q", out["error"], tt.want)
			}
		})
	}
}
