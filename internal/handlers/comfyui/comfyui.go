// Package comfyui adapts a ComfyUI image-generation server running behind a
// runsync wrapper. Two inbound routes share the model server's /runsync
// endpoint: the default route renders a pinned workflow template from a small
// prompt/size/steps payload, and the custom route submits a caller-provided
// workflow graph. Responses carry image paths on the model host; the adapter
// reads and inlines them as base64 data URLs.
package comfyui

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cloudrigs/goworker/internal/handlers"
	"github.com/cloudrigs/goworker/pkg/apierr"
)

const (
	// LoadedLogLine is the last line ComfyUI emits once the UI and all
	// extensions are up.
	LoadedLogLine = "To see the GUI go to: http://127.0.0.1:18188"
	// InfoLogLinePrefix marks model-download progress lines.
	InfoLogLinePrefix = "Downloading:"
)

// ErrorLogLines are unrecoverable startup failures: a corrupted model
// download and a missing model file.
var ErrorLogLines = []string{
	"MetadataIncompleteBuffer",
	"Value not in list: unet_name",
}

// Model selects which diffusion model the ComfyUI instance serves. The
// standard-image request time differs per model and scales the workload.
type Model string

const (
	ModelFlux Model = "flux"
	ModelSD3  Model = "sd3"
)

// ParseModel validates a model name from configuration.
func ParseModel(name string) (Model, error) {
	switch name {
	case "flux":
		return ModelFlux, nil
	case "sd3":
		return ModelSD3, nil
	case "":
		return "", fmt.Errorf("COMFY_MODEL must be set for the comfyui worker")
	default:
		return "", fmt.Errorf("unsupported comfyui model: %q", name)
	}
}

// ModelFromEnv reads COMFY_MODEL. The variable is mandatory for this adapter.
func ModelFromEnv() (Model, error) {
	return ParseModel(os.Getenv("COMFY_MODEL"))
}

// requestTime is the measured wall time of a standard 1024x1024/28-step
// image on the reference GPU.
func (m Model) requestTime() float64 {
	if m == ModelFlux {
		return 23
	}
	return 6
}

// CountWorkload normalizes an image request to token-like units so that a
// standard 1024x1024/28-step image yields a throughput of about 200 on the
// reference GPU. The absolute cost counts 512x512 tiles at 175 tokens plus a
// base of 85, scaled by a step factor fitted from measured request times.
func CountWorkload(m Model, width, height, steps int) float64 {
	absolute := absoluteTokens(width, height, steps)
	standard := absoluteTokens(1024, 1024, 28)
	return m.requestTime() * (absolute / standard * 200)
}

func absoluteTokens(width, height, steps int) float64 {
	widthGrids := math.Ceil(float64(width) / 512)
	heightGrids := math.Ceil(float64(height) / 512)
	tokens := 85 + widthGrids*heightGrids*175
	adjustment := 0.61*float64(steps) + 6.57
	return tokens * adjustment
}

// WorkflowPayload is the default route's payload; it fills the pinned
// workflow template for the configured model.
type WorkflowPayload struct {
	Model  Model  `json:"-"`
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
	Seed   int64  `json:"seed"`
}

func (p WorkflowPayload) CountWorkload() float64 {
	return CountWorkload(p.Model, p.Width, p.Height, p.Steps)
}

// PayloadJSON renders the model's workflow template. Numeric placeholders are
// quoted in the template to keep it valid JSON, so the quotes are replaced
// along with the placeholder.
func (p WorkflowPayload) PayloadJSON() ([]byte, error) {
	tpl, err := workflowTemplate(p.Model)
	if err != nil {
		return nil, err
	}
	body := strings.NewReplacer(
		"{{PROMPT}}", jsonEscape(p.Prompt),
		`"{{WIDTH}}"`, strconv.Itoa(p.Width),
		`"{{HEIGHT}}"`, strconv.Itoa(p.Height),
		`"{{STEPS}}"`, strconv.Itoa(p.Steps),
		`"{{SEED}}"`, strconv.FormatInt(p.Seed, 10),
	).Replace(tpl)
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("rendered workflow is not valid JSON")
	}
	return []byte(body), nil
}

// jsonEscape escapes s for splicing into a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// CustomWorkflowPayload is the custom route's payload: a full workflow graph
// plus the sizing fields the worker prices on.
type CustomWorkflowPayload struct {
	Model        Model                  `json:"-"`
	CustomFields map[string]int         `json:"custom_fields"`
	Workflow     map[string]interface{} `json:"workflow"`
}

func (p CustomWorkflowPayload) customField(name string, def int) int {
	if v, ok := p.CustomFields[name]; ok {
		return v
	}
	return def
}

func (p CustomWorkflowPayload) CountWorkload() float64 {
	return CountWorkload(
		p.Model,
		p.customField("width", 1024),
		p.customField("height", 1024),
		p.customField("steps", 28),
	)
}

// PayloadJSON wraps the caller's workflow graph in the model's request
// envelope, replacing the templated graph.
func (p CustomWorkflowPayload) PayloadJSON() ([]byte, error) {
	tpl, err := workflowTemplate(p.Model)
	if err != nil {
		return nil, err
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal([]byte(tpl), &envelope); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}
	input, ok := envelope["input"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("workflow template has no input object")
	}
	input["workflow_json"] = p.Workflow
	return json.Marshal(envelope)
}

var benchmarkPrompts = []string{
	"a lighthouse on a rocky coast at dusk, dramatic clouds, oil painting",
	"macro photograph of a dew-covered spider web at sunrise",
	"a red fox crossing a snowy field, telephoto, golden hour",
	"isometric illustration of a tiny cluttered workshop",
	"an astronaut tending a greenhouse aboard a space station",
	"street market in the rain, neon reflections, cinematic",
}

// fileReader reads produced images off the model host. Swapped in tests.
type fileReader func(path string) ([]byte, error)

// writeClientResponse translates a runsync result: extract the produced image
// paths, inline each file as a base64 data URL, and report workflow failures
// as 422 with an error message.
func writeClientResponse(w http.ResponseWriter, resp *http.Response, readFile fileReader, log *slog.Logger) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read model response: %w", err)
	}

	var result struct {
		Output *struct {
			Images []struct {
				LocalPath string `json:"local_path"`
			} `json:"images"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}

	if result.Output == nil {
		apierr.WriteJSON(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "there was an error in the workflow"})
		return nil
	}
	if len(result.Output.Images) == 0 {
		apierr.WriteJSON(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "workflow did not produce any images"})
		return nil
	}

	images := make([]string, 0, len(result.Output.Images))
	for _, img := range result.Output.Images {
		contents, err := readFile(img.LocalPath)
		if err != nil {
			return fmt.Errorf("read produced image %s: %w", img.LocalPath, err)
		}
		images = append(images, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(contents))
	}

	if log != nil {
		log.Debug("workflow produced images", slog.Int("count", len(images)))
	}
	apierr.WriteJSON(w, http.StatusOK, map[string][]string{"images": images})
	return nil
}

// WorkflowHandler serves the default text-to-image route.
type WorkflowHandler struct {
	Model    Model
	Runs     int
	Log      *slog.Logger
	ReadFile fileReader
}

func (h WorkflowHandler) Endpoint() string { return "/runsync" }

func (h WorkflowHandler) ParsePayload(raw json.RawMessage) (handlers.Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apierr.FieldErrors{"payload": "not a JSON object"}
	}
	if errs := handlers.RequireFields(fields, "prompt", "width", "height", "steps", "seed"); errs != nil {
		return nil, errs
	}
	p := WorkflowPayload{Model: h.Model}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.FieldErrors{"payload": "malformed fields"}
	}
	return p, nil
}

func (h WorkflowHandler) BenchmarkRuns() int {
	if h.Runs > 0 {
		return h.Runs
	}
	return 3
}

func (h WorkflowHandler) MakeBenchmarkPayload() handlers.Payload {
	return WorkflowPayload{
		Model:  h.Model,
		Prompt: benchmarkPrompts[rand.Intn(len(benchmarkPrompts))],
		Width:  1024,
		Height: 1024,
		Steps:  28,
		Seed:   rand.Int63(),
	}
}

func (h WorkflowHandler) WriteClientResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	readFile := h.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	return writeClientResponse(w, resp, readFile, h.Log)
}

// CustomWorkflowHandler serves caller-provided workflow graphs.
type CustomWorkflowHandler struct {
	Model    Model
	Log      *slog.Logger
	ReadFile fileReader
}

func (h CustomWorkflowHandler) Endpoint() string { return "/runsync" }

func (h CustomWorkflowHandler) ParsePayload(raw json.RawMessage) (handlers.Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apierr.FieldErrors{"payload": "not a JSON object"}
	}
	if errs := handlers.RequireFields(fields, "custom_fields", "workflow"); errs != nil {
		return nil, errs
	}
	p := CustomWorkflowPayload{Model: h.Model}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.FieldErrors{"payload": "malformed fields"}
	}
	return p, nil
}

func (h CustomWorkflowHandler) WriteClientResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	readFile := h.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	return writeClientResponse(w, resp, readFile, h.Log)
}
