package comfyui

import (
	"embed"
	"fmt"
)

// Workflow templates are valid JSON with quoted placeholders; rendering
// substitutes the placeholders, unquoting the numeric ones.
//
//go:embed workflows/flux.json workflows/sd3.json
var workflowFS embed.FS

func workflowTemplate(m Model) (string, error) {
	data, err := workflowFS.ReadFile(fmt.Sprintf("workflows/%s.json", m))
	if err != nil {
		return "", fmt.Errorf("load workflow template for %s: %w", m, err)
	}
	return string(data), nil
}
