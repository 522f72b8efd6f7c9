package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a run as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	if r.Kind != "" {
		b.WriteString(fmt.Sprintf("- **Kind:** %s\n", r.Kind))
	}
	b.WriteString(fmt.Sprintf("- **Runtime:** %s\n", r.Runtime))
	if r.Source != "" {
		b.WriteString(fmt.Sprintf("- **Source:** %s\n", r.Source))
	}
	b.WriteString(fmt.Sprintf("- **Digest:** `%s`\n", r.Digest))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.Duration))
	for _, g := range r.Grants {
		b.WriteString(fmt.Sprintf("- **Mount:** `%s`\n", g))
	}
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Script\n\n```python\n%s\n```\n\n", strings.TrimRight(r.Script, "\n")))
	switch r.Status {
	case StatusSuccess:
		b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n", r.Output))
	default:
		b.WriteString(fmt.Sprintf("## Error\n\n```\n%s\n```\n", r.Message))
	}

	return b.String()
}

// ExportJSON renders a run as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ExportYAML renders a run as YAML.
func ExportYAML(r *Run) ([]byte, error) {
	return yaml.Marshal(r)
}
