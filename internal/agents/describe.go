package agents

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// DescribeHTML renders an agent's markdown description for the agents
// page. Raw HTML in the description is omitted by the renderer.
func DescribeHTML(a Agent) (string, error) {
	if a.Description == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(a.Description), &buf); err != nil {
		return "", fmt.Errorf("render description for %s: %w", a.ID, err)
	}
	return buf.String(), nil
}
