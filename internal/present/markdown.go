package present

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/glamour"
)

const tabWidth = 4

// RenderMarkdown renders an agent answer or a run transcript for the
// terminal, wrapped at wordWrap columns.
func RenderMarkdown(input string, wordWrap int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithEnvironmentConfig(),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return "", fmt.Errorf("new markdown renderer: %w", err)
	}

	out, err := r.Render(input)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	out = strings.TrimRightFunc(out, unicode.IsSpace)
	return strings.ReplaceAll(out, "\t", strings.Repeat(" ", tabWidth)) + "\n", nil
}
