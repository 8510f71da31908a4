package present

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var actionBadge = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F1F1F1")).
	Background(lipgloss.Color("#6C50FF")).
	Bold(true).
	Padding(0, 1).
	MarginRight(1)

// PrintConfirmation writes an action badge such as SAVED or DELETED
// followed by content.
func PrintConfirmation(w io.Writer, action, content string) {
	badge := actionBadge.Render(strings.ToUpper(action))
	_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Center, badge, content))
}
