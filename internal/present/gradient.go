package present

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
)

const (
	rampStart = "#F967DC"
	rampEnd   = "#6B50FF"
)

// GradientRamp returns n colors blended from pink to purple.
func GradientRamp(n int) []lipgloss.Color {
	start, _ := colorful.Hex(rampStart)
	end, _ := colorful.Hex(rampEnd)
	ramp := make([]lipgloss.Color, n)
	for i := range ramp {
		ramp[i] = lipgloss.Color(start.BlendLuv(end, float64(i)/float64(n)).Hex())
	}
	return ramp
}

// GradientText renders s one rune at a time along GradientRamp. Strings
// shorter than three runes are returned unchanged.
func GradientText(base lipgloss.Style, s string) string {
	runes := []rune(s)
	if len(runes) < 3 { //nolint:mnd
		return s
	}
	var sb strings.Builder
	for i, c := range GradientRamp(len(runes)) {
		sb.WriteString(base.Foreground(c).Render(string(runes[i])))
	}
	return sb.String()
}
