package present

import "github.com/charmbracelet/lipgloss"

// Styles used by the CLI output. Build them with MakeStyles so colors
// adapt to the renderer's profile and background.
type Styles struct {
	AppName      lipgloss.Style
	CliArgs      lipgloss.Style
	Comment      lipgloss.Style
	RunList      lipgloss.Style
	ErrorHeader  lipgloss.Style
	ErrorDetails lipgloss.Style
	ErrPadding   lipgloss.Style
	Flag         lipgloss.Style
	FlagComma    lipgloss.Style
	FlagDesc     lipgloss.Style
	InlineCode   lipgloss.Style
	ID           lipgloss.Style
	Pipe         lipgloss.Style
	Quote        lipgloss.Style
	Timeago      lipgloss.Style
	Usage        lipgloss.Style
}

// MakeStyles builds Styles bound to r.
func MakeStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		AppName:      r.NewStyle().Bold(true),
		CliArgs:      r.NewStyle().Foreground(lipgloss.Color("#585858")),
		Comment:      r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#8A8A8A"}),
		RunList:      r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A1A1A", Dark: "#DDDDDD"}).PaddingRight(1),
		ErrorHeader:  r.NewStyle().Foreground(lipgloss.Color("#F1F1F1")).Background(lipgloss.Color("#FF5F87")).Bold(true).Padding(0, 1).SetString("ERROR"),
		ErrorDetails: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#8A8A8A"}),
		ErrPadding:   r.NewStyle().Padding(0, 1),
		Flag:         r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00B594", Dark: "#3EEFCF"}).Bold(true),
		FlagComma:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5DD6C0", Dark: "#427C72"}).SetString(","),
		FlagDesc:     r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5B5B5B", Dark: "#B3B3B3"}),
		InlineCode:   r.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Background(lipgloss.AdaptiveColor{Light: "#F4F4F4", Dark: "#3A3A3A"}).Padding(0, 1),
		ID:           r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#917FF7", Dark: "#6C50FF"}),
		Pipe:         r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8470FF", Dark: "#745CFF"}),
		Quote:        r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF71D0", Dark: "#FF78D2"}),
		Timeago:      r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}),
		Usage:        r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#626262"}).Italic(true),
	}
}
