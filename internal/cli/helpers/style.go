package helpers

import "github.com/charmbracelet/lipgloss"

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	commentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Success renders a confirmation line. Color is dropped when stdout is not
// a terminal.
func Success(s string) string { return successStyle.Render(s) }

// Comment renders an annotation such as a YAML comment header.
func Comment(s string) string { return commentStyle.Render(s) }
