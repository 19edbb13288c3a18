package ui

import "github.com/charmbracelet/lipgloss"

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Bold(true).
			Padding(0, 1).
			Align(lipgloss.Center)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Bold(true).
			Padding(0, 1)

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	descStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	footerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1).
			Align(lipgloss.Center)

	messageStyle = lipgloss.NewStyle().MarginLeft(2).Foreground(lipgloss.Color("205")).Bold(true)
	sepStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// statusBadge returns the icon and colour for an instance status.
func statusBadge(status string) (string, lipgloss.Color) {
	switch status {
	case "RUNNING":
		return "🟢", lipgloss.Color("46")
	case "STARTING":
		return "🟡", lipgloss.Color("226")
	case "STOPPING":
		return "🟠", lipgloss.Color("208")
	case "CRASHED":
		return "💥", lipgloss.Color("196")
	}
	return "🔴", lipgloss.Color("160")
}

// helpLine renders key hints separated by bullets.
func helpLine(pairs ...string) string {
	out := ""
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			out += sepStyle.Render(" • ")
		}
		out += keyStyle.Render(pairs[i]) + descStyle.Render(": "+pairs[i+1])
	}
	return out
}
