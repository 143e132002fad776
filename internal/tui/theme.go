package tui

import "github.com/charmbracelet/lipgloss"

// Theme holds the dashboard styles, one per job state plus panel chrome.
type Theme struct {
	Pending   lipgloss.Style
	Cloning   lipgloss.Style
	Running   lipgloss.Style
	Succeeded lipgloss.Style
	Failed    lipgloss.Style

	Panel   lipgloss.Style
	Heading lipgloss.Style
	Help    lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.AdaptiveColor{Light: "#5A3FC0", Dark: "#874BFD"}

	return Theme{
		Pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Cloning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Heading: lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Help:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
