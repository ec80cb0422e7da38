package styles

import "github.com/charmbracelet/lipgloss"

var (
	TITLE = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7d56f4"))

	INFO = lipgloss.NewStyle().
		Italic(true).
		Foreground(lipgloss.Color("#888888"))

	SUCCESS = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#28a745"))

	WARN = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#e0a800"))

	ERROR = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#ee4b2b"))

	TEXT = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#7d56f4")).
		Padding(0, 1)

	HEADER = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7d56f4")).
		PaddingRight(1)

	ROW = lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")).
		PaddingRight(1)

	ALTROW = lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Background(lipgloss.Color("236")).
		PaddingRight(1)
)
