// Package tui provides live Bubble Tea views for the sluice CLI.
//
// Views are opt-in (--tui) and read-only. Each view polls the same payload
// the command prints without --tui.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#0EA5E9")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	highlightColor = lipgloss.Color("#3B82F6")
)

var (
	// TitleStyle for view headers.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	// BoxStyle for bordered containers.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// HelpStyle for the key hint line.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	// ErrorStyle for fetch errors and dead-letter counts.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	statBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			Width(16).
			Align(lipgloss.Center)

	statLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	statValueStyle = lipgloss.NewStyle().
			Bold(true).
			Align(lipgloss.Center)
)

// StateStyle colors a collection state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "converged", "complete":
		return lipgloss.NewStyle().Foreground(successColor)
	case "pending":
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return ValueStyle
	}
}

func statBox(label string, value int64, color lipgloss.Color) string {
	v := statValueStyle.Foreground(color).Render(fmtInt(value))
	l := statLabelStyle.Render(label)
	return statBoxStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, v, l))
}
