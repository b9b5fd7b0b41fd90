// Package styles contains Lip Gloss style definitions.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Semantic color names - Text hierarchy
	TextPrimaryColor   = lipgloss.AdaptiveColor{Light: "#303030", Dark: "#CCCCCC"} // Main/primary text
	TextSecondaryColor = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#BBBBBB"} // Addresses, secondary info
	TextMutedColor     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#696969"} // Hints, help text, footers

	// Semantic color names - Border
	BorderDefaultColor = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}

	// Semantic color names - Status
	StatusSuccessColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	StatusWarningColor = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	StatusErrorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}

	// Selection highlight for the focused table row
	SelectionBgColor = lipgloss.AdaptiveColor{Light: "#3498DB", Dark: "#1A5276"}
	SelectionFgColor = lipgloss.AdaptiveColor{Light: "#FFFFFF", Dark: "#FFFFFF"}

	TitleStyle = lipgloss.NewStyle().
			Foreground(TextPrimaryColor).
			Bold(true).
			Padding(0, 1)

	// Status bar
	StatusBarStyle = lipgloss.NewStyle().
			Foreground(TextSecondaryColor).
			Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(StatusSuccessColor)
	WarningStyle = lipgloss.NewStyle().Foreground(StatusWarningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(StatusErrorColor).Bold(true)
	MutedStyle   = lipgloss.NewStyle().Foreground(TextMutedColor)

	// Bordered panel around the children table
	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDefaultColor)
)
