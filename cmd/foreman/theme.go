package main

import (
	"foreman/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the colours used by list-queue and the dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default foreman theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// StatusColor maps a project status to a theme colour.
func (t Theme) StatusColor(s protocol.ProjectStatus) lipgloss.Color {
	switch s {
	case protocol.StatusProcessing:
		return t.Secondary
	case protocol.StatusCompleted:
		return t.Success
	case protocol.StatusCreditPaused, protocol.StatusRetried:
		return t.Warning
	case protocol.StatusFailed, protocol.StatusPermanentlyFailed:
		return t.Error
	default:
		return t.Muted
	}
}
