package main

import (
	"testing"

	"foreman/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

func TestStatusColor(t *testing.T) {
	theme := DefaultTheme()
	tests := []struct {
		status protocol.ProjectStatus
		want   lipgloss.Color
	}{
		{protocol.StatusQueued, theme.Muted},
		{protocol.StatusProcessing, theme.Secondary},
		{protocol.StatusCompleted, theme.Success},
		{protocol.StatusCreditPaused, theme.Warning},
		{protocol.StatusRetried, theme.Warning},
		{protocol.StatusFailed, theme.Error},
		{protocol.StatusPermanentlyFailed, theme.Error},
	}
	for _, tt := range tests {
		if got := theme.StatusColor(tt.status); got != tt.want {
			t.Errorf("StatusColor(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
