package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/storesync/internal/models"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	errorTextStyle = lipgloss.NewStyle().Foreground(errorColor)
	selectedStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	jobStyles = map[models.JobState]lipgloss.Style{
		models.JobPending:   lipgloss.NewStyle().Foreground(mutedColor),
		models.JobRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.JobPaused:    lipgloss.NewStyle().Foreground(warningColor),
		models.JobCompleted: lipgloss.NewStyle().Foreground(successColor),
		models.JobFailed:    lipgloss.NewStyle().Foreground(errorColor),
	}

	partitionStyles = map[models.PartitionState]lipgloss.Style{
		models.PartitionPending:   lipgloss.NewStyle().Foreground(mutedColor),
		models.PartitionFetching:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.PartitionApplying:  lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.PartitionCommitted: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.PartitionCompleted: lipgloss.NewStyle().Foreground(successColor),
		models.PartitionPaused:    lipgloss.NewStyle().Foreground(warningColor),
	}
)

// formatJobState renders a job state with color
func formatJobState(s models.JobState) string {
	style, ok := jobStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatPartitionState renders a partition state with color
func formatPartitionState(s models.PartitionState) string {
	style, ok := partitionStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}
