package monitor

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/harmony/internal/models"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	updateColor  = lipgloss.Color("45")
	errorColor   = lipgloss.Color("196")

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

	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	filterStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(primaryColor)

	outcomeStyles = map[models.Outcome]lipgloss.Style{
		models.LocalCreated:  lipgloss.NewStyle().Foreground(successColor),
		models.RemoteCreated: lipgloss.NewStyle().Foreground(successColor),
		models.LocalUpdated:  lipgloss.NewStyle().Foreground(updateColor),
		models.RemoteUpdated: lipgloss.NewStyle().Foreground(updateColor),
		models.LocalDeleted:  lipgloss.NewStyle().Foreground(errorColor),
		models.RemoteDeleted: lipgloss.NewStyle().Foreground(errorColor),
	}
)

func formatOutcome(o models.Outcome) string {
	style, ok := outcomeStyles[o]
	if !ok {
		return subtleStyle.Render(o.String())
	}
	return style.Render(o.String())
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("0")).
		Background(primaryColor).
		Bold(false)
	return s
}
