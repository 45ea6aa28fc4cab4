package monitor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/output"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}
	if m.ShowHelp {
		return m.renderHelp()
	}

	pairings := m.wrapPanel("PAIRINGS", m.table.View(), m.pairingsHeight(), PanelPairings)
	activity := m.wrapPanel(m.activityTitle(), m.renderActivity(m.activityHeight()-3), m.activityHeight(), PanelActivity)
	return lipgloss.JoinVertical(lipgloss.Left, pairings, activity, m.renderFooter())
}

// pairingsHeight gives the pairings panel a third of the screen.
func (m Model) pairingsHeight() int {
	h := (m.Height - 1) / 3
	if h < 6 {
		h = 6
	}
	return h
}

func (m Model) activityHeight() int {
	return m.Height - 1 - m.pairingsHeight()
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("harmony monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Pairings: %d\n", len(m.Pairings)))
	s.WriteString(fmt.Sprintf("Log entries: %d\n", len(m.Activity)))
	if m.Err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.Err)))
		s.WriteString("\n")
	}
	s.WriteString("\nq:quit r:refresh ?:help")
	return s.String()
}

func (m Model) renderHelp() string {
	help := `harmony monitor

  tab        switch panel
  up/down    move selection or scroll the log
  enter      show only the selected pairing's log (toggle)
  esc        clear the filter
  r          refresh now
  ?          toggle this help
  q          quit`
	return panelStyle.Width(m.Width - 2).Render(help)
}

func (m Model) activityTitle() string {
	if m.Filter == "" {
		return "ACTIVITY"
	}
	return "ACTIVITY " + filterStyle.Render(" "+m.Filter+" ")
}

func (m Model) renderActivity(height int) string {
	entries := m.filteredActivity()
	if len(entries) == 0 {
		return subtleStyle.Render("No harmonization activity yet")
	}

	start := m.ActivityOffset
	if start >= len(entries) {
		start = len(entries) - 1
	}
	end := start + height
	if end > len(entries) {
		end = len(entries)
	}

	var lines []string
	for _, e := range entries[start:end] {
		obj := e.LocalObjectID
		if e.Direction == models.DirectionRemote {
			obj = e.RemoteObjectID
		}
		lines = append(lines, fmt.Sprintf("%s %s %-6s %s %s",
			timestampStyle.Render(e.Timestamp.Local().Format("15:04:05")),
			subtleStyle.Render(e.AffiliationID),
			e.Direction, obj, formatOutcome(e.Outcome)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	var parts []string
	if m.Err != nil {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("Error: %v", m.Err)))
	}
	if !m.LastRefresh.IsZero() {
		parts = append(parts, subtleStyle.Render("refreshed "+m.LastRefresh.Format("15:04:05")))
	}
	parts = append(parts, helpStyle.Render("tab:panel enter:filter r:refresh ?:help q:quit"))
	return ansi.Truncate(strings.Join(parts, "  "), m.Width, "…")
}

// wrapPanel wraps content in a bordered panel of the given height.
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	contentWidth := m.Width - 4
	contentHeight := height - 3

	lines := strings.Split(content, "\n")
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if contentHeight >= 0 && len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = ansi.Truncate(line, contentWidth, "…")
		}
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, panelTitleStyle.Render(title), strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

// pairingColumns sizes the table to width, giving the slack to the
// collection columns.
func pairingColumns(width int) []table.Column {
	const fixed = 20 + 7 + 12
	coll := (width - fixed) / 2
	if coll < 10 {
		coll = 10
	}
	return []table.Column{
		{Title: "AFFILIATION", Width: 20},
		{Title: "LOCAL", Width: coll},
		{Title: "REMOTE", Width: coll},
		{Title: "LINKS", Width: 7},
		{Title: "LAST PASS", Width: 12},
	}
}

func pairingRows(rows []PairingRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			r.Pairing.AffiliationID,
			r.Pairing.LocalCollectionID,
			r.Pairing.RemoteCollectionID,
			strconv.Itoa(r.Correlations),
			output.FormatLastHarmonized(r.Pairing.LastHarmonizedAt),
		})
	}
	return out
}
