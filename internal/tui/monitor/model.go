// Package monitor is a live terminal view of pairings and the harmonization
// log.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/harmony/internal/models"
)

// Panel represents which panel is active
type Panel int

const (
	PanelPairings Panel = iota
	PanelActivity
)

// MinWidth is the minimum terminal width for proper display
const MinWidth = 60

// MinHeight is the minimum terminal height for proper display
const MinHeight = 15

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	Source Source

	Width  int
	Height int

	Pairings []PairingRow
	Activity []models.LogEntry // newest first

	// Filter limits the activity panel to one affiliation. Empty shows all.
	Filter string

	ActivePanel    Panel
	ActivityOffset int
	ShowHelp       bool
	LastRefresh    time.Time
	Err            error

	RefreshInterval time.Duration

	table table.Model
}

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Pairings  []PairingRow
	Activity  []models.LogEntry
	Timestamp time.Time
	Err       error
}

// NewModel creates a new monitor model
func NewModel(src Source, interval time.Duration) Model {
	t := table.New(
		table.WithColumns(pairingColumns(MinWidth)),
		table.WithFocused(true),
		table.WithHeight(5),
	)
	t.SetStyles(tableStyles())
	return Model{
		Source:          src,
		RefreshInterval: interval,
		ActivePanel:     PanelPairings,
		table:           t,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.scheduleTick())
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.table.SetColumns(pairingColumns(m.Width - 6))
		m.table.SetHeight(m.pairingsHeight() - 3)
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err == nil {
			m.Pairings = msg.Pairings
			m.Activity = msg.Activity
			m.table.SetRows(pairingRows(m.Pairings))
		}
		m.LastRefresh = msg.Timestamp
		return m, nil
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.ActivePanel == PanelPairings {
			m.ActivePanel = PanelActivity
			m.table.Blur()
		} else {
			m.ActivePanel = PanelPairings
			m.table.Focus()
		}
		return m, nil

	case "enter":
		if m.ActivePanel == PanelPairings {
			if row := m.table.SelectedRow(); row != nil {
				if m.Filter == row[0] {
					m.Filter = ""
				} else {
					m.Filter = row[0]
				}
				m.ActivityOffset = 0
			}
		}
		return m, nil

	case "esc":
		m.Filter = ""
		m.ActivityOffset = 0
		return m, nil

	case "r":
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	if m.ActivePanel == PanelActivity {
		switch msg.String() {
		case "j", "down":
			if m.ActivityOffset < len(m.filteredActivity())-1 {
				m.ActivityOffset++
			}
		case "k", "up":
			if m.ActivityOffset > 0 {
				m.ActivityOffset--
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// filteredActivity applies Filter to the loaded log entries.
func (m Model) filteredActivity() []models.LogEntry {
	if m.Filter == "" {
		return m.Activity
	}
	var out []models.LogEntry
	for _, e := range m.Activity {
		if e.AffiliationID == m.Filter {
			out = append(out, e)
		}
	}
	return out
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	src := m.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return FetchData(ctx, src)
	}
}
