// Package output provides styled terminal output helpers for the harmony
// CLI using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/marcus/harmony/internal/models"
)

const defaultWidth = 80

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	outcomeStyles = map[models.Outcome]lipgloss.Style{
		models.LocalCreated:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.RemoteCreated: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.LocalUpdated:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.RemoteUpdated: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.LocalDeleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.RemoteDeleted: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Title renders s in bold.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Subtle renders s dimmed.
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// FormatOutcome colors an outcome by the kind of change it made.
func FormatOutcome(o models.Outcome) string {
	style, ok := outcomeStyles[o]
	if !ok {
		return subtleStyle.Render(o.String())
	}
	return style.Render(o.String())
}

// FormatStats renders pass statistics on one line, e.g.
// "remote +1 ~0 -0  local +0 ~2 -0  unchanged 3".
func FormatStats(s models.Statistics) string {
	line := fmt.Sprintf("remote +%d ~%d -%d  local +%d ~%d -%d  unchanged %d",
		s.RemoteCreated, s.RemoteUpdated, s.RemoteDeleted,
		s.LocalCreated, s.LocalUpdated, s.LocalDeleted, s.Unchanged)
	if s.Failed > 0 {
		line += "  " + errorStyle.Render(fmt.Sprintf("failed %d", s.Failed))
	}
	return line
}

// FormatLogEntry renders one harmonization log row for tail output.
func FormatLogEntry(e models.LogEntry) string {
	obj := e.LocalObjectID
	if e.Direction == models.DirectionRemote {
		obj = e.RemoteObjectID
	}
	return fmt.Sprintf("%s  %s  %-6s %s  %s",
		subtleStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
		e.AffiliationID, e.Direction, obj, FormatOutcome(e.Outcome))
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// FormatLastHarmonized renders a pairing's last pass time, or "never".
func FormatLastHarmonized(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return FormatTimeAgo(*t)
}

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultWidth
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// Truncate shortens s to width display cells, keeping ANSI styling intact.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return ansi.Truncate(s, width, "…")
}

// Table lays rows out in padded columns. Cells may contain ANSI styling;
// each line is truncated to width when width is positive.
func Table(headers []string, rows [][]string, width int) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		var parts []string
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(cells)-1 {
				cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			parts = append(parts, cell)
		}
		line := strings.Join(parts, "  ")
		if width > 0 {
			line = Truncate(line, width)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	writeRow(headers, &titleStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return sb.String()
}
