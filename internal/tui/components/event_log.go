package components

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/webharness/internal/tui/theme"
)

const (
	eventLogStandardLines      = 8
	eventLogSmallTerminalLines = 3
	eventLogDefaultMaxEntries  = 200
)

// EventLogEntry is one line in the monitor's event log.
type EventLogEntry struct {
	Severity string
	Time     time.Time
	Kind     string
	Subject  string
	Message  string
}

// EventLogConfig contains render-time settings for the event log.
type EventLogConfig struct {
	Width          int
	Height         int
	TerminalHeight int
	Entries        []EventLogEntry
	MaxEntries     int
	AutoScroll     bool
	SeverityFilter []string
}

// ResolveEventLogLineCount computes visible log lines for the terminal height.
func ResolveEventLogLineCount(terminalHeight int) int {
	if terminalHeight > 0 && terminalHeight < 24 {
		return eventLogSmallTerminalLines
	}
	return eventLogStandardLines
}

// BuildEventLogViewport constructs a viewport holding the formatted entries.
func BuildEventLogViewport(config EventLogConfig) viewport.Model {
	width := max(config.Width, 24)
	height := ResolveEventLogLineCount(config.TerminalHeight)
	if config.Height > 0 && config.Height < height {
		height = config.Height
	}
	height = max(height, 2)

	lines := formatEventLines(config.Entries, config.SeverityFilter, config.MaxEntries)
	if len(lines) == 0 {
		lines = []string{theme.MutedStyle.Faint(true).Render("No events yet")}
	}

	model := viewport.New(width, height)
	model.SetContent(strings.Join(lines, "\n"))
	if config.AutoScroll {
		model.GotoBottom()
	}
	return model
}

// RenderEventLog renders the event log viewport.
func RenderEventLog(config EventLogConfig) string {
	return BuildEventLogViewport(config).View()
}

// TrimEventLog drops the oldest entries beyond limit.
func TrimEventLog(entries []EventLogEntry, limit int) []EventLogEntry {
	if limit <= 0 {
		limit = eventLogDefaultMaxEntries
	}
	if len(entries) <= limit {
		return entries
	}
	return append([]EventLogEntry(nil), entries[len(entries)-limit:]...)
}

func formatEventLines(entries []EventLogEntry, severityFilter []string, maxEntries int) []string {
	allowed := normalizeSeverityFilter(severityFilter)
	lines := make([]string, 0, len(entries))
	for _, entry := range TrimEventLog(entries, maxEntries) {
		severity := normalizeSeverity(entry.Severity)
		if severity == "" || !slices.Contains(allowed, severity) {
			continue
		}
		lines = append(lines, renderEventRow(severity, entry))
	}
	return lines
}

func renderEventRow(severity string, entry EventLogEntry) string {
	timestamp := "--:--:--"
	if !entry.Time.IsZero() {
		timestamp = entry.Time.Local().Format("15:04:05")
	}
	kind := strings.TrimSpace(entry.Kind)
	if kind == "" {
		kind = "event"
	}
	message := strings.TrimSpace(entry.Message)
	if subject := strings.TrimSpace(entry.Subject); subject != "" {
		message = subject + " " + message
	}
	if message == "" {
		message = "(no message)"
	}

	severityStyle := theme.InfoStyle.Bold(true)
	switch severity {
	case "WARN":
		severityStyle = theme.WarningStyle
	case "ERROR":
		severityStyle = theme.ErrorStyle
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		severityStyle.Render(fmt.Sprintf("[%s]", severity)),
		" ",
		lipgloss.NewStyle().Foreground(theme.LightGrayColor).Render(timestamp),
		" ",
		lipgloss.NewStyle().Foreground(theme.SpaceWhiteColor).Render(kind),
		" ",
		lipgloss.NewStyle().Foreground(theme.SpaceWhiteColor).Render(message),
	)
}

func normalizeSeverityFilter(filter []string) []string {
	allowed := make([]string, 0, len(filter))
	for _, severity := range filter {
		normalized := normalizeSeverity(severity)
		if normalized != "" && !slices.Contains(allowed, normalized) {
			allowed = append(allowed, normalized)
		}
	}
	if len(allowed) == 0 {
		return []string{"INFO", "WARN", "ERROR"}
	}
	return allowed
}

func normalizeSeverity(severity string) string {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "INFO", "":
		return "INFO"
	case "WARN", "WARNING":
		return "WARN"
	case "ERROR":
		return "ERROR"
	default:
		return ""
	}
}
