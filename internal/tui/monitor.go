// Package tui renders a live view of a suite run and the interactive test
// picker.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/webharness/internal/bridge"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/ship-commander/webharness/internal/state"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/ship-commander/webharness/internal/tui/components"
	"github.com/ship-commander/webharness/internal/tui/theme"
)

const maxLogEntries = 200

// EventMsg carries one bus event into the monitor.
type EventMsg struct {
	Event events.Event
}

// Subscriber is the part of the event bus the monitor needs.
type Subscriber interface {
	SubscribeAll(handler events.Handler)
}

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Attach forwards every bus event to program as an EventMsg.
func Attach(bus Subscriber, program Sender) {
	bus.SubscribeAll(func(event events.Event) {
		program.Send(EventMsg{Event: event})
	})
}

// Finish sends the final report to program directly. The bus may drop
// SuiteFinished under load, so exiting must not depend on it.
func Finish(program Sender, report suite.Report, err error) {
	severity := events.SeverityInfo
	switch {
	case err != nil:
		severity = events.SeverityError
	case !report.Passed():
		severity = events.SeverityWarn
	}
	program.Send(EventMsg{Event: events.Event{
		Type:       events.EventTypeSuiteFinished,
		Timestamp:  time.Now().UTC(),
		EntityType: "suite",
		EntityID:   report.RunID,
		Payload:    report,
		Severity:   severity,
	}})
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterrupt is called once when the user quits before the suite finished.
func WithInterrupt(interrupt func()) MonitorOption {
	return func(m *Monitor) {
		m.interrupt = interrupt
	}
}

// WithExitOnFinish quits the program as soon as the suite finishes.
func WithExitOnFinish(exit bool) MonitorOption {
	return func(m *Monitor) {
		m.exitOnFinish = exit
	}
}

// WithClock overrides the clock used for elapsed times.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

type caseRow struct {
	test      suite.Declaration
	timeout   time.Duration
	status    string
	outcome   signal.Outcome
	startedAt time.Time
}

// Monitor is the Bubble Tea model for a live suite run.
type Monitor struct {
	runID        string
	parallel     int
	rows         []caseRow
	index        map[string]int
	spinner      spinner.Model
	log          []components.EventLogEntry
	autoScroll   bool
	width        int
	height       int
	finished     bool
	report       suite.Report
	interrupted  bool
	quitting     bool
	exitOnFinish bool
	interrupt    func()
	now          func() time.Time
}

// NewMonitor builds a monitor for s. Rows start pending and follow the bus.
func NewMonitor(s suite.Suite, options ...MonitorOption) *Monitor {
	m := &Monitor{
		index:      make(map[string]int, len(s.Tests)),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.ActiveStyle)),
		autoScroll: true,
		now:        time.Now,
	}
	m.setTests(s.Tests, s.TimeoutFor)
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

func (m *Monitor) setTests(tests []suite.Declaration, timeoutFor func(suite.Declaration) time.Duration) {
	m.rows = m.rows[:0]
	clear(m.index)
	for i, test := range tests {
		m.rows = append(m.rows, caseRow{test: test, timeout: timeoutFor(test), status: components.StatusPending})
		m.index[test.ID] = i
	}
}

// Init starts the spinner.
func (m *Monitor) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update applies bus events, key presses and spinner ticks.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case EventMsg:
		return m, m.apply(typed.Event)
	default:
		return m, nil
	}
}

func (m *Monitor) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		if !m.finished && !m.interrupted {
			m.interrupted = true
			if m.interrupt != nil {
				m.interrupt()
			}
		}
		m.quitting = true
		return m, tea.Quit
	case "p":
		m.autoScroll = !m.autoScroll
		return m, nil
	default:
		return m, nil
	}
}

func (m *Monitor) apply(event events.Event) tea.Cmd {
	entry := components.EventLogEntry{Severity: event.Severity, Time: event.Timestamp, Kind: event.Type}

	switch payload := event.Payload.(type) {
	case suite.Started:
		m.runID = payload.RunID
		m.parallel = payload.Parallel
		if len(payload.Tests) > 0 {
			timeouts := make(map[string]time.Duration, len(m.rows))
			for _, row := range m.rows {
				timeouts[row.test.ID] = row.timeout
			}
			m.setTests(payload.Tests, func(test suite.Declaration) time.Duration {
				if test.Timeout > 0 {
					return test.Timeout
				}
				return timeouts[test.ID]
			})
		}
		entry.Message = fmt.Sprintf("%d tests on %d workers", len(payload.Tests), payload.Parallel)
	case state.TransitionRecord:
		entry.Subject = payload.TestID
		entry.Message = payload.FromState + " -> " + payload.ToState
		if row := m.row(payload.TestID); row != nil && !components.IsTerminalStatus(row.status) {
			switch payload.ToState {
			case state.RunDispatched:
				row.status = components.StatusDispatched
				row.startedAt = m.timestamp(payload.Timestamp)
			case state.RunWaiting:
				row.status = components.StatusWaiting
			}
		}
	case bridge.Resolution:
		entry.Subject = payload.TestID
		entry.Message = payload.Outcome.String()
		if row := m.row(payload.TestID); row != nil {
			row.outcome = payload.Outcome
			row.status = statusFor(payload.Outcome)
		}
	case page.ConsoleMessage:
		entry.Subject = payload.TestID
		entry.Message = "console." + payload.Level + ": " + payload.Text
	case suite.Report:
		m.finished = true
		m.report = payload
		for _, result := range payload.Results {
			if row := m.row(result.ID); row != nil {
				row.outcome = result.Outcome
				row.status = statusFor(result.Outcome)
			}
		}
		passed, failed := payload.Counts()
		entry.Message = fmt.Sprintf("%d passed, %d failed", passed, failed)
	default:
		entry.Subject = event.EntityID
		if event.Payload != nil {
			entry.Message = fmt.Sprint(event.Payload)
		}
	}

	m.log = components.TrimEventLog(append(m.log, entry), maxLogEntries)
	if m.finished && m.exitOnFinish {
		m.quitting = true
		return tea.Quit
	}
	return nil
}

func (m *Monitor) row(testID string) *caseRow {
	i, ok := m.index[testID]
	if !ok {
		return nil
	}
	return &m.rows[i]
}

func (m *Monitor) timestamp(at time.Time) time.Time {
	if at.IsZero() {
		return m.now()
	}
	return at
}

func statusFor(outcome signal.Outcome) string {
	switch {
	case outcome.OK():
		return components.StatusPass
	case outcome.Kind == signal.KindTimeout:
		return components.StatusTimeout
	default:
		return components.StatusFail
	}
}

// View renders the header, progress bar, per-case rows and the event log.
func (m *Monitor) View() string {
	if m.quitting && !m.finished {
		return theme.WarningStyle.Render("interrupted; cancelling outstanding runs") + "\n"
	}

	width := m.width
	if width <= 0 {
		width = 100
	}

	sections := []string{m.renderHeader(), m.renderBar(width), "", m.renderRows()}
	sections = append(sections, "", components.RenderEventLog(components.EventLogConfig{
		Width:          width - 4,
		TerminalHeight: m.height,
		Entries:        m.log,
		AutoScroll:     m.autoScroll,
	}))
	sections = append(sections, theme.MutedStyle.Render("q quit  p pause log"))
	return theme.PanelBorder.Render(lipgloss.JoinVertical(lipgloss.Left, sections...)) + "\n"
}

func (m *Monitor) renderHeader() string {
	title := theme.TitleStyle.Render("webharness")
	if m.runID != "" {
		title += theme.MutedStyle.Render(" run " + m.runID)
	}
	if m.parallel > 0 {
		title += theme.MutedStyle.Render(fmt.Sprintf(" (%d workers)", m.parallel))
	}
	if !m.finished {
		return title
	}
	if m.report.Passed() {
		return title + "  " + theme.SuccessStyle.Render(theme.IconDone+" PASSED")
	}
	return title + "  " + theme.ErrorStyle.Render(theme.IconFailed+" FAILED")
}

func (m *Monitor) renderBar(width int) string {
	resolved, failed := m.Counts()
	return components.RenderSuiteBar(components.SuiteBarConfig{
		Resolved: resolved,
		Failed:   failed,
		Total:    len(m.rows),
		Width:    max(10, min(40, width/3)),
	})
}

func (m *Monitor) renderRows() string {
	lines := make([]string, 0, len(m.rows))
	for _, row := range m.rows {
		indicator := " "
		if row.status == components.StatusDispatched || row.status == components.StatusWaiting {
			indicator = m.spinner.View()
		}
		badge := components.RenderStatusBadge(row.status)
		detail := theme.MutedStyle.Render("timeout " + row.timeout.String())
		switch {
		case components.IsTerminalStatus(row.status):
			detail = theme.MutedStyle.Render(row.outcome.Elapsed.Truncate(time.Millisecond).String())
			if !row.outcome.OK() {
				detail += " " + theme.ErrorStyle.Render(row.outcome.Reason)
			}
		case !row.startedAt.IsZero():
			elapsed := m.now().Sub(row.startedAt).Truncate(time.Second)
			detail = theme.InfoStyle.Render(fmt.Sprintf("%s / %s", elapsed, row.timeout))
		}
		lines = append(lines, fmt.Sprintf("%s %-16s %s  %s", indicator, badge, row.test.Label(), detail))
	}
	return strings.Join(lines, "\n")
}

// Counts returns how many rows have resolved and how many of those failed.
func (m *Monitor) Counts() (resolved, failed int) {
	for _, row := range m.rows {
		if !components.IsTerminalStatus(row.status) {
			continue
		}
		resolved++
		if row.status != components.StatusPass {
			failed++
		}
	}
	return resolved, failed
}

// Status returns the displayed status of testID, or "" when it is unknown.
func (m *Monitor) Status(testID string) string {
	if row := m.row(testID); row != nil {
		return row.status
	}
	return ""
}

// Finished reports whether the suite finished event arrived.
func (m *Monitor) Finished() bool {
	return m.finished
}

// Interrupted reports whether the user quit before the suite finished.
func (m *Monitor) Interrupted() bool {
	return m.interrupted
}
