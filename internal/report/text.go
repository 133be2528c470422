package report

import (
	"bytes"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/ship-commander/webharness/internal/tui/theme"
)

// TextFormatter renders an ASCII table, with coloured statuses when Color is
// set.
type TextFormatter struct {
	Color bool
}

// Format implements Formatter.
func (f TextFormatter) Format(report suite.Report) (string, error) {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle(fmt.Sprintf("webharness run %s", report.RunID))
	t.AppendHeader(table.Row{"#", "DESCRIPTION", "ID", "STATUS", "KIND", "REASON", "ELAPSED", "TIMEOUT"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "DESCRIPTION", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "REASON", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "ELAPSED", Align: text.AlignRight},
		{Name: "TIMEOUT", Align: text.AlignRight},
	})

	for i, result := range report.Results {
		t.AppendRow(table.Row{
			i + 1,
			result.Label(),
			result.ID,
			f.status(result.Outcome),
			kindText(result.Outcome),
			result.Outcome.Reason,
			formatDuration(result.Outcome.Elapsed),
			formatDuration(result.Timeout),
		})
	}

	passed, failed := report.Counts()
	overall := "PASS"
	if !report.Passed() {
		overall = "FAIL"
	}
	t.AppendFooter(table.Row{"", "TOTAL", fmt.Sprintf("%d passed, %d failed", passed, failed), overall, "", "", formatDuration(report.Duration()), ""})
	t.SetStyle(table.StyleLight)
	t.Render()

	if report.Violations > 0 {
		fmt.Fprintf(&buf, "protocol violations: %d (a page wrote more than one outcome for a run)\n", report.Violations)
	}
	return buf.String(), nil
}

func (f TextFormatter) status(outcome signal.Outcome) string {
	label := statusText(outcome)
	if !f.Color {
		return label
	}
	switch {
	case outcome.OK():
		return theme.SuccessStyle.Render(theme.IconDone + " " + label)
	case outcome.Kind == signal.KindTimeout:
		return theme.WarningStyle.Render(theme.IconAlert + " " + label)
	default:
		return theme.ErrorStyle.Render(theme.IconFailed + " " + label)
	}
}
