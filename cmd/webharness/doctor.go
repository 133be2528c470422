package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/ship-commander/webharness/internal/doctor"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/spf13/cobra"
)

func newDoctorCommand(state *cliState) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the browser, the page, and that every test id resolves to one control",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyRunFlags(cmd.Flags(), state.cfg, flags)
			cfg := state.cfg
			s, err := loadSuite(cfg, nil)
			if err != nil {
				return &exitError{code: exitcodes.RuntimeErr, err: err}
			}

			var factory page.Factory
			if cfg.Validate() == nil {
				// A factory error surfaces through the config check instead.
				factory, _ = pageFactory(cfg, stderrLogger(cmd.ErrOrStderr(), cfg), nil)
			}
			health := doctor.NewManager(*cfg, s, factory).RunOnce(cmd.Context())
			renderHealth(cmd.OutOrStdout(), health)
			if !health.Healthy() {
				return &exitError{code: exitcodes.TestFailure}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.declarations, "declarations", "", "YAML test declarations (default: built-in suite)")
	f.StringVar(&flags.backend, "backend", "", "page backend (cdp or script)")
	f.StringVar(&flags.pageURL, "page-url", "", "URL of the test page (cdp backend)")
	f.StringVar(&flags.scriptPath, "script", "", "page script path (script backend)")
	f.StringVar(&flags.chromePath, "chrome", "", "Chrome executable")
	return cmd
}

func renderHealth(out io.Writer, health doctor.HealthReport) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"CHECK", "STATUS", "DETAIL"})
	for _, check := range health.Checks {
		t.AppendRow(table.Row{check.Name, strings.ToUpper(check.Status), check.Detail})
	}
	verdict := "HEALTHY"
	if !health.Healthy() {
		verdict = "UNHEALTHY"
	}
	t.AppendFooter(table.Row{"", verdict, fmt.Sprintf("checked %s", health.CheckedAt.Format("2006-01-02 15:04:05Z07:00"))})
	t.SetStyle(table.StyleLight)
	t.Render()
}
