package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/spf13/cobra"
)

func newListCommand(state *cliState) *cobra.Command {
	var declarations string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the declared tests and their timeouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("declarations") {
				state.cfg.Declarations = declarations
			}
			s, err := loadSuite(state.cfg, nil)
			if err != nil {
				return &exitError{code: exitcodes.RuntimeErr, err: err}
			}
			renderSuite(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&declarations, "declarations", "", "YAML test declarations (default: built-in suite)")
	return cmd
}

func renderSuite(out io.Writer, s suite.Suite) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"#", "ID", "DESCRIPTION", "TIMEOUT"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "TIMEOUT", Align: text.AlignRight},
	})
	for i, test := range s.Tests {
		timeout := s.TimeoutFor(test).String()
		if test.Timeout == 0 {
			timeout += " (default)"
		}
		t.AppendRow(table.Row{i + 1, test.ID, test.Description, timeout})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d tests", len(s.Tests)), "", ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}
