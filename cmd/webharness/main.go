package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// exitError carries a process exit status out of a command. A nil err means
// the command already reported its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	telemetry.ServiceVersion = Version

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitcodes.Success
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitcodes.RuntimeErr
}

// cliState is shared by every subcommand once the root pre-run has loaded
// configuration.
type cliState struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	state := &cliState{}
	root := &cobra.Command{
		Use:           "webharness",
		Short:         "Drive browser test pages through the signal channel protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&state.configPath, "config", "", "config file overlaid on ~/.webharness and ./.webharness")
	root.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		cfg, err := config.Load(state.configPath)
		if err != nil {
			return &exitError{code: exitcodes.RuntimeErr, err: fmt.Errorf("load config: %w", err)}
		}
		if level := strings.TrimSpace(state.logLevel); level != "" {
			cfg.LogLevel = level
		}
		state.cfg = cfg
		return nil
	}

	root.AddCommand(
		newRunCommand(state),
		newListCommand(state),
		newDoctorCommand(state),
		newBugreportCommand(state),
	)
	return root
}
