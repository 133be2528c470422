package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/logging"
	"github.com/ship-commander/webharness/internal/metrics"
	"github.com/ship-commander/webharness/internal/report"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/ship-commander/webharness/internal/telemetry"
	"github.com/ship-commander/webharness/internal/tui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const lastReportName = "last-report.json"

type runFlags struct {
	monitor         bool
	pick            bool
	only            []string
	parallel        int
	defaultTimeout  time.Duration
	declarations    string
	backend         string
	pageURL         string
	scriptPath      string
	headless        bool
	chromePath      string
	signalMode      string
	format          string
	output          string
	metricsTextfile string
	otelEndpoint    string
}

func newRunCommand(state *cliState) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the declared tests and report the combined outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyRunFlags(cmd.Flags(), state.cfg, flags)
			return runSuite(cmd.Context(), state.cfg, flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.monitor, "tui", false, "show the live run monitor")
	f.BoolVar(&flags.pick, "pick", false, "choose tests interactively before running")
	f.StringSliceVar(&flags.only, "only", nil, "run only these test ids")
	f.IntVar(&flags.parallel, "parallel", 0, "pages driven concurrently")
	f.DurationVar(&flags.defaultTimeout, "default-timeout", 0, "timeout for built-in tests without an override")
	f.StringVar(&flags.declarations, "declarations", "", "YAML test declarations (default: built-in suite)")
	f.StringVar(&flags.backend, "backend", "", "page backend (cdp or script)")
	f.StringVar(&flags.pageURL, "page-url", "", "URL of the test page (cdp backend)")
	f.StringVar(&flags.scriptPath, "script", "", "page script path (script backend)")
	f.BoolVar(&flags.headless, "headless", true, "run Chrome headless")
	f.StringVar(&flags.chromePath, "chrome", "", "Chrome executable")
	f.StringVar(&flags.signalMode, "signal-mode", "", "completion signal (binding or checkbox)")
	f.StringVarP(&flags.format, "format", "f", "", "report format (text, json, junit, markdown, html)")
	f.StringVarP(&flags.output, "output", "o", "", "write the report to this file instead of stdout")
	f.StringVar(&flags.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file")
	f.StringVar(&flags.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")
	return cmd
}

// applyRunFlags overlays explicitly set flags onto cfg.
func applyRunFlags(set *pflag.FlagSet, cfg *config.Config, flags runFlags) {
	if set.Changed("parallel") {
		cfg.Parallel = flags.parallel
	}
	if set.Changed("default-timeout") {
		cfg.DefaultTimeout = flags.defaultTimeout
	}
	if set.Changed("declarations") {
		cfg.Declarations = flags.declarations
	}
	if set.Changed("backend") {
		cfg.Backend = flags.backend
	}
	if set.Changed("page-url") {
		cfg.PageURL = flags.pageURL
	}
	if set.Changed("script") {
		cfg.ScriptPath = flags.scriptPath
	}
	if set.Changed("headless") {
		cfg.Headless = flags.headless
	}
	if set.Changed("chrome") {
		cfg.ChromePath = flags.chromePath
	}
	if set.Changed("signal-mode") {
		cfg.SignalMode = flags.signalMode
	}
	if set.Changed("format") {
		cfg.ReportFormat = flags.format
	}
	if set.Changed("output") {
		cfg.ReportPath = flags.output
	}
	if set.Changed("metrics-textfile") {
		cfg.MetricsTextfile = flags.metricsTextfile
	}
	if set.Changed("otel-endpoint") {
		telemetry.SetEndpointOverride(flags.otelEndpoint)
	}
}

func runSuite(ctx context.Context, cfg *config.Config, flags runFlags, stdout, stderr io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: fmt.Errorf("invalid config: %w", err)}
	}
	format, err := report.ParseFormat(cfg.ReportFormat)
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: err}
	}
	s, err := loadSuite(cfg, flags.only)
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: err}
	}
	if flags.pick {
		if s, err = tui.Pick(s); err != nil {
			return &exitError{code: exitcodes.RuntimeErr, err: err}
		}
	}

	runID := uuid.NewString()
	shutdown, err := telemetry.Init(ctx, cfg.OTelEndpoint)
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: fmt.Errorf("initialize telemetry: %w", err)}
	}
	defer shutdown()
	ctx, span := otel.Tracer("webharness/cmd").Start(ctx, "webharness.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("backend", cfg.Backend),
	))
	defer span.End()

	runtimeLogger, err := logging.New(ctx, logging.WithDir(cfg.LogDir), logging.WithRunID(runID), logging.WithLevel(cfg.Level()))
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: fmt.Errorf("initialize logging: %w", err)}
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	logger := runtimeLogger.Logger

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()

	factory, err := pageFactory(cfg, logger, consoleForwarder(bus))
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: err}
	}
	recorder := metrics.New()
	runner, err := suite.NewRunner(s, factory,
		suite.WithParallel(cfg.Parallel),
		suite.WithLogger(logger),
		suite.WithPublisher(bus),
		suite.WithObserver(recorder),
		suite.WithRunID(runID),
	)
	if err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: err}
	}

	var (
		result suite.Report
		runErr error
	)
	if flags.monitor {
		result, runErr = runWithMonitor(ctx, runner, s, bus, stderr, logger)
	} else {
		result, runErr = runner.Run(ctx)
	}

	if err := recorder.WriteTextfile(cfg.MetricsTextfile); err != nil {
		logger.Warn("metrics textfile not written", "err", err)
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}
	saveLastReport(result, logger)

	options := report.Options{Terminal: colorTerminal(stdout)}
	if err := report.Write(result, format, cfg.ReportPath, stdout, options); err != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: err}
	}
	if runErr != nil {
		return &exitError{code: exitcodes.RuntimeErr, err: runErr}
	}
	if code := result.ExitCode(); code != exitcodes.Success {
		return &exitError{code: code}
	}
	return nil
}

type monitorProgram interface {
	tui.Sender
	Run() (tea.Model, error)
}

var newMonitorProgram = func(ctx context.Context, model tea.Model, out io.Writer) monitorProgram {
	return tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out), tea.WithAltScreen())
}

// runWithMonitor drives the suite while a bubbletea monitor renders bus
// events. Quitting the monitor early cancels outstanding runs.
func runWithMonitor(
	ctx context.Context,
	runner *suite.Runner,
	s suite.Suite,
	bus *events.InMemoryBus,
	out io.Writer,
	logger *log.Logger,
) (suite.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := tui.NewMonitor(s, tui.WithInterrupt(cancel), tui.WithExitOnFinish(true))
	program := newMonitorProgram(ctx, monitor, out)
	tui.Attach(bus, program)

	type finished struct {
		report suite.Report
		err    error
	}
	done := make(chan finished, 1)
	go func() {
		result, err := runner.Run(runCtx)
		done <- finished{report: result, err: err}
		tui.Finish(program, result, err)
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		logger.Warn("monitor stopped", "err", err)
		cancel()
	}
	outcome := <-done
	return outcome.report, outcome.err
}

// saveLastReport keeps the newest report as JSON under ~/.webharness for
// bugreport bundles.
func saveLastReport(result suite.Report, logger *log.Logger) {
	dir, err := stateDir()
	if err == nil {
		err = os.MkdirAll(dir, 0o750)
	}
	if err == nil {
		err = report.Write(result, report.FormatJSON, filepath.Join(dir, lastReportName), io.Discard, report.Options{})
	}
	if err != nil {
		logger.Warn("last report not saved", "err", err)
	}
}
