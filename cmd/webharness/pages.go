package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/page/cdp"
	"github.com/ship-commander/webharness/internal/page/script"
	"github.com/ship-commander/webharness/internal/suite"
)

var homeDirFn = os.UserHomeDir

// pageFactory builds the configured backend. console may be nil.
func pageFactory(cfg *config.Config, logger *log.Logger, console page.ConsoleFunc) (page.Factory, error) {
	switch cfg.Backend {
	case config.BackendCDP:
		mode, err := cdp.ParseSignalMode(cfg.SignalMode)
		if err != nil {
			return nil, err
		}
		options := []cdp.Option{
			cdp.WithLogger(logger),
			cdp.WithHeadless(cfg.Headless),
			cdp.WithReadyTimeout(cfg.ReadyTimeout),
			cdp.WithPollInterval(cfg.PollInterval),
			cdp.WithSignalMode(mode),
		}
		if console != nil {
			options = append(options, cdp.WithConsole(console))
		}
		if cfg.ChromePath != "" {
			options = append(options, cdp.WithExecPath(cfg.ChromePath))
		}
		if cfg.ReadyExpression != "" {
			options = append(options, cdp.WithReadyExpression(cfg.ReadyExpression))
		}
		if cfg.ControlAttribute != "" {
			options = append(options, cdp.WithControlAttribute(cfg.ControlAttribute))
		}
		return cdp.Factory(cfg.PageURL, options...), nil
	case config.BackendScript:
		options := []script.Option{
			script.WithLogger(logger),
			script.WithReadyTimeout(cfg.ReadyTimeout),
			script.WithPollInterval(cfg.PollInterval),
		}
		if console != nil {
			options = append(options, script.WithConsole(console))
		}
		if cfg.ReadyExpression != "" {
			options = append(options, script.WithReadyExpression(cfg.ReadyExpression))
		}
		return script.Factory(cfg.ScriptPath, options...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// consoleForwarder republishes page console output on the event bus.
func consoleForwarder(bus events.Bus) page.ConsoleFunc {
	return func(message page.ConsoleMessage) {
		severity := events.SeverityInfo
		switch strings.ToLower(message.Level) {
		case "error", "assert":
			severity = events.SeverityError
		case "warn", "warning":
			severity = events.SeverityWarn
		}
		bus.Publish(events.Event{
			Type:       events.EventTypePageConsole,
			Timestamp:  time.Now().UTC(),
			EntityType: "test",
			EntityID:   message.TestID,
			Payload:    message,
			Severity:   severity,
		})
	}
}

// loadSuite reads the configured declarations. The configured default
// timeout applies to the built-in suite; declaration files carry their own.
func loadSuite(cfg *config.Config, only []string) (suite.Suite, error) {
	s, err := suite.Load(cfg.Declarations)
	if err != nil {
		return suite.Suite{}, err
	}
	if strings.TrimSpace(cfg.Declarations) == "" && cfg.DefaultTimeout > 0 {
		s.DefaultTimeout = cfg.DefaultTimeout
	}
	return s.Select(only)
}

func stderrLogger(w io.Writer, cfg *config.Config) *log.Logger {
	return log.NewWithOptions(w, log.Options{Level: cfg.Level(), ReportTimestamp: true, TimeFormat: time.Kitchen})
}

func colorTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

func stateDir() (string, error) {
	homeDir, err := homeDirFn()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, config.DirName), nil
}
