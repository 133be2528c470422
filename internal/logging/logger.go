// Package logging writes structured JSON run logs to disk. Stdout is reserved
// for reports, so nothing here writes to it.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir   string
	runID string
	level log.Level
	now   func() time.Time
}

// WithDir sets the log directory. The default is ~/.webharness/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithRunID configures the run_id field and the log file suffix.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithLevel sets the minimum level written.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// WithClock overrides the clock used to name the log file.
func WithClock(now func() time.Time) Option {
	return func(opts *newOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// RuntimeLogger writes structured JSON logs to one file per run.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New opens webharness-<timestamp>-<run_id>.log in the log directory.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)
	if resolved.dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		resolved.dir = filepath.Join(homeDir, ".webharness", "logs")
	}
	if err := os.MkdirAll(resolved.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := resolved.now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("webharness-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("webharness-%s-%s.log", timestamp, resolved.runID)
	}
	filePath := filepath.Join(resolved.dir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	runtimeLogger.WithSpanContext(trace.SpanContextFromContext(ctx))
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithSpanContext stamps trace_id and span_id from sc on subsequent records.
// An invalid span context clears both.
func (r *RuntimeLogger) WithSpanContext(sc trace.SpanContext) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID, r.spanID = "", ""
	if sc.IsValid() {
		r.traceID = sc.TraceID().String()
		r.spanID = sc.SpanID().String()
	}
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel, now: time.Now}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
