package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/tracing"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportGetwdFn  = os.Getwd
	bugreportRunCmdFn = func(ctx context.Context, name string, args []string, dir string) (string, error) {
		result, err := tracing.ExecuteTool(ctx, name, args, dir)
		return strings.TrimSpace(result.Stdout + "\n" + result.Stderr), err
	}
)

func newBugreportCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config, and the last report into a bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logDir := ""
			if state.cfg != nil {
				logDir = state.cfg.LogDir
			}
			return runBugReport(cmd.Context(), logDir, cmd.OutOrStdout())
		},
	}
}

func runBugReport(ctx context.Context, logDir string, out io.Writer) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	if strings.TrimSpace(logDir) == "" {
		logDir = filepath.Join(dir, "logs")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf("webharness-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "webharness-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	summary, err := collectBugreportArtifacts(ctx, dir, logDir, cwd, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	TraceID   string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, stateDir, logDir, cwd, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	logFiles, warnings := copyRecentLogs(logDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.TraceID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}

	steps := []func() error{
		func() error {
			content := fmt.Sprintf("run_id: %s\ntrace_id: %s\n", summary.RunID, summary.TraceID)
			return stageFile(stagingDir, "last-run.txt", []byte(content))
		},
		func() error {
			return stageFile(stagingDir, "version.txt", []byte(fmt.Sprintf("webharness version: %s\n", strings.TrimSpace(summary.Version))))
		},
		func() error { return copyRedactedConfig(stateDir, cwd, stagingDir, &summary) },
		func() error { return writeGitState(ctx, cwd, stagingDir) },
		func() error { return copyLastReport(stateDir, stagingDir, &summary) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return bugreportSummary{}, err
		}
	}
	return summary, nil
}

func stageFile(stagingDir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func copyRecentLogs(logsDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the configured log directory listing.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		if writeErr := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// extractLastCorrelation returns the run_id and trace_id from the newest JSON
// log record that carries either.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from the log directory listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			runID, traceID := asString(record["run_id"]), asString(record["trace_id"])
			if runID == "" && traceID == "" {
				continue
			}
			return runID, traceID
		}
	}
	return "", ""
}

// copyRedactedConfig stages the user and project config files with secret
// looking values masked.
func copyRedactedConfig(stateDir, cwd, stagingDir string, summary *bugreportSummary) error {
	sources := map[string]string{
		"config-user.toml":    filepath.Join(stateDir, "config.toml"),
		"config-project.toml": filepath.Join(cwd, config.DirName, "config.toml"),
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// #nosec G304 -- config paths are fixed locations under the state and working directories.
		data, err := os.ReadFile(sources[name])
		if err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", sources[name], err))
			data = []byte("# config unavailable\n")
		}
		if err := stageFile(stagingDir, name, []byte(redactSensitiveConfig(string(data)))); err != nil {
			return err
		}
	}
	return nil
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok || !tracing.IsSensitive(strings.TrimSpace(key)) {
			continue
		}
		lines[i] = key + "= \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

func writeGitState(ctx context.Context, cwd, stagingDir string) error {
	sections := []struct {
		title string
		args  []string
	}{
		{title: "HEAD", args: []string{"rev-parse", "HEAD"}},
		{title: "BRANCH", args: []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{title: "STATUS", args: []string{"status", "--short"}},
		{title: "DIFF", args: []string{"diff", "--stat"}},
	}
	var builder strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&builder, "[%s]\n%s\n\n", section.title, runCommandForBugreport(ctx, cwd, "git", section.args...))
	}
	return stageFile(stagingDir, "git-state.txt", []byte(builder.String()))
}

func runCommandForBugreport(ctx context.Context, dir, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args, dir)
	if err == nil {
		return output
	}
	if output == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return output + "\nerror: " + err.Error()
}

func copyLastReport(stateDir, stagingDir string, summary *bugreportSummary) error {
	// #nosec G304 -- the report path is fixed under the state directory.
	data, err := os.ReadFile(filepath.Join(stateDir, lastReportName))
	if err != nil {
		summary.Warnings = append(summary.Warnings, "no saved run report found")
		data = []byte("{}\n")
	}
	return stageFile(stagingDir, lastReportName, data)
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var builder strings.Builder
	builder.WriteString("webharness bug report\n")
	builder.WriteString("=====================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&builder, "Version: %s\n", summary.Version)
	fmt.Fprintf(&builder, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&builder, "trace_id: %s\n\n", summary.TraceID)
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	builder.WriteString("- config-user.toml, config-project.toml (redacted)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-run.txt\n")
	builder.WriteString("- git-state.txt\n")
	builder.WriteString("- " + lastReportName + "\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return stageFile(stagingDir, "README.txt", []byte(builder.String()))
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the working directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}
		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
