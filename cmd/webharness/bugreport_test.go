package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/webharness/internal/config"
)

func TestRunBugReportCreatesBundle(t *testing.T) {
	restore := snapshotBugreportHooks()
	t.Cleanup(restore)

	home := t.TempDir()
	cwd := t.TempDir()
	stateDir := filepath.Join(home, config.DirName)
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatalf("create log dir: %v", err)
	}

	logRecords := strings.Join([]string{
		`{"level":"info","msg":"logger initialized","run_id":"run-1","trace_id":"trace-1"}`,
		`{"level":"info","msg":"suite passed","run_id":"run-2","trace_id":"trace-2"}`,
	}, "\n")
	if err := os.WriteFile(filepath.Join(logDir, "webharness-20261017-100000-run-2.log"), []byte(logRecords), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	configText := "page_url = \"http://localhost:8080\"\napi_token = \"s3cret\"\n\n[otel]\nendpoint = \"http://collector:4318\"\n"
	if err := os.WriteFile(filepath.Join(stateDir, "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, lastReportName), []byte(`{"run_id":"run-2","passed":true}`), 0o600); err != nil {
		t.Fatalf("write last report: %v", err)
	}

	homeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC) }
	var gitCalls [][]string
	bugreportRunCmdFn = func(_ context.Context, name string, args []string, dir string) (string, error) {
		if dir != cwd {
			t.Errorf("git ran in %q, want %q", dir, cwd)
		}
		gitCalls = append(gitCalls, append([]string{name}, args...))
		if len(args) > 0 && args[0] == "rev-parse" && len(args) == 2 {
			return "abc123", nil
		}
		return "", nil
	}

	var out bytes.Buffer
	if err := runBugReport(context.Background(), "", &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, "webharness-bugreport-20261017-110000.tar.gz")
	if !strings.Contains(out.String(), archivePath) {
		t.Fatalf("output %q does not name %s", out.String(), archivePath)
	}
	contents := extractTarballTextFiles(t, archivePath)

	for _, name := range []string{"README.txt", "version.txt", "last-run.txt", "git-state.txt", "config-user.toml", "config-project.toml", lastReportName, "logs/webharness-20261017-100000-run-2.log"} {
		if _, ok := contents[name]; !ok {
			t.Fatalf("bundle is missing %s", name)
		}
	}
	if got := contents["last-run.txt"]; !strings.Contains(got, "run_id: run-2") || !strings.Contains(got, "trace_id: trace-2") {
		t.Fatalf("last-run.txt = %q", got)
	}
	userConfig := contents["config-user.toml"]
	if strings.Contains(userConfig, "s3cret") || !strings.Contains(userConfig, "***REDACTED***") {
		t.Fatalf("config not redacted: %q", userConfig)
	}
	if !strings.Contains(userConfig, `page_url = "http://localhost:8080"`) {
		t.Fatalf("non-secret config lost: %q", userConfig)
	}
	if !strings.Contains(contents["git-state.txt"], "[HEAD]\nabc123") {
		t.Fatalf("git-state.txt = %q", contents["git-state.txt"])
	}
	if len(gitCalls) != 4 {
		t.Fatalf("git calls = %d, want 4", len(gitCalls))
	}
	if !strings.Contains(contents[lastReportName], `"run_id":"run-2"`) {
		t.Fatalf("last report = %q", contents[lastReportName])
	}
	if !strings.Contains(contents["README.txt"], "unable to read "+filepath.Join(cwd, config.DirName, "config.toml")) {
		t.Fatalf("readme should warn about the missing project config: %q", contents["README.txt"])
	}
}

func TestRunBugReportWithMissingArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	t.Cleanup(restore)

	home := t.TempDir()
	cwd := t.TempDir()
	homeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = func(context.Context, string, []string, string) (string, error) {
		return "", os.ErrNotExist
	}

	var out bytes.Buffer
	if err := runBugReport(context.Background(), filepath.Join(home, "no-logs"), &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	contents := extractTarballTextFiles(t, filepath.Join(cwd, "webharness-bugreport-20261017-110000.tar.gz"))
	readme := contents["README.txt"]
	for _, warning := range []string{"unable to read logs directory", "no run_id/trace_id found", "no saved run report found"} {
		if !strings.Contains(readme, warning) {
			t.Fatalf("readme missing %q: %q", warning, readme)
		}
	}
	if !strings.Contains(contents["config-user.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got %q", contents["config-user.toml"])
	}
	if !strings.Contains(contents["git-state.txt"], "error: ") {
		t.Fatalf("git errors should be captured: %q", contents["git-state.txt"])
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "# password = \"keep comment\"\nchrome_path = \"/usr/bin/chromium\"\nauth_header = \"Bearer x\"\n[otel]\n"
	got := redactSensitiveConfig(input)
	if !strings.Contains(got, "# password = \"keep comment\"") {
		t.Fatalf("comments must be preserved: %q", got)
	}
	if strings.Contains(got, "Bearer x") {
		t.Fatalf("auth value leaked: %q", got)
	}
	if !strings.Contains(got, `chrome_path = "/usr/bin/chromium"`) {
		t.Fatalf("plain value changed: %q", got)
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := homeDirFn
	prevGetwd := bugreportGetwdFn
	prevRunCmd := bugreportRunCmdFn
	return func() {
		bugreportNowFn = prevNow
		homeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportRunCmdFn = prevRunCmd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() { _ = archiveFile.Close() }()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer func() { _ = gzipReader.Close() }()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	return files
}
