package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageScript(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("..", "..", "internal", "page", "script", "testdata", "page.js"))
	require.NoError(t, err)
	return path
}

// isolate points the home directory at a temp dir so no user config leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	previous := homeDirFn
	homeDirFn = func() (string, error) { return home, nil }
	t.Cleanup(func() {
		homeDirFn = previous
		telemetry.SetEndpointOverride("")
	})
	return home
}

func executeArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeDeclarations(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	t.Cleanup(func() { Version = originalVersion })
	Version = "v0.1.0-test"

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(stdout.String()))
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	for _, name := range []string{"run", "list", "doctor", "bugreport"} {
		assert.Contains(t, stdout.String(), name)
	}
}

func TestListShowsBuiltInSuite(t *testing.T) {
	isolate(t)

	code, stdout, _ := executeArgs(t, "list")
	require.Equal(t, exitcodes.Success, code)
	assert.Contains(t, stdout, "compressedCompactPublicKeyTest256BitSmall")
	assert.Contains(t, stdout, "compressedCompactPublicKeyTest256BitBig")
	assert.Contains(t, stdout, "compactPublicKeyZeroKnowledge")
	assert.Contains(t, stdout, "20m0s")
	assert.Contains(t, stdout, "5m0s (default)")
	assert.Contains(t, strings.ToLower(stdout), "3 tests")
}

func TestRunBuiltInSuitePasses(t *testing.T) {
	home := isolate(t)

	code, stdout, stderr := executeArgs(t, "run", "--backend", "script", "--script", pageScript(t), "--format", "json")
	require.Equal(t, exitcodes.Success, code, stderr)

	var decoded struct {
		RunID    string `json:"run_id"`
		Passed   bool   `json:"passed"`
		ExitCode int    `json:"exit_code"`
		Results  []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &decoded))
	assert.True(t, decoded.Passed)
	assert.Len(t, decoded.Results, 3)
	assert.NotEmpty(t, decoded.RunID)

	_, err := os.Stat(filepath.Join(home, config.DirName, lastReportName))
	assert.NoError(t, err, "last report saved for bugreport")
	logs, err := os.ReadDir(filepath.Join(home, config.DirName, "logs"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Name(), decoded.RunID)
}

func TestRunExitStatusIsConjunctionOfOutcomes(t *testing.T) {
	isolate(t)
	declarations := writeDeclarations(t, `
default_timeout_ms: 2000
tests:
  - description: Passing key test
    id: compressedCompactPublicKeyTest256BitSmall
  - description: Rejected proof
    id: rejects
  - description: Missing control
    id: doesNotExist
  - description: Duplicated control
    id: duplicate
`)
	metricsPath := filepath.Join(t.TempDir(), "webharness.prom")

	code, stdout, stderr := executeArgs(t,
		"run",
		"--backend", "script",
		"--script", pageScript(t),
		"--declarations", declarations,
		"--metrics-textfile", metricsPath,
	)
	require.Equal(t, exitcodes.TestFailure, code, stderr)
	assert.Contains(t, stdout, "proof rejected")
	assert.Contains(t, strings.ToLower(stdout), "1 passed, 3 failed")

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "webharness_")
}

func TestRunOnlySelectsTests(t *testing.T) {
	isolate(t)

	code, stdout, stderr := executeArgs(t,
		"run", "--backend", "script", "--script", pageScript(t),
		"--only", "compactPublicKeyZeroKnowledge", "--format", "json",
	)
	require.Equal(t, exitcodes.Success, code, stderr)
	assert.Contains(t, stdout, "compactPublicKeyZeroKnowledge")
	assert.NotContains(t, stdout, "compressedCompactPublicKeyTest256BitSmall")
	assert.Contains(t, stdout, `"timeout_ms": 1200000`)
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	isolate(t)

	code, _, stderr := executeArgs(t, "run", "--backend", "script")
	assert.Equal(t, exitcodes.RuntimeErr, code)
	assert.Contains(t, stderr, "script_path")

	code, _, stderr = executeArgs(t, "run", "--backend", "script", "--script", pageScript(t), "--format", "yaml")
	assert.Equal(t, exitcodes.RuntimeErr, code)
	assert.Contains(t, stderr, "yaml")

	code, _, stderr = executeArgs(t, "run", "--backend", "script", "--script", pageScript(t), "--only", "nope")
	assert.Equal(t, exitcodes.RuntimeErr, code)
	assert.Contains(t, stderr, "unknown test ids: nope")
}

func TestRunFailsWhenExplicitConfigMissing(t *testing.T) {
	isolate(t)

	code, _, stderr := executeArgs(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "list")
	assert.Equal(t, exitcodes.RuntimeErr, code)
	assert.Contains(t, stderr, "load config")
}

func TestDoctorReportsControls(t *testing.T) {
	isolate(t)

	code, stdout, _ := executeArgs(t, "doctor", "--backend", "script", "--script", pageScript(t))
	assert.Equal(t, exitcodes.Success, code)
	assert.Contains(t, stdout, "HEALTHY")
	assert.NotContains(t, stdout, "UNHEALTHY")
	assert.Contains(t, stdout, "control compactPublicKeyZeroKnowledge")

	declarations := writeDeclarations(t, "tests:\n  - id: duplicate\n  - id: doesNotExist\n")
	code, stdout, _ = executeArgs(t, "doctor", "--backend", "script", "--script", pageScript(t), "--declarations", declarations)
	assert.Equal(t, exitcodes.TestFailure, code)
	assert.Contains(t, stdout, "UNHEALTHY")
	assert.Contains(t, stdout, "Ambiguous")
	assert.Contains(t, stdout, "NotFound")
}

func TestApplyRunFlagsOnlyOverridesChangedFlags(t *testing.T) {
	cfg := config.Defaults()
	cfg.PageURL = "http://localhost:8080/keygen.html"
	cfg.Parallel = 4

	flags := runFlags{}
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().IntVar(&flags.parallel, "parallel", 0, "")
	cmd.Flags().StringVar(&flags.pageURL, "page-url", "", "")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--backend", "script"}))

	applyRunFlags(cmd.Flags(), &cfg, flags)
	assert.Equal(t, config.BackendScript, cfg.Backend)
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, "http://localhost:8080/keygen.html", cfg.PageURL)
}
