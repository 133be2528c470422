// Package tracing runs external tools under an OpenTelemetry span. The doctor
// uses it to probe the browser binary and bugreport to capture repository
// state.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Result is the captured outcome of one tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecuteTool runs name with args in dir and records a tool.exec span. Secret
// looking arguments are redacted in the span.
func ExecuteTool(ctx context.Context, name string, args []string, dir string) (Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("tool name must not be empty")
	}

	ctx, span := otel.Tracer("webharness/tracing").Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", name),
			attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
			attribute.String("cwd", dir),
		),
	)
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = strings.TrimSpace(dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		ExitCode: exitCode(ctx, cmd, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stdout != "" {
		span.AddEvent("tool.stdout", trace.WithAttributes(attribute.String("output", truncate(result.Stdout, maxOutputEventBytes))))
	}
	if result.Stderr != "" {
		span.AddEvent("tool.stderr", trace.WithAttributes(attribute.String("output", truncate(result.Stderr, maxOutputEventBytes))))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("run %s: %w", FormatCommand(name, RedactArgs(args)), err)
	}
	span.SetStatus(codes.Ok, "tool command completed")
	return result, nil
}

func exitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values of secret-looking flags, both "--token x" and
// "--token=x" forms.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}
		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && IsSensitive(key) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if IsSensitive(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

// IsSensitive reports whether a key or flag name looks like it holds a secret.
func IsSensitive(value string) bool {
	value = strings.ToLower(value)
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "api_key", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a readable command preview for logs.
func FormatCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{name}, args...) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}
