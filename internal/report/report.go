// Package report renders suite reports for people and CI systems.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ship-commander/webharness/internal/signal"
	"github.com/ship-commander/webharness/internal/suite"
)

// Format names an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatJUnit    Format = "junit"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatJSON, FormatJUnit, FormatMarkdown, FormatHTML}

// ParseFormat validates a configured format. Empty selects text.
func ParseFormat(value string) (Format, error) {
	normalized := Format(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return FormatText, nil
	}
	if normalized == "md" {
		return FormatMarkdown, nil
	}
	for _, format := range Formats {
		if normalized == format {
			return format, nil
		}
	}
	return "", fmt.Errorf("unknown report format %q", value)
}

// Formatter renders a report.
type Formatter interface {
	Format(report suite.Report) (string, error)
}

// Options tune rendering.
type Options struct {
	// Terminal enables colour and glamour rendering of markdown.
	Terminal bool
	// Width wraps terminal markdown; zero uses 100 columns.
	Width int
}

// NewFormatter returns the formatter for format.
func NewFormatter(format Format, options Options) (Formatter, error) {
	switch format {
	case FormatText, "":
		return TextFormatter{Color: options.Terminal}, nil
	case FormatJSON:
		return JSONFormatter{}, nil
	case FormatJUnit:
		return JUnitFormatter{}, nil
	case FormatMarkdown:
		return MarkdownFormatter{Render: options.Terminal, Width: options.Width}, nil
	case FormatHTML:
		return HTMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// Write renders report and writes it to path, or to stdout when path is empty.
func Write(report suite.Report, format Format, path string, stdout io.Writer, options Options) error {
	path = strings.TrimSpace(path)
	if path != "" {
		options.Terminal = false
	}
	formatter, err := NewFormatter(format, options)
	if err != nil {
		return err
	}
	content, err := formatter.Format(report)
	if err != nil {
		return fmt.Errorf("format %s report: %w", format, err)
	}
	if path == "" {
		if _, err := io.WriteString(stdout, content); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report %q: %w", path, err)
	}
	return nil
}

// statusText is the short status label shown for one outcome.
func statusText(outcome signal.Outcome) string {
	if outcome.OK() {
		return "PASS"
	}
	if outcome.Kind == signal.KindTimeout {
		return "TIMEOUT"
	}
	return "FAIL"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

func kindText(outcome signal.Outcome) string {
	if outcome.Kind == signal.KindNone {
		return ""
	}
	return string(outcome.Kind)
}
