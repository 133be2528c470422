package report

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// MarkdownFormatter renders a GitHub-flavoured markdown summary. With Render
// set the markdown is styled for the terminal with glamour.
type MarkdownFormatter struct {
	Render bool
	Width  int
}

// Format implements Formatter.
func (f MarkdownFormatter) Format(report suite.Report) (string, error) {
	markdown := buildMarkdown(report)
	if !f.Render {
		return markdown, nil
	}
	return renderMarkdown(markdown, f.Width), nil
}

// HTMLFormatter converts the markdown summary to a standalone HTML page.
type HTMLFormatter struct{}

// Format implements Formatter.
func (HTMLFormatter) Format(report suite.Report) (string, error) {
	converter := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := converter.Convert([]byte(buildMarkdown(report)), &body); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	var page strings.Builder
	page.WriteString("<!doctype html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>webharness run %s</title>\n", html.EscapeString(report.RunID))
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}

func buildMarkdown(report suite.Report) string {
	var b strings.Builder
	passed, failed := report.Counts()
	verdict := "PASS"
	if !report.Passed() {
		verdict = "FAIL"
	}

	fmt.Fprintf(&b, "# webharness run `%s`\n\n", report.RunID)
	fmt.Fprintf(&b, "**%s**: %d passed, %d failed in %s\n\n", verdict, passed, failed, formatDuration(report.Duration()))
	b.WriteString("| # | Description | ID | Status | Reason | Elapsed | Timeout |\n")
	b.WriteString("| ---: | --- | --- | --- | --- | ---: | ---: |\n")
	for i, result := range report.Results {
		reason := result.Outcome.Reason
		if kind := kindText(result.Outcome); kind != "" {
			reason = fmt.Sprintf("%s (%s)", reason, kind)
		}
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s | %s | %s | %s |\n",
			i+1,
			escapeCell(result.Label()),
			result.ID,
			statusText(result.Outcome),
			escapeCell(reason),
			formatDuration(result.Outcome.Elapsed),
			formatDuration(result.Timeout),
		)
	}
	if report.Violations > 0 {
		fmt.Fprintf(&b, "\n> Protocol violations: %d. A page wrote more than one outcome for a run.\n", report.Violations)
	}
	return b.String()
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", `\|`)
	return strings.ReplaceAll(value, "\n", " ")
}

func renderMarkdown(markdown string, width int) string {
	if width <= 0 {
		width = 100
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(40, width)),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}
