package report

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/ship-commander/webharness/internal/suite"
)

// JSONFormatter renders a machine-readable report.
type JSONFormatter struct{}

type jsonResult struct {
	Description string `json:"description"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	Kind        string `json:"kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Value       string `json:"value,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	TimeoutMS   int64  `json:"timeout_ms"`
	Worker      int    `json:"worker,omitempty"`
}

type jsonReport struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Passed     bool         `json:"passed"`
	ExitCode   int          `json:"exit_code"`
	Violations int          `json:"violations"`
	Results    []jsonResult `json:"results"`
}

// Format implements Formatter.
func (JSONFormatter) Format(report suite.Report) (string, error) {
	out := jsonReport{
		RunID:      report.RunID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Passed:     report.Passed(),
		ExitCode:   report.ExitCode(),
		Violations: report.Violations,
		Results:    make([]jsonResult, 0, len(report.Results)),
	}
	for _, result := range report.Results {
		out.Results = append(out.Results, jsonResult{
			Description: result.Description,
			ID:          result.ID,
			Status:      string(result.Outcome.Status),
			Kind:        kindText(result.Outcome),
			Reason:      result.Outcome.Reason,
			Value:       result.Outcome.Value,
			ElapsedMS:   result.Outcome.Elapsed.Milliseconds(),
			TimeoutMS:   result.Timeout.Milliseconds(),
			Worker:      result.Worker,
		})
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(encoded) + "\n", nil
}

// JUnitFormatter renders a JUnit XML document for CI systems.
type JUnitFormatter struct{}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Time      string      `xml:"time,attr"`
	Timestamp string      `xml:"timestamp,attr"`
	Cases     []junitCase `xml:"testcase"`
}

// Format implements Formatter.
func (JUnitFormatter) Format(report suite.Report) (string, error) {
	_, failed := report.Counts()
	doc := junitSuite{
		Name:      "webharness",
		Tests:     len(report.Results),
		Failures:  failed,
		Time:      seconds(report.Duration()),
		Timestamp: report.StartedAt.UTC().Format(time.RFC3339),
	}
	for _, result := range report.Results {
		testCase := junitCase{
			Name:      result.Label(),
			ClassName: result.ID,
			Time:      seconds(result.Outcome.Elapsed),
		}
		if !result.Outcome.OK() {
			testCase.Failure = &junitFailure{
				Message: result.Outcome.String(),
				Type:    kindText(result.Outcome),
				Body:    fmt.Sprintf("%s: %s after %s (timeout %s)", result.ID, result.Outcome.String(), formatDuration(result.Outcome.Elapsed), formatDuration(result.Timeout)),
			}
		}
		doc.Cases = append(doc.Cases, testCase)
	}
	encoded, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(encoded) + "\n", nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
