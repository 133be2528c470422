package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the terminal status of one run.
type Status string

const (
	// StatusSuccess indicates the computation under test completed.
	StatusSuccess Status = "success"
	// StatusFailure indicates the run failed for any reason.
	StatusFailure Status = "failure"
)

// Kind classifies a failure so reports can tell misconfiguration, hangs and
// genuine regressions apart.
type Kind string

const (
	// KindNone is used for successful outcomes.
	KindNone Kind = ""
	// KindConfiguration marks harness setup bugs (NotFound, Ambiguous, bad timeout).
	KindConfiguration Kind = "configuration"
	// KindTimeout marks runs whose computation did not signal in time.
	KindTimeout Kind = "timeout"
	// KindComputation marks runs where the page reported a failure.
	KindComputation Kind = "computation"
	// KindHarness marks transport, browser, and cancellation failures.
	KindHarness Kind = "harness"
)

const (
	// ReasonNotFound is the failure reason when no control matches an identifier.
	ReasonNotFound = "NotFound"
	// ReasonAmbiguous is the failure reason when several controls match an identifier.
	ReasonAmbiguous = "Ambiguous"
	// ReasonTimeout is the failure reason when the wait window elapses.
	ReasonTimeout = "timeout"
	// ReasonCancelled is the failure reason when the caller abandons the wait.
	ReasonCancelled = "cancelled"
)

// Outcome is the terminal result of one run.
type Outcome struct {
	Status  Status        `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Kind    Kind          `json:"kind,omitempty"`
	Value   string        `json:"value,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
}

// Success builds a successful outcome with an optional result value.
func Success(value string) Outcome {
	return Outcome{Status: StatusSuccess, Value: value}
}

// Failure builds a failed outcome.
func Failure(kind Kind, reason string) Outcome {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified failure"
	}
	if kind == KindNone {
		kind = KindComputation
	}
	return Outcome{Status: StatusFailure, Kind: kind, Reason: reason}
}

// TimeoutFailure is the outcome of a run whose wait window elapsed.
func TimeoutFailure() Outcome {
	return Failure(KindTimeout, ReasonTimeout)
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// String renders the outcome as Success or Failure(reason).
func (o Outcome) String() string {
	if o.OK() {
		if o.Value != "" {
			return fmt.Sprintf("Success(%s)", o.Value)
		}
		return "Success"
	}
	return fmt.Sprintf("Failure(%s)", o.Reason)
}

type wirePayload struct {
	Status string          `json:"status"`
	OK     *bool           `json:"ok"`
	Reason string          `json:"reason"`
	Error  string          `json:"error"`
	Value  json.RawMessage `json:"value"`
}

// ParsePayload decodes an outcome written by a page.
//
// Accepted forms are a JSON object ({"status":"success"},
// {"status":"failure","reason":"..."}, {"ok":true}) or the bare strings
// "success", "ok", "failure" and "failure: <reason>".
func ParsePayload(payload string) (Outcome, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return Outcome{}, errors.New("empty signal payload")
	}

	if strings.HasPrefix(trimmed, "{") {
		var decoded wirePayload
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return Outcome{}, fmt.Errorf("decode signal payload: %w", err)
		}
		return decoded.outcome()
	}

	if strings.HasPrefix(trimmed, `"`) {
		var unquoted string
		if err := json.Unmarshal([]byte(trimmed), &unquoted); err == nil {
			trimmed = strings.TrimSpace(unquoted)
		}
	}

	lower := strings.ToLower(trimmed)
	switch {
	case lower == "success" || lower == "ok" || lower == "pass":
		return Success(""), nil
	case lower == "failure" || lower == "fail":
		return Failure(KindComputation, "page reported failure"), nil
	case strings.HasPrefix(lower, "failure:"):
		return Failure(KindComputation, trimmed[len("failure:"):]), nil
	}
	return Outcome{}, fmt.Errorf("unrecognized signal payload %q", trimmed)
}

func (p wirePayload) outcome() (Outcome, error) {
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if status == "" && p.OK != nil {
		status = string(StatusFailure)
		if *p.OK {
			status = string(StatusSuccess)
		}
	}

	switch status {
	case string(StatusSuccess), "ok", "pass":
		return Success(rawValue(p.Value)), nil
	case string(StatusFailure), "fail", "error":
		reason := p.Reason
		if strings.TrimSpace(reason) == "" {
			reason = p.Error
		}
		if strings.TrimSpace(reason) == "" {
			reason = "page reported failure"
		}
		return Failure(KindComputation, reason), nil
	default:
		return Outcome{}, fmt.Errorf("unrecognized signal status %q", p.Status)
	}
}

func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
