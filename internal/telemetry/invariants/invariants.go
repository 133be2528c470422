package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSingleOutcomePerRun requires the page to write at most one outcome per run.
	InvariantSingleOutcomePerRun = "single_outcome_per_run"
	// InvariantNoStaleSignal requires abandoned runs never to deliver into later runs.
	InvariantNoStaleSignal = "no_stale_signal"
	// InvariantTimeoutPositive requires every wait window to be strictly positive.
	InvariantTimeoutPositive = "timeout_positive"
	// InvariantStateTransitionLegal requires run transitions to follow the run state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("webharness/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSingleOutcome validates the single_outcome_per_run invariant.
func CheckSingleOutcome(ctx context.Context, whereDetected string, testID string, generation uint64, overwritten bool) bool {
	if !overwritten {
		return true
	}
	InvariantViolation(ctx, InvariantSingleOutcomePerRun, SeverityError, ViolationDetails{
		WhatInvariant: "page writes exactly one outcome per run",
		WhereDetected: whereDetected,
		WhyViolated:   "outcome written twice for the same run; runs overlap",
		Additional: map[string]string{
			"test_id":    strings.TrimSpace(testID),
			"generation": fmt.Sprintf("%d", generation),
		},
	})
	return false
}

// CheckNoStaleSignal validates the no_stale_signal invariant. A stale write is
// discarded by the channel, so this is reported as a warning.
func CheckNoStaleSignal(ctx context.Context, whereDetected string, testID string, generation uint64, stale bool) bool {
	if !stale {
		return true
	}
	InvariantViolation(ctx, InvariantNoStaleSignal, SeverityWarn, ViolationDetails{
		WhatInvariant: "abandoned runs do not signal into later runs",
		WhereDetected: whereDetected,
		WhyViolated:   "outcome arrived for an abandoned run and was discarded",
		Additional: map[string]string{
			"test_id":    strings.TrimSpace(testID),
			"generation": fmt.Sprintf("%d", generation),
		},
	})
	return false
}

// CheckTimeoutPositive validates the timeout_positive invariant.
func CheckTimeoutPositive(ctx context.Context, whereDetected string, testID string, timeout time.Duration) bool {
	if timeout > 0 {
		return true
	}
	InvariantViolation(ctx, InvariantTimeoutPositive, SeverityError, ViolationDetails{
		WhatInvariant: "wait timeout is strictly positive",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("timeout=%s", timeout),
		Additional: map[string]string{
			"test_id": strings.TrimSpace(testID),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
