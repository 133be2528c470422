package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/webharness/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run lifecycle states. Idle is the entry state; Resolved is terminal.
const (
	RunIdle       = "idle"
	RunDispatched = "dispatched"
	RunWaiting    = "waiting"
	RunResolved   = "resolved"
)

var allowedTransitions = map[string]map[string]struct{}{
	RunIdle: {
		RunDispatched: {},
		// Invalid timeouts are rejected before anything is dispatched.
		RunResolved: {},
	},
	RunDispatched: {
		RunWaiting: {},
		// Structural dispatch failures resolve without waiting.
		RunResolved: {},
	},
	RunWaiting: {
		RunResolved: {},
	},
}

// Recorder receives accepted transitions, for example to publish them on the
// event bus.
type Recorder interface {
	RecordTransition(record TransitionRecord)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(record TransitionRecord)

// RecordTransition implements Recorder.
func (f RecorderFunc) RecordTransition(record TransitionRecord) {
	f(record)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithRecorder configures a sink for accepted transitions.
func WithRecorder(recorder Recorder) Option {
	return func(machine *Machine) {
		machine.recorder = recorder
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	RunID     string
	TestID    string
	FromState string
	ToState   string
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	RunID     string
	FromState string
	ToState   string
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for run lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition run %q from %q to %q: %s",
		e.RunID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates run lifecycle transitions and keeps their history.
type Machine struct {
	tracer   trace.Tracer
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	current map[string]string
	history []TransitionRecord
}

// NewMachine builds a run lifecycle state machine.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		tracer:  otel.Tracer("webharness/state"),
		now:     time.Now,
		current: map[string]string{},
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the state of a run, Idle when the run is unknown.
func (m *Machine) Current(runID string) string {
	if m == nil {
		return RunIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.current[strings.TrimSpace(runID)]; ok {
		return current
	}
	return RunIdle
}

// Transition validates and records one state transition for a run.
func (m *Machine) Transition(ctx context.Context, runID, testID, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	runID = strings.TrimSpace(runID)
	toState = strings.TrimSpace(toState)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	if runID == "" {
		err := errors.New("run id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if toState == "" {
		err := errors.New("target state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.mu.Lock()
	fromState, ok := m.current[runID]
	if !ok {
		fromState = RunIdle
	}
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("test_id", testID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(ctx, "state.machine.transition", "run", fromState, toState, false)
		err := &IllegalTransitionError{
			RunID:     runID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for run lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		RunID:     runID,
		TestID:    testID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current[runID] = toState
	m.history = append(m.history, record)
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		recorder.RecordTransition(record)
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Forget drops the current-state entry of a resolved run.
func (m *Machine) Forget(runID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, strings.TrimSpace(runID))
}

func isAllowed(fromState, toState string) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
