// Package bridge runs one test against a page: it resets the signal channel,
// dispatches the trigger, and waits for the page's outcome with a timeout.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/webharness/internal/dispatch"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/ship-commander/webharness/internal/state"
	"github.com/ship-commander/webharness/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Activator starts the computation bound to an identifier.
type Activator interface {
	Activate(ctx context.Context, id string, sink signal.Sink) error
}

// Publisher receives run lifecycle events.
type Publisher interface {
	Publish(event events.Event)
}

// Resolution is the payload of EventTypeRunResolved events.
type Resolution struct {
	RunID   string
	TestID  string
	Timeout time.Duration
	Outcome signal.Outcome
}

// TimerFunc starts a timer and returns its channel and a stop function.
type TimerFunc func(d time.Duration) (<-chan time.Time, func() bool)

// Option configures Bridge construction.
type Option func(*Bridge)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracer configures the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bridge) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// WithPublisher publishes run transitions and resolutions.
func WithPublisher(publisher Publisher) Option {
	return func(b *Bridge) {
		b.publisher = publisher
	}
}

// WithReloader reloads the page before the next run after an abandoned run.
func WithReloader(reloader page.Reloader) Option {
	return func(b *Bridge) {
		b.reloader = reloader
	}
}

// WithClock replaces the wall clock and timers.
func WithClock(now func() time.Time, timer TimerFunc) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
		if timer != nil {
			b.newTimer = timer
		}
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(next func() string) Option {
	return func(b *Bridge) {
		if next != nil {
			b.newRunID = next
		}
	}
}

// Bridge owns one signal channel and serializes runs against one page.
type Bridge struct {
	activator Activator
	channel   *signal.Channel
	machine   *state.Machine
	reloader  page.Reloader
	publisher Publisher
	logger    *log.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newTimer  TimerFunc
	newRunID  func() string

	// slot serializes runs; abandoned is only touched while holding it.
	slot      chan struct{}
	abandoned bool
}

// New builds a bridge around an activator, usually a *dispatch.Dispatcher.
func New(activator Activator, options ...Option) (*Bridge, error) {
	if activator == nil {
		return nil, errors.New("activator is required")
	}
	b := &Bridge{
		activator: activator,
		channel:   signal.NewChannel(),
		logger:    log.New(io.Discard),
		tracer:    otel.Tracer("webharness/bridge"),
		now:       time.Now,
		newTimer:  realTimer,
		newRunID:  uuid.NewString,
		slot:      make(chan struct{}, 1),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(b)
	}
	b.machine = state.NewMachine(state.WithRecorder(state.RecorderFunc(b.publishTransition)))
	return b, nil
}

// ForPage builds a dispatcher and bridge over one page. Pages that can reload
// are reloaded after an abandoned run.
func ForPage(p page.Page, options ...Option) (*Bridge, error) {
	dispatcher, err := dispatch.New(p)
	if err != nil {
		return nil, err
	}
	if reloader, ok := p.(page.Reloader); ok {
		options = append([]Option{WithReloader(reloader)}, options...)
	}
	return New(dispatcher, options...)
}

// Violations returns how many overlapping writes the channel rejected.
func (b *Bridge) Violations() int {
	if b == nil {
		return 0
	}
	return b.channel.Violations()
}

// History returns the run state transitions recorded so far.
func (b *Bridge) History() []state.TransitionRecord {
	if b == nil {
		return nil
	}
	return b.machine.History()
}

// Run executes one test and returns exactly one outcome.
//
// Structural dispatch failures resolve immediately with Failure("NotFound")
// or Failure("Ambiguous"); a run whose page does not signal within timeout
// resolves with Failure("timeout") and is abandoned. Runs on one bridge are
// serialized.
func (b *Bridge) Run(ctx context.Context, id string, timeout time.Duration) signal.Outcome {
	if b == nil {
		return signal.Failure(signal.KindHarness, "bridge is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	runID := b.newRunID()
	started := b.now()
	logger := b.logger.With("run_id", runID, "test_id", id)

	ctx, span := b.tracer.Start(ctx, "bridge.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("test_id", id),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	resolve := func(outcome signal.Outcome, note string) signal.Outcome {
		outcome.Elapsed = b.now().Sub(started)
		if outcome.Elapsed < 0 {
			outcome.Elapsed = 0
		}
		if err := b.machine.Transition(ctx, runID, id, state.RunResolved, note); err != nil {
			logger.Error("run state transition rejected", "err", err)
		}
		b.machine.Forget(runID)

		span.SetAttributes(
			attribute.String("status", string(outcome.Status)),
			attribute.String("kind", string(outcome.Kind)),
			attribute.String("reason", outcome.Reason),
			attribute.Int64("elapsed_ms", outcome.Elapsed.Milliseconds()),
		)
		if outcome.OK() {
			span.SetStatus(codes.Ok, "run succeeded")
			logger.Info("run resolved", "status", outcome.Status, "elapsed", outcome.Elapsed)
		} else {
			span.SetStatus(codes.Error, outcome.Reason)
			logger.Warn("run resolved", "status", outcome.Status, "kind", outcome.Kind, "reason", outcome.Reason, "elapsed", outcome.Elapsed)
		}
		b.publish(events.Event{
			Type:       events.EventTypeRunResolved,
			EntityType: "run",
			EntityID:   runID,
			Payload:    Resolution{RunID: runID, TestID: id, Timeout: timeout, Outcome: outcome},
			Severity:   severityFor(outcome),
		})
		return outcome
	}

	if !invariants.CheckTimeoutPositive(ctx, "bridge.run", id, timeout) {
		return resolve(signal.Failure(signal.KindConfiguration, fmt.Sprintf("invalid timeout %s: must be > 0", timeout)), "invalid timeout")
	}

	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return resolve(signal.Failure(signal.KindHarness, signal.ReasonCancelled), "cancelled before start")
	}
	defer func() { <-b.slot }()

	if b.abandoned && b.reloader != nil {
		logger.Info("reloading page after abandoned run")
		if err := b.reloader.Reload(ctx); err != nil {
			return resolve(signal.Failure(signal.KindHarness, fmt.Sprintf("reload page: %v", err)), "reload failed")
		}
	}
	b.abandoned = false

	sink := b.channel.Reset()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := b.machine.Transition(ctx, runID, id, state.RunDispatched, "activate"); err != nil {
		logger.Error("run state transition rejected", "err", err)
	}
	if err := b.activator.Activate(runCtx, id, sink); err != nil {
		var triggerErr *dispatch.TriggerError
		if errors.As(err, &triggerErr) {
			return resolve(signal.Failure(signal.KindConfiguration, triggerErr.Reason()), err.Error())
		}
		return resolve(signal.Failure(signal.KindHarness, err.Error()), "dispatch failed")
	}

	if err := b.machine.Transition(ctx, runID, id, state.RunWaiting, "awaiting signal"); err != nil {
		logger.Error("run state transition rejected", "err", err)
	}
	timerC, stopTimer := b.newTimer(timeout)
	defer stopTimer()

	for {
		if outcome, ok := b.channel.Consume(); ok {
			return resolve(outcome, "signal observed")
		}
		select {
		case <-b.channel.Changed():
		case <-timerC:
			if outcome, ok := b.channel.Consume(); ok {
				return resolve(outcome, "signal observed at deadline")
			}
			b.abandon()
			return resolve(signal.TimeoutFailure(), "timeout elapsed")
		case <-ctx.Done():
			b.abandon()
			return resolve(signal.Failure(signal.KindHarness, signal.ReasonCancelled), "cancelled while waiting")
		}
	}
}

// abandon seals the current generation so a late write from the abandoned
// computation is rejected as stale. Callers hold the run slot.
func (b *Bridge) abandon() {
	b.abandoned = true
	b.channel.Reset()
}

func (b *Bridge) publishTransition(record state.TransitionRecord) {
	b.publish(events.Event{
		Type:       events.EventTypeRunTransition,
		Timestamp:  record.Timestamp,
		EntityType: "run",
		EntityID:   record.RunID,
		Payload:    record,
		Severity:   events.SeverityInfo,
	})
}

func (b *Bridge) publish(event events.Event) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(event)
}

func severityFor(outcome signal.Outcome) string {
	switch {
	case outcome.OK():
		return events.SeverityInfo
	case outcome.Kind == signal.KindComputation:
		return events.SeverityWarn
	default:
		return events.SeverityError
	}
}

func realTimer(d time.Duration) (<-chan time.Time, func() bool) {
	timer := time.NewTimer(d)
	return timer.C, timer.Stop
}
