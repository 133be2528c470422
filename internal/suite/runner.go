package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/webharness/internal/bridge"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrProtocolViolation is returned when a page wrote two outcomes for one run.
var ErrProtocolViolation = errors.New("page wrote more than one outcome for a run")

// Result is the outcome of one declared case.
type Result struct {
	Declaration
	Timeout time.Duration
	Outcome signal.Outcome
	Worker  int
}

// Report aggregates one suite run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
	Violations int
}

// Passed is the logical AND of every outcome.
func (r Report) Passed() bool {
	if len(r.Results) == 0 || r.Violations > 0 {
		return false
	}
	for _, result := range r.Results {
		if !result.Outcome.OK() {
			return false
		}
	}
	return true
}

// Counts returns the number of passed and failed cases.
func (r Report) Counts() (passed, failed int) {
	for _, result := range r.Results {
		if result.Outcome.OK() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Duration is the wall time of the suite run.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the report onto the process exit status.
func (r Report) ExitCode() int {
	switch {
	case r.Violations > 0:
		return exitcodes.RuntimeErr
	case r.Passed():
		return exitcodes.Success
	default:
		return exitcodes.TestFailure
	}
}

// Started is the payload of EventTypeSuiteStarted events.
type Started struct {
	RunID    string
	Tests    []Declaration
	Parallel int
}

// Observer receives results as they resolve, for example to record metrics.
type Observer interface {
	ObserveRun(result Result)
	ObserveSuite(report Report)
}

// Option configures Runner construction.
type Option func(*Runner)

// WithParallel sets how many pages run cases concurrently.
func WithParallel(workers int) Option {
	return func(r *Runner) {
		if workers > 0 {
			r.parallel = workers
		}
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer configures the tracer used for suite spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithPublisher publishes suite and run lifecycle events.
func WithPublisher(publisher bridge.Publisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

// WithObserver receives each result and the final report.
func WithObserver(observer Observer) Option {
	return func(r *Runner) {
		r.observer = observer
	}
}

// WithRunID sets the suite run id instead of generating one.
func WithRunID(runID string) Option {
	return func(r *Runner) {
		if runID != "" {
			r.runID = runID
		}
	}
}

// WithBridgeOptions appends options for every worker's bridge.
func WithBridgeOptions(options ...bridge.Option) Option {
	return func(r *Runner) {
		r.bridgeOptions = append(r.bridgeOptions, options...)
	}
}

// Runner executes a suite against pages opened by a factory.
type Runner struct {
	suite         Suite
	factory       page.Factory
	parallel      int
	logger        *log.Logger
	tracer        trace.Tracer
	publisher     bridge.Publisher
	observer      Observer
	runID         string
	bridgeOptions []bridge.Option
	now           func() time.Time
}

// NewRunner validates the suite and builds a runner.
func NewRunner(s Suite, factory page.Factory, options ...Option) (*Runner, error) {
	if factory == nil {
		return nil, errors.New("page factory is required")
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid suite: %w", err)
	}
	r := &Runner{
		suite:    s,
		factory:  factory,
		parallel: 1,
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("webharness/suite"),
		now:      time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	return r, nil
}

// RunID identifies this suite run in logs, events, and reports.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes every declared case once. Each worker owns one page and one
// bridge; with a single worker cases run sequentially in declaration order.
// The returned error reports harness failures (a page that could not be
// opened, a protocol violation); test failures are only in the report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	tests := r.suite.Tests
	workers := r.parallel
	if workers > len(tests) {
		workers = len(tests)
	}

	report := Report{RunID: r.runID, StartedAt: r.now().UTC(), Results: make([]Result, len(tests))}
	ctx, span := r.tracer.Start(ctx, "suite.run", trace.WithAttributes(
		attribute.String("run_id", r.runID),
		attribute.Int("tests", len(tests)),
		attribute.Int("parallel", workers),
	))
	defer span.End()

	logger := r.logger.With("suite_run_id", r.runID)
	logger.Info("suite started", "tests", len(tests), "parallel", workers)
	r.publish(events.Event{
		Type:       events.EventTypeSuiteStarted,
		EntityType: "suite",
		EntityID:   r.runID,
		Payload:    Started{RunID: r.runID, Tests: append([]Declaration(nil), tests...), Parallel: workers},
		Severity:   events.SeverityInfo,
	})

	ran := make([]atomic.Bool, len(tests))
	var violations atomic.Int64
	jobs := make(chan int)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(jobs)
		for i := range tests {
			select {
			case jobs <- i:
			case <-groupCtx.Done():
				return nil
			}
		}
		return nil
	})
	for worker := 1; worker <= workers; worker++ {
		group.Go(func() error {
			return r.work(groupCtx, logger, worker, jobs, report.Results, ran, &violations)
		})
	}
	err := group.Wait()

	for i, test := range tests {
		if ran[i].Load() {
			continue
		}
		report.Results[i] = Result{
			Declaration: test,
			Timeout:     r.suite.TimeoutFor(test),
			Outcome:     signal.Failure(signal.KindHarness, "not run"),
		}
	}
	report.Violations = int(violations.Load())
	report.FinishedAt = r.now().UTC()

	passed, failed := report.Counts()
	span.SetAttributes(attribute.Int("passed", passed), attribute.Int("failed", failed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("suite aborted", "err", err, "passed", passed, "failed", failed)
	} else if report.Passed() {
		span.SetStatus(codes.Ok, "suite passed")
		logger.Info("suite passed", "passed", passed, "duration", report.Duration())
	} else {
		span.SetStatus(codes.Error, "suite failed")
		logger.Warn("suite failed", "passed", passed, "failed", failed, "duration", report.Duration())
	}

	if r.observer != nil {
		r.observer.ObserveSuite(report)
	}
	r.publish(events.Event{
		Type:       events.EventTypeSuiteFinished,
		EntityType: "suite",
		EntityID:   r.runID,
		Payload:    report,
		Severity:   suiteSeverity(report, err),
	})
	return report, err
}

func (r *Runner) work(
	ctx context.Context,
	logger *log.Logger,
	worker int,
	jobs <-chan int,
	results []Result,
	ran []atomic.Bool,
	violations *atomic.Int64,
) error {
	logger = logger.With("worker", worker)
	p, err := r.factory(ctx)
	if err != nil {
		return fmt.Errorf("open page for worker %d: %w", worker, err)
	}
	defer func() {
		if closeErr := p.Close(); closeErr != nil {
			logger.Warn("close page", "err", closeErr)
		}
	}()

	options := append([]bridge.Option{bridge.WithLogger(logger), bridge.WithTracer(r.tracer)}, r.bridgeOptions...)
	if r.publisher != nil {
		options = append(options, bridge.WithPublisher(r.publisher))
	}
	b, err := bridge.ForPage(p, options...)
	if err != nil {
		return fmt.Errorf("build bridge for worker %d: %w", worker, err)
	}

	for i := range jobs {
		test := r.suite.Tests[i]
		timeout := r.suite.TimeoutFor(test)
		logger.Info("running test", "test_id", test.ID, "description", test.Description, "timeout", timeout)

		outcome := b.Run(ctx, test.ID, timeout)
		result := Result{Declaration: test, Timeout: timeout, Outcome: outcome, Worker: worker}
		results[i] = result
		ran[i].Store(true)
		if r.observer != nil {
			r.observer.ObserveRun(result)
		}

		if count := b.Violations(); count > 0 {
			violations.Add(int64(count))
			r.publish(events.Event{
				Type:       events.EventTypeProtocolViolation,
				EntityType: "test",
				EntityID:   test.ID,
				Payload:    count,
				Severity:   events.SeverityError,
			})
			return fmt.Errorf("worker %d, test %q: %w", worker, test.ID, ErrProtocolViolation)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) publish(event events.Event) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(event)
}

func suiteSeverity(report Report, err error) string {
	switch {
	case err != nil:
		return events.SeverityError
	case report.Passed():
		return events.SeverityInfo
	default:
		return events.SeverityWarn
	}
}
