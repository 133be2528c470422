package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound indicates no control is bound to the identifier.
	ErrNotFound = errors.New("no control bound to identifier")
	// ErrAmbiguous indicates more than one control is bound to the identifier.
	ErrAmbiguous = errors.New("multiple controls bound to identifier")
)

// TriggerError describes a structural dispatch failure.
type TriggerError struct {
	ID      string
	Matches int
	Err     error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("activate %q: %v (matches=%d)", e.ID, e.Err, e.Matches)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

// Reason maps the error onto the failure reason reported for the run.
func (e *TriggerError) Reason() string {
	if errors.Is(e.Err, ErrAmbiguous) {
		return signal.ReasonAmbiguous
	}
	return signal.ReasonNotFound
}

// Option configures Dispatcher construction.
type Option func(*Dispatcher)

// WithTracer configures the tracer used for activation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// Dispatcher translates identifiers into activations of page controls.
type Dispatcher struct {
	page   page.Page
	tracer trace.Tracer
}

// New builds a dispatcher over one page.
func New(p page.Page, options ...Option) (*Dispatcher, error) {
	if p == nil {
		return nil, errors.New("page is required")
	}
	d := &Dispatcher{
		page:   p,
		tracer: otel.Tracer("webharness/dispatch"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(d)
	}
	return d, nil
}

// Activate starts the computation bound to id and returns immediately.
//
// Structural failures are reported as *TriggerError wrapping ErrNotFound or
// ErrAmbiguous; other errors come from the page transport.
func (d *Dispatcher) Activate(ctx context.Context, id string, sink signal.Sink) error {
	if d == nil {
		return errors.New("dispatcher is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		return errors.New("signal sink is required")
	}
	id = strings.TrimSpace(id)

	started := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.activate", trace.WithAttributes(
		attribute.String("test_id", id),
		attribute.Int64("generation", int64(sink.Generation())),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	if id == "" {
		err := &TriggerError{ID: id, Err: ErrNotFound}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	matches, err := d.page.Activate(ctx, id, sink)
	span.SetAttributes(attribute.Int("matches", matches))
	if err != nil {
		wrapped := fmt.Errorf("activate %q: %w", id, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}
	if structural := classify(id, matches); structural != nil {
		span.RecordError(structural)
		span.SetStatus(codes.Error, structural.Error())
		return structural
	}

	span.SetStatus(codes.Ok, "control activated")
	return nil
}

// Count reports how many controls are bound to id, classifying zero or
// multiple matches the same way Activate does.
func (d *Dispatcher) Count(ctx context.Context, id string) (int, error) {
	if d == nil {
		return 0, errors.New("dispatcher is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, &TriggerError{ID: id, Err: ErrNotFound}
	}
	matches, err := d.page.Count(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("count controls for %q: %w", id, err)
	}
	if structural := classify(id, matches); structural != nil {
		return matches, structural
	}
	return matches, nil
}

func classify(id string, matches int) *TriggerError {
	switch {
	case matches <= 0:
		return &TriggerError{ID: id, Matches: matches, Err: ErrNotFound}
	case matches > 1:
		return &TriggerError{ID: id, Matches: matches, Err: ErrAmbiguous}
	default:
		return nil
	}
}
