// Package page defines the contract the harness needs from a page under test.
//
// A page owns the activatable controls and is the sole writer of the signal
// channel for the run it was activated for. Backends live in subpackages:
// cdp drives Chrome over the DevTools protocol and script runs a page script
// in an embedded JavaScript engine.
package page

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/ship-commander/webharness/internal/telemetry/invariants"
)

// Page is one loaded page instance.
type Page interface {
	// Count returns how many controls are bound to id without activating any.
	Count(ctx context.Context, id string) (int, error)
	// Activate clicks the control bound to id when exactly one matches and
	// returns the number of matches. The outcome of the started computation
	// is written to sink. Activate returns without waiting for completion;
	// ctx bounds any background observation the backend needs for this run.
	Activate(ctx context.Context, id string, sink signal.Sink) (int, error)
	// Close releases the page.
	Close() error
}

// Reloader is implemented by pages that can discard in-flight computations
// by reloading.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Factory opens fresh page instances, one per concurrent worker.
type Factory func(ctx context.Context) (Page, error)

// ConsoleMessage is one console entry emitted by a page.
type ConsoleMessage struct {
	Level string
	Text  string
	// TestID is the identifier of the run the message belongs to, when known.
	TestID string
}

// ConsoleFunc receives console output forwarded from a page.
type ConsoleFunc func(message ConsoleMessage)

// Deliver writes outcome to sink on behalf of the run for testID. Writes for
// abandoned runs and second writes for one run are logged and reported as
// invariant events before the error is returned.
func Deliver(ctx context.Context, logger *log.Logger, testID string, sink signal.Sink, outcome signal.Outcome) error {
	if sink == nil {
		return errors.New("no run is bound to this signal")
	}
	err := sink.Write(outcome)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, signal.ErrStale):
		invariants.CheckNoStaleSignal(ctx, "page.deliver", testID, sink.Generation(), true)
		if logger != nil {
			logger.Debug("discarded signal from abandoned run", "test_id", testID, "generation", sink.Generation(), "outcome", outcome.String())
		}
	case errors.Is(err, signal.ErrOverwrite):
		invariants.CheckSingleOutcome(ctx, "page.deliver", testID, sink.Generation(), true)
		if logger != nil {
			logger.Error("page signalled twice for one run", "test_id", testID, "generation", sink.Generation(), "outcome", outcome.String())
		}
	}
	return err
}
