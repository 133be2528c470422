package suite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/exitcodes"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/page/pagetest"
	"github.com/ship-commander/webharness/internal/page/script"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keygenScript = `
function finish(bits, delay) {
  setTimeout(function () { harness.succeed(String(bits)); }, delay);
}
harness.control("compressedCompactPublicKeyTest256BitSmall", function () { finish(256, 5); });
harness.control("compressedCompactPublicKeyTest256BitBig", function () { finish(256, 10); });
harness.control("compactPublicKeyZeroKnowledge", function () {
  return new Promise(function (resolve) { setTimeout(resolve, 15); });
});
window.init_done = true;
`

func TestRunnerPassesBuiltInSuiteAgainstScriptPage(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context) (page.Page, error) {
		return script.OpenSource(ctx, "keygen.js", keygenScript)
	}
	observer := &recordingObserver{}
	runner, err := NewRunner(BuiltIn(), factory, WithObserver(observer), WithRunID("suite-1"))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed())
	assert.Equal(t, exitcodes.Success, report.ExitCode())
	assert.Equal(t, "suite-1", report.RunID)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "Success(256)", report.Results[0].Outcome.String())
	assert.Equal(t, ZeroKnowledgeTimeout, report.Results[2].Timeout)
	assert.Len(t, observer.runs, 3)
	assert.Len(t, observer.suites, 1)
}

func TestRunnerExitStatusIsLogicalAnd(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().
		Control("compressedCompactPublicKeyTest256BitSmall", pagetest.Succeed()).
		Control("compressedCompactPublicKeyTest256BitBig", pagetest.Fail("decompression mismatch"))
	runner, err := NewRunner(BuiltIn(), singlePage(fake))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Passed())
	assert.Equal(t, exitcodes.TestFailure, report.ExitCode())
	passed, failed := report.Counts()
	assert.Equal(t, 1, passed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, "Failure(decompression mismatch)", report.Results[1].Outcome.String())
	assert.Equal(t, "Failure(NotFound)", report.Results[2].Outcome.String(), "zero-knowledge control is missing")
	assert.True(t, fake.Closed())
}

func TestRunnerRunsCasesInParallelOnSeparatePages(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var pages []*pagetest.Page
	factory := func(context.Context) (page.Page, error) {
		fake := pagetest.New()
		for _, test := range BuiltIn().Tests {
			fake.Control(test.ID, pagetest.SucceedAfter(20*time.Millisecond))
		}
		mu.Lock()
		pages = append(pages, fake)
		mu.Unlock()
		return fake, nil
	}

	runner, err := NewRunner(BuiltIn(), factory, WithParallel(8))
	require.NoError(t, err)
	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, pages, 3, "workers are capped at the number of cases")
	activations := 0
	for _, fake := range pages {
		activations += len(fake.Activations())
		assert.True(t, fake.Closed())
	}
	assert.Equal(t, 3, activations)
}

func TestRunnerAbortsOnProtocolViolation(t *testing.T) {
	t.Parallel()

	twice := func(sink signal.Sink) {
		_ = sink.Write(signal.Success(""))
		_ = sink.Write(signal.Success(""))
	}
	fake := pagetest.New().
		Control("compressedCompactPublicKeyTest256BitSmall", twice).
		Control("compressedCompactPublicKeyTest256BitBig", pagetest.Succeed())
	publisher := &recordingPublisher{}
	runner, err := NewRunner(BuiltIn(), singlePage(fake), WithPublisher(publisher))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.ErrorIs(t, err, ErrProtocolViolation)
	violation, ok := publisher.first(events.EventTypeProtocolViolation)
	require.True(t, ok)
	assert.Equal(t, "compressedCompactPublicKeyTest256BitSmall", violation.EntityID)
	assert.Equal(t, events.SeverityError, violation.Severity)
	assert.Equal(t, 1, report.Violations)
	assert.Equal(t, exitcodes.RuntimeErr, report.ExitCode())
	assert.Equal(t, "Failure(not run)", report.Results[1].Outcome.String())
	assert.Equal(t, []string{"compressedCompactPublicKeyTest256BitSmall"}, fake.Activations())
}

func TestRunnerReportsPageOpenFailure(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (page.Page, error) {
		return nil, errors.New("chrome not found")
	}
	runner, err := NewRunner(BuiltIn(), factory)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	for _, result := range report.Results {
		assert.Equal(t, signal.KindHarness, result.Outcome.Kind)
	}
}

func TestRunnerPublishesSuiteEvents(t *testing.T) {
	t.Parallel()

	bus := events.New()
	defer bus.Close()
	received := make(chan events.Event, 64)
	bus.SubscribeAll(func(event events.Event) { received <- event })

	fake := pagetest.New()
	for _, test := range BuiltIn().Tests {
		fake.Control(test.ID, pagetest.Succeed())
	}
	runner, err := NewRunner(BuiltIn(), singlePage(fake), WithPublisher(bus))
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	require.NoError(t, err)

	counts := map[string]int{}
	require.Eventually(t, func() bool {
		for {
			select {
			case event := <-received:
				counts[event.Type]++
			default:
				return counts[events.EventTypeSuiteFinished] == 1
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, counts[events.EventTypeSuiteStarted])
	assert.Equal(t, 3, counts[events.EventTypeRunResolved])
	assert.Equal(t, 9, counts[events.EventTypeRunTransition])
}

func TestNewRunnerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(BuiltIn(), nil)
	require.Error(t, err)

	_, err = NewRunner(Suite{DefaultTimeout: time.Second}, singlePage(pagetest.New()))
	require.Error(t, err)
}

func singlePage(p page.Page) page.Factory {
	return func(context.Context) (page.Page, error) {
		return p, nil
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) first(eventType string) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, event := range p.events {
		if event.Type == eventType {
			return event, true
		}
	}
	return events.Event{}, false
}

type recordingObserver struct {
	mu     sync.Mutex
	runs   []Result
	suites []Report
}

func (o *recordingObserver) ObserveRun(result Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, result)
}

func (o *recordingObserver) ObserveSuite(report Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suites = append(o.suites, report)
}
