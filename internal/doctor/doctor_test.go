package doctor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/page/pagetest"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/ship-commander/webharness/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *fakeEventBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func scriptConfig() config.Config {
	cfg := config.Defaults()
	cfg.Backend = config.BackendScript
	cfg.ScriptPath = "page.js"
	return cfg
}

func factoryFor(p *pagetest.Page) page.Factory {
	return func(context.Context) (page.Page, error) { return p, nil }
}

func checksByName(report HealthReport) map[string]Check {
	out := make(map[string]Check, len(report.Checks))
	for _, check := range report.Checks {
		out[check.Name] = check
	}
	return out
}

func TestRunOnceHealthyPageActivatesNothing(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().
		Control("compressedCompactPublicKeyTest256BitSmall", pagetest.Succeed()).
		Control("compressedCompactPublicKeyTest256BitBig", pagetest.Succeed()).
		Control("compactPublicKeyZeroKnowledge", pagetest.Succeed())
	bus := &fakeEventBus{}

	report := NewManager(scriptConfig(), suite.BuiltIn(), factoryFor(fake), WithEventBus(bus)).RunOnce(context.Background())

	assert.True(t, report.Healthy())
	checks := checksByName(report)
	assert.Equal(t, StatusOK, checks["config"].Status)
	assert.Equal(t, StatusOK, checks["declarations"].Status)
	assert.Equal(t, StatusOK, checks["page"].Status)
	assert.Equal(t, StatusOK, checks["control compactPublicKeyZeroKnowledge"].Status)
	assert.NotContains(t, checks, "chrome", "script backend needs no browser")
	assert.Empty(t, fake.Activations())
	assert.True(t, fake.Closed())
	assert.Len(t, bus.events, len(report.Checks))
	assert.Equal(t, events.EventTypeHealthCheck, bus.events[0].Type)
}

func TestRunOnceReportsMissingAndAmbiguousControls(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().
		Control("compressedCompactPublicKeyTest256BitSmall", pagetest.Succeed()).
		Control("compressedCompactPublicKeyTest256BitBig", pagetest.Succeed()).
		Control("compressedCompactPublicKeyTest256BitBig", pagetest.Succeed())

	report := NewManager(scriptConfig(), suite.BuiltIn(), factoryFor(fake)).RunOnce(context.Background())

	assert.False(t, report.Healthy())
	checks := checksByName(report)
	assert.Equal(t, StatusOK, checks["control compressedCompactPublicKeyTest256BitSmall"].Status)
	assert.Equal(t, StatusFail, checks["control compressedCompactPublicKeyTest256BitBig"].Status)
	assert.Contains(t, checks["control compressedCompactPublicKeyTest256BitBig"].Detail, "Ambiguous")
	assert.Equal(t, StatusFail, checks["control compactPublicKeyZeroKnowledge"].Status)
	assert.Contains(t, checks["control compactPublicKeyZeroKnowledge"].Detail, "NotFound")
}

func TestRunOnceChromeLookup(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.PageURL = "http://localhost:8080/keygen.html"
	fake := pagetest.New()

	missing := NewManager(cfg, suite.BuiltIn(), factoryFor(fake), WithLookPath(func(string) (string, error) {
		return "", errors.New("not found")
	})).RunOnce(context.Background())
	assert.Equal(t, StatusFail, checksByName(missing)["chrome"].Status)

	lookPath := WithLookPath(func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", errors.New("not found")
	})
	noVersion := WithToolRunner(func(context.Context, string, []string, string) (tracing.Result, error) {
		return tracing.Result{ExitCode: -1}, errors.New("exec failed")
	})
	found := NewManager(cfg, suite.BuiltIn(), factoryFor(fake), lookPath, noVersion).RunOnce(context.Background())
	chrome := checksByName(found)["chrome"]
	assert.Equal(t, StatusOK, chrome.Status)
	assert.Equal(t, "/usr/bin/chromium", chrome.Detail)

	var probed []string
	withVersion := WithToolRunner(func(_ context.Context, name string, args []string, _ string) (tracing.Result, error) {
		probed = append([]string{name}, args...)
		return tracing.Result{Stdout: "Chromium 128.0.6613.84"}, nil
	})
	versioned := NewManager(cfg, suite.BuiltIn(), factoryFor(fake), lookPath, withVersion).RunOnce(context.Background())
	assert.Equal(t, "/usr/bin/chromium (Chromium 128.0.6613.84)", checksByName(versioned)["chrome"].Detail)
	assert.Equal(t, []string{"/usr/bin/chromium", "--version"}, probed)

	cfg.ChromePath = "/definitely/not/chrome"
	manager := NewManager(cfg, suite.BuiltIn(), factoryFor(fake))
	manager.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	assert.Equal(t, StatusFail, checksByName(manager.RunOnce(context.Background()))["chrome"].Status)
}

func TestRunOnceSkipsPageWhenConfigInvalid(t *testing.T) {
	t.Parallel()

	opened := false
	factory := func(context.Context) (page.Page, error) {
		opened = true
		return pagetest.New(), nil
	}
	cfg := config.Defaults()
	cfg.Backend = config.BackendScript

	report := NewManager(cfg, suite.BuiltIn(), factory).RunOnce(context.Background())
	assert.False(t, report.Healthy())
	assert.False(t, opened)
	checks := checksByName(report)
	assert.Equal(t, StatusFail, checks["config"].Status)
	assert.Equal(t, StatusWarn, checks["controls"].Status)
}

func TestRunOnceReportsPageOpenFailure(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context) (page.Page, error) {
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		return nil, errors.New("ready expression never became true")
	}
	report := NewManager(scriptConfig(), suite.BuiltIn(), factory, WithPageTimeout(time.Second)).RunOnce(context.Background())

	assert.False(t, report.Healthy())
	assert.Contains(t, checksByName(report)["page"].Detail, "ready expression never became true")
}
