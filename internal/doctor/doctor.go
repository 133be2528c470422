// Package doctor checks that a configured harness can run its suite: the
// configuration is coherent, a browser is available and every declared test
// resolves to exactly one control on the page. No control is activated.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ship-commander/webharness/internal/config"
	"github.com/ship-commander/webharness/internal/dispatch"
	"github.com/ship-commander/webharness/internal/events"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/suite"
	"github.com/ship-commander/webharness/internal/tracing"
)

// Check statuses.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// ChromeCandidates are the executable names searched on PATH when no
// chrome_path is configured.
var ChromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
}

// Check is one diagnostic result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// HealthReport collects every check from one doctor pass.
type HealthReport struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no check failed. Warnings do not fail the report.
func (r HealthReport) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// EventBus publishes check results.
type EventBus interface {
	Publish(event events.Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes each check as it completes.
func WithEventBus(bus EventBus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLookPath overrides executable lookup.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(m *Manager) {
		if lookPath != nil {
			m.lookPath = lookPath
		}
	}
}

// WithToolRunner overrides how the browser version is probed.
func WithToolRunner(run func(ctx context.Context, name string, args []string, dir string) (tracing.Result, error)) Option {
	return func(m *Manager) {
		if run != nil {
			m.runTool = run
		}
	}
}

// WithPageTimeout bounds how long the page may take to open.
func WithPageTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.pageTimeout = timeout
		}
	}
}

// Manager runs the doctor checks.
type Manager struct {
	cfg         config.Config
	suite       suite.Suite
	factory     page.Factory
	bus         EventBus
	lookPath    func(string) (string, error)
	stat        func(string) (os.FileInfo, error)
	runTool     func(context.Context, string, []string, string) (tracing.Result, error)
	pageTimeout time.Duration
	now         func() time.Time
}

// NewManager builds a doctor for cfg and s. factory opens the page under test
// and may be nil when the page cannot be built from cfg.
func NewManager(cfg config.Config, s suite.Suite, factory page.Factory, options ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		suite:       s,
		factory:     factory,
		lookPath:    exec.LookPath,
		stat:        os.Stat,
		runTool:     tracing.ExecuteTool,
		pageTimeout: 2 * time.Minute,
		now:         time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// RunOnce executes every check. Page checks are skipped when the
// configuration or declarations are unusable.
func (m *Manager) RunOnce(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: m.now().UTC()}
	add := func(check Check) {
		report.Checks = append(report.Checks, check)
		m.publish(check)
	}

	configCheck := m.checkConfig()
	add(configCheck)
	suiteCheck := m.checkSuite()
	add(suiteCheck)
	if m.cfg.Backend == config.BackendCDP {
		add(m.checkChrome(ctx))
	}
	if configCheck.Status == StatusFail || suiteCheck.Status == StatusFail {
		add(Check{Name: "controls", Status: StatusWarn, Detail: "skipped: fix the failures above first"})
		return report
	}
	for _, check := range m.checkControls(ctx) {
		add(check)
	}
	return report
}

func (m *Manager) checkConfig() Check {
	if err := m.cfg.Validate(); err != nil {
		return Check{Name: "config", Status: StatusFail, Detail: err.Error()}
	}
	target := m.cfg.PageURL
	if m.cfg.Backend == config.BackendScript {
		target = m.cfg.ScriptPath
	}
	return Check{Name: "config", Status: StatusOK, Detail: fmt.Sprintf("%s backend, page %s", m.cfg.Backend, target)}
}

func (m *Manager) checkSuite() Check {
	if err := m.suite.Validate(); err != nil {
		return Check{Name: "declarations", Status: StatusFail, Detail: err.Error()}
	}
	return Check{
		Name:   "declarations",
		Status: StatusOK,
		Detail: fmt.Sprintf("%d tests, default timeout %s", len(m.suite.Tests), m.suite.DefaultTimeout),
	}
}

func (m *Manager) checkChrome(ctx context.Context) Check {
	path, err := m.findChrome()
	if err != nil {
		return Check{Name: "chrome", Status: StatusFail, Detail: err.Error()}
	}
	versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := m.runTool(versionCtx, path, []string{"--version"}, "")
	if err != nil || result.Stdout == "" {
		return Check{Name: "chrome", Status: StatusOK, Detail: path}
	}
	return Check{Name: "chrome", Status: StatusOK, Detail: fmt.Sprintf("%s (%s)", path, result.Stdout)}
}

func (m *Manager) findChrome() (string, error) {
	if path := strings.TrimSpace(m.cfg.ChromePath); path != "" {
		if _, err := m.stat(path); err != nil {
			return "", fmt.Errorf("chrome_path %q: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range ChromeCandidates {
		if path, err := m.lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no Chrome or Chromium executable on PATH; set chrome_path")
}

func (m *Manager) checkControls(ctx context.Context) []Check {
	if m.factory == nil {
		return []Check{{Name: "page", Status: StatusFail, Detail: "no page factory configured"}}
	}
	openCtx, cancel := context.WithTimeout(ctx, m.pageTimeout)
	defer cancel()

	p, err := m.factory(openCtx)
	if err != nil {
		return []Check{{Name: "page", Status: StatusFail, Detail: fmt.Sprintf("open page: %v", err)}}
	}
	defer func() { _ = p.Close() }()

	checks := []Check{{Name: "page", Status: StatusOK, Detail: "page opened and ready"}}
	dispatcher, err := dispatch.New(p)
	if err != nil {
		return append(checks, Check{Name: "controls", Status: StatusFail, Detail: err.Error()})
	}
	for _, test := range m.suite.Tests {
		name := "control " + test.ID
		_, err := dispatcher.Count(ctx, test.ID)
		var triggerErr *dispatch.TriggerError
		switch {
		case err == nil:
			checks = append(checks, Check{Name: name, Status: StatusOK, Detail: "exactly one control"})
		case errors.As(err, &triggerErr):
			checks = append(checks, Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("%s: %v", triggerErr.Reason(), triggerErr.Err)})
		default:
			checks = append(checks, Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("count controls: %v", err)})
		}
	}
	return checks
}

func (m *Manager) publish(check Check) {
	if m.bus == nil {
		return
	}
	severity := events.SeverityInfo
	switch check.Status {
	case StatusWarn:
		severity = events.SeverityWarn
	case StatusFail:
		severity = events.SeverityError
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  m.now().UTC(),
		EntityType: "health",
		EntityID:   check.Name,
		Payload:    check,
		Severity:   severity,
	})
}
