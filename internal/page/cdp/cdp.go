// Package cdp drives a real page in Chrome over the DevTools protocol.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
)

// BindingName is the function injected into every page context. Pages call
// window.__webharnessSignal(payload) once per run.
const BindingName = "__webharnessSignal"

// DefaultReadyExpression is true once the page finished initializing.
const DefaultReadyExpression = "window.init_done === true"

// SignalMode selects how a page reports completion.
type SignalMode string

const (
	// ModeBinding waits for the page to call the injected binding.
	ModeBinding SignalMode = "binding"
	// ModeCheckbox polls the #testSuccess and #testFailure checkboxes.
	ModeCheckbox SignalMode = "checkbox"
)

// ParseSignalMode validates a configured signal mode.
func ParseSignalMode(value string) (SignalMode, error) {
	switch mode := SignalMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "", ModeBinding:
		return ModeBinding, nil
	case ModeCheckbox:
		return ModeCheckbox, nil
	default:
		return "", fmt.Errorf("unknown signal mode %q (want binding or checkbox)", value)
	}
}

// Option configures Page construction.
type Option func(*Page)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Page) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConsole forwards console output and uncaught exceptions from the page.
func WithConsole(fn page.ConsoleFunc) Option {
	return func(p *Page) {
		p.console = fn
	}
}

// WithExecPath selects the Chrome binary. Empty uses chromedp's lookup.
func WithExecPath(path string) Option {
	return func(p *Page) {
		p.execPath = strings.TrimSpace(path)
	}
}

// WithHeadless toggles headless Chrome.
func WithHeadless(headless bool) Option {
	return func(p *Page) {
		p.headless = headless
	}
}

// WithReadyExpression sets the expression polled until it is truthy. An empty
// expression treats the page as ready once it has loaded.
func WithReadyExpression(expression string) Option {
	return func(p *Page) {
		p.readyExpression = strings.TrimSpace(expression)
	}
}

// WithReadyTimeout bounds the readiness wait.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(p *Page) {
		if timeout > 0 {
			p.readyTimeout = timeout
		}
	}
}

// WithControlAttribute matches controls by [attr="id"] instead of #id.
func WithControlAttribute(attribute string) Option {
	return func(p *Page) {
		p.controlAttribute = strings.TrimSpace(attribute)
	}
}

// WithSignalMode selects how completion is observed.
func WithSignalMode(mode SignalMode) Option {
	return func(p *Page) {
		if mode != "" {
			p.mode = mode
		}
	}
}

// WithPollInterval sets the readiness and checkbox polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Page) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

type run struct {
	testID string
	sink   signal.Sink
}

// Page is a page.Page backed by one Chrome tab.
type Page struct {
	url              string
	logger           *log.Logger
	console          page.ConsoleFunc
	execPath         string
	headless         bool
	readyExpression  string
	readyTimeout     time.Duration
	controlAttribute string
	mode             SignalMode
	pollInterval     time.Duration

	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	mu      sync.Mutex
	current *run
}

// runActions is chromedp.Run, replaced in tests.
var runActions = chromedp.Run

var _ page.Page = (*Page)(nil)
var _ page.Reloader = (*Page)(nil)

// Open starts Chrome, navigates to url, and waits until the page is ready.
func Open(ctx context.Context, url string, options ...Option) (*Page, error) {
	p := &Page{
		url:             strings.TrimSpace(url),
		logger:          log.New(io.Discard),
		headless:        true,
		readyExpression: DefaultReadyExpression,
		readyTimeout:    30 * time.Second,
		mode:            ModeBinding,
		pollInterval:    100 * time.Millisecond,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(p)
	}
	if p.url == "" {
		return nil, errors.New("page url is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	allocOptions := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", p.headless))
	if p.execPath != "" {
		allocOptions = append(allocOptions, chromedp.ExecPath(p.execPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOptions...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(p.logger.Debugf))
	p.tabCtx, p.cancelTab, p.cancelAlloc = tabCtx, cancelTab, cancelAlloc

	chromedp.ListenTarget(tabCtx, p.onEvent)

	// The first Run on a context launches Chrome and binds the browser to that
	// context, so it must be the long-lived tab context itself.
	stopStart := context.AfterFunc(ctx, cancelTab)
	err := runActions(tabCtx)
	if !stopStart() || err != nil {
		_ = p.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("start browser: %w", ctx.Err())
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	actions := []chromedp.Action{runtime.Enable()}
	if p.mode == ModeBinding {
		actions = append(actions, runtime.AddBinding(BindingName))
	}
	actions = append(actions, chromedp.Navigate(p.url))
	if err := p.run(ctx, actions...); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("open page %q: %w", p.url, err)
	}
	if err := p.waitReady(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	p.logger.Info("page ready", "url", p.url, "mode", p.mode)
	return p, nil
}

// Factory returns a page.Factory that opens url in a fresh browser.
func Factory(url string, options ...Option) page.Factory {
	return func(ctx context.Context) (page.Page, error) {
		return Open(ctx, url, options...)
	}
}

// Count implements page.Page.
func (p *Page) Count(ctx context.Context, id string) (int, error) {
	var matches int
	if err := p.run(ctx, chromedp.Evaluate(countExpression(id, p.controlAttribute), &matches)); err != nil {
		return 0, fmt.Errorf("count controls for %q: %w", id, err)
	}
	return matches, nil
}

// Activate implements page.Page. Counting and clicking happen in one
// evaluation so the page cannot change in between.
func (p *Page) Activate(ctx context.Context, id string, sink signal.Sink) (int, error) {
	p.mu.Lock()
	p.current = &run{testID: id, sink: sink}
	p.mu.Unlock()

	var matches int
	err := p.run(ctx, chromedp.Evaluate(activateExpression(id, p.controlAttribute, p.mode == ModeCheckbox), &matches))
	if err != nil || matches != 1 {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
	}
	if err != nil {
		return 0, fmt.Errorf("click control %q: %w", id, err)
	}
	if matches == 1 && p.mode == ModeCheckbox {
		go p.pollCheckboxes(ctx, &run{testID: id, sink: sink})
	}
	return matches, nil
}

// Reload reloads the page, discarding in-flight computations, and waits until
// it is ready again.
func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	p.logger.Info("reloading page", "url", p.url)
	if err := p.run(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload page %q: %w", p.url, err)
	}
	return p.waitReady(ctx)
}

// Close implements page.Page.
func (p *Page) Close() error {
	if p.cancelTab != nil {
		p.cancelTab()
	}
	if p.cancelAlloc != nil {
		p.cancelAlloc()
	}
	return nil
}

// run executes actions on the started tab, bounded by ctx. Cancelling ctx
// cancels the actions without closing the tab.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := runActions(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) waitReady(ctx context.Context) error {
	if p.readyExpression == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		var ready bool
		if err := p.run(ctx, chromedp.Evaluate(p.readyExpression, &ready)); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("page %q not ready after %s: %w", p.url, p.readyTimeout, ctx.Err())
			}
			return fmt.Errorf("evaluate ready expression %q: %w", p.readyExpression, err)
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("page %q not ready after %s: %w", p.url, p.readyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Page) pollCheckboxes(ctx context.Context, owner *run) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var state string
		if err := p.run(ctx, chromedp.Evaluate(checkboxExpression, &state)); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("poll completion checkboxes", "test_id", owner.testID, "err", err)
			continue
		}
		if state == "" {
			continue
		}
		outcome, err := signal.ParsePayload(state)
		if err != nil {
			outcome = signal.Failure(signal.KindHarness, fmt.Sprintf("malformed checkbox state %q", state))
		}
		_ = page.Deliver(ctx, p.logger, owner.testID, owner.sink, outcome)
		return
	}
}

func (p *Page) onEvent(ev any) {
	switch ev := ev.(type) {
	case *runtime.EventBindingCalled:
		if ev.Name != BindingName {
			return
		}
		p.mu.Lock()
		owner := p.current
		p.mu.Unlock()
		if owner == nil {
			p.logger.Warn("page signalled outside a run", "payload", ev.Payload)
			return
		}
		outcome, err := signal.ParsePayload(ev.Payload)
		if err != nil {
			outcome = signal.Failure(signal.KindHarness, fmt.Sprintf("malformed signal payload: %v", err))
		}
		_ = page.Deliver(context.Background(), p.logger, owner.testID, owner.sink, outcome)
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			parts = append(parts, remoteText(arg))
		}
		p.emitConsole(string(ev.Type), strings.Join(parts, " "))
	case *runtime.EventExceptionThrown:
		if ev.ExceptionDetails == nil {
			return
		}
		text := ev.ExceptionDetails.Text
		if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
			text = ev.ExceptionDetails.Exception.Description
		}
		p.emitConsole("exception", text)
	}
}

func (p *Page) emitConsole(level, text string) {
	p.mu.Lock()
	owner := p.current
	p.mu.Unlock()

	message := page.ConsoleMessage{Level: level, Text: text}
	if owner != nil {
		message.TestID = owner.testID
	}
	p.logger.Debug("page console", "level", level, "test_id", message.TestID, "text", text)
	if p.console != nil {
		p.console(message)
	}
}

const checkboxExpression = `(() => {
	const ok = document.querySelector('#testSuccess');
	const failed = document.querySelector('#testFailure');
	if (ok && ok.checked) return 'success';
	if (failed && failed.checked) return 'failure: ' + (failed.dataset.reason || 'page reported failure');
	return '';
})()`

func selectorExpression(id, attribute string) string {
	quotedID := jsString(id)
	if attribute == "" {
		return "'#' + CSS.escape(" + quotedID + ")"
	}
	return "'[' + CSS.escape(" + jsString(attribute) + ") + '=\"' + CSS.escape(" + quotedID + ") + '\"]'"
}

func countExpression(id, attribute string) string {
	return "document.querySelectorAll(" + selectorExpression(id, attribute) + ").length"
}

func activateExpression(id, attribute string, resetCheckboxes bool) string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString("\tconst matches = document.querySelectorAll(" + selectorExpression(id, attribute) + ");\n")
	b.WriteString("\tif (matches.length !== 1) return matches.length;\n")
	if resetCheckboxes {
		b.WriteString("\tfor (const box of document.querySelectorAll('#testSuccess, #testFailure')) box.checked = false;\n")
	}
	b.WriteString("\tmatches[0].click();\n")
	b.WriteString("\treturn 1;\n")
	b.WriteString("})()")
	return b.String()
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func remoteText(arg *runtime.RemoteObject) string {
	if arg == nil {
		return ""
	}
	if len(arg.Value) > 0 {
		var text string
		if err := json.Unmarshal(arg.Value, &text); err == nil {
			return text
		}
		return string(arg.Value)
	}
	if arg.Description != "" {
		return arg.Description
	}
	return string(arg.Type)
}
