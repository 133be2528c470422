// Package script runs a page script in an embedded JavaScript engine.
//
// The page script registers controls with harness.control(id, fn). Activating
// a control calls fn; the computation reports its outcome with
// harness.succeed(value), harness.fail(reason) or harness.signal(payload), or
// by returning a promise. Timers scheduled during a run stay bound to that run,
// so a computation that outlives its run can only write to its own, abandoned,
// generation.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/ship-commander/webharness/internal/page"
	"github.com/ship-commander/webharness/internal/signal"
)

const (
	// DefaultReadyExpression is true once the page finished initializing.
	DefaultReadyExpression = "window.init_done === true"
	defaultReadyTimeout    = 30 * time.Second
	defaultPollInterval    = 10 * time.Millisecond
)

// ErrClosed is returned by operations on a closed page.
var ErrClosed = errors.New("script page is closed")

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

// WithConsole forwards console output from the page script.
func WithConsole(fn page.ConsoleFunc) Option {
	return func(p *Page) {
		p.console = fn
	}
}

// WithReadyExpression sets the expression polled until it is truthy. An empty
// expression treats the page as ready once the script has run.
func WithReadyExpression(expression string) Option {
	return func(p *Page) {
		p.readyExpression = strings.TrimSpace(expression)
	}
}

// WithReadyTimeout bounds how long Open waits for the ready expression.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(p *Page) {
		if timeout > 0 {
			p.readyTimeout = timeout
		}
	}
}

// WithPollInterval sets how often the ready expression is evaluated.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Page) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// run binds JavaScript work to the harness run that started it.
type run struct {
	testID string
	sink   signal.Sink
}

// Page is a page.Page backed by a goja event loop.
type Page struct {
	name   string
	source string

	logger          *log.Logger
	console         page.ConsoleFunc
	readyExpression string
	readyTimeout    time.Duration
	pollInterval    time.Duration

	mu      sync.Mutex
	loop    *eventloop.EventLoop
	stopped chan struct{}
	closed  bool

	// Owned by the loop goroutine.
	controls map[string][]goja.Callable
	current  *run
}

var _ page.Page = (*Page)(nil)
var _ page.Reloader = (*Page)(nil)

// Open reads a page script from path and loads it.
func Open(ctx context.Context, path string, options ...Option) (*Page, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page script %q: %w", path, err)
	}
	return OpenSource(ctx, path, string(source), options...)
}

// OpenSource loads a page script held in memory.
func OpenSource(ctx context.Context, name, source string, options ...Option) (*Page, error) {
	p := &Page{
		name:            name,
		source:          source,
		logger:          log.New(io.Discard),
		readyExpression: DefaultReadyExpression,
		readyTimeout:    defaultReadyTimeout,
		pollInterval:    defaultPollInterval,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(p)
	}
	if err := p.load(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Factory returns a page.Factory that opens the script at path.
func Factory(path string, options ...Option) page.Factory {
	return func(ctx context.Context) (page.Page, error) {
		return Open(ctx, path, options...)
	}
}

// Count implements page.Page.
func (p *Page) Count(ctx context.Context, id string) (int, error) {
	var matches int
	err := p.do(ctx, func(*goja.Runtime) error {
		matches = len(p.controls[id])
		return nil
	})
	return matches, err
}

// Activate implements page.Page. The control's function runs on the loop
// before Activate returns; its outcome may arrive later.
func (p *Page) Activate(ctx context.Context, id string, sink signal.Sink) (int, error) {
	var matches int
	err := p.do(ctx, func(rt *goja.Runtime) error {
		controls := p.controls[id]
		matches = len(controls)
		if matches != 1 {
			return nil
		}
		current := &run{testID: id, sink: sink}
		p.logger.Debug("activating control", "test_id", id, "generation", sink.Generation())
		p.within(current, func() {
			result, err := controls[0](goja.Undefined())
			if err != nil {
				p.deliver(current, signal.Failure(signal.KindComputation, exceptionText(err)))
				return
			}
			p.settle(rt, current, result)
		})
		return nil
	})
	return matches, err
}

// Reload discards the running script, including its pending timers, and
// loads it again.
func (p *Page) Reload(ctx context.Context) error {
	p.logger.Info("reloading page script", "script", p.name)
	return p.load(ctx)
}

// Close implements page.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.terminateLocked()
	return nil
}

func (p *Page) load(ctx context.Context) error {
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		loop.Terminate()
		return ErrClosed
	}
	p.terminateLocked()
	p.loop = loop
	p.stopped = make(chan struct{})
	p.mu.Unlock()

	err := p.do(ctx, func(rt *goja.Runtime) error {
		p.controls = map[string][]goja.Callable{}
		p.current = nil
		if err := p.install(rt, loop); err != nil {
			return err
		}
		if _, err := rt.RunScript(p.name, p.source); err != nil {
			return fmt.Errorf("run page script %q: %w", p.name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.waitReady(ctx)
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
		err := p.do(ctx, func(rt *goja.Runtime) error {
			value, err := rt.RunString(p.readyExpression)
			if err != nil {
				return fmt.Errorf("evaluate ready expression %q: %w", p.readyExpression, err)
			}
			ready = value.ToBoolean()
			return nil
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("page %q not ready after %s: %w", p.name, p.readyTimeout, err)
			}
			return err
		}
		if ready {
			p.logger.Debug("page ready", "script", p.name)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("page %q not ready after %s: %w", p.name, p.readyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// do runs fn on the loop and waits for it.
func (p *Page) do(ctx context.Context, fn func(rt *goja.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	loop := p.loop
	stopped := p.stopped
	closed := p.closed
	p.mu.Unlock()
	if closed || loop == nil {
		return ErrClosed
	}

	done := make(chan error, 1)
	if !loop.RunOnLoop(func(rt *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("page script panicked: %v", r)
			}
		}()
		done <- fn(rt)
	}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminateLocked stops the current loop, dropping its pending timers.
func (p *Page) terminateLocked() {
	if p.loop == nil {
		return
	}
	p.loop.Terminate()
	close(p.stopped)
	p.loop = nil
}

func (p *Page) install(rt *goja.Runtime, loop *eventloop.EventLoop) error {
	harness := rt.NewObject()
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"control": func(call goja.FunctionCall) goja.Value {
			id := strings.TrimSpace(call.Argument(0).String())
			fn, ok := goja.AssertFunction(call.Argument(1))
			if id == "" || !ok {
				panic(rt.NewTypeError("harness.control(id, fn) requires an identifier and a function"))
			}
			p.controls[id] = append(p.controls[id], fn)
			return goja.Undefined()
		},
		"succeed": func(call goja.FunctionCall) goja.Value {
			p.deliver(p.current, signal.Success(valueText(call.Argument(0))))
			return goja.Undefined()
		},
		"fail": func(call goja.FunctionCall) goja.Value {
			p.deliver(p.current, signal.Failure(signal.KindComputation, valueText(call.Argument(0))))
			return goja.Undefined()
		},
		"signal": func(call goja.FunctionCall) goja.Value {
			outcome, err := signal.ParsePayload(call.Argument(0).String())
			if err != nil {
				panic(rt.NewTypeError(err.Error()))
			}
			p.deliver(p.current, outcome)
			return goja.Undefined()
		},
	}
	for name, fn := range methods {
		if err := harness.Set(name, fn); err != nil {
			return fmt.Errorf("install harness.%s: %w", name, err)
		}
	}

	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			p.emitConsole(level, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("install console.%s: %w", level, err)
		}
	}

	globals := map[string]any{
		"window":  rt.GlobalObject(),
		"harness": harness,
		"console": console,
		"setTimeout": func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(rt.NewTypeError("setTimeout requires a function"))
			}
			delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			owner := p.current
			timer := loop.SetTimeout(func(rt *goja.Runtime) {
				p.within(owner, func() {
					if _, err := fn(goja.Undefined(), args...); err != nil {
						p.uncaught(owner, err)
					}
				})
			}, delay)
			return rt.ToValue(timer)
		},
		"clearTimeout": func(call goja.FunctionCall) goja.Value {
			if timer, ok := call.Argument(0).Export().(*eventloop.Timer); ok {
				loop.ClearTimeout(timer)
			}
			return goja.Undefined()
		},
	}
	for name, value := range globals {
		if err := rt.Set(name, value); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

// within runs fn with owner as the active run.
func (p *Page) within(owner *run, fn func()) {
	previous := p.current
	p.current = owner
	defer func() { p.current = previous }()
	fn()
}

// settle reports a control's return value. A thenable resolves the run; any
// other value leaves the outcome to harness.succeed or harness.fail.
func (p *Page) settle(rt *goja.Runtime, owner *run, result goja.Value) {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return
	}
	object, ok := result.(*goja.Object)
	if !ok {
		return
	}
	then, ok := goja.AssertFunction(object.Get("then"))
	if !ok {
		return
	}
	onResolve := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		p.deliver(owner, signal.Success(valueText(call.Argument(0))))
		return goja.Undefined()
	})
	onReject := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		p.deliver(owner, signal.Failure(signal.KindComputation, valueText(call.Argument(0))))
		return goja.Undefined()
	})
	if _, err := then(object, onResolve, onReject); err != nil {
		p.deliver(owner, signal.Failure(signal.KindComputation, exceptionText(err)))
	}
}

func (p *Page) uncaught(owner *run, err error) {
	if owner == nil {
		p.logger.Warn("uncaught exception outside a run", "script", p.name, "err", exceptionText(err))
		return
	}
	p.deliver(owner, signal.Failure(signal.KindComputation, exceptionText(err)))
}

func (p *Page) deliver(owner *run, outcome signal.Outcome) {
	if owner == nil {
		p.logger.Warn("page signalled outside a run", "script", p.name, "outcome", outcome.String())
		return
	}
	_ = page.Deliver(context.Background(), p.logger, owner.testID, owner.sink, outcome)
}

func (p *Page) emitConsole(level string, args []goja.Value) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, arg.String())
	}
	message := page.ConsoleMessage{Level: level, Text: strings.Join(parts, " ")}
	if p.current != nil {
		message.TestID = p.current.testID
	}
	p.logger.Debug("page console", "level", message.Level, "test_id", message.TestID, "text", message.Text)
	if p.console != nil {
		p.console(message)
	}
}

func valueText(value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ""
	}
	if object, ok := value.(*goja.Object); ok {
		if message := object.Get("message"); message != nil && !goja.IsUndefined(message) {
			return message.String()
		}
	}
	return value.String()
}

func exceptionText(err error) string {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return valueText(exception.Value())
	}
	return err.Error()
}
