// Package pagetest provides an in-memory page for tests.
package pagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ship-commander/webharness/internal/signal"
)

// Behavior runs when a control is activated. It receives the run's sink and
// may write synchronously or from a goroutine.
type Behavior func(sink signal.Sink)

// Succeed writes Success immediately.
func Succeed() Behavior {
	return func(sink signal.Sink) {
		_ = sink.Write(signal.Success(""))
	}
}

// Fail writes a computation failure immediately.
func Fail(reason string) Behavior {
	return func(sink signal.Sink) {
		_ = sink.Write(signal.Failure(signal.KindComputation, reason))
	}
}

// SucceedAfter writes Success from a goroutine after delay.
func SucceedAfter(delay time.Duration) Behavior {
	return func(sink signal.Sink) {
		go func() {
			time.Sleep(delay)
			_ = sink.Write(signal.Success(""))
		}()
	}
}

// Hang never writes.
func Hang() Behavior {
	return func(signal.Sink) {}
}

// Capture stores the sink so the test can write later.
func Capture(into chan<- signal.Sink) Behavior {
	return func(sink signal.Sink) {
		into <- sink
	}
}

// Page is an in-memory page.Page with configurable controls.
type Page struct {
	mu          sync.Mutex
	controls    map[string]int
	behaviors   map[string]Behavior
	activations []string
	reloads     int
	closed      bool

	// ActivateErr, when set, is returned by Activate.
	ActivateErr error
}

// New creates an empty fake page.
func New() *Page {
	return &Page{
		controls:  map[string]int{},
		behaviors: map[string]Behavior{},
	}
}

// Control registers one control bound to id.
func (p *Page) Control(id string, behavior Behavior) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls[id]++
	p.behaviors[id] = behavior
	return p
}

// Count implements page.Page.
func (p *Page) Count(_ context.Context, id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("page closed")
	}
	return p.controls[id], nil
}

// Activate implements page.Page.
func (p *Page) Activate(_ context.Context, id string, sink signal.Sink) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("page closed")
	}
	if p.ActivateErr != nil {
		err := p.ActivateErr
		p.mu.Unlock()
		return 0, err
	}
	matches := p.controls[id]
	behavior := p.behaviors[id]
	if matches == 1 {
		p.activations = append(p.activations, id)
	}
	p.mu.Unlock()

	if matches == 1 && behavior != nil {
		behavior(sink)
	}
	return matches, nil
}

// Reload implements page.Reloader.
func (p *Page) Reload(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

// Close implements page.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Activations returns the identifiers activated so far.
func (p *Page) Activations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.activations...)
}

// Reloads returns how many times the page was reloaded.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
