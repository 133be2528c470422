// Package signal implements the single-slot mailbox that carries one terminal
// outcome from a page to the harness per run.
package signal

import (
	"errors"
	"sync"
)

var (
	// ErrStale indicates a write for a generation that has since been reset.
	ErrStale = errors.New("signal write for abandoned run discarded")
	// ErrOverwrite indicates a second write for the same run.
	ErrOverwrite = errors.New("signal already written for this run")
)

// Sink is the page-side writer for exactly one run.
type Sink interface {
	Write(outcome Outcome) error
	Generation() uint64
}

// Channel is a single-slot, single-writer/single-reader mailbox.
//
// Every Reset starts a new generation; writes carry the generation they were
// issued for so an abandoned run can never fill a later run's slot.
type Channel struct {
	mu         sync.Mutex
	generation uint64
	slot       *Outcome
	written    bool
	violations int
	changed    chan struct{}
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{changed: make(chan struct{}, 1)}
}

// Reset clears any prior outcome and returns the writer for the next run.
// Resetting an empty channel is a no-op apart from starting a new generation.
func (c *Channel) Reset() Sink {
	c.mu.Lock()
	c.drainNotification()
	c.generation++
	c.slot = nil
	c.written = false
	generation := c.generation
	c.mu.Unlock()

	return &generationSink{channel: c, generation: generation}
}

// Peek returns the pending outcome without consuming it.
func (c *Channel) Peek() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return Outcome{}, false
	}
	return *c.slot, true
}

// Consume returns the pending outcome and marks the channel empty.
func (c *Channel) Consume() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return Outcome{}, false
	}
	outcome := *c.slot
	c.slot = nil
	return outcome, true
}

// Changed delivers a coalesced notification after every accepted write.
func (c *Channel) Changed() <-chan struct{} {
	return c.changed
}

// Generation returns the current run generation.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Violations returns how many overlapping writes have been rejected.
func (c *Channel) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

func (c *Channel) write(generation uint64, outcome Outcome) error {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return ErrStale
	}
	if c.written {
		c.violations++
		c.mu.Unlock()
		return ErrOverwrite
	}
	c.written = true
	stored := outcome
	c.slot = &stored
	c.mu.Unlock()

	select {
	case c.changed <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) drainNotification() {
	select {
	case <-c.changed:
	default:
	}
}

type generationSink struct {
	channel    *Channel
	generation uint64
}

func (s *generationSink) Write(outcome Outcome) error {
	return s.channel.write(s.generation, outcome)
}

func (s *generationSink) Generation() uint64 {
	return s.generation
}
