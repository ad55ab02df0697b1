package notesync

import (
	"context"
	"log"
	"sync"
	"time"
)

// SavePriority selects the debounce window for a scheduled save.
type SavePriority int

const (
	SaveNormal SavePriority = iota
	SaveHigh
)

// SaveFunc persists one document. Invoked outside the coordinator lock.
type SaveFunc func(ctx context.Context, documentID string) error

type AutosaveOptions struct {
	Save      SaveFunc
	Clock     Clock
	Delay     time.Duration
	HighDelay time.Duration
}

// AutosaveCoordinator debounces save requests per document: every Schedule
// call restarts that document's timer, so the save fires once the edits go
// quiet. High-priority schedules use the shorter window.
type AutosaveCoordinator struct {
	mu        sync.Mutex
	save      SaveFunc
	clock     Clock
	delay     time.Duration
	highDelay time.Duration
	timers    map[string]Timer
	retries   map[string]int
	closed    bool
}

const autosaveMaxRetries = 3

func NewAutosaveCoordinator(opts AutosaveOptions) (*AutosaveCoordinator, error) {
	if opts.Save == nil {
		return nil, ErrInvalidInput
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 2000 * time.Millisecond
	}
	highDelay := opts.HighDelay
	if highDelay <= 0 {
		highDelay = 500 * time.Millisecond
	}
	return &AutosaveCoordinator{
		save:      opts.Save,
		clock:     clock,
		delay:     delay,
		highDelay: highDelay,
		timers:    map[string]Timer{},
		retries:   map[string]int{},
	}, nil
}

// Schedule queues a debounced save for the document. A later call replaces
// the pending one, restarting the window.
func (c *AutosaveCoordinator) Schedule(documentID string, priority SavePriority) {
	if documentID == "" {
		return
	}
	delay := c.delay
	if priority == SaveHigh {
		delay = c.highDelay
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if timer, ok := c.timers[documentID]; ok {
		timer.Stop()
	}
	c.retries[documentID] = 0
	c.timers[documentID] = c.clock.AfterFunc(delay, func() {
		c.fire(documentID)
	})
}

func (c *AutosaveCoordinator) fire(documentID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.timers, documentID)
	c.mu.Unlock()

	if err := c.save(context.Background(), documentID); err != nil {
		log.Printf("notesync: autosave of %s failed: %v", documentID, err)
		c.rescheduleAfterFailure(documentID)
	}
}

// rescheduleAfterFailure retries a failed save on the short window, up to
// autosaveMaxRetries times per quiet period.
func (c *AutosaveCoordinator) rescheduleAfterFailure(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.timers[documentID]; ok {
		// A newer schedule already supersedes the retry.
		return
	}
	if c.retries[documentID] >= autosaveMaxRetries {
		log.Printf("notesync: giving up autosave retries for %s", documentID)
		delete(c.retries, documentID)
		return
	}
	c.retries[documentID]++
	c.timers[documentID] = c.clock.AfterFunc(c.highDelay, func() {
		c.fire(documentID)
	})
}

// ForceSave cancels any pending debounce for the document and saves
// immediately. On failure the save is rescheduled on the short window and the
// error is returned.
func (c *AutosaveCoordinator) ForceSave(ctx context.Context, documentID string) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if timer, ok := c.timers[documentID]; ok {
		timer.Stop()
		delete(c.timers, documentID)
	}
	c.retries[documentID] = 0
	c.mu.Unlock()

	if err := c.save(ctx, documentID); err != nil {
		c.rescheduleAfterFailure(documentID)
		return err
	}
	return nil
}

// Pending reports whether a save is currently scheduled for the document.
func (c *AutosaveCoordinator) Pending(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[documentID]
	return ok
}

// Close stops all pending timers. Saves already in flight finish on their
// own.
func (c *AutosaveCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}
