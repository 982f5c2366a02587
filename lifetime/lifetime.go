// Package lifetime models the lifetime extension of a lifecycle or fetch
// event: work registered with WaitUntil keeps the event alive, and whoever
// dispatched the event waits for it to settle before considering it done.
package lifetime

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Event tracks the pending work of one event.
// Registered tasks run concurrently; a failing task does not cancel the others.
type Event struct {
	ctx     context.Context
	group   errgroup.Group
	mu      sync.Mutex
	pending int
}

// New returns an event whose tasks run with the values of ctx but never
// observe its cancellation.
func New(ctx context.Context) *Event {
	return &Event{ctx: context.WithoutCancel(ctx)}
}

// WaitUntil registers a task as part of the event's lifetime and starts it.
func (e *Event) WaitUntil(task func(ctx context.Context) error) {
	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
	e.group.Go(func() error {
		defer func() {
			e.mu.Lock()
			e.pending--
			e.mu.Unlock()
		}()
		return task(e.ctx)
	})
}

// Pending returns the number of registered tasks that have not settled yet.
func (e *Event) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Wait blocks until every registered task has settled and returns the first
// error, if any.
func (e *Event) Wait() error {
	return e.group.Wait()
}

// Tracker waits for events that were handed off after their response was
// sent, so that a shutting down worker does not drop their side effects.
type Tracker struct {
	wg sync.WaitGroup
}

// Settle waits for ev in the background and passes its result to done,
// which may be nil.
func (t *Tracker) Settle(ev *Event, done func(error)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := ev.Wait()
		if done != nil {
			done(err)
		}
	}()
}

// Wait blocks until all settled events are done.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
