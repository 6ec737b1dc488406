package alwaysoffline

import (
	"context"
	"errors"
	"sync"
)

// ExtendableEvent tracks asynchronous work that has to settle before the
// event it was registered for counts as handled.
// Work may be added at any time, also while someone is waiting.
type ExtendableEvent struct {
	ctx     context.Context
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	errs    []error
}

func NewExtendableEvent(ctx context.Context) *ExtendableEvent {
	e := &ExtendableEvent{ctx: ctx}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// WaitUntil runs fn concurrently and extends the event until it returns.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
	go func() {
		err := fn(e.ctx)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.errs = append(e.errs, err)
		}
		e.pending--
		if e.pending == 0 {
			e.cond.Broadcast()
		}
	}()
}

// Wait blocks until all registered work has settled and returns the errors
// collected since the previous Wait.
func (e *ExtendableEvent) Wait() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending > 0 {
		e.cond.Wait()
	}
	errs := e.errs
	e.errs = nil
	return errors.Join(errs...)
}
