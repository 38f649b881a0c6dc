package executor

import (
	"context"
	"fmt"
	"time"

	"intentrails/internal/lifecycle"
)

type inFlightKey struct{}

// withInFlight marks ctx as belonging to a route execution on e, so a nested
// call that propagates it is recognised as reentrant rather than queued.
func withInFlight(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, inFlightKey{}, e)
}

func inFlight(ctx context.Context, e *Executor) bool {
	owner, _ := ctx.Value(inFlightKey{}).(*Executor)
	return owner == e
}

// enter takes the reentrancy lock. The returned release must run on every exit path.
func (e *Executor) enter() (release func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return nil, lifecycle.ErrReentrancyGuard
	}
	e.locked = true
	return func() {
		e.mu.Lock()
		e.locked = false
		e.mu.Unlock()
	}, nil
}

// acquire waits for the route slot. It fails with ReentrancyGuard when the slot
// stays taken past the queue timeout or ctx ends first.
func (e *Executor) acquire(ctx context.Context) (leave func(), err error) {
	timer := time.NewTimer(e.queueTimeout)
	defer timer.Stop()

	select {
	case e.slot <- struct{}{}:
		return func() { <-e.slot }, nil
	case <-ctx.Done():
		return nil, lifecycle.Wrap(lifecycle.KindReentrancyGuard, "wait for route slot", ctx.Err())
	case <-timer.C:
		return nil, lifecycle.Wrap(lifecycle.KindReentrancyGuard, "wait for route slot",
			fmt.Errorf("route still running after %s", e.queueTimeout))
	}
}
