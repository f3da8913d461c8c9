// Package action runs actuator commands in the background, at most one at a
// time, so the guiding loop never blocks on device latency.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/StarGuide/internal/debug"
)

// ErrActuation wraps every failure raised while executing an action.
var ErrActuation = errors.New("actuation error")

// Action is one actuator command.
type Action interface {
	Execute() error
}

// Func adapts a plain function to the Action interface.
type Func func() error

// Execute implements Action.
func (f Func) Execute() error {
	return f()
}

// Async executes actions on a background goroutine. While an action runs,
// new requests are dropped rather than queued. Errors and panics raised by an
// action are contained in the worker, logged, and counted.
type Async struct {
	name string

	mu       sync.Mutex
	busy     bool
	done     chan struct{} // closed when the last spawned worker exits
	lastErr  error
	failures int // consecutive failed actions
	executed int
}

// NewAsync creates an idle executor. The name only shows up in log lines.
func NewAsync(name string) *Async {
	return &Async{name: name}
}

// Execute starts act in the background and returns true, or returns false
// without doing anything when the previous action is still running. A false
// return means "actuation skipped this cycle", not a failure.
func (a *Async) Execute(act Action) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		debug.Verbose("%s: busy, action skipped", a.name)
		return false
	}
	if a.done != nil {
		// busy is false, so the previous worker is exiting or gone
		<-a.done
	}
	a.busy = true
	done := make(chan struct{})
	a.done = done
	go a.run(act, done)
	return true
}

func (a *Async) run(act Action, done chan struct{}) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrActuation, a.name, r)
		}
		if err != nil {
			debug.Error(err)
		}
		a.mu.Lock()
		a.busy = false
		a.lastErr = err
		a.executed++
		if err != nil {
			a.failures++
		} else {
			a.failures = 0
		}
		a.mu.Unlock()
		close(done)
	}()

	if e := act.Execute(); e != nil {
		if errors.Is(e, ErrActuation) {
			err = e
		} else {
			err = fmt.Errorf("%w: %s: %w", ErrActuation, a.name, e)
		}
	}
}

// Busy reports whether an action is running.
func (a *Async) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Wait blocks until the running action, if any, has finished and returns the
// error of the last finished action.
func (a *Async) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Run waits for the executor to become idle, executes act and waits for it
// to finish. Calibration and backlash measurements use it where every step
// must complete before the next exposure.
func (a *Async) Run(ctx context.Context, act Action) error {
	for !a.Execute(act) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the previous action's error belongs to whoever issued it
		_ = a.Wait(ctx)
	}
	return a.Wait(ctx)
}

// ConsecutiveFailures returns how many actions in a row have failed.
func (a *Async) ConsecutiveFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// Executed returns how many actions have finished.
func (a *Async) Executed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executed
}
