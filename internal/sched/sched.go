// Package sched provides the only mechanism by which user (application)
// threads block inside the stack: a sleep/wakeup/interrupt primitive built
// on a condition variable, matching spec §3's "scheduler context" and
// §4.1's sleep/wakeup/interrupt trio. Every wait is cancellable, either by
// an explicit Interrupt or by the caller's context.Context.
//
// The locking discipline is the standard sync.Cond one: the caller holds
// the Context's mutex (Mu) both when mutating endpoint state and when
// calling Sleep; Sleep atomically releases it while parked and reacquires
// it before returning, exactly like spec.md's "atomically releases mutex,
// parks the caller ... re-acquires on wake".
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Context is a per-endpoint scheduler context: a condition variable, a
// waiter count, and an interrupted flag (spec.md §3).
type Context struct {
	Mu sync.Mutex

	cond        *sync.Cond
	clock       clockwork.Clock
	waiters     int
	interrupted bool
	wakeGen     uint64
}

// NewContext builds a scheduler context. clock may be clockwork.NewRealClock()
// in production or clockwork.NewFakeClock() in tests, so deadline-driven
// tests never sleep in wall-clock time.
func NewContext(clock clockwork.Clock) *Context {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Context{clock: clock}
	c.cond = sync.NewCond(&c.Mu)
	return c
}

// Sleep parks the calling goroutine until Wakeup, Interrupt, ctx
// cancellation, or deadline expiry, whichever comes first. deadline may be
// the zero Time to mean "no deadline". The caller MUST hold c.Mu.
func (c *Context) Sleep(ctx context.Context, deadline time.Time) error {
	if c.interrupted {
		return stackerr.ErrInterrupted
	}

	c.waiters++
	startGen := c.wakeGen

	var timedOut bool
	var timer clockwork.Timer
	if !deadline.IsZero() {
		d := deadline.Sub(c.clock.Now())
		if d <= 0 {
			c.waiters--
			return stackerr.ErrTimeout
		}
		timer = c.clock.AfterFunc(d, func() {
			c.Mu.Lock()
			timedOut = true
			c.cond.Broadcast()
			c.Mu.Unlock()
		})
	}

	var ctxDone bool
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				c.Mu.Lock()
				ctxDone = true
				c.cond.Broadcast()
				c.Mu.Unlock()
			case <-stop:
			}
		}()
	}

	for c.wakeGen == startGen && !c.interrupted && !timedOut && !ctxDone {
		c.cond.Wait()
	}

	c.waiters--
	if timer != nil {
		timer.Stop()
	}

	interrupted := c.interrupted
	if c.waiters == 0 {
		// Drain complete: the flag's job is done regardless of whether
		// this particular waiter was the one that got interrupted.
		c.interrupted = false
	}

	switch {
	case interrupted:
		return stackerr.ErrInterrupted
	case ctxDone:
		return ctx.Err()
	case timedOut:
		return stackerr.ErrTimeout
	default:
		return nil
	}
}

// Wakeup wakes every waiter currently parked in Sleep with a nil error.
func (c *Context) Wakeup() {
	c.Mu.Lock()
	c.wakeGen++
	c.cond.Broadcast()
	c.Mu.Unlock()
}

// Interrupt sets the interrupted flag and broadcasts. Every waiter parked
// now, and every thread that subsequently calls Sleep, returns
// stackerr.ErrInterrupted until the flag auto-clears once waiterCount
// returns to zero (spec.md §3, property P7).
func (c *Context) Interrupt() {
	c.Mu.Lock()
	c.interrupted = true
	c.cond.Broadcast()
	if c.waiters == 0 {
		// No one to drain: the condition is trivially satisfied already.
		c.interrupted = false
	}
	c.Mu.Unlock()
}

// Waiters reports the current number of parked goroutines, for tests and
// diagnostics.
func (c *Context) Waiters() int {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.waiters
}
