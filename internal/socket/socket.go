// Package socket implements spec.md §3's "socket-like endpoint": the
// Read/Write/Close lifecycle every blocking application-facing primitive
// in this stack is built from, wrapping exactly one internal/sched.Context
// per endpoint (spec.md: "one sched.Context per Endpoint").
package socket

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ustacklabs/ustackd/internal/sched"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Endpoint is a generic blocking byte-queue: Write appends and wakes any
// blocked reader, Read blocks until data is available, and Close
// interrupts every blocked caller permanently.
type Endpoint struct {
	sched *sched.Context

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func NewEndpoint(clock clockwork.Clock) *Endpoint {
	return &Endpoint{sched: sched.NewContext(clock)}
}

// Write appends payload to the endpoint's buffer and wakes any goroutine
// parked in Read.
func (e *Endpoint) Write(payload []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, stackerr.ErrShutdown
	}
	n, _ := e.buf.Write(payload)
	e.mu.Unlock()
	e.sched.Wakeup()
	return n, nil
}

// Read blocks until at least one byte is queued, ctx is canceled, or the
// endpoint is closed.
func (e *Endpoint) Read(ctx context.Context, out []byte) (int, error) {
	for {
		e.mu.Lock()
		if e.buf.Len() > 0 {
			n, _ := e.buf.Read(out)
			e.mu.Unlock()
			return n, nil
		}
		if e.closed {
			e.mu.Unlock()
			return 0, stackerr.ErrShutdown
		}
		e.mu.Unlock()

		e.sched.Mu.Lock()
		err := e.sched.Sleep(ctx, time.Time{})
		e.sched.Mu.Unlock()
		if err != nil {
			if errors.Is(err, stackerr.ErrInterrupted) {
				// Close interrupts parked readers; loop to report
				// ErrShutdown (or drain any bytes still queued).
				continue
			}
			return 0, err
		}
	}
}

// Close marks the endpoint closed and interrupts every blocked Read, which
// then returns stackerr.ErrShutdown once drained (spec.md §3, property P7).
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.sched.Interrupt()
	return nil
}

// Waiters exposes the scheduler context's parked-reader count, for tests
// and /diag-style introspection.
func (e *Endpoint) Waiters() int { return e.sched.Waiters() }
