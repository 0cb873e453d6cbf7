// Package stackerr defines the sentinel error taxonomy shared across the
// stack's packages. Handlers invoked on the dispatch goroutine log and
// return one of these wrapped; they never panic across the goroutine
// boundary into the dispatcher.
package stackerr

import "errors"

var (
	// ErrValidation marks a dropped frame: short length, wrong hardware
	// type, bad protocol field. Always logged, never surfaced as a
	// caller-visible failure.
	ErrValidation = errors.New("invalid input")

	// ErrResourceExhausted marks an allocation failure or a full queue.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPrecondition marks a caller error: unsupported address family,
	// transmit on a down device, oversize frame.
	ErrPrecondition = errors.New("precondition violation")

	// ErrInterrupted is returned by sched.Sleep when the scheduler
	// context was interrupted while the caller was parked.
	ErrInterrupted = errors.New("interrupted")

	// ErrTimeout is returned by sched.Sleep when a deadline elapsed
	// before a wakeup.
	ErrTimeout = errors.New("timed out")

	// ErrDeviceIO marks a failure in the underlying device transmit/read
	// path. No stack state is corrupted when this is returned.
	ErrDeviceIO = errors.New("device i/o error")

	// ErrPending is returned by IPv4 egress when ARP resolution is
	// in flight; it is not an error, it is a first-class retry signal.
	ErrPending = errors.New("address resolution pending")

	// ErrShutdown is returned by socket.Endpoint and tcp.Conn/Listener
	// calls once the endpoint is closed or no more data will arrive.
	ErrShutdown = errors.New("stack shut down")
)
