package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

func TestSched_WakeupReturnsNil(t *testing.T) {
	t.Parallel()

	c := NewContext(clockwork.NewRealClock())
	done := make(chan error, 1)

	go func() {
		c.Mu.Lock()
		done <- c.Sleep(context.Background(), time.Time{})
		c.Mu.Unlock()
	}()
	// Give the goroutine a chance to park.
	time.Sleep(10 * time.Millisecond)
	c.Wakeup()

	require.NoError(t, <-done)
}

func TestSched_InterruptWakesParkedWaiter(t *testing.T) {
	t.Parallel()

	c := NewContext(clockwork.NewRealClock())
	done := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		c.Mu.Lock()
		wg.Done()
		done <- c.Sleep(context.Background(), time.Time{})
		c.Mu.Unlock()
	}()
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	c.Interrupt()

	require.ErrorIs(t, <-done, stackerr.ErrInterrupted)
}

func TestSched_InterruptThenSubsequentSleepIsInterruptedUntilDrain(t *testing.T) {
	t.Parallel()

	c := NewContext(clockwork.NewRealClock())

	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		first <- c.Sleep(context.Background(), time.Time{})
		<-release
	}()
	time.Sleep(10 * time.Millisecond)

	c.Interrupt()
	require.ErrorIs(t, <-first, stackerr.ErrInterrupted)

	// A second waiter entering before the first has drained must also see
	// the interrupted status (P7).
	c.Mu.Lock()
	err := c.Sleep(context.Background(), time.Time{})
	c.Mu.Unlock()
	require.ErrorIs(t, err, stackerr.ErrInterrupted)

	close(release)
}

func TestSched_DeadlineExpiryUsesFakeClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewContext(clock)
	done := make(chan error, 1)

	go func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		done <- c.Sleep(context.Background(), clock.Now().Add(time.Second))
	}()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(2 * time.Second)

	require.ErrorIs(t, <-done, stackerr.ErrTimeout)
}

func TestSched_ContextCancellation(t *testing.T) {
	t.Parallel()

	c := NewContext(clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		done <- c.Sleep(ctx, time.Time{})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSched_ZeroWaitersNeverSticksInterrupted(t *testing.T) {
	t.Parallel()

	c := NewContext(clockwork.NewRealClock())
	c.Interrupt()
	require.Equal(t, 0, c.Waiters())

	// Nothing was parked when Interrupt ran, so the flag cleared
	// immediately; a subsequent Sleep must park for a real Wakeup rather
	// than returning interrupted right away.
	done := make(chan error, 1)
	go func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		done <- c.Sleep(context.Background(), time.Time{})
	}()
	time.Sleep(10 * time.Millisecond)
	c.Wakeup()
	require.NoError(t, <-done)
}
