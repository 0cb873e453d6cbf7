package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestWheel_FiresExactlyOncePerDueTick(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	w := New(clock)

	var fires int
	w.Register(10*time.Millisecond, func(time.Time) { fires++ })
	w.Start()

	// Not yet due.
	w.Tick(clock.Now())
	require.Equal(t, 0, fires)

	clock.Advance(10 * time.Millisecond)
	w.Tick(clock.Now())
	require.Equal(t, 1, fires)

	// A missed interval (overrun) does not cause a double-fire; only one
	// fire happens on the next due tick.
	clock.Advance(25 * time.Millisecond)
	w.Tick(clock.Now())
	require.Equal(t, 2, fires)
}

func TestWheel_RegisterAfterStartPanics(t *testing.T) {
	t.Parallel()

	w := New(clockwork.NewFakeClock())
	w.Start()

	require.Panics(t, func() {
		w.Register(time.Second, func(time.Time) {})
	})
}
