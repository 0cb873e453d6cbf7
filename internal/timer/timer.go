// Package timer implements spec.md §4.5's timer subsystem: a flat,
// append-only list of (interval, last-fire, callback) entries walked once
// per timer-tick notification. Per §9's "intrusive linked lists → owning
// sequences" design note, this is a growable owning slice rather than a
// threaded linked list.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Callback is invoked on the dispatch goroutine; it MUST NOT block, or the
// entire stack stalls (spec.md §4.5).
type Callback func(now time.Time)

type entry struct {
	interval time.Duration
	last     time.Time
	fn       Callback
}

// Wheel is the process-wide timer list. Registration is only safe before
// the owning dispatch loop starts; Tick is called exclusively from that
// loop afterward, so no synchronization is needed on the entries slice
// itself once running — only the started flag needs it, to reject late
// registration.
type Wheel struct {
	clock clockwork.Clock

	mu      sync.Mutex
	started bool
	entries []*entry
}

func New(clock clockwork.Clock) *Wheel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Wheel{clock: clock}
}

// Register appends a new timer entry. Panics if called after Start.
func (w *Wheel) Register(interval time.Duration, fn Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		panic("timer: Register called after Start")
	}
	w.entries = append(w.entries, &entry{
		interval: interval,
		last:     w.clock.Now(),
		fn:       fn,
	})
}

// Start marks the wheel read-only; called once by the dispatch loop before
// its first Tick.
func (w *Wheel) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
}

// Tick walks the list once; any entry whose elapsed time since its last
// fire is >= its interval fires exactly once, and last is advanced to now
// — a missed tick never fires a callback twice, and an overrun callback
// still fires exactly once on the next tick it is due (spec.md §4.5).
func (w *Wheel) Tick(now time.Time) {
	for _, e := range w.entries {
		if now.Sub(e.last) >= e.interval {
			e.last = now
			e.fn(now)
		}
	}
}

// Len reports the number of registered timers, for diagnostics and tests.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
