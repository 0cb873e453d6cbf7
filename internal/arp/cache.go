// Package arp implements spec.md §4.4: the neighbor cache and the
// request/reply state machine built on top of it. This is the component
// the spec calls out as the hardest single piece of the system (§2:
// "~50%" of the core). The cache data model is grounded on
// internal/liveness/session.go's pattern of a mutex-guarded struct with an
// explicit state enum and monotonic timestamps, generalized here to a
// fixed-capacity array of slots rather than one struct per peer, since
// spec.md §3 requires a bounded pool with eviction rather than an
// unbounded per-peer map.
package arp

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/ustacklabs/ustackd/internal/config"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// State is a neighbor-cache slot's state tag (spec.md §3).
type State uint8

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
	StateStatic
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateResolved:
		return "RESOLVED"
	case StateStatic:
		return "STATIC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ProtoAddr is an IPv4 address in network byte order, used as the cache
// key.
type ProtoAddr [4]byte

func (p ProtoAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", p[0], p[1], p[2], p[3])
}

type slot struct {
	state   State
	pa      ProtoAddr
	ha      iface.MAC
	updated time.Time // last state-change timestamp (eviction key)

	// retransmit tracks how long this slot has been INCOMPLETE, for
	// Sweep's expiry check. It does not throttle re-broadcasts: Resolve
	// re-broadcasts on every call. Non-nil only for INCOMPLETE slots.
	retransmit *backoff.ExponentialBackOff
}

// Cache is the fixed-capacity, mutex-guarded neighbor-cache array (spec.md
// §3: "a fixed-capacity pool (default 32)").
type Cache struct {
	clock   clockwork.Clock
	mu      chan struct{} // binary semaphore; see lock/unlock below
	entries [config.ARPCacheCapacity]slot
}

// NewCache builds an empty cache. clock is injected so tests can control
// eviction ordering and INCOMPLETE expiry deterministically.
func NewCache(clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cache{clock: clock, mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c
}

func (c *Cache) lock()   { <-c.mu }
func (c *Cache) unlock() { c.mu <- struct{}{} }

// findLocked returns the index of the non-FREE slot holding pa, or -1.
func (c *Cache) findLocked(pa ProtoAddr) int {
	for i := range c.entries {
		if c.entries[i].state != StateFree && c.entries[i].pa == pa {
			return i
		}
	}
	return -1
}

// allocateLocked returns a slot index ready to be overwritten: a FREE slot
// if one exists, otherwise the oldest non-STATIC slot by timestamp
// (property P3). Returns -1 if every slot is STATIC.
func (c *Cache) allocateLocked() int {
	for i := range c.entries {
		if c.entries[i].state == StateFree {
			return i
		}
	}
	oldest := -1
	for i := range c.entries {
		if c.entries[i].state == StateStatic {
			continue
		}
		if oldest == -1 || c.entries[i].updated.Before(c.entries[oldest].updated) {
			oldest = i
		}
	}
	return oldest
}

func newRetransmitBackoff(clock clockwork.Clock, now time.Time) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = config.ARPIncompleteExpiry
	b.MaxElapsedTime = config.ARPIncompleteExpiry
	b.Clock = backoffClock{clock}
	b.Reset()
	return b
}

// backoffClock adapts clockwork.Clock to backoff.Clock (both expose
// Now() time.Time, so embedding is enough to satisfy the interface).
type backoffClock struct{ clockwork.Clock }

// ResolveAction is the outcome of BeginResolve's locked decision step.
type ResolveAction uint8

const (
	ActionFound ResolveAction = iota
	ActionAlreadyIncomplete
	ActionNewIncomplete
)

// BeginResolve implements the locked decision portion of spec.md §4.4's
// resolve algorithm (its three numbered steps), returning before any
// network emission happens — the lock is released (via defer) before
// BeginResolve returns, so the caller is free to broadcast outside it,
// exactly as the spec requires.
func (c *Cache) BeginResolve(pa ProtoAddr) (action ResolveAction, ha iface.MAC, err error) {
	c.lock()
	defer c.unlock()

	idx := c.findLocked(pa)
	if idx == -1 {
		idx, err = c.insertIncompleteLocked(pa)
		if err != nil {
			return 0, iface.MAC{}, err
		}
		return ActionNewIncomplete, iface.MAC{}, nil
	}

	if c.entries[idx].state == StateIncomplete {
		return ActionAlreadyIncomplete, iface.MAC{}, nil
	}
	return ActionFound, c.entries[idx].ha, nil
}

// insertIncompleteLocked allocates a slot for pa in the INCOMPLETE state,
// evicting the oldest non-STATIC entry if the cache is full (property P3).
// Returns stackerr.ErrResourceExhausted if every slot is STATIC.
func (c *Cache) insertIncompleteLocked(pa ProtoAddr) (int, error) {
	idx := c.allocateLocked()
	if idx == -1 {
		return -1, fmt.Errorf("arp: cache full of STATIC entries: %w", stackerr.ErrResourceExhausted)
	}
	now := c.clock.Now()
	c.entries[idx] = slot{
		state:      StateIncomplete,
		pa:         pa,
		updated:    now,
		retransmit: newRetransmitBackoff(c.clock, now),
	}
	return idx, nil
}

// Update implements spec.md §4.4's "attempt update(SPA, SHA)" step: if a
// cache entry for pa exists, its hardware address is set, it transitions
// to RESOLVED, its timestamp refreshes, and merged=true is returned. A
// STATIC entry is reported as merged (so the caller never attempts to
// insert a duplicate, preserving P1) but is left byte-for-byte unchanged
// (preserving P2). If no entry exists for pa, merged=false.
func (c *Cache) Update(pa ProtoAddr, ha iface.MAC) (merged bool) {
	c.lock()
	defer c.unlock()

	idx := c.findLocked(pa)
	if idx == -1 {
		return false
	}
	if c.entries[idx].state == StateStatic {
		return true
	}
	c.entries[idx].ha = ha
	c.entries[idx].state = StateResolved
	c.entries[idx].updated = c.clock.Now()
	c.entries[idx].retransmit = nil
	return true
}

// Insert implements the "if not merged above, insert a fresh (SPA, SHA,
// RESOLVED) entry" step.
func (c *Cache) Insert(pa ProtoAddr, ha iface.MAC) error {
	c.lock()
	defer c.unlock()

	idx := c.allocateLocked()
	if idx == -1 {
		return fmt.Errorf("arp: cache full of STATIC entries: %w", stackerr.ErrResourceExhausted)
	}
	c.entries[idx] = slot{state: StateResolved, pa: pa, ha: ha, updated: c.clock.Now()}
	return nil
}

// InsertStatic installs an administrator-provisioned entry that the
// protocol path never evicts or rewrites.
func (c *Cache) InsertStatic(pa ProtoAddr, ha iface.MAC) error {
	c.lock()
	defer c.unlock()

	if idx := c.findLocked(pa); idx != -1 {
		c.entries[idx] = slot{state: StateStatic, pa: pa, ha: ha, updated: c.clock.Now()}
		return nil
	}
	idx := c.allocateLocked()
	if idx == -1 {
		return fmt.Errorf("arp: cache full of STATIC entries: %w", stackerr.ErrResourceExhausted)
	}
	c.entries[idx] = slot{state: StateStatic, pa: pa, ha: ha, updated: c.clock.Now()}
	return nil
}

// Lookup returns a snapshot of the entry for pa, if any.
func (c *Cache) Lookup(pa ProtoAddr) (state State, ha iface.MAC, ok bool) {
	c.lock()
	defer c.unlock()
	idx := c.findLocked(pa)
	if idx == -1 {
		return StateFree, iface.MAC{}, false
	}
	return c.entries[idx].state, c.entries[idx].ha, true
}

// Snapshot returns every non-FREE entry, for the ctrlsock `neigh` dump.
type Entry struct {
	State   State
	PA      ProtoAddr
	HA      iface.MAC
	Updated time.Time
}

func (c *Cache) Snapshot() []Entry {
	c.lock()
	defer c.unlock()
	var out []Entry
	for _, s := range c.entries {
		if s.state == StateFree {
			continue
		}
		out = append(out, Entry{State: s.state, PA: s.pa, HA: s.ha, Updated: s.updated})
	}
	return out
}

// Sweep evicts INCOMPLETE entries whose retransmit backoff returns Stop,
// i.e. whose elapsed time plus the next backoff interval exceeds
// MaxElapsedTime (spec.md §9's open question: bound how long an
// unanswered INCOMPLETE may occupy a slot). It returns the protocol
// addresses evicted, so a caller may log or count them.
func (c *Cache) Sweep() []ProtoAddr {
	c.lock()
	defer c.unlock()
	var evicted []ProtoAddr
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != StateIncomplete || e.retransmit == nil {
			continue
		}
		if e.retransmit.NextBackOff() == backoff.Stop {
			evicted = append(evicted, e.pa)
			*e = slot{}
		}
	}
	return evicted
}
