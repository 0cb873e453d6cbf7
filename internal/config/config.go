// Package config holds the fixed tuning constants for the stack: cache
// sizing, timer granularity, and default MTU. These are compile-time
// defaults, not a dynamic config file — the stack has no hot-reloadable
// configuration surface, unlike the teacher daemon's on-chain config.
package config

import "time"

const (
	// ARPCacheCapacity is the fixed number of neighbor-cache slots
	// (spec.md §3: "a fixed-capacity pool (default 32)").
	ARPCacheCapacity = 32

	// ARPIncompleteExpiry bounds how long an INCOMPLETE entry may occupy
	// a slot without a matching reply before it is evicted to FREE
	// (spec.md §9 Open Question resolution).
	ARPIncompleteExpiry = 1 * time.Second

	// DispatchTickInterval is the host interval-timer period driving
	// timer-tick notifications (spec.md §4.2, "raised ~every 1 ms").
	DispatchTickInterval = 1 * time.Millisecond

	// DefaultMTU is used when a device does not report its own MTU.
	DefaultMTU = 1500

	// IngressQueueCapacity bounds each protocol's FIFO before Input
	// reports resource exhaustion.
	IngressQueueCapacity = 1024

	// DispatchNotifyCapacity bounds the buffered notification channel
	// driving the event thread; producers (ISR, timers, user events)
	// must never block on a full dispatcher.
	DispatchNotifyCapacity = 256
)
