// Package proto implements spec.md §4.3's protocol registry and ingress
// path: an append-only list of (EtherType, FIFO, handler) tuples, fed by
// Input (the ISR-equivalent call from a device's read loop) and drained in
// registration order by the dispatch goroutine's softirq handler.
package proto

import (
	"fmt"
	"sync"

	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Frame is one ingress queue entry: the source device, and the payload
// bytes copied out of the read buffer (spec.md §3's "ingress queue entry").
type Frame struct {
	Device  iface.Device
	Payload []byte
}

// Handler processes one ingress frame. It runs on the dispatch goroutine
// with no stack locks held (spec.md §4.3); it must not block.
type Handler func(f Frame)

type registration struct {
	et      iface.EtherType
	handler Handler
	queue   chan Frame
}

// Registry is the process-wide protocol table plus per-protocol FIFOs.
type Registry struct {
	mu        sync.Mutex
	started   bool
	order     []*registration
	byType    map[iface.EtherType]*registration
	queueSize int
}

// New builds an empty registry. queueSize bounds each protocol's FIFO;
// Input reports stackerr.ErrResourceExhausted once a protocol's queue is
// full rather than blocking the calling read loop.
func New(queueSize int) *Registry {
	return &Registry{
		byType:    make(map[iface.EtherType]*registration),
		queueSize: queueSize,
	}
}

// Register appends a new (EtherType, handler) entry. Append-only: panics
// if called after Start. Registering the same EtherType twice is a
// programming error and also panics.
func (r *Registry) Register(et iface.EtherType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("proto: Register called after Start")
	}
	if _, exists := r.byType[et]; exists {
		panic(fmt.Sprintf("proto: EtherType %#04x already registered", uint16(et)))
	}
	reg := &registration{et: et, handler: h, queue: make(chan Frame, r.queueSize)}
	r.order = append(r.order, reg)
	r.byType[et] = reg
}

// Start marks the registry read-only; called once by the dispatch loop.
func (r *Registry) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

// Input is the ISR-equivalent entry point: called from a device's read
// loop with a freshly read frame's EtherType and payload. Unknown
// EtherTypes are silently dropped (spec.md §4.3). A full queue reports
// ErrResourceExhausted and drops the frame; it never blocks the reader.
func (r *Registry) Input(et iface.EtherType, payload []byte, dev iface.Device) error {
	reg, ok := r.byType[et]
	if !ok {
		return nil // unknown type: silent drop, per spec.md §4.3
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case reg.queue <- Frame{Device: dev, Payload: cp}:
		return nil
	default:
		return fmt.Errorf("proto: queue full for ethertype %#04x: %w", uint16(et), stackerr.ErrResourceExhausted)
	}
}

// DrainAll walks every registered protocol in registration order,
// repeatedly popping and invoking its handler until that protocol's queue
// is empty, then advances to the next — spec.md §4.3's softirq drain.
// Ingress ordering within one protocol is preserved because a single
// channel is a FIFO (property P6).
func (r *Registry) DrainAll() {
	for _, reg := range r.order {
	drain:
		for {
			select {
			case f := <-reg.queue:
				reg.handler(f)
			default:
				break drain
			}
		}
	}
}
