// Package iface implements the device and interface abstraction from
// spec.md §6: a device exposes open/close/transmit and declares its type,
// MTU, hardware address, and broadcast address; at most one interface per
// (device, family) pair is admitted. A TAPDevice backs this onto the
// host's /dev/net/tun, grounded on the tunnel-device setup in the pack's
// netlink/routing packages (internal/netlink/tunnel.go,
// internal/routing/tunnel.go elsewhere in this tree).
package iface

import (
	"fmt"
	"sync"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// State is a device's administrative state.
type State uint8

const (
	StateDown State = iota
	StateUp
)

func (s State) String() string {
	if s == StateUp {
		return "up"
	}
	return "down"
}

// Device is the contract every link-layer device must satisfy (spec.md §6).
type Device interface {
	Name() string
	MTU() int
	HWAddr() MAC
	BroadcastAddr() MAC
	State() State

	Open() error
	Close() error

	// Transmit sends payload, framed with et, to dst. It rejects frames
	// whose payload exceeds MTU, and requires the device be Up.
	Transmit(et EtherType, payload []byte, dst MAC) error

	// Recv blocks until a raw Ethernet frame (including its 14-byte
	// header) is available, or the device is closed.
	Recv(buf []byte) (n int, err error)
}

// BaseDevice implements the Transmit precondition checks shared by every
// Device implementation (oversize rejection, up/down enforcement), so
// concrete devices only need to implement the actual I/O.
type BaseDevice struct {
	mu    sync.RWMutex
	name  string
	mtu   int
	hw    MAC
	bcast MAC
	state State
}

func NewBaseDevice(name string, mtu int, hw, bcast MAC) *BaseDevice {
	return &BaseDevice{name: name, mtu: mtu, hw: hw, bcast: bcast, state: StateDown}
}

func (d *BaseDevice) Name() string          { return d.name }
func (d *BaseDevice) MTU() int              { return d.mtu }
func (d *BaseDevice) HWAddr() MAC           { return d.hw }
func (d *BaseDevice) BroadcastAddr() MAC    { return d.bcast }
func (d *BaseDevice) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *BaseDevice) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// CheckTransmit enforces spec.md §6's device contract: Up state required,
// payload must not exceed MTU. Concrete devices call this before doing any
// I/O.
func (d *BaseDevice) CheckTransmit(payload []byte) error {
	if d.State() != StateUp {
		return fmt.Errorf("iface: transmit on down device %q: %w", d.name, stackerr.ErrPrecondition)
	}
	if len(payload) > d.mtu {
		return fmt.Errorf("iface: payload %d exceeds MTU %d on %q: %w", len(payload), d.mtu, d.name, stackerr.ErrPrecondition)
	}
	return nil
}
