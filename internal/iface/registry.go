package iface

import (
	"fmt"
	"net"
	"sync"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Family is an address family an Interface can be configured for. The
// stack only ever admits one family today (spec.md Non-goals: IPv6,
// multi-interface routing out of scope), but the registry is keyed this
// way to make that an enforced invariant rather than an accident.
type Family uint8

const (
	FamilyIPv4 Family = iota
)

// IPv4Config is the address configuration spec.md §6 requires every IPv4
// interface to carry.
type IPv4Config struct {
	Addr      net.IP
	Netmask   net.IPMask
	Broadcast net.IP
}

// Interface binds a Device to an address family configuration.
type Interface struct {
	Device Device
	Family Family
	IPv4   IPv4Config
}

// Registry enforces spec.md §6's interface contract: each (device, family)
// pair admits at most one interface.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Interface
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Interface)}
}

func key(devName string, f Family) string {
	return fmt.Sprintf("%s/%d", devName, f)
}

// Add registers iface.Device under iface.Family. Returns ErrPrecondition if
// that (device, family) pair is already registered.
func (r *Registry) Add(ifc *Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ifc.Device.Name(), ifc.Family)
	if _, exists := r.byID[k]; exists {
		return fmt.Errorf("iface: interface already exists for %s: %w", k, stackerr.ErrPrecondition)
	}
	r.byID[k] = ifc
	return nil
}

// Lookup returns the interface registered for (devName, f).
func (r *Registry) Lookup(devName string, f Family) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifc, ok := r.byID[key(devName, f)]
	return ifc, ok
}

// IPv4For returns the IPv4 interface on devName, used by the ARP resolver
// to decide whether a received frame's TPA matches our own address
// (spec.md §4.4).
func (r *Registry) IPv4For(devName string) (*Interface, bool) {
	return r.Lookup(devName, FamilyIPv4)
}

// All returns every registered interface, for CLI status dumps.
func (r *Registry) All() []*Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Interface, 0, len(r.byID))
	for _, ifc := range r.byID {
		out = append(out, ifc)
	}
	return out
}
