package arp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/proto"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Opcode is the ARP operation field.
type Opcode uint16

const (
	OpRequest Opcode = 1
	OpReply   Opcode = 2
)

const (
	hwTypeEthernet  = 1
	protoTypeIPv4   = 0x0800
	hwAddrLen       = 6
	protoAddrLen    = 4
	wireLen         = 8 + 2*hwAddrLen + 2*protoAddrLen // 28 bytes
)

// Result is the public status code spec.md §4.4/§6 defines for Resolve.
type Result uint8

const (
	FOUND Result = iota
	INCOMPLETE
	ERROR
)

func (r Result) String() string {
	switch r {
	case FOUND:
		return "FOUND"
	case INCOMPLETE:
		return "INCOMPLETE"
	default:
		return "ERROR"
	}
}

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ustackd_arp_cache_hits_total",
		Help: "Resolve calls answered FOUND from the cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ustackd_arp_cache_misses_total",
		Help: "Resolve calls that allocated a new INCOMPLETE entry.",
	})
	metricRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ustackd_arp_retransmits_total",
		Help: "Resolve calls that re-broadcast an already-INCOMPLETE entry.",
	})
	metricIncompleteEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ustackd_arp_incomplete_expired_total",
		Help: "INCOMPLETE entries evicted by Sweep without a reply.",
	})
)

// Resolver is the ARP protocol handler and the public resolve() entry
// point IP egress calls (spec.md §4.4).
type Resolver struct {
	log      *slog.Logger
	cache    *Cache
	ifaces   *iface.Registry
}

func NewResolver(log *slog.Logger, cache *Cache, ifaces *iface.Registry) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log, cache: cache, ifaces: ifaces}
}

// Resolve implements spec.md §4.4's resolve(iface, protocol_addr,
// out_hw_addr). dev must have an IPv4 interface registered; otherwise
// ERROR is returned.
func (r *Resolver) Resolve(dev iface.Device, pa ProtoAddr, out *iface.MAC) (Result, error) {
	ifc, ok := r.ifaces.IPv4For(dev.Name())
	if !ok {
		return ERROR, fmt.Errorf("arp: %s has no IPv4 interface: %w", dev.Name(), stackerr.ErrPrecondition)
	}

	action, ha, err := r.cache.BeginResolve(pa)
	if err != nil {
		return ERROR, err
	}

	switch action {
	case ActionFound:
		*out = ha
		metricCacheHits.Inc()
		return FOUND, nil
	case ActionAlreadyIncomplete:
		metricRetransmits.Inc()
		r.broadcastRequest(dev, ifc, pa)
		return INCOMPLETE, nil
	default: // ActionNewIncomplete
		metricCacheMisses.Inc()
		r.broadcastRequest(dev, ifc, pa)
		return INCOMPLETE, nil
	}
}

func (r *Resolver) broadcastRequest(dev iface.Device, ifc *iface.Interface, target ProtoAddr) {
	pkt := marshal(OpRequest, dev.HWAddr(), ipToPA4(ifc.IPv4.Addr), iface.MAC{}, target)
	if err := dev.Transmit(iface.EtherTypeARP, pkt, iface.Broadcast); err != nil {
		r.log.Warn("arp: request transmit failed", "error", err, "target", target)
	}
}

func ipToPA4(ip []byte) ProtoAddr {
	var pa ProtoAddr
	if len(ip) >= 4 {
		copy(pa[:], ip[len(ip)-4:])
	}
	return pa
}

// marshal builds a 28-byte ARP-over-Ethernet-IPv4 packet per RFC 826.
func marshal(op Opcode, sha iface.MAC, spa ProtoAddr, tha iface.MAC, tpa ProtoAddr) []byte {
	b := make([]byte, wireLen)
	binary.BigEndian.PutUint16(b[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], protoTypeIPv4)
	b[4] = hwAddrLen
	b[5] = protoAddrLen
	binary.BigEndian.PutUint16(b[6:8], uint16(op))
	copy(b[8:14], sha[:])
	copy(b[14:18], spa[:])
	copy(b[18:24], tha[:])
	copy(b[24:28], tpa[:])
	return b
}

type parsed struct {
	op       Opcode
	sha, tha iface.MAC
	spa, tpa ProtoAddr
}

func unmarshal(b []byte) (parsed, error) {
	if len(b) < wireLen {
		return parsed{}, fmt.Errorf("arp: short packet (%d bytes): %w", len(b), stackerr.ErrValidation)
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	ptype := binary.BigEndian.Uint16(b[2:4])
	hlen, plen := b[4], b[5]
	if htype != hwTypeEthernet || hlen != hwAddrLen {
		return parsed{}, fmt.Errorf("arp: unsupported hardware type/len %d/%d: %w", htype, hlen, stackerr.ErrValidation)
	}
	if ptype != protoTypeIPv4 || plen != protoAddrLen {
		return parsed{}, fmt.Errorf("arp: unsupported protocol type/len %#04x/%d: %w", ptype, plen, stackerr.ErrValidation)
	}
	p := parsed{op: Opcode(binary.BigEndian.Uint16(b[6:8]))}
	copy(p.sha[:], b[8:14])
	copy(p.spa[:], b[14:18])
	copy(p.tha[:], b[18:24])
	copy(p.tpa[:], b[24:28])
	return p, nil
}

// Handler returns a proto.Handler suitable for
// proto.Registry.Register(iface.EtherTypeARP, resolver.Handler()) —
// spec.md §4.4's input(data, len, device) entry point.
func (r *Resolver) Handler() proto.Handler {
	return func(f proto.Frame) {
		r.input(f.Device, f.Payload)
	}
}

func (r *Resolver) input(dev iface.Device, payload []byte) {
	p, err := unmarshal(payload)
	if err != nil {
		r.log.Debug("arp: dropping invalid packet", "error", err, "device", dev.Name())
		return
	}

	merged := r.cache.Update(p.spa, p.sha)

	ifc, ok := r.ifaces.IPv4For(dev.Name())
	if !ok {
		return
	}
	ourAddr := ipToPA4(ifc.IPv4.Addr)
	if p.tpa != ourAddr {
		// Request/reply for a non-local target: conditional update above
		// already happened; nothing further to do (spec.md §4.4).
		return
	}

	if !merged {
		if err := r.cache.Insert(p.spa, p.sha); err != nil {
			r.log.Warn("arp: insert failed", "error", err, "spa", p.spa)
			return
		}
	}

	if p.op == OpRequest {
		reply := marshal(OpReply, dev.HWAddr(), ourAddr, p.sha, p.spa)
		if err := dev.Transmit(iface.EtherTypeARP, reply, p.sha); err != nil {
			r.log.Warn("arp: reply transmit failed", "error", err, "to", p.sha)
		}
	}
}

// Sweep evicts expired INCOMPLETE entries; intended to be registered as a
// timer callback (internal/timer.Wheel.Register) by the stack wiring code.
func (r *Resolver) Sweep(_ time.Time) {
	for range r.cache.Sweep() {
		metricIncompleteEvicted.Inc()
	}
}

// Cache exposes the underlying neighbor cache, e.g. for ctrlsock's neigh
// dump or installing STATIC entries.
func (r *Resolver) Cache() *Cache { return r.cache }
