// Package ipv4 implements spec.md §4's IPv4 datagram engine — a peripheral
// consumer of the dispatch core, specified (per spec.md §1) only by its
// interface to ARP and the protocol registry: egress resolves the next hop
// via internal/arp, ingress is a proto.Handler registered for
// iface.EtherTypeIPv4. Single-fragment datagrams only (spec.md Non-goals);
// fragmented datagrams are dropped, not reassembled.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/proto"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Protocol is an IPv4 protocol-number, used by the UDP/TCP/ICMP demux
// table (internal/ipv4.Engine.RegisterProtocol).
type Protocol uint8

const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

const (
	minHeaderLen  = 20
	flagMoreFrags = 0x2000 // MF bit within the combined flags+fragoffset field
	fragOffsetMsk = 0x1fff
)

// Datagram is a parsed IPv4 header plus payload.
type Datagram struct {
	TTL      uint8
	Protocol Protocol
	Src, Dst [4]byte
	ID       uint16
	Payload  []byte
}

// ProtocolHandler processes one reassembled (single-fragment) datagram.
type ProtocolHandler func(d Datagram, dev iface.Device)

// Engine is the IPv4 egress/ingress path. It is deliberately small: header
// validation, checksum, fragmentation-boundary enforcement, and ARP
// integration are the whole of its job.
type Engine struct {
	log      *slog.Logger
	resolver *arp.Resolver
	ifaces   *iface.Registry

	handlers map[Protocol]ProtocolHandler

	metricDropsShort     Counter
	metricDropsChecksum  Counter
	metricDropsFragment  Counter
}

// Counter is a minimal increment-only counter interface so Engine does not
// force a particular metrics backend on callers that don't want one.
type Counter interface{ Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewEngine(log *slog.Logger, resolver *arp.Resolver, ifaces *iface.Registry) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:                 log,
		resolver:            resolver,
		ifaces:              ifaces,
		handlers:            make(map[Protocol]ProtocolHandler),
		metricDropsShort:    noopCounter{},
		metricDropsChecksum: noopCounter{},
		metricDropsFragment: noopCounter{},
	}
}

// RegisterProtocol adds a demux entry for IPv4 protocol number p. Not
// append-only in the way the dispatch core's registries are — IPv4's own
// demux table has no ISR/softirq ordering requirement, it is only consulted
// synchronously from Handler.
func (e *Engine) RegisterProtocol(p Protocol, h ProtocolHandler) {
	e.handlers[p] = h
}

// Handler returns a proto.Handler for
// proto.Registry.Register(iface.EtherTypeIPv4, engine.Handler()).
func (e *Engine) Handler() proto.Handler {
	return func(f proto.Frame) {
		e.input(f.Device, f.Payload)
	}
}

func (e *Engine) input(dev iface.Device, raw []byte) {
	d, fragmented, err := unmarshal(raw)
	if err != nil {
		e.log.Debug("ipv4: dropping invalid datagram", "error", err, "device", dev.Name())
		e.metricDropsShort.Inc()
		return
	}
	if fragmented {
		e.log.Debug("ipv4: dropping fragmented datagram (single-fragment only)", "src", d.Src, "id", d.ID)
		e.metricDropsFragment.Inc()
		return
	}

	h, ok := e.handlers[d.Protocol]
	if !ok {
		return
	}
	h(d, dev)
}

// Send transmits payload as an IPv4 datagram from dev's configured
// address to dst. It resolves dst's next-hop MAC via ARP; if resolution
// is still in flight, it returns stackerr.ErrPending and the caller should
// retry (spec.md §2's egress data-flow description).
func (e *Engine) Send(dev iface.Device, p Protocol, dst [4]byte, payload []byte) error {
	ifc, ok := e.ifaces.IPv4For(dev.Name())
	if !ok {
		return fmt.Errorf("ipv4: %s has no IPv4 interface: %w", dev.Name(), stackerr.ErrPrecondition)
	}

	var hw iface.MAC
	res, err := e.resolver.Resolve(dev, arp.ProtoAddr(dst), &hw)
	if err != nil {
		return err
	}
	if res != arp.FOUND {
		return fmt.Errorf("ipv4: resolving %v: %w", net.IP(dst[:]), stackerr.ErrPending)
	}

	datagram := marshal(p, to4(ifc.IPv4.Addr), dst, payload)
	return dev.Transmit(iface.EtherTypeIPv4, datagram, hw)
}

func to4(ip net.IP) [4]byte {
	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}

// marshal builds a minimal (no options) IPv4 header followed by payload.
func marshal(p Protocol, src, dst [4]byte, payload []byte) []byte {
	total := minHeaderLen + len(payload)
	b := make([]byte, total)
	b[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	b[1] = 0    // ToS
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], 0) // identification
	binary.BigEndian.PutUint16(b[6:8], 0) // flags/frag offset: not fragmented
	b[8] = 64                             // TTL
	b[9] = byte(p)
	binary.BigEndian.PutUint16(b[10:12], 0) // checksum placeholder
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], checksum(b[0:minHeaderLen]))
	copy(b[minHeaderLen:], payload)
	return b
}

func unmarshal(b []byte) (d Datagram, fragmented bool, err error) {
	if len(b) < minHeaderLen {
		return Datagram{}, false, fmt.Errorf("ipv4: short header (%d bytes): %w", len(b), stackerr.ErrValidation)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < minHeaderLen || len(b) < ihl {
		return Datagram{}, false, fmt.Errorf("ipv4: bad IHL %d: %w", ihl, stackerr.ErrValidation)
	}
	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	if totalLen > len(b) {
		return Datagram{}, false, fmt.Errorf("ipv4: total length %d exceeds frame %d: %w", totalLen, len(b), stackerr.ErrValidation)
	}
	if checksum(b[0:ihl]) != 0 {
		return Datagram{}, false, fmt.Errorf("ipv4: bad header checksum: %w", stackerr.ErrValidation)
	}

	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	fragmented = flagsFrag&flagMoreFrags != 0 || flagsFrag&fragOffsetMsk != 0

	d.ID = binary.BigEndian.Uint16(b[4:6])
	d.TTL = b[8]
	d.Protocol = Protocol(b[9])
	copy(d.Src[:], b[12:16])
	copy(d.Dst[:], b[16:20])
	d.Payload = b[ihl:totalLen]
	return d, fragmented, nil
}

// checksum computes the IPv4 header ones'-complement checksum.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum16 is exported for use by UDP/TCP/ICMP pseudo-header checksums.
func Checksum16(b []byte) uint16 { return checksum(b) }

// HeaderBytes reconstructs a minimal (no options) IPv4 header for d. Used
// by internal/icmpv4's destination-unreachable quoting (RFC 792): once a
// Datagram has been parsed, the original header bytes are gone, so this
// rebuilds an equivalent header from the fields Datagram retained.
func HeaderBytes(d Datagram) []byte {
	b := make([]byte, minHeaderLen)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(minHeaderLen+len(d.Payload)))
	binary.BigEndian.PutUint16(b[4:6], d.ID)
	b[8] = d.TTL
	b[9] = byte(d.Protocol)
	copy(b[12:16], d.Src[:])
	copy(b[16:20], d.Dst[:])
	binary.BigEndian.PutUint16(b[10:12], checksum(b[0:minHeaderLen]))
	return b
}
