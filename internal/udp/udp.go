// Package udp implements spec.md §1's UDP leg: a thin, connectionless,
// port-keyed demultiplexer over internal/ipv4. It owns no retransmission
// or ordering logic — that is TCP's job — only header validation and
// socket delivery.
package udp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ustacklabs/ustackd/internal/icmpv4"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

const headerLen = 8

// Datagram is a received UDP datagram, already demultiplexed to a bound
// port.
type Datagram struct {
	SrcAddr [4]byte
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// Receiver is the callback a bound port registers to take delivery.
type Receiver func(d Datagram)

// Demux is the port-keyed UDP ingress/egress path, registered into
// internal/ipv4.Engine for ipv4.ProtoUDP.
type Demux struct {
	log  *slog.Logger
	ip   *ipv4.Engine
	icmp *icmpv4.Handler

	mu    sync.Mutex
	ports map[uint16]Receiver
}

// NewDemux builds a Demux. icmp is used to send a destination-unreachable
// (port-closed) reply when a datagram arrives for an unbound port
// (spec.md §4.7); a nil icmp disables that reply (e.g. in unit tests that
// don't exercise it).
func NewDemux(log *slog.Logger, ip *ipv4.Engine, icmp *icmpv4.Handler) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{log: log, ip: ip, icmp: icmp, ports: make(map[uint16]Receiver)}
}

// Register installs this Demux's Input method as internal/ipv4's
// ProtoUDP handler. Call once during stack wiring.
func (d *Demux) Register() {
	d.ip.RegisterProtocol(ipv4.ProtoUDP, d.Input)
}

// Bind associates recv with port, returning stackerr.ErrPrecondition if
// the port is already bound.
func (d *Demux) Bind(port uint16, recv Receiver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.ports[port]; taken {
		return fmt.Errorf("udp: port %d already bound: %w", port, stackerr.ErrPrecondition)
	}
	d.ports[port] = recv
	return nil
}

// Unbind releases port, e.g. on socket close.
func (d *Demux) Unbind(port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ports, port)
}

func (d *Demux) Input(dg ipv4.Datagram, dev iface.Device) {
	srcPort, dstPort, payload, err := unmarshal(dg.Src, dg.Dst, dg.Payload)
	if err != nil {
		d.log.Debug("udp: dropping invalid datagram", "error", err, "device", dev.Name())
		return
	}

	d.mu.Lock()
	recv, ok := d.ports[dstPort]
	d.mu.Unlock()
	if !ok {
		d.log.Debug("udp: no listener, sending destination-unreachable", "port", dstPort, "from", dg.Src)
		if d.icmp != nil {
			if err := d.icmp.SendDestUnreachable(dev, dg.Src, icmpv4.CodePortUnreachable, ipv4.HeaderBytes(dg), dg.Payload); err != nil {
				d.log.Debug("udp: failed to send destination-unreachable", "error", err, "to", dg.Src)
			}
		}
		return
	}
	recv(Datagram{SrcAddr: dg.Src, SrcPort: srcPort, DstPort: dstPort, Payload: payload})
}

// Send transmits payload as a UDP datagram from srcPort to (dst, dstPort).
func (d *Demux) Send(dev iface.Device, srcAddr [4]byte, srcPort uint16, dst [4]byte, dstPort uint16, payload []byte) error {
	seg := marshal(srcAddr, srcPort, dst, dstPort, payload)
	return d.ip.Send(dev, ipv4.ProtoUDP, dst, seg)
}

func marshal(src [4]byte, srcPort uint16, dst [4]byte, dstPort uint16, payload []byte) []byte {
	length := headerLen + len(payload)
	seg := make([]byte, length)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(length))
	binary.BigEndian.PutUint16(seg[6:8], 0) // checksum placeholder
	copy(seg[headerLen:], payload)

	pseudo := pseudoHeader(src, dst, length)
	cs := pseudoChecksum(pseudo, seg)
	if cs == 0 {
		cs = 0xffff // 0 means "no checksum" per RFC 768; never emit it by accident
	}
	binary.BigEndian.PutUint16(seg[6:8], cs)
	return seg
}

func unmarshal(src, dst [4]byte, b []byte) (srcPort, dstPort uint16, payload []byte, err error) {
	if len(b) < headerLen {
		return 0, 0, nil, fmt.Errorf("udp: short segment (%d bytes): %w", len(b), stackerr.ErrValidation)
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < headerLen || length > len(b) {
		return 0, 0, nil, fmt.Errorf("udp: bad length %d for %d-byte segment: %w", length, len(b), stackerr.ErrValidation)
	}
	if binary.BigEndian.Uint16(b[6:8]) != 0 {
		pseudo := pseudoHeader(src, dst, length)
		if pseudoChecksum(pseudo, b[:length]) != 0 {
			return 0, 0, nil, fmt.Errorf("udp: bad checksum: %w", stackerr.ErrValidation)
		}
	}
	srcPort = binary.BigEndian.Uint16(b[0:2])
	dstPort = binary.BigEndian.Uint16(b[2:4])
	return srcPort, dstPort, append([]byte(nil), b[headerLen:length]...), nil
}

// pseudoHeader builds the RFC 768 pseudo-header used in the UDP checksum.
func pseudoHeader(src, dst [4]byte, udpLen int) []byte {
	b := make([]byte, 12)
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[8] = 0
	b[9] = byte(ipv4.ProtoUDP)
	binary.BigEndian.PutUint16(b[10:12], uint16(udpLen))
	return b
}

func pseudoChecksum(pseudo, udpSegment []byte) uint16 {
	combined := append(append([]byte(nil), pseudo...), udpSegment...)
	return ipv4.Checksum16(combined)
}
