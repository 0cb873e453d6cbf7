package iface

import (
	"encoding/binary"
	"fmt"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether m is the all-zero address (spec.md §3: "INCOMPLETE
// entries have ... undefined hardware address").
func (m MAC) IsZero() bool { return m == MAC{} }

// Broadcast is the Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// EtherType identifies the payload carried by an Ethernet II frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

const ethernetHeaderLen = 14

// EthernetHeaderLen is ethernetHeaderLen exported for callers sizing their
// own read buffers (e.g. stackwiring's device read loop).
const EthernetHeaderLen = ethernetHeaderLen

// ParseEthernetFrame splits a raw frame into its header fields and payload.
// It performs no further validation; higher layers validate their own
// payload length and contents (spec.md §4.3: unknown types are dropped at
// the registry, not here).
func ParseEthernetFrame(raw []byte) (dst, src MAC, et EtherType, payload []byte, err error) {
	if len(raw) < ethernetHeaderLen {
		return MAC{}, MAC{}, 0, nil, fmt.Errorf("ethernet: short frame (%d bytes): %w", len(raw), stackerr.ErrValidation)
	}
	copy(dst[:], raw[0:6])
	copy(src[:], raw[6:12])
	et = EtherType(binary.BigEndian.Uint16(raw[12:14]))
	payload = raw[ethernetHeaderLen:]
	return dst, src, et, payload, nil
}

// BuildEthernetFrame frames payload behind a 14-byte Ethernet II header.
func BuildEthernetFrame(dst, src MAC, et EtherType, payload []byte) []byte {
	out := make([]byte, ethernetHeaderLen+len(payload))
	copy(out[0:6], dst[:])
	copy(out[6:12], src[:])
	binary.BigEndian.PutUint16(out[12:14], uint16(et))
	copy(out[ethernetHeaderLen:], payload)
	return out
}
