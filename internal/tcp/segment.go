package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Flags are the TCP control bits this implementation understands. Urgent
// and ECN bits have no constant here, are never set, and are ignored on
// input (spec.md Non-goals don't
// mention TCP options explicitly, but a minimal conformant implementation
// omits them along with urgent-pointer handling).
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagPSH Flags = 1 << 3
	FlagACK Flags = 1 << 4
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const headerLen = 20 // no options

// Segment is a parsed TCP segment (header fields plus payload).
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	Payload          []byte
}

func marshal(src, dst [4]byte, s Segment) []byte {
	total := headerLen + len(s.Payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Ack)
	b[12] = (headerLen / 4) << 4 // data offset, 5 32-bit words
	b[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(b[14:16], s.Window)
	binary.BigEndian.PutUint16(b[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(b[18:20], 0) // urgent pointer: unused
	copy(b[headerLen:], s.Payload)

	pseudo := pseudoHeader(src, dst, total)
	cs := checksumWithPseudo(pseudo, b)
	binary.BigEndian.PutUint16(b[16:18], cs)
	return b
}

func unmarshal(src, dst [4]byte, b []byte) (Segment, error) {
	if len(b) < headerLen {
		return Segment{}, fmt.Errorf("tcp: short segment (%d bytes): %w", len(b), stackerr.ErrValidation)
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < headerLen || dataOffset > len(b) {
		return Segment{}, fmt.Errorf("tcp: bad data offset %d: %w", dataOffset, stackerr.ErrValidation)
	}
	pseudo := pseudoHeader(src, dst, len(b))
	if checksumWithPseudo(pseudo, b) != 0 {
		return Segment{}, fmt.Errorf("tcp: bad checksum: %w", stackerr.ErrValidation)
	}

	s := Segment{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   Flags(b[13]),
		Window:  binary.BigEndian.Uint16(b[14:16]),
	}
	s.Payload = append([]byte(nil), b[dataOffset:]...)
	return s, nil
}

func pseudoHeader(src, dst [4]byte, tcpLen int) []byte {
	b := make([]byte, 12)
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[8] = 0
	b[9] = byte(ipv4.ProtoTCP)
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))
	return b
}

func checksumWithPseudo(pseudo, segment []byte) uint16 {
	combined := append(append([]byte(nil), pseudo...), segment...)
	return ipv4.Checksum16(combined)
}
