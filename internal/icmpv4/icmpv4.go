// Package icmpv4 implements the control-message protocol ingress/egress
// path the spec's §1 system overview calls out alongside UDP/TCP: echo
// request/reply and destination-unreachable, registered into
// internal/ipv4.Engine exactly like any other upper-layer protocol.
package icmpv4

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

type Type uint8

const (
	TypeEchoReply   Type = 0
	TypeDestUnreach Type = 3
	TypeEchoRequest Type = 8
)

// UnreachCode is the ICMP type-3 code field. Only port-unreachable is
// produced today: this single-interface stack does no forwarding, so it
// never originates a net- or host-unreachable reply (spec.md Non-goals).
type UnreachCode uint8

const CodePortUnreachable UnreachCode = 3

const headerLen = 8

// Message is a parsed ICMPv4 echo message.
type Message struct {
	Type    Type
	Code    uint8
	ID, Seq uint16
	Data    []byte
}

// Handler is the ICMPv4 protocol handler, wired into an
// internal/ipv4.Engine's protocol demux table for ipv4.ProtoICMP.
type Handler struct {
	log *slog.Logger
	ip  *ipv4.Engine
}

func NewHandler(log *slog.Logger, ip *ipv4.Engine) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, ip: ip}
}

// Register installs this handler's Input method into ip's protocol demux
// table. Call once during stack wiring.
func (h *Handler) Register() {
	h.ip.RegisterProtocol(ipv4.ProtoICMP, h.Input)
}

func (h *Handler) Input(d ipv4.Datagram, dev iface.Device) {
	msg, err := unmarshal(d.Payload)
	if err != nil {
		h.log.Debug("icmpv4: dropping invalid message", "error", err)
		return
	}

	switch msg.Type {
	case TypeEchoRequest:
		reply := marshal(Message{Type: TypeEchoReply, Code: 0, ID: msg.ID, Seq: msg.Seq, Data: msg.Data})
		if err := h.ip.Send(dev, ipv4.ProtoICMP, d.Src, reply); err != nil {
			h.log.Debug("icmpv4: echo reply send failed", "error", err, "to", d.Src)
		}
	case TypeEchoReply:
		// Our own stack never originates pings on the data path (that is
		// pro-bing's job on the host side); a stray reply is logged and
		// dropped.
		h.log.Debug("icmpv4: unsolicited echo reply", "from", d.Src, "id", msg.ID, "seq", msg.Seq)
	default:
		h.log.Debug("icmpv4: unhandled type", "type", msg.Type, "from", d.Src)
	}
}

// SendDestUnreachable sends a type-3 message quoting origHeader plus the
// first 8 bytes of origPayload, per RFC 792. Called by internal/udp.Demux
// when a datagram arrives for a port with no bound socket.
func (h *Handler) SendDestUnreachable(dev iface.Device, dst [4]byte, code UnreachCode, origHeader, origPayload []byte) error {
	quote := make([]byte, 0, len(origHeader)+8)
	quote = append(quote, origHeader...)
	if len(origPayload) > 8 {
		origPayload = origPayload[:8]
	}
	quote = append(quote, origPayload...)

	msg := Message{Type: TypeDestUnreach, Code: uint8(code), Data: quote}
	return h.ip.Send(dev, ipv4.ProtoICMP, dst, marshal(msg))
}

func marshal(m Message) []byte {
	b := make([]byte, headerLen+len(m.Data))
	b[0] = byte(m.Type)
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[2:4], 0) // checksum placeholder
	if m.Type == TypeEchoRequest || m.Type == TypeEchoReply {
		binary.BigEndian.PutUint16(b[4:6], m.ID)
		binary.BigEndian.PutUint16(b[6:8], m.Seq)
	}
	copy(b[headerLen:], m.Data)
	cs := ipv4.Checksum16(b)
	binary.BigEndian.PutUint16(b[2:4], cs)
	return b
}

func unmarshal(b []byte) (Message, error) {
	if len(b) < headerLen {
		return Message{}, fmt.Errorf("icmpv4: short message (%d bytes): %w", len(b), stackerr.ErrValidation)
	}
	if ipv4.Checksum16(b) != 0 {
		return Message{}, fmt.Errorf("icmpv4: bad checksum: %w", stackerr.ErrValidation)
	}
	m := Message{
		Type: Type(b[0]),
		Code: b[1],
	}
	if m.Type == TypeEchoRequest || m.Type == TypeEchoReply {
		m.ID = binary.BigEndian.Uint16(b[4:6])
		m.Seq = binary.BigEndian.Uint16(b[6:8])
	}
	m.Data = append([]byte(nil), b[headerLen:]...)
	return m, nil
}
