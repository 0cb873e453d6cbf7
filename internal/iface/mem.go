package iface

import (
	"fmt"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// MemDevice is an in-memory Device: frames Transmit builds are appended to
// Sent rather than written to a kernel device, and Recv drains an
// injectable Inbox channel. It exists for tests that exercise ARP, IPv4,
// and dispatch logic without a real TAP device, the same role the
// retrieved pack's ublk-mem in-memory backend plays for block-device
// tests.
type MemDevice struct {
	*BaseDevice

	Sent  [][]byte
	Inbox chan []byte
}

// NewMemDevice builds a ready-to-use in-memory device, already Up.
func NewMemDevice(name string, mtu int, hw, bcast MAC) *MemDevice {
	d := &MemDevice{
		BaseDevice: NewBaseDevice(name, mtu, hw, bcast),
		Inbox:      make(chan []byte, 64),
	}
	d.setState(StateUp)
	return d
}

func (d *MemDevice) Open() error  { d.setState(StateUp); return nil }
func (d *MemDevice) Close() error { d.setState(StateDown); close(d.Inbox); return nil }

func (d *MemDevice) Transmit(et EtherType, payload []byte, dst MAC) error {
	if err := d.CheckTransmit(payload); err != nil {
		return err
	}
	d.Sent = append(d.Sent, BuildEthernetFrame(dst, d.HWAddr(), et, payload))
	return nil
}

func (d *MemDevice) Recv(buf []byte) (int, error) {
	frame, ok := <-d.Inbox
	if !ok {
		return 0, fmt.Errorf("iface: device %q closed: %w", d.Name(), stackerr.ErrDeviceIO)
	}
	n := copy(buf, frame)
	return n, nil
}

// Inject pushes a raw frame into the inbox as if it had arrived from the
// wire, for tests to feed to a Stack's ISR loop.
func (d *MemDevice) Inject(frame []byte) {
	d.Inbox <- frame
}
